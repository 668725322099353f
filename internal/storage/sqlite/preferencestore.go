// Package sqlite is a single-node PreferenceStore for local development and
// small deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notify"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	_ "modernc.org/sqlite"
)

// PreferenceStore keeps one row per user with the flags as a JSON object.
type PreferenceStore struct {
	db *sqlx.DB
}

type preferenceRow struct {
	UserID    string    `db:"user_id"`
	Flags     string    `db:"flags"`
	UpdatedAt time.Time `db:"updated_at"`
}

// NewPreferenceStore opens (or creates) the database at path, enables WAL
// and applies pending migrations.
func NewPreferenceStore(path string) (*PreferenceStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &PreferenceStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *PreferenceStore) Close() error {
	return s.db.Close()
}

// GetPreferences returns (nil, nil) when the user has no row.
func (s *PreferenceStore) GetPreferences(ctx context.Context, user urn.URN) (*notify.Preferences, error) {
	var row preferenceRow
	err := s.db.GetContext(ctx, &row,
		"SELECT user_id, flags, updated_at FROM notification_preferences WHERE user_id = ?", user.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading preferences: %w", err)
	}

	var flags map[string]bool
	if err := json.Unmarshal([]byte(row.Flags), &flags); err != nil {
		return nil, fmt.Errorf("decoding preferences for %s: %w", row.UserID, err)
	}
	prefs := notify.PreferencesFromMap(flags)
	return &prefs, nil
}

func (s *PreferenceStore) SetPreferences(ctx context.Context, user urn.URN, prefs notify.Preferences) error {
	flags, err := json.Marshal(prefs.Map())
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO notification_preferences (user_id, flags, updated_at)
		VALUES (:user_id, :flags, :updated_at)
		ON CONFLICT(user_id) DO UPDATE SET flags = excluded.flags, updated_at = excluded.updated_at`,
		preferenceRow{UserID: user.String(), Flags: string(flags), UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("writing preferences: %w", err)
	}
	return nil
}

func (s *PreferenceStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}
