package firestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notify"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

const usersCollection = "users"

// PreferenceStore implements dispatch.PreferenceStore on Cloud Firestore.
// The record is a single document at users/{urn}/settings/notifications.
type PreferenceStore struct {
	client *firestore.Client
	logger *slog.Logger
}

func NewPreferenceStore(client *firestore.Client, logger *slog.Logger) *PreferenceStore {
	return &PreferenceStore{
		client: client,
		logger: logger.With("component", "FirestorePreferenceStore"),
	}
}

// GetPreferences returns (nil, nil) when no document exists. Flags missing
// from a stored document take their default value.
func (s *PreferenceStore) GetPreferences(ctx context.Context, user urn.URN) (*notify.Preferences, error) {
	snap, err := s.docRef(user).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read preferences for %s: %w", user.String(), err)
	}

	flags := make(map[string]bool)
	for key, value := range snap.Data() {
		b, ok := value.(bool)
		if !ok {
			continue
		}
		flags[key] = b
	}

	prefs := notify.PreferencesFromMap(flags)
	return &prefs, nil
}

// SetPreferences overwrites the whole document.
func (s *PreferenceStore) SetPreferences(ctx context.Context, user urn.URN, prefs notify.Preferences) error {
	doc := make(map[string]interface{}, 7)
	for key, value := range prefs.Map() {
		doc[key] = value
	}
	doc["updated_at"] = time.Now()

	if _, err := s.docRef(user).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to write preferences for %s: %w", user.String(), err)
	}
	s.logger.Debug("Preferences written", "user", user.String())
	return nil
}

func (s *PreferenceStore) docRef(user urn.URN) *firestore.DocumentRef {
	return s.client.Collection(usersCollection).Doc(user.String()).Collection("settings").Doc("notifications")
}
