package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notify"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// CachedPreferenceStore adds read-aside caching to a PreferenceStore.
// Absent records are not cached.
type CachedPreferenceStore struct {
	realStore dispatch.PreferenceStore
	cache     CacheClient
	ttl       time.Duration
}

func NewCachedPreferenceStore(realStore dispatch.PreferenceStore, cache CacheClient, ttl time.Duration) *CachedPreferenceStore {
	return &CachedPreferenceStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

func (s *CachedPreferenceStore) GetPreferences(ctx context.Context, user urn.URN) (*notify.Preferences, error) {
	key := preferenceKey(user)

	var cached notify.Preferences
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	fresh, err := s.realStore.GetPreferences(ctx, user)
	if err != nil || fresh == nil {
		return fresh, err
	}

	_ = s.cache.Set(ctx, key, fresh, s.ttl)
	return fresh, nil
}

// SetPreferences writes to the store and then refreshes the cached copy.
// The store is the source of truth, so cache failures are not returned.
func (s *CachedPreferenceStore) SetPreferences(ctx context.Context, user urn.URN, prefs notify.Preferences) error {
	if err := s.realStore.SetPreferences(ctx, user, prefs); err != nil {
		return err
	}
	key := preferenceKey(user)
	if err := s.cache.Set(ctx, key, prefs, s.ttl); err != nil {
		_ = s.cache.Del(ctx, key)
	}
	return nil
}

func preferenceKey(user urn.URN) string {
	return fmt.Sprintf("notify:prefs:%s", user.String())
}
