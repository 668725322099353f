// Package cache provides read-aside Redis decorators for the device and
// preference stores.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notify"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get decodes the stored value into dest, or returns an error on a miss.
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// CachedDeviceStore adds read-aside caching to a DeviceStore. Every write
// invalidates the user's entry so unregistering stops delivery at once.
type CachedDeviceStore struct {
	realStore dispatch.DeviceStore
	cache     CacheClient
	ttl       time.Duration
}

func NewCachedDeviceStore(realStore dispatch.DeviceStore, cache CacheClient, ttl time.Duration) *CachedDeviceStore {
	return &CachedDeviceStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

func (s *CachedDeviceStore) Fetch(ctx context.Context, user urn.URN) (*notify.DeviceSet, error) {
	key := deviceKey(user)

	var cached notify.DeviceSet
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	fresh, err := s.realStore.Fetch(ctx, user)
	if err != nil {
		return nil, err
	}

	// a failed fill only costs the next read a trip to the store
	_ = s.cache.Set(ctx, key, fresh, s.ttl)
	return fresh, nil
}

func (s *CachedDeviceStore) RegisterFCM(ctx context.Context, user urn.URN, token string) error {
	if err := s.realStore.RegisterFCM(ctx, user, token); err != nil {
		return err
	}
	return s.Invalidate(ctx, user)
}

func (s *CachedDeviceStore) UnregisterFCM(ctx context.Context, user urn.URN, token string) error {
	if err := s.realStore.UnregisterFCM(ctx, user, token); err != nil {
		return err
	}
	return s.Invalidate(ctx, user)
}

func (s *CachedDeviceStore) RegisterAPNS(ctx context.Context, user urn.URN, token string) error {
	if err := s.realStore.RegisterAPNS(ctx, user, token); err != nil {
		return err
	}
	return s.Invalidate(ctx, user)
}

func (s *CachedDeviceStore) UnregisterAPNS(ctx context.Context, user urn.URN, token string) error {
	if err := s.realStore.UnregisterAPNS(ctx, user, token); err != nil {
		return err
	}
	return s.Invalidate(ctx, user)
}

func (s *CachedDeviceStore) RegisterWeb(ctx context.Context, user urn.URN, sub notification.WebPushSubscription) error {
	if err := s.realStore.RegisterWeb(ctx, user, sub); err != nil {
		return err
	}
	return s.Invalidate(ctx, user)
}

func (s *CachedDeviceStore) UnregisterWeb(ctx context.Context, user urn.URN, endpoint string) error {
	if err := s.realStore.UnregisterWeb(ctx, user, endpoint); err != nil {
		return err
	}
	return s.Invalidate(ctx, user)
}

// Invalidate drops the cached device set for user.
func (s *CachedDeviceStore) Invalidate(ctx context.Context, user urn.URN) error {
	return s.cache.Del(ctx, deviceKey(user))
}

func deviceKey(user urn.URN) string {
	return fmt.Sprintf("notify:devices:%s", user.String())
}
