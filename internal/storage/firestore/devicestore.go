package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notify"
	"google.golang.org/api/iterator"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

const (
	platformFCM  = "fcm"
	platformAPNS = "apns"
	platformWeb  = "web"
)

// DeviceStore implements dispatch.DeviceStore on Cloud Firestore.
// Devices live at users/{urn}/devices/{sha256(token or endpoint)}.
type DeviceStore struct {
	client *firestore.Client
	logger *slog.Logger
}

func NewDeviceStore(client *firestore.Client, logger *slog.Logger) *DeviceStore {
	return &DeviceStore{
		client: client,
		logger: logger.With("component", "FirestoreDeviceStore"),
	}
}

// deviceRecord holds either a native token or a web subscription.
type deviceRecord struct {
	Platform        string                            `firestore:"platform"`
	Token           string                            `firestore:"token,omitempty"`
	WebSubscription *notification.WebPushSubscription `firestore:"web_subscription,omitempty"`
	UpdatedAt       time.Time                         `firestore:"updated_at"`
}

func (s *DeviceStore) RegisterFCM(ctx context.Context, user urn.URN, token string) error {
	return s.putToken(ctx, user, platformFCM, token)
}

func (s *DeviceStore) UnregisterFCM(ctx context.Context, user urn.URN, token string) error {
	return s.remove(ctx, user, token)
}

func (s *DeviceStore) RegisterAPNS(ctx context.Context, user urn.URN, token string) error {
	return s.putToken(ctx, user, platformAPNS, token)
}

func (s *DeviceStore) UnregisterAPNS(ctx context.Context, user urn.URN, token string) error {
	return s.remove(ctx, user, token)
}

func (s *DeviceStore) RegisterWeb(ctx context.Context, user urn.URN, sub notification.WebPushSubscription) error {
	record := deviceRecord{
		Platform:        platformWeb,
		WebSubscription: &sub,
		UpdatedAt:       time.Now(),
	}
	if _, err := s.deviceRef(user, sub.Endpoint).Set(ctx, record); err != nil {
		return fmt.Errorf("failed to register web subscription: %w", err)
	}
	return nil
}

func (s *DeviceStore) UnregisterWeb(ctx context.Context, user urn.URN, endpoint string) error {
	return s.remove(ctx, user, endpoint)
}

// Fetch buckets every device the user has registered by platform.
func (s *DeviceStore) Fetch(ctx context.Context, user urn.URN) (*notify.DeviceSet, error) {
	iter := s.devicesCollection(user).Documents(ctx)
	defer iter.Stop()

	set := &notify.DeviceSet{
		FCMTokens:        make([]string, 0),
		APNSTokens:       make([]string, 0),
		WebSubscriptions: make([]notification.WebPushSubscription, 0),
	}

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record deviceRecord
		if err := doc.DataTo(&record); err != nil {
			s.logger.Warn("Skipping unreadable device record", "doc", doc.Ref.ID, "err", err)
			continue
		}

		switch {
		case record.Platform == platformWeb && record.WebSubscription != nil:
			set.WebSubscriptions = append(set.WebSubscriptions, *record.WebSubscription)
		case record.Platform == platformAPNS && record.Token != "":
			set.APNSTokens = append(set.APNSTokens, record.Token)
		case record.Token != "":
			// older records carry no platform and were always FCM
			set.FCMTokens = append(set.FCMTokens, record.Token)
		}
	}

	return set, nil
}

func (s *DeviceStore) putToken(ctx context.Context, user urn.URN, platform, token string) error {
	record := deviceRecord{
		Platform:  platform,
		Token:     token,
		UpdatedAt: time.Now(),
	}
	if _, err := s.deviceRef(user, token).Set(ctx, record); err != nil {
		return fmt.Errorf("failed to register %s token: %w", platform, err)
	}
	return nil
}

func (s *DeviceStore) remove(ctx context.Context, user urn.URN, key string) error {
	if _, err := s.deviceRef(user, key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}

func (s *DeviceStore) deviceRef(user urn.URN, key string) *firestore.DocumentRef {
	return s.devicesCollection(user).Doc(hashKey(key))
}

func (s *DeviceStore) devicesCollection(user urn.URN) *firestore.CollectionRef {
	return s.client.Collection(usersCollection).Doc(user.String()).Collection("devices")
}

func hashKey(k string) string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:])
}
