// Package dispatch defines the collaborators the notification gate and the
// push transport depend on.
package dispatch

import (
	"context"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notify"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	notification "github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// Transport acquires delivery permission for a user and sends gated notifications.
type Transport interface {
	// Initialize reports whether notifications can reach the user.
	Initialize(ctx context.Context, user urn.URN) (bool, error)
	// Send delivers one notification. It is only called once the gate has
	// checked the user's category preference.
	Send(ctx context.Context, user urn.URN, payload notify.Payload) error
	// Cleanup releases anything held for the user. Best effort.
	Cleanup(ctx context.Context, user urn.URN)
}

// PreferenceStore persists preference records keyed by user.
type PreferenceStore interface {
	// GetPreferences returns (nil, nil) when the user has no stored record.
	GetPreferences(ctx context.Context, user urn.URN) (*notify.Preferences, error)
	// SetPreferences replaces the whole record.
	SetPreferences(ctx context.Context, user urn.URN, prefs notify.Preferences) error
}

// DeviceStore remembers "where" to send notifications for a user.
type DeviceStore interface {
	RegisterFCM(ctx context.Context, user urn.URN, token string) error
	UnregisterFCM(ctx context.Context, user urn.URN, token string) error

	RegisterAPNS(ctx context.Context, user urn.URN, token string) error
	UnregisterAPNS(ctx context.Context, user urn.URN, token string) error

	RegisterWeb(ctx context.Context, user urn.URN, sub notification.WebPushSubscription) error
	UnregisterWeb(ctx context.Context, user urn.URN, endpoint string) error

	// Fetch returns every registered target for the user, bucketed by platform.
	Fetch(ctx context.Context, user urn.URN) (*notify.DeviceSet, error)
}

// Invalidator is implemented by stores that cache per-user state.
type Invalidator interface {
	Invalidate(ctx context.Context, user urn.URN) error
}

// Dispatcher sends to a batch of platform tokens (FCM, APNs).
// It returns a receipt and the tokens the platform reported as dead.
type Dispatcher interface {
	Dispatch(ctx context.Context, tokens []string, msg notify.Message) (string, []string, error)
}

// WebDispatcher sends to a batch of VAPID web push subscriptions.
type WebDispatcher interface {
	Dispatch(ctx context.Context, subs []notification.WebPushSubscription, msg notify.Message) (string, []notification.WebPushSubscription, error)
}
