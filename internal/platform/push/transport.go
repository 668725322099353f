// Package push implements the gate transport on top of the platform push
// services (FCM, APNs and VAPID web push).
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notify"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Transport fans a rendered notification out to every device the user has
// registered, and removes devices the platforms report as dead.
type Transport struct {
	devices dispatch.DeviceStore
	fcm     dispatch.Dispatcher
	apns    dispatch.Dispatcher
	web     dispatch.WebDispatcher
	logger  *slog.Logger
}

// NewTransport wires the dispatchers. Any dispatcher may be nil when the
// platform is not configured; its devices are then skipped.
func NewTransport(
	devices dispatch.DeviceStore,
	fcmDispatcher dispatch.Dispatcher,
	apnsDispatcher dispatch.Dispatcher,
	webDispatcher dispatch.WebDispatcher,
	logger *slog.Logger,
) *Transport {
	return &Transport{
		devices: devices,
		fcm:     fcmDispatcher,
		apns:    apnsDispatcher,
		web:     webDispatcher,
		logger:  logger.With("component", "PushTransport"),
	}
}

// Initialize grants permission when the user has at least one registered device.
func (t *Transport) Initialize(ctx context.Context, user urn.URN) (bool, error) {
	set, err := t.devices.Fetch(ctx, user)
	if err != nil {
		return false, fmt.Errorf("failed to fetch devices for %s: %w", user.String(), err)
	}
	return !set.Empty(), nil
}

// Send renders payload and dispatches it to every registered device.
// A user with no devices is not an error; the notification is dropped.
func (t *Transport) Send(ctx context.Context, user urn.URN, payload notify.Payload) error {
	msg := payload.Render()
	msg.Data = withNotificationID(msg.Data)

	log := t.logger.With(
		"user", user.String(),
		"category", payload.Category().String(),
		"notification_id", msg.Data["notification_id"],
	)

	set, err := t.devices.Fetch(ctx, user)
	if err != nil {
		log.Error("Failed to fetch device tokens", "err", err)
		return fmt.Errorf("failed to fetch devices: %w", err)
	}
	if set.Empty() {
		log.Info("No devices registered for user; dropping notification.")
		return nil
	}

	var errs []error

	if len(set.FCMTokens) > 0 {
		errs = append(errs, t.dispatchTokens(ctx, log, "fcm", t.fcm, set.FCMTokens, msg, func(token string) error {
			return t.devices.UnregisterFCM(ctx, user, token)
		}))
	}
	if len(set.APNSTokens) > 0 {
		errs = append(errs, t.dispatchTokens(ctx, log, "apns", t.apns, set.APNSTokens, msg, func(token string) error {
			return t.devices.UnregisterAPNS(ctx, user, token)
		}))
	}
	if len(set.WebSubscriptions) > 0 {
		errs = append(errs, t.dispatchWeb(ctx, log, user, set, msg))
	}

	return errors.Join(errs...)
}

// Cleanup drops cached device routes so the next session refetches them.
func (t *Transport) Cleanup(ctx context.Context, user urn.URN) {
	inv, ok := t.devices.(dispatch.Invalidator)
	if !ok {
		return
	}
	if err := inv.Invalidate(ctx, user); err != nil {
		t.logger.Warn("Failed to invalidate cached devices", "user", user.String(), "err", err)
	}
}

func (t *Transport) dispatchTokens(
	ctx context.Context,
	log *slog.Logger,
	platform string,
	d dispatch.Dispatcher,
	tokens []string,
	msg notify.Message,
	unregister func(token string) error,
) error {
	if d == nil {
		log.Warn("Platform not configured; skipping devices", "platform", platform, "count", len(tokens))
		return nil
	}

	receipt, invalidTokens, err := d.Dispatch(ctx, tokens, msg)

	if len(invalidTokens) > 0 {
		log.Info("Cleaning up invalid tokens", "platform", platform, "count", len(invalidTokens))
		for _, token := range invalidTokens {
			if err := unregister(token); err != nil {
				log.Warn("Failed to delete token", "platform", platform, "err", err)
			}
		}
	}

	if err != nil {
		log.Error("Dispatch failed", "platform", platform, "err", err)
		return fmt.Errorf("%s dispatch failed: %w", platform, err)
	}
	log.Info("Dispatched", "platform", platform, "receipt", receipt)
	return nil
}

func (t *Transport) dispatchWeb(ctx context.Context, log *slog.Logger, user urn.URN, set *notify.DeviceSet, msg notify.Message) error {
	if t.web == nil {
		log.Warn("Platform not configured; skipping devices", "platform", "web", "count", len(set.WebSubscriptions))
		return nil
	}

	receipt, invalidSubs, err := t.web.Dispatch(ctx, set.WebSubscriptions, msg)

	if len(invalidSubs) > 0 {
		log.Info("Cleaning up invalid Web subscriptions", "count", len(invalidSubs))
		for _, sub := range invalidSubs {
			if err := t.devices.UnregisterWeb(ctx, user, sub.Endpoint); err != nil {
				log.Warn("Failed to delete Web subscription", "endpoint", sub.Endpoint, "err", err)
			}
		}
	}

	if err != nil {
		log.Error("Web Dispatch failed", "err", err)
		return fmt.Errorf("web dispatch failed: %w", err)
	}
	log.Info("Web Dispatched", "receipt", receipt)
	return nil
}

func withNotificationID(data map[string]string) map[string]string {
	out := make(map[string]string, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["notification_id"] = uuid.NewString()
	return out
}
