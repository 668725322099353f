// Package gate decides, per user, whether an outbound notification is sent.
//
// A Gate holds the user's category preferences and the transient dispatch
// state (permission and unread count). Every call into a collaborator is
// guarded: failures are logged and normalized to a safe default, so the gate
// degrades to "notifications disabled" instead of failing its caller.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notify"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Gate is the notification preference gate for a single user.
type Gate struct {
	user      urn.URN
	transport dispatch.Transport
	store     dispatch.PreferenceStore
	logger    *slog.Logger

	// writeMu orders preference loads and updates against each other.
	writeMu sync.Mutex

	mu     sync.Mutex
	state  notify.State
	prefs  notify.Preferences
	closed bool
}

// New creates an uninitialized gate holding the default preferences.
func New(user urn.URN, transport dispatch.Transport, store dispatch.PreferenceStore, logger *slog.Logger) *Gate {
	return &Gate{
		user:      user,
		transport: transport,
		store:     store,
		logger:    logger.With("component", "NotificationGate", "user", user.String()),
		prefs:     notify.DefaultPreferences(),
	}
}

// User returns the identity this gate belongs to.
func (g *Gate) User() urn.URN {
	return g.user
}

// Initialize acquires delivery permission from the transport. Any error or
// denial leaves the gate uninitialized without permission.
func (g *Gate) Initialize(ctx context.Context) bool {
	var granted bool
	err := guard(func() error {
		var err error
		granted, err = g.transport.Initialize(ctx, g.user)
		return err
	})
	if err != nil {
		g.logger.Warn("Notification permission request failed", "err", err)
		granted = false
	} else if !granted {
		g.logger.Info("Notification permission denied")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.state.Initialized = granted
		g.state.HasPermission = granted
	}
	return granted
}

// LoadPreferences fetches the stored record. A user with no record gets the
// defaults, which are persisted once. A read failure falls back to the
// defaults without persisting them.
func (g *Gate) LoadPreferences(ctx context.Context) notify.Preferences {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	prefs, err := g.readPreferences(ctx)
	if err != nil {
		g.logger.Warn("Failed to load notification preferences, using defaults", "err", err)
		prefs = notify.DefaultPreferences()
	}
	g.setPreferences(prefs)
	return prefs
}

// refreshPreferences is LoadPreferences without the fallback: a failed read
// leaves the in-memory record as it was.
func (g *Gate) refreshPreferences(ctx context.Context) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	prefs, err := g.readPreferences(ctx)
	if err != nil {
		return err
	}
	g.setPreferences(prefs)
	return nil
}

func (g *Gate) readPreferences(ctx context.Context) (notify.Preferences, error) {
	var stored *notify.Preferences
	err := guard(func() error {
		var err error
		stored, err = g.store.GetPreferences(ctx, g.user)
		return err
	})
	if err != nil {
		return notify.Preferences{}, err
	}
	if stored != nil {
		return *stored, nil
	}

	g.logger.Debug("No stored preferences, persisting defaults")
	prefs := notify.DefaultPreferences()
	if err := guard(func() error { return g.store.SetPreferences(ctx, g.user, prefs) }); err != nil {
		g.logger.Warn("Failed to persist default preferences", "err", err)
	}
	return prefs, nil
}

func (g *Gate) setPreferences(prefs notify.Preferences) {
	g.mu.Lock()
	if !g.closed {
		g.prefs = prefs
	}
	g.mu.Unlock()
}

// UpdatePreferences persists next and swaps it in only when the write succeeds.
func (g *Gate) UpdatePreferences(ctx context.Context, next notify.Preferences) bool {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if err := guard(func() error { return g.store.SetPreferences(ctx, g.user, next) }); err != nil {
		g.logger.Warn("Failed to persist notification preferences", "err", err)
		return false
	}

	g.setPreferences(next)
	return true
}

// Send delivers payload when the user's preference for its category is on.
// Permission is not consulted. A delivered notification increments the
// unread count by exactly one; suppressed or failed sends leave it alone.
func (g *Gate) Send(ctx context.Context, payload notify.Payload) notify.SendResult {
	if payload == nil {
		g.logger.Warn("Dropping nil notification payload")
		return notify.Failed
	}
	category := payload.Category()
	log := g.logger.With("category", category.String())

	if err := payload.Validate(); err != nil {
		log.Warn("Dropping invalid notification", "err", err)
		return notify.Failed
	}

	g.mu.Lock()
	enabled := g.prefs.Enabled(category)
	g.mu.Unlock()
	if !enabled {
		log.Debug("Notification suppressed by preference")
		return notify.Suppressed
	}

	if err := guard(func() error { return g.transport.Send(ctx, g.user, payload) }); err != nil {
		log.Error("Notification send failed", "err", err)
		return notify.Failed
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		log.Debug("Send resolved after gate closed, unread count not updated")
		return notify.Delivered
	}
	g.state.UnreadCount++
	return notify.Delivered
}

func (g *Gate) SendOrder(ctx context.Context, orderID, status, orderNumber string) notify.SendResult {
	return g.Send(ctx, notify.OrderPayload{OrderID: orderID, Status: status, OrderNumber: orderNumber})
}

// SendPromotion sends a promotion; imageURL may be empty.
func (g *Gate) SendPromotion(ctx context.Context, promotionID, title, description, imageURL string) notify.SendResult {
	return g.Send(ctx, notify.PromotionPayload{PromotionID: promotionID, Title: title, Description: description, ImageURL: imageURL})
}

func (g *Gate) SendProduct(ctx context.Context, productID, productName string, action notify.ProductAction) notify.SendResult {
	return g.Send(ctx, notify.ProductPayload{ProductID: productID, ProductName: productName, Action: action})
}

func (g *Gate) SendMessage(ctx context.Context, senderID, senderName, body string) notify.SendResult {
	return g.Send(ctx, notify.MessagePayload{SenderID: senderID, SenderName: senderName, MessageBody: body})
}

func (g *Gate) SendSystem(ctx context.Context, title, body string, data map[string]string) notify.SendResult {
	return g.Send(ctx, notify.SystemPayload{Title: title, Body: body, Data: data})
}

// ClearUnreadCount resets the unread counter. Idempotent.
func (g *Gate) ClearUnreadCount() {
	g.mu.Lock()
	g.state.UnreadCount = 0
	g.mu.Unlock()
}

// State returns a snapshot of the dispatch state.
func (g *Gate) State() notify.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Preferences returns the in-memory preference record.
func (g *Gate) Preferences() notify.Preferences {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prefs
}

// Close asks the transport to release the user's resources. Results that
// resolve after Close no longer change the gate. Safe to call twice.
func (g *Gate) Close(ctx context.Context) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	if err := guard(func() error {
		g.transport.Cleanup(ctx, g.user)
		return nil
	}); err != nil {
		g.logger.Warn("Transport cleanup failed", "err", err)
	}
}

// guard runs fn and turns a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collaborator panicked: %v", r)
		}
	}()
	return fn()
}
