package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/gate"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/pipeline"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notify"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingTransport struct {
	mu      sync.Mutex
	sent    []notify.Category
	sendErr error
}

func (r *recordingTransport) Initialize(context.Context, urn.URN) (bool, error) { return true, nil }
func (r *recordingTransport) Cleanup(context.Context, urn.URN)                  {}
func (r *recordingTransport) Send(_ context.Context, _ urn.URN, p notify.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, p.Category())
	return nil
}

type fixedStore struct {
	prefs *notify.Preferences
}

func (f fixedStore) GetPreferences(context.Context, urn.URN) (*notify.Preferences, error) {
	return f.prefs, nil
}
func (f fixedStore) SetPreferences(context.Context, urn.URN, notify.Preferences) error { return nil }

func TestProcessor(t *testing.T) {
	ctx := context.Background()
	user, _ := urn.Parse("urn:sm:user:buyer-1")
	original := messagepipeline.Message{MessageData: messagepipeline.MessageData{ID: "pubsub-1"}}

	promoOff := notify.DefaultPreferences()
	promoOff.Promotions = false

	t.Run("Enabled category is delivered and counted", func(t *testing.T) {
		transport := &recordingTransport{}
		registry := gate.NewRegistry(transport, fixedStore{prefs: &promoOff}, newTestLogger())
		process := pipeline.NewProcessor(registry, newTestLogger())

		err := process(ctx, original, &pipeline.GateRequest{
			Recipient: user,
			Payload:   notify.OrderPayload{OrderID: "o1", Status: "paid", OrderNumber: "7"},
		})
		require.NoError(t, err)
		assert.Equal(t, []notify.Category{notify.CategoryOrder}, transport.sent)

		g, ok := registry.Lookup(user)
		require.True(t, ok)
		assert.Equal(t, 1, g.State().UnreadCount)
	})

	t.Run("Disabled category is suppressed", func(t *testing.T) {
		transport := &recordingTransport{}
		registry := gate.NewRegistry(transport, fixedStore{prefs: &promoOff}, newTestLogger())
		process := pipeline.NewProcessor(registry, newTestLogger())

		err := process(ctx, original, &pipeline.GateRequest{
			Recipient: user,
			Payload:   notify.PromotionPayload{PromotionID: "p1", Title: "Sale", Description: "Half off"},
		})
		require.NoError(t, err)
		assert.Empty(t, transport.sent)
	})

	t.Run("Transport failure is acked", func(t *testing.T) {
		transport := &recordingTransport{sendErr: errors.New("fcm down")}
		registry := gate.NewRegistry(transport, fixedStore{}, newTestLogger())
		process := pipeline.NewProcessor(registry, newTestLogger())

		err := process(ctx, original, &pipeline.GateRequest{
			Recipient: user,
			Payload:   notify.SystemPayload{Title: "Maintenance", Body: "Tonight"},
		})
		assert.NoError(t, err)

		g, _ := registry.Lookup(user)
		assert.Equal(t, 0, g.State().UnreadCount)
	})
}
