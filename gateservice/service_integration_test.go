//go:build integration

package gateservice_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tinywideclouds/go-marketplace-notifications/gateservice"
	"github.com/tinywideclouds/go-marketplace-notifications/gateservice/config"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/gate"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/pipeline"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/platform/push"
	fsStore "github.com/tinywideclouds/go-marketplace-notifications/internal/storage/firestore"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notify"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// --- MOCKS ---

type mockDispatcher struct {
	mu        sync.Mutex
	callCount int
	lastToken []string
	lastMsg   notify.Message
}

func (m *mockDispatcher) Dispatch(_ context.Context, tokens []string, msg notify.Message) (string, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	m.lastToken = tokens
	m.lastMsg = msg
	return "123-343-success", nil, nil
}

func (m *mockDispatcher) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

func (m *mockDispatcher) Last() ([]string, notify.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastToken, m.lastMsg
}

func noopAuth(h http.Handler) http.Handler { return h }

// --- TEST ---

func TestGateService_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	projectID := "test-project-integ"

	pubsubConn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(projectID))
	psClient, err := pubsub.NewClient(ctx, projectID, pubsubConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = psClient.Close() })

	fsConn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	fsClient, err := firestore.NewClient(ctx, projectID, fsConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsClient.Close() })

	devices := fsStore.NewDeviceStore(fsClient, logger)
	prefs := fsStore.NewPreferenceStore(fsClient, logger)

	t.Run("Register -> Publish -> Gate -> Dispatch", func(t *testing.T) {
		topicID := "gate-success-" + uuid.NewString()
		subID := topicID + "-sub"
		createPubsubResources(t, ctx, psClient, projectID, topicID, subID)

		apnsDispatcher := &mockDispatcher{}
		transport := push.NewTransport(devices, nil, apnsDispatcher, nil, logger)
		registry := gate.NewRegistry(transport, prefs, logger)

		consumer, err := messagepipeline.NewGooglePubsubConsumer(messagepipeline.NewGooglePubsubConsumerDefaults(subID), psClient, logger)
		require.NoError(t, err)

		svc, err := gateservice.New(
			&config.Config{ListenAddr: ":0", NumPipelineWorkers: 2},
			consumer,
			registry,
			devices,
			noopAuth,
			logger,
		)
		require.NoError(t, err)

		svcCtx, svcCancel := context.WithCancel(ctx)
		defer svcCancel()
		go func() { _ = svc.Start(svcCtx) }()
		t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

		userURN, _ := urn.Parse("urn:sm:user:integ-buyer")
		require.NoError(t, devices.RegisterAPNS(ctx, userURN, "ios-token-999"))

		// Promotions opted out: this one must never reach the dispatcher.
		optedOut := notify.DefaultPreferences()
		optedOut.Promotions = false
		require.NoError(t, prefs.SetPreferences(ctx, userURN, optedOut))

		publish(t, ctx, psClient, topicID, pipeline.Envelope{
			RecipientID: userURN.String(),
			Category:    "promotion",
			Payload:     json.RawMessage(`{"promotionId":"p1","title":"Sale","description":"Half off"}`),
		})
		publish(t, ctx, psClient, topicID, pipeline.Envelope{
			RecipientID: userURN.String(),
			Category:    "order",
			Payload:     json.RawMessage(`{"orderId":"o1","status":"shipped","orderNumber":"1001"}`),
		})

		require.Eventually(t, func() bool {
			return apnsDispatcher.GetCallCount() == 1
		}, 15*time.Second, 100*time.Millisecond)

		tokens, msg := apnsDispatcher.Last()
		assert.Equal(t, []string{"ios-token-999"}, tokens)
		assert.Equal(t, "Order Update", msg.Title)

		require.Eventually(t, func() bool {
			g, ok := registry.Lookup(userURN)
			return ok && g.State().UnreadCount == 1
		}, 5*time.Second, 100*time.Millisecond)

		// Give the suppressed promotion time to be processed before asserting it stayed suppressed.
		time.Sleep(500 * time.Millisecond)
		assert.Equal(t, 1, apnsDispatcher.GetCallCount())

		// Gates are closed after HTTP is down, so none survive shutdown.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = svc.Shutdown(shutdownCtx)
		assert.Zero(t, registry.Len())
	})
}

func publish(t *testing.T, ctx context.Context, client *pubsub.Client, topicID string, env pipeline.Envelope) {
	t.Helper()
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = client.Publisher(topicID).Publish(ctx, &pubsub.Message{Data: payload}).Get(ctx)
	require.NoError(t, err)
}

func createPubsubResources(t *testing.T, ctx context.Context, client *pubsub.Client, projectID, topicID, subID string) {
	t.Helper()
	topicName := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.TopicAdminClient.DeleteTopic(context.Background(), &pubsubpb.DeleteTopicRequest{Topic: topicName})
	})

	subName := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID)
	sub := &pubsubpb.Subscription{
		Name:               subName,
		Topic:              topicName,
		AckDeadlineSeconds: 10,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: &durationpb.Duration{Seconds: 1},
		},
	}
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, sub)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.SubscriptionAdminClient.DeleteSubscription(context.Background(), &pubsubpb.DeleteSubscriptionRequest{Subscription: subName})
	})
}
