package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-marketplace-notifications/internal/api"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/gate"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notify"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

type fakeTransport struct {
	granted bool
	sent    int
}

func (f *fakeTransport) Initialize(context.Context, urn.URN) (bool, error) { return f.granted, nil }
func (f *fakeTransport) Send(context.Context, urn.URN, notify.Payload) error {
	f.sent++
	return nil
}
func (f *fakeTransport) Cleanup(context.Context, urn.URN) {}

type memoryStore struct {
	mu       sync.Mutex
	records  map[string]notify.Preferences
	failSets bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]notify.Preferences)}
}

func (m *memoryStore) GetPreferences(_ context.Context, u urn.URN) (*notify.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[u.String()]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *memoryStore) SetPreferences(_ context.Context, u urn.URN, p notify.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSets {
		return errors.New("write rejected")
	}
	m.records[u.String()] = p
	return nil
}

const testUser = "urn:sm:user:buyer-42"

func setupGateAPI(transport *fakeTransport, store *memoryStore) *api.GateAPI {
	return api.NewGateAPI(gate.NewRegistry(transport, store, newTestLogger()), newTestLogger())
}

func sendRequest(category, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/"+category, strings.NewReader(body))
	req.SetPathValue("category", category)
	return withUser(req, testUser)
}

func TestGateAPI_InitializeAndState(t *testing.T) {
	handler := setupGateAPI(&fakeTransport{granted: true}, newMemoryStore())

	w := httptest.NewRecorder()
	handler.Initialize(w, withUser(httptest.NewRequest(http.MethodPost, "/api/v1/notifications/initialize", nil), testUser))
	require.Equal(t, http.StatusOK, w.Code)

	var ready api.InitializeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ready))
	assert.True(t, ready.Ready)

	w = httptest.NewRecorder()
	handler.State(w, withUser(httptest.NewRequest(http.MethodGet, "/api/v1/notifications/state", nil), testUser))
	require.Equal(t, http.StatusOK, w.Code)

	var state notify.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.True(t, state.Initialized)
	assert.True(t, state.HasPermission)
	assert.Zero(t, state.UnreadCount)
}

func TestGateAPI_Send(t *testing.T) {
	t.Run("Delivered then cleared", func(t *testing.T) {
		transport := &fakeTransport{}
		handler := setupGateAPI(transport, newMemoryStore())

		w := httptest.NewRecorder()
		handler.Send(w, sendRequest("order", `{"orderId":"o1","status":"shipped","orderNumber":"1001"}`))
		require.Equal(t, http.StatusOK, w.Code)

		var res api.SendResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, "delivered", res.Result)
		assert.Equal(t, 1, transport.sent)

		g, ok := handler.Registry.Lookup(mustURN(t, testUser))
		require.True(t, ok)
		assert.Equal(t, 1, g.State().UnreadCount)

		w = httptest.NewRecorder()
		handler.ClearUnread(w, withUser(httptest.NewRequest(http.MethodDelete, "/api/v1/notifications/unread", nil), testUser))
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Zero(t, g.State().UnreadCount)
	})

	t.Run("Promotions are on by default", func(t *testing.T) {
		transport := &fakeTransport{}
		handler := setupGateAPI(transport, newMemoryStore())

		w := httptest.NewRecorder()
		handler.Send(w, sendRequest("promotion", `{"promotionId":"p1","title":"Sale","description":"Half off"}`))
		require.Equal(t, http.StatusOK, w.Code)

		var res api.SendResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, "delivered", res.Result)
	})

	t.Run("Unknown category is rejected", func(t *testing.T) {
		handler := setupGateAPI(&fakeTransport{}, newMemoryStore())

		w := httptest.NewRecorder()
		handler.Send(w, sendRequest("weather", `{}`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Invalid payload is rejected", func(t *testing.T) {
		transport := &fakeTransport{}
		handler := setupGateAPI(transport, newMemoryStore())

		w := httptest.NewRecorder()
		handler.Send(w, sendRequest("order", `{"orderId":"o1"}`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Zero(t, transport.sent)
	})
}

func TestGateAPI_Preferences(t *testing.T) {
	t.Run("First read returns and persists defaults", func(t *testing.T) {
		store := newMemoryStore()
		handler := setupGateAPI(&fakeTransport{}, store)

		w := httptest.NewRecorder()
		handler.GetPreferences(w, withUser(httptest.NewRequest(http.MethodGet, "/api/v1/preferences", nil), testUser))
		require.Equal(t, http.StatusOK, w.Code)

		var prefs notify.Preferences
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &prefs))
		assert.Equal(t, notify.DefaultPreferences(), prefs)
		assert.Contains(t, store.records, testUser)
	})

	t.Run("Update then suppressed send", func(t *testing.T) {
		transport := &fakeTransport{}
		handler := setupGateAPI(transport, newMemoryStore())

		w := httptest.NewRecorder()
		handler.UpdatePreferences(w, withUser(httptest.NewRequest(http.MethodPut, "/api/v1/preferences", strings.NewReader(`{"messages":false}`)), testUser))
		require.Equal(t, http.StatusOK, w.Code)

		var upd api.UpdatePreferencesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &upd))
		assert.True(t, upd.Updated)

		w = httptest.NewRecorder()
		handler.Send(w, sendRequest("message", `{"senderId":"s1","senderName":"Ana","messageBody":"hi"}`))

		var res api.SendResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, "suppressed", res.Result)
		assert.Zero(t, transport.sent)
	})

	t.Run("Persist failure reports not updated", func(t *testing.T) {
		store := newMemoryStore()
		handler := setupGateAPI(&fakeTransport{}, store)
		store.failSets = true

		w := httptest.NewRecorder()
		handler.UpdatePreferences(w, withUser(httptest.NewRequest(http.MethodPut, "/api/v1/preferences", strings.NewReader(`{"orders":false}`)), testUser))
		require.Equal(t, http.StatusOK, w.Code)

		var upd api.UpdatePreferencesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &upd))
		assert.False(t, upd.Updated)

		g, _ := handler.Registry.Lookup(mustURN(t, testUser))
		assert.True(t, g.Preferences().Orders)
	})

	t.Run("Malformed body", func(t *testing.T) {
		handler := setupGateAPI(&fakeTransport{}, newMemoryStore())

		w := httptest.NewRecorder()
		handler.UpdatePreferences(w, withUser(httptest.NewRequest(http.MethodPut, "/api/v1/preferences", strings.NewReader(`[1,2]`)), testUser))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGateAPI_EndSession(t *testing.T) {
	handler := setupGateAPI(&fakeTransport{}, newMemoryStore())
	user := mustURN(t, testUser)

	handler.Registry.Get(context.Background(), user)
	require.Equal(t, 1, handler.Registry.Len())

	w := httptest.NewRecorder()
	handler.EndSession(w, withUser(httptest.NewRequest(http.MethodDelete, "/api/v1/notifications/session", nil), testUser))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, handler.Registry.Len())
}

func mustURN(t *testing.T, s string) urn.URN {
	t.Helper()
	u, err := urn.Parse(s)
	require.NoError(t, err)
	return u
}
