package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-marketplace-notifications/internal/api"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notify"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// --- Mocks ---

type MockDeviceStore struct {
	mock.Mock
}

func (m *MockDeviceStore) RegisterFCM(ctx context.Context, u urn.URN, token string) error {
	return m.Called(ctx, u, token).Error(0)
}
func (m *MockDeviceStore) UnregisterFCM(ctx context.Context, u urn.URN, token string) error {
	return m.Called(ctx, u, token).Error(0)
}
func (m *MockDeviceStore) RegisterAPNS(ctx context.Context, u urn.URN, token string) error {
	return m.Called(ctx, u, token).Error(0)
}
func (m *MockDeviceStore) UnregisterAPNS(ctx context.Context, u urn.URN, token string) error {
	return m.Called(ctx, u, token).Error(0)
}
func (m *MockDeviceStore) RegisterWeb(ctx context.Context, u urn.URN, sub notification.WebPushSubscription) error {
	return m.Called(ctx, u, sub).Error(0)
}
func (m *MockDeviceStore) UnregisterWeb(ctx context.Context, u urn.URN, endpoint string) error {
	return m.Called(ctx, u, endpoint).Error(0)
}
func (m *MockDeviceStore) Fetch(ctx context.Context, u urn.URN) (*notify.DeviceSet, error) {
	args := m.Called(ctx, u)
	return args.Get(0).(*notify.DeviceSet), args.Error(1)
}

// --- Setup ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupDeviceAPI() (*api.DeviceAPI, *MockDeviceStore) {
	mockStore := new(MockDeviceStore)
	return api.NewDeviceAPI(mockStore, newTestLogger()), mockStore
}

// withUser injects the user handle the way the auth middleware does.
func withUser(req *http.Request, userID string) *http.Request {
	return req.WithContext(middleware.ContextWithUser(req.Context(), userID, userID, ""))
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(b)
}

// --- Tests ---

func TestRegisterTokens(t *testing.T) {
	targetURN, _ := urn.Parse("urn:sm:user:123")

	t.Run("FCM success", func(t *testing.T) {
		handler, mockStore := setupDeviceAPI()
		mockStore.On("RegisterFCM", mock.Anything, targetURN, "fcm-token-abc").Return(nil)

		req := withUser(httptest.NewRequest(http.MethodPost, "/register/fcm", jsonBody(t, map[string]string{"token": "fcm-token-abc"})), targetURN.String())
		w := httptest.NewRecorder()
		handler.RegisterFCM(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		mockStore.AssertExpectations(t)
	})

	t.Run("APNS success", func(t *testing.T) {
		handler, mockStore := setupDeviceAPI()
		mockStore.On("RegisterAPNS", mock.Anything, targetURN, "apns-token").Return(nil)

		req := withUser(httptest.NewRequest(http.MethodPost, "/register/apns", jsonBody(t, map[string]string{"token": "apns-token"})), targetURN.String())
		w := httptest.NewRecorder()
		handler.RegisterAPNS(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		mockStore.AssertExpectations(t)
	})

	t.Run("Missing token", func(t *testing.T) {
		handler, mockStore := setupDeviceAPI()

		req := withUser(httptest.NewRequest(http.MethodPost, "/register/apns", jsonBody(t, map[string]string{})), targetURN.String())
		w := httptest.NewRecorder()
		handler.RegisterAPNS(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		mockStore.AssertNotCalled(t, "RegisterAPNS", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Storage failure", func(t *testing.T) {
		handler, mockStore := setupDeviceAPI()
		mockStore.On("RegisterFCM", mock.Anything, targetURN, "t").Return(errors.New("db down"))

		req := withUser(httptest.NewRequest(http.MethodPost, "/register/fcm", jsonBody(t, map[string]string{"token": "t"})), targetURN.String())
		w := httptest.NewRecorder()
		handler.RegisterFCM(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("Unauthorized", func(t *testing.T) {
		handler, _ := setupDeviceAPI()

		req := httptest.NewRequest(http.MethodPost, "/register/fcm", jsonBody(t, map[string]string{"token": "t"}))
		w := httptest.NewRecorder()
		handler.RegisterFCM(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestUnregisterTokens(t *testing.T) {
	targetURN, _ := urn.Parse("urn:sm:user:123")

	t.Run("APNS failure is still 204", func(t *testing.T) {
		handler, mockStore := setupDeviceAPI()
		mockStore.On("UnregisterAPNS", mock.Anything, targetURN, "gone").Return(errors.New("not found"))

		req := withUser(httptest.NewRequest(http.MethodPost, "/unregister/apns", jsonBody(t, map[string]string{"token": "gone"})), targetURN.String())
		w := httptest.NewRecorder()
		handler.UnregisterAPNS(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		mockStore.AssertExpectations(t)
	})

	t.Run("FCM success", func(t *testing.T) {
		handler, mockStore := setupDeviceAPI()
		mockStore.On("UnregisterFCM", mock.Anything, targetURN, "old").Return(nil)

		req := withUser(httptest.NewRequest(http.MethodPost, "/unregister/fcm", jsonBody(t, map[string]string{"token": "old"})), targetURN.String())
		w := httptest.NewRecorder()
		handler.UnregisterFCM(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		mockStore.AssertExpectations(t)
	})
}

func TestWebRegistration(t *testing.T) {
	targetURN, _ := urn.Parse("urn:sm:user:123")

	t.Run("Register success", func(t *testing.T) {
		handler, mockStore := setupDeviceAPI()

		sub := notification.WebPushSubscription{Endpoint: "https://push.example/abc"}
		sub.Keys.P256dh = []byte{0x01, 0x02}
		sub.Keys.Auth = []byte{0x03}
		mockStore.On("RegisterWeb", mock.Anything, targetURN, sub).Return(nil)

		req := withUser(httptest.NewRequest(http.MethodPost, "/register/web", jsonBody(t, sub)), targetURN.String())
		w := httptest.NewRecorder()
		handler.RegisterWeb(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		mockStore.AssertExpectations(t)
	})

	t.Run("Register rejects missing keys", func(t *testing.T) {
		handler, mockStore := setupDeviceAPI()

		req := withUser(httptest.NewRequest(http.MethodPost, "/register/web", jsonBody(t, map[string]string{"endpoint": "https://push.example/abc"})), targetURN.String())
		w := httptest.NewRecorder()
		handler.RegisterWeb(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		mockStore.AssertNotCalled(t, "RegisterWeb", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Unregister requires endpoint", func(t *testing.T) {
		handler, _ := setupDeviceAPI()

		req := withUser(httptest.NewRequest(http.MethodPost, "/unregister/web", jsonBody(t, map[string]string{})), targetURN.String())
		w := httptest.NewRecorder()
		handler.UnregisterWeb(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Unregister success", func(t *testing.T) {
		handler, mockStore := setupDeviceAPI()
		mockStore.On("UnregisterWeb", mock.Anything, targetURN, "https://push.example/abc").Return(nil)

		req := withUser(httptest.NewRequest(http.MethodPost, "/unregister/web", jsonBody(t, map[string]string{"endpoint": "https://push.example/abc"})), targetURN.String())
		w := httptest.NewRecorder()
		handler.UnregisterWeb(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		mockStore.AssertExpectations(t)
	})
}
