package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// DeviceAPI registers and removes the caller's push devices.
type DeviceAPI struct {
	Store  dispatch.DeviceStore
	Logger *slog.Logger
}

func NewDeviceAPI(store dispatch.DeviceStore, logger *slog.Logger) *DeviceAPI {
	return &DeviceAPI{
		Store:  store,
		Logger: logger.With("component", "DeviceAPI"),
	}
}

type TokenRequest struct {
	Token string `json:"token"`
}

type UnregisterWebRequest struct {
	Endpoint string `json:"endpoint"`
}

func (api *DeviceAPI) RegisterFCM(w http.ResponseWriter, r *http.Request) {
	api.registerToken(w, r, "fcm", api.Store.RegisterFCM)
}

func (api *DeviceAPI) RegisterAPNS(w http.ResponseWriter, r *http.Request) {
	api.registerToken(w, r, "apns", api.Store.RegisterAPNS)
}

func (api *DeviceAPI) UnregisterFCM(w http.ResponseWriter, r *http.Request) {
	api.unregisterToken(w, r, "fcm", api.Store.UnregisterFCM)
}

func (api *DeviceAPI) UnregisterAPNS(w http.ResponseWriter, r *http.Request) {
	api.unregisterToken(w, r, "apns", api.Store.UnregisterAPNS)
}

func (api *DeviceAPI) RegisterWeb(w http.ResponseWriter, r *http.Request) {
	userURN, ok := requireUser(w, r)
	if !ok {
		return
	}

	var sub notification.WebPushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		api.Logger.Warn("RegisterWeb: JSON Decode failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid subscription json")
		return
	}

	if sub.Endpoint == "" || len(sub.Keys.P256dh) == 0 || len(sub.Keys.Auth) == 0 {
		api.Logger.Warn("RegisterWeb: Validation failed", "reason", "missing fields")
		response.WriteJSONError(w, http.StatusBadRequest, "incomplete subscription object")
		return
	}

	if err := api.Store.RegisterWeb(r.Context(), userURN, sub); err != nil {
		api.Logger.Error("failed to register web", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("RegisterWeb: Subscription registered", "user", userURN.String(), "endpoint", sub.Endpoint)

	w.WriteHeader(http.StatusNoContent)
}

func (api *DeviceAPI) UnregisterWeb(w http.ResponseWriter, r *http.Request) {
	userURN, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req UnregisterWebRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Endpoint == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing endpoint")
		return
	}

	if err := api.Store.UnregisterWeb(r.Context(), userURN, req.Endpoint); err != nil {
		api.Logger.Warn("failed to unregister web", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to unregister web")
		return
	}
	api.Logger.Info("UnregisterWeb: Subscription unregistered", "user", userURN.String(), "endpoint", req.Endpoint)

	w.WriteHeader(http.StatusNoContent)
}

type tokenWriter func(ctx context.Context, user urn.URN, token string) error

func (api *DeviceAPI) registerToken(w http.ResponseWriter, r *http.Request, platform string, write tokenWriter) {
	userURN, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}

	if err := write(r.Context(), userURN, req.Token); err != nil {
		api.Logger.Error("failed to register token", "platform", platform, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// unregisterToken is idempotent: a storage failure is logged, not returned.
func (api *DeviceAPI) unregisterToken(w http.ResponseWriter, r *http.Request, platform string, remove tokenWriter) {
	userURN, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := remove(r.Context(), userURN, req.Token); err != nil {
		api.Logger.Warn("failed to unregister token", "platform", platform, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}
