package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-marketplace-notifications/internal/gate"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notify"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
)

const maxPayloadBytes = 64 << 10

// GateAPI exposes the caller's notification gate.
type GateAPI struct {
	Registry *gate.Registry
	Logger   *slog.Logger
}

func NewGateAPI(registry *gate.Registry, logger *slog.Logger) *GateAPI {
	return &GateAPI{
		Registry: registry,
		Logger:   logger.With("component", "GateAPI"),
	}
}

type InitializeResponse struct {
	Ready bool `json:"ready"`
}

type SendResponse struct {
	Result string `json:"result"`
}

type UpdatePreferencesResponse struct {
	Updated bool `json:"updated"`
}

// Initialize handles POST /notifications/initialize.
func (api *GateAPI) Initialize(w http.ResponseWriter, r *http.Request) {
	userURN, ok := requireUser(w, r)
	if !ok {
		return
	}
	ready := api.Registry.Get(r.Context(), userURN).Initialize(r.Context())
	writeJSON(w, http.StatusOK, InitializeResponse{Ready: ready})
}

// State handles GET /notifications/state.
func (api *GateAPI) State(w http.ResponseWriter, r *http.Request) {
	userURN, ok := requireUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, api.Registry.Get(r.Context(), userURN).State())
}

// ClearUnread handles DELETE /notifications/unread.
func (api *GateAPI) ClearUnread(w http.ResponseWriter, r *http.Request) {
	userURN, ok := requireUser(w, r)
	if !ok {
		return
	}
	api.Registry.Get(r.Context(), userURN).ClearUnreadCount()
	w.WriteHeader(http.StatusNoContent)
}

// EndSession handles DELETE /notifications/session. The gate is torn down
// and mounted afresh on the next request.
func (api *GateAPI) EndSession(w http.ResponseWriter, r *http.Request) {
	userURN, ok := requireUser(w, r)
	if !ok {
		return
	}
	api.Registry.Evict(r.Context(), userURN)
	w.WriteHeader(http.StatusNoContent)
}

// Send handles POST /notifications/{category}. The body is the payload for
// that category.
func (api *GateAPI) Send(w http.ResponseWriter, r *http.Request) {
	userURN, ok := requireUser(w, r)
	if !ok {
		return
	}

	category, err := notify.ParseCategory(r.PathValue("category"))
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	payload, err := notify.DecodePayload(category, raw)
	if err != nil {
		if !errors.Is(err, notify.ErrInvalidPayload) {
			api.Logger.Warn("Send: payload decode failed", "category", category.String(), "err", err)
		}
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := api.Registry.Get(r.Context(), userURN).Send(r.Context(), payload)
	writeJSON(w, http.StatusOK, SendResponse{Result: result.String()})
}

// GetPreferences handles GET /preferences. It reloads from the store.
func (api *GateAPI) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userURN, ok := requireUser(w, r)
	if !ok {
		return
	}
	prefs := api.Registry.Get(r.Context(), userURN).LoadPreferences(r.Context())
	writeJSON(w, http.StatusOK, prefs)
}

// UpdatePreferences handles PUT /preferences. The body replaces the whole
// record; omitted flags take their default value.
func (api *GateAPI) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userURN, ok := requireUser(w, r)
	if !ok {
		return
	}

	var flags map[string]bool
	if err := decodeJSON(r, &flags); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid preferences json")
		return
	}

	updated := api.Registry.Get(r.Context(), userURN).UpdatePreferences(r.Context(), notify.PreferencesFromMap(flags))
	writeJSON(w, http.StatusOK, UpdatePreferencesResponse{Updated: updated})
}
