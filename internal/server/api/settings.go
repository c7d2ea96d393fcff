package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ayusman/rpscam/internal/config"
	"github.com/ayusman/rpscam/internal/store"
)

// SettingsHandler handles HTTP requests for persisted settings.
// Stored values take effect on the next start.
type SettingsHandler struct {
	store *store.Store
}

// NewSettingsHandler creates a new SettingsHandler with the given store.
func NewSettingsHandler(s *store.Store) *SettingsHandler {
	return &SettingsHandler{store: s}
}

// ServeHTTP routes /api/settings and /api/settings/{key}.
func (h *SettingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/settings")
	key = strings.TrimPrefix(key, "/")

	if key == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.list(w, r)
		return
	}

	if !config.IsPersisted(key) {
		WriteError(w, http.StatusBadRequest, "Unknown setting: "+key)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r, key)
	case http.MethodPut:
		h.put(w, r, key)
	case http.MethodDelete:
		h.delete(w, r, key)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type settingResponse struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type listSettingsResponse struct {
	Settings []settingResponse `json:"settings"`
}

type putSettingRequest struct {
	Value string `json:"value"`
}

func (h *SettingsHandler) list(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.Settings().All()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list settings")
		return
	}

	resp := listSettingsResponse{Settings: make([]settingResponse, 0, len(all))}
	for _, st := range all {
		resp.Settings = append(resp.Settings, settingResponse{
			Key:       st.Key,
			Value:     st.Value,
			UpdatedAt: st.UpdatedAt.Format(time.RFC3339),
		})
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *SettingsHandler) get(w http.ResponseWriter, r *http.Request, key string) {
	value, err := h.store.Settings().Get(key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Setting not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to get setting")
		return
	}
	WriteJSON(w, http.StatusOK, settingResponse{Key: key, Value: value})
}

func (h *SettingsHandler) put(w http.ResponseWriter, r *http.Request, key string) {
	var req putSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if err := config.ValidateSetting(key, req.Value); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.Settings().Set(key, req.Value); err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to save setting")
		return
	}
	WriteJSON(w, http.StatusOK, settingResponse{Key: key, Value: req.Value})
}

func (h *SettingsHandler) delete(w http.ResponseWriter, r *http.Request, key string) {
	if err := h.store.Settings().Delete(key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Setting not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to delete setting")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
