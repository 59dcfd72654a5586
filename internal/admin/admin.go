package admin

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/HanTheDev/orbit-gateway/internal/errs"
	"github.com/HanTheDev/orbit-gateway/internal/manager"
	"github.com/HanTheDev/orbit-gateway/internal/models"
	"github.com/HanTheDev/orbit-gateway/internal/pool"
)

type AdminHandler struct {
	manager   *manager.Manager
	poolStats func() pool.Stats
}

func NewAdminHandler(m *manager.Manager, poolStats func() pool.Stats) *AdminHandler {
	return &AdminHandler{manager: m, poolStats: poolStats}
}

// RegisterRoutes mounts the admin API on router. Callers wrap router with
// authentication.
func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	// Adapter management
	router.HandleFunc("/admin/adapters", h.ListAdapters).Methods("GET")
	router.HandleFunc("/admin/adapters/reload", h.ReloadAll).Methods("POST")
	router.HandleFunc("/admin/adapters/{class}/{datasource}/{name}", h.GetAdapter).Methods("GET")
	router.HandleFunc("/admin/adapters/{class}/{datasource}/{name}/enable", h.setEnabled(true)).Methods("POST")
	router.HandleFunc("/admin/adapters/{class}/{datasource}/{name}/disable", h.setEnabled(false)).Methods("POST")
	router.HandleFunc("/admin/adapters/{class}/{datasource}/{name}/reload", h.Reload).Methods("POST")

	// Health and pool introspection
	router.HandleFunc("/admin/health/adapters", h.AdapterHealth).Methods("GET")
	router.HandleFunc("/admin/pool/stats", h.PoolStats).Methods("GET")
}

func adapterKey(r *http.Request) models.AdapterKey {
	vars := mux.Vars(r)
	return models.AdapterKey{
		Class:      models.AdapterClass(vars["class"]),
		Datasource: vars["datasource"],
		Name:       vars["name"],
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	writeJSON(w, errs.HTTPStatus(kind), map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func (h *AdminHandler) ListAdapters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Statuses())
}

func (h *AdminHandler) GetAdapter(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.Status(adapterKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *AdminHandler) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := adapterKey(r)
		if _, err := h.manager.SetEnabled(key, enabled); err != nil {
			writeError(w, err)
			return
		}
		status, err := h.manager.Status(key)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func (h *AdminHandler) Reload(w http.ResponseWriter, r *http.Request) {
	key := adapterKey(r)
	if _, err := h.manager.Reload(r.Context(), key); err != nil {
		log.Warn().Err(err).Str("adapter", key.String()).Msg("admin reload failed")
		writeError(w, err)
		return
	}
	status, err := h.manager.Status(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *AdminHandler) ReloadAll(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ReloadAll(r.Context()); err != nil {
		log.Warn().Err(err).Msg("admin reload of all adapters reported errors")
		writeJSON(w, http.StatusMultiStatus, map[string]any{
			"status":   "partial",
			"error":    err.Error(),
			"adapters": h.manager.Statuses(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "reloaded",
		"adapters": h.manager.Statuses(),
	})
}

// AdapterHealth maps adapter name to breaker state and failure count.
func (h *AdminHandler) AdapterHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.HealthAll())
}

func (h *AdminHandler) PoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.poolStats())
}
