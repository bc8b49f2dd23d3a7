package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
)

type Handler struct {
	service *sync.Service
	cfg     config.ServerConfig
}

func NewHandler(service *sync.Service, cfg config.ServerConfig) *Handler {
	return &Handler{
		service: service,
		cfg:     cfg,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Post("/data/{table}/{id}", h.StoreRecord)
		r.Get("/data/{table}", h.RetrieveTable)
		r.Get("/data/{table}/{id}", h.RetrieveRecord)
		r.Delete("/data/{table}", h.ClearTable)

		r.Post("/sync", h.TriggerSyncAll)
		r.Post("/sync/{table}", h.TriggerSync)
		r.Post("/sync/{table}/pull", h.ForcePull)
		r.Get("/sync/status", h.GetSyncStatus)

		r.Get("/network/status", h.GetNetworkStatus)

		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

		r.Post("/cache/clear", h.ClearCache)
		r.Post("/offline", h.SetOfflineMode)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type storeRequest struct {
	Payload         map[string]any `json:"payload"`
	Operation       string         `json:"operation"`
	ExpectedVersion *int64         `json:"expected_version,omitempty"`
}

func (h *Handler) StoreRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")

	var req storeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	op := store.Operation(req.Operation)
	switch op {
	case store.OpCreate, store.OpUpdate, store.OpDelete:
	case "":
		op = store.OpCreate
	default:
		http.Error(w, "unknown operation", http.StatusBadRequest)
		return
	}

	var result sync.StoreResult
	var err error
	if req.ExpectedVersion != nil {
		result, err = h.service.CompareAndStore(r.Context(), table, id, req.Payload, op, *req.ExpectedVersion)
	} else {
		result, err = h.service.Store(r.Context(), table, id, req.Payload, op)
	}

	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sync.ErrStaleWrite) {
			status = http.StatusConflict
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(result)
		return
	}

	writeJSON(w, result)
}

func (h *Handler) RetrieveTable(w http.ResponseWriter, r *http.Request) {
	h.retrieve(w, r, chi.URLParam(r, "table"), "")
}

func (h *Handler) RetrieveRecord(w http.ResponseWriter, r *http.Request) {
	h.retrieve(w, r, chi.URLParam(r, "table"), chi.URLParam(r, "id"))
}

func (h *Handler) retrieve(w http.ResponseWriter, r *http.Request, table, id string) {
	result, err := h.service.Retrieve(r.Context(), table, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

func (h *Handler) ClearTable(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if err := h.service.ClearLocal(table); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "cleared", "table": table})
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	dir := sync.Direction(r.URL.Query().Get("direction"))
	switch dir {
	case sync.DirectionLocalToRemote, sync.DirectionRemoteToLocal, sync.DirectionBidirectional:
	case "":
		dir = sync.DirectionBidirectional
	default:
		http.Error(w, "unknown direction", http.StatusBadRequest)
		return
	}

	writeJSON(w, h.service.SyncNow(r.Context(), table, dir))
}

func (h *Handler) TriggerSyncAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.service.SyncAll(r.Context()))
}

func (h *Handler) ForcePull(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	count, err := h.service.ForcePull(r.Context(), table)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, sync.ErrSyncInProgress) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, map[string]int{"pulled": count})
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.SyncStatus()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, status)
}

func (h *Handler) GetNetworkStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.service.NetworkStatus())
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.service.ListConflicts()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if conflicts == nil {
		conflicts = []*store.Conflict{}
	}
	writeJSON(w, conflicts)
}

type resolveRequest struct {
	Choice string `json:"choice"`
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := h.service.ResolveConflict(r.Context(), id, sync.Choice(req.Choice))
	if err != nil {
		if errors.Is(err, sync.ErrConflictNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"resolved": false, "error": err.Error()})
		return
	}
	writeJSON(w, map[string]any{"resolved": true})
}

func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.service.ClearCache()
	writeJSON(w, map[string]string{"status": "cache cleared"})
}

type offlineRequest struct {
	Offline bool `json:"offline"`
}

func (h *Handler) SetOfflineMode(w http.ResponseWriter, r *http.Request) {
	var req offlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.service.SetOfflineMode(req.Offline)
	writeJSON(w, map[string]bool{"offline": req.Offline})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware checks the bearer token when one is configured.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token != h.cfg.AuthToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
