// Package admin serves the dashboard backend: tenant CRUD, API key rotation,
// and usage analytics. Guarded by the admin JWT middleware, never reachable
// from widget traffic.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Visual-Hive/chatconnect-ai-backend/internal/auth"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/db"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/models"
)

type Handler struct {
	db  *db.DB
	log *logrus.Logger
}

func NewHandler(database *db.DB, log *logrus.Logger) *Handler {
	return &Handler{db: database, log: log}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	// Paths are relative to the /admin prefix the caller mounts us under.
	router.HandleFunc("/tenants", h.ListTenants).Methods("GET")
	router.HandleFunc("/tenants", h.CreateTenant).Methods("POST")
	router.HandleFunc("/tenants/{id}", h.GetTenant).Methods("GET")
	router.HandleFunc("/tenants/{id}", h.UpdateTenant).Methods("PUT")
	router.HandleFunc("/tenants/{id}", h.DeleteTenant).Methods("DELETE")
	router.HandleFunc("/tenants/{id}/rotate-key", h.RotateAPIKey).Methods("POST")
	router.HandleFunc("/tenants/{id}/analytics", h.GetAnalytics).Methods("GET")
}

func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string   `json:"name"`
		Tier           string   `json:"tier"`
		AllowedOrigins []string `json:"allowed_origins"`
		HourlyLimit    int      `json:"hourly_limit"`
		HardCap        bool     `json:"hard_cap"`
		Model          string   `json:"model"`
		SystemPrompt   string   `json:"system_prompt"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		http.Error(w, "Name is required", http.StatusBadRequest)
		return
	}

	tier := models.Tier(req.Tier)
	if tier != models.TierFree && tier != models.TierPaid {
		tier = models.TierFree
	}

	if req.HourlyLimit <= 0 {
		req.HourlyLimit = 1000
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		http.Error(w, "Failed to generate API key", http.StatusInternalServerError)
		return
	}

	tenant := &models.Tenant{
		ID:             uuid.NewString(),
		Name:           req.Name,
		APIKey:         apiKey,
		Status:         models.StatusActive,
		Tier:           tier,
		AllowedOrigins: req.AllowedOrigins,
		HourlyLimit:    req.HourlyLimit,
		HardCap:        req.HardCap,
		Model:          req.Model,
		SystemPrompt:   req.SystemPrompt,
	}

	if err := h.db.CreateTenant(r.Context(), tenant); err != nil {
		h.log.WithError(err).Error("failed to create tenant")
		http.Error(w, "Failed to create tenant", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(tenant)
}

func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.db.ListTenants(r.Context())
	if err != nil {
		http.Error(w, "Failed to list tenants", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tenants)
}

func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.db.GetTenantByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "Tenant not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to get tenant", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tenant)
}

func (h *Handler) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	var updates db.TenantUpdates
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	err := h.db.UpdateTenant(r.Context(), mux.Vars(r)["id"], updates)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "Tenant not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to update tenant", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
}

func (h *Handler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	err := h.db.DeleteTenant(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "Tenant not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to delete tenant", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RotateAPIKey issues a fresh key and invalidates the old one in the same
// statement. There is no grace period: the old key fails from the next
// request on.
func (h *Handler) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	newAPIKey, err := auth.GenerateAPIKey()
	if err != nil {
		http.Error(w, "Failed to generate API key", http.StatusInternalServerError)
		return
	}

	err = h.db.RotateAPIKey(r.Context(), mux.Vars(r)["id"], newAPIKey)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "Tenant not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to rotate API key", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"api_key": newAPIKey,
		"status":  "rotated",
	})
}

func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -7)

	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			from = t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			to = t.AddDate(0, 0, 1)
		}
	}

	aggs, err := h.db.GetTenantAnalytics(r.Context(), mux.Vars(r)["id"], from, to)
	if err != nil {
		http.Error(w, "Failed to get analytics", http.StatusInternalServerError)
		return
	}
	if aggs == nil {
		aggs = []models.UsageAggregate{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(aggs)
}
