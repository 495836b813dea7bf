// Package api serves the collector's status and query endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sentinelmon/internal/model"
	"sentinelmon/internal/rules"
	"sentinelmon/internal/session"
	"sentinelmon/internal/sink"
)

// HTTPAPI provides HTTP endpoints for the collector daemon.
type HTTPAPI struct {
	store    *sink.MemoryStore
	registry *session.Registry
	loader   *rules.Loader
	logger   *slog.Logger

	ready func() bool
}

// NewHTTPAPI creates a new HTTP API instance. The ready callback gates
// /readyz; pass nil to always report ready.
func NewHTTPAPI(store *sink.MemoryStore, registry *session.Registry, loader *rules.Loader, ready func() bool, logger *slog.Logger) *HTTPAPI {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &HTTPAPI{
		store:    store,
		registry: registry,
		loader:   loader,
		logger:   logger,
		ready:    ready,
	}
}

// Router builds the route table.
func (api *HTTPAPI) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/agents", api.handleAgents).Methods(http.MethodGet)
	r.HandleFunc("/alerts", api.handleAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/stats", api.handleAlertStats).Methods(http.MethodGet)
	r.HandleFunc("/rules", api.handleRules).Methods(http.MethodGet)
	r.HandleFunc("/rules/reload", api.handleRulesReload).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", api.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", api.handleReady).Methods(http.MethodGet)
	return r
}

// handleAgents handles GET /agents.
func (api *HTTPAPI) handleAgents(w http.ResponseWriter, r *http.Request) {
	records := api.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":    records,
		"count":     len(records),
		"timestamp": time.Now().UTC(),
	})
}

// handleAlerts handles GET /alerts with optional agent_id, severity, and
// limit query parameters.
func (api *HTTPAPI) handleAlerts(w http.ResponseWriter, r *http.Request) {
	filter := sink.AlertFilter{
		AgentID: r.URL.Query().Get("agent_id"),
	}
	if sev := r.URL.Query().Get("severity"); sev != "" {
		s := model.Severity(sev)
		if !s.Valid() {
			http.Error(w, "unknown severity", http.StatusBadRequest)
			return
		}
		filter.MinSeverity = s
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	alerts := api.store.Alerts(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts":    alerts,
		"count":     len(alerts),
		"timestamp": time.Now().UTC(),
	})
}

// handleAlertStats handles GET /alerts/stats. The window defaults to 24h
// and can be overridden with a since_hours parameter.
func (api *HTTPAPI) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if hoursStr := r.URL.Query().Get("since_hours"); hoursStr != "" {
		hours, err := strconv.Atoi(hoursStr)
		if err != nil || hours <= 0 {
			http.Error(w, "since_hours must be a positive integer", http.StatusBadRequest)
			return
		}
		window = time.Duration(hours) * time.Hour
	}

	stats := api.store.StatsSince(time.Now().Add(-window))
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":     stats,
		"window":    window.String(),
		"timestamp": time.Now().UTC(),
	})
}

// handleRules handles GET /rules.
func (api *HTTPAPI) handleRules(w http.ResponseWriter, r *http.Request) {
	snapshot := api.loader.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":     snapshot.Rules,
		"count":     len(snapshot.Rules),
		"version":   snapshot.Version,
		"timestamp": time.Now().UTC(),
	})
}

// handleRulesReload handles POST /rules/reload. A failed load keeps the
// previous snapshot active and reports the error.
func (api *HTTPAPI) handleRulesReload(w http.ResponseWriter, r *http.Request) {
	snapshot, err := api.loader.Load()
	if err != nil {
		api.logger.Warn("rule reload rejected", "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   err.Error(),
			"version": api.loader.Snapshot().Version,
		})
		return
	}
	api.logger.Info("rules reloaded", "count", len(snapshot.Rules), "version", snapshot.Version)
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(snapshot.Rules),
		"version": snapshot.Version,
	})
}

// handleHealth handles GET /healthz.
func (api *HTTPAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// handleReady handles GET /readyz.
func (api *HTTPAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	if !api.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": api.registry.ActiveSessions(),
		"timestamp":       time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
