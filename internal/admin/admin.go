// Package admin serves the read-only operational surface on its own
// listener: connection and usage projections, health, and metrics.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymesh/relay/internal/counter"
	"github.com/relaymesh/relay/internal/metrics"
	"github.com/relaymesh/relay/internal/registry"
	"github.com/relaymesh/relay/internal/store"
)

const requestTimeout = 10 * time.Second

// ConnectionLister projects live connections. Implemented by the registry.
type ConnectionLister interface {
	ListByTenant(ctx context.Context, tenantID string) ([]registry.ConnectionRecord, error)
}

// UsageReader projects per-day usage. Implemented by the usage aggregator.
type UsageReader interface {
	GetUsage(ctx context.Context, tenantID, from, to string) ([]store.DailyUsage, error)
}

// HealthChecker reports one dependency's reachability.
type HealthChecker func(ctx context.Context) error

// API is the admin HTTP surface.
type API struct {
	logger      zerolog.Logger
	connections ConnectionLister
	usage       UsageReader
	checks      map[string]HealthChecker
}

func New(logger zerolog.Logger, connections ConnectionLister, usage UsageReader, checks map[string]HealthChecker) *API {
	return &API{
		logger:      logger.With().Str("component", "admin").Logger(),
		connections: connections,
		usage:       usage,
		checks:      checks,
	}
}

// Handler returns the admin mux.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/tenants/{tenantID}/connections", a.handleConnections)
	mux.HandleFunc("GET /admin/tenants/{tenantID}/usage", a.handleUsage)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

type connectionView struct {
	SessionID       string    `json:"session_id"`
	PrincipalID     string    `json:"principal_id"`
	Role            string    `json:"role"`
	ServerInstance  string    `json:"server_instance"`
	OpenedAt        time.Time `json:"opened_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

func (a *API) handleConnections(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	recs, err := a.connections.ListByTenant(ctx, tenantID)
	if err != nil {
		a.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Connection listing failed")
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}

	views := make([]connectionView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, connectionView{
			SessionID:       rec.SessionID,
			PrincipalID:     rec.PrincipalID,
			Role:            string(rec.Role),
			ServerInstance:  rec.ServerInstance,
			OpenedAt:        rec.OpenedAt,
			LastHeartbeatAt: rec.LastHeartbeatAt,
		})
	}
	writeJSON(w, map[string]any{"tenant_id": tenantID, "connections": views})
}

type usageView struct {
	Date           string `json:"date"`
	MessagesIn     int64  `json:"messages_in"`
	MessagesOut    int64  `json:"messages_out"`
	BytesIn        int64  `json:"bytes_in"`
	BytesOut       int64  `json:"bytes_out"`
	ActiveAgents   int64  `json:"active_agents"`
	ActiveChannels int64  `json:"active_channels"`
	Closed         bool   `json:"closed"`
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	q := r.URL.Query()

	today := time.Now().UTC().Format(counter.DateFormat)
	from := q.Get("from")
	if from == "" {
		from = today
	}
	to := q.Get("to")
	if to == "" {
		to = today
	}
	for _, d := range []string{from, to} {
		if _, err := time.Parse(counter.DateFormat, d); err != nil {
			http.Error(w, "dates must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rows, err := a.usage.GetUsage(ctx, tenantID, from, to)
	if err != nil {
		a.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Usage lookup failed")
		http.Error(w, "usage unavailable", http.StatusServiceUnavailable)
		return
	}

	views := make([]usageView, 0, len(rows))
	for _, row := range rows {
		views = append(views, usageView{
			Date:           row.Date,
			MessagesIn:     row.MessagesIn,
			MessagesOut:    row.MessagesOut,
			BytesIn:        row.BytesIn,
			BytesOut:       row.BytesOut,
			ActiveAgents:   row.ActiveAgents,
			ActiveChannels: row.ActiveChannels,
			Closed:         row.Closed,
		})
	}
	writeJSON(w, map[string]any{"tenant_id": tenantID, "usage": views})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(a.checks))
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status": http.StatusText(status),
		"checks": results,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
