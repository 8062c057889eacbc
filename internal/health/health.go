// Package health evaluates role-aware readiness for the activity service.
package health

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Role identifies the runtime role for readiness evaluation.
type Role string

const (
	// RoleLeader runs the schedulers.
	RoleLeader Role = "leader"
	// RoleFollower only serves jobs and HTTP.
	RoleFollower Role = "follower"
)

// Mode indicates high-level health mode.
type Mode string

const (
	// ModeHealthy indicates all dependencies are healthy.
	ModeHealthy Mode = "healthy"
	// ModeDegraded indicates the service is ready but GitHub is failing.
	ModeDegraded Mode = "degraded"
	// ModeUnhealthy indicates a readiness dependency is down.
	ModeUnhealthy Mode = "unhealthy"
)

// Input is the dependency state used for evaluation.
type Input struct {
	Role               Role
	StoreHealthy       bool
	SchedulerHealthy   bool
	GitHubClientUsable bool
	WorkerHealthy      bool
	GitHubHealthy      bool
	// PendingFullSyncs is reported but never affects readiness.
	PendingFullSyncs int
}

// Status is the evaluated health.
type Status struct {
	Role             Role            `json:"role"`
	Mode             Mode            `json:"mode"`
	Ready            bool            `json:"ready"`
	Components       map[string]bool `json:"components"`
	PendingFullSyncs int             `json:"pending_full_syncs"`
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) Status

// CurrentStatus calls f.
func (f ProviderFunc) CurrentStatus(ctx context.Context) Status {
	return f(ctx)
}

// StatusEvaluator evaluates role-aware health and readiness.
type StatusEvaluator struct{}

// NewStatusEvaluator creates a health evaluator.
func NewStatusEvaluator() *StatusEvaluator {
	return &StatusEvaluator{}
}

// Evaluate derives readiness and mode. The store and the job worker are
// required on every replica; the leader also needs its scheduler and a
// usable GitHub client.
func (e *StatusEvaluator) Evaluate(input Input) Status {
	components := map[string]bool{
		"store":          input.StoreHealthy,
		"scheduler":      input.SchedulerHealthy,
		"github_client":  input.GitHubClientUsable,
		"worker":         input.WorkerHealthy,
		"github_healthy": input.GitHubHealthy,
	}

	ready := input.StoreHealthy && input.WorkerHealthy
	if input.Role == RoleLeader {
		ready = ready && input.SchedulerHealthy && input.GitHubClientUsable
	}

	mode := ModeHealthy
	switch {
	case !ready:
		mode = ModeUnhealthy
	case !input.GitHubHealthy:
		mode = ModeDegraded
	}

	return Status{
		Role:             input.Role,
		Mode:             mode,
		Ready:            ready,
		Components:       components,
		PendingFullSyncs: input.PendingFullSyncs,
	}
}

// NewHandler returns a router serving /livez, /readyz and /healthz.
func NewHandler(provider Provider) http.Handler {
	router := chi.NewRouter()

	router.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})

	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if provider.CurrentStatus(r.Context()).Ready {
			writeText(w, http.StatusOK, "ready")
			return
		}
		writeText(w, http.StatusServiceUnavailable, "not ready")
	})

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		payload, err := json.Marshal(status)
		if err != nil {
			writeText(w, http.StatusInternalServerError, `{"mode":"unhealthy","error":"marshal health status"}`)
			return
		}
		code := http.StatusOK
		if !status.Ready {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		//nolint:gosec // Health payload is server-generated JSON status.
		_, _ = w.Write(payload)
	})

	return router
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
