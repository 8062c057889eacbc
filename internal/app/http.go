package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/ghactivity/internal/fullsync"
	"github.com/cam3ron2/ghactivity/internal/health"
	"github.com/cam3ron2/ghactivity/internal/reports"
	"github.com/cam3ron2/ghactivity/internal/store"
	"github.com/cam3ron2/ghactivity/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// API is the operational surface served over HTTP.
type API interface {
	TriggerFullSync(ctx context.Context, repo string) (fullsync.TriggerStatus, error)
	TriggerLabelRescan(ctx context.Context) (RescanStatus, error)
	TriggerIssueRescan(ctx context.Context, repo string, number int) (RescanStatus, error)
	FullSyncStatus(ctx context.Context) ([]RepoSyncStatus, error)
	RepoFullSyncStatus(ctx context.Context, repo string) (RepoSyncStatus, bool, error)
	Activity(ctx context.Context, filter store.EventFilter) (reports.ActivitySummary, error)
}

// Handler returns the combined HTTP handler of the runtime.
func (r *Runtime) Handler() http.Handler {
	return NewHTTPHandler(r.metrics.Handler(), health.NewHandler(r), r)
}

// NewHTTPHandler wires metrics, health, status and trigger endpoints on one router.
// api may be nil to serve only metrics and health.
func NewHTTPHandler(metricsHandler http.Handler, healthHandler http.Handler, api API) http.Handler {
	router := chi.NewRouter()
	traceMode := telemetry.TraceMode()
	router.Handle("/metrics", wrapHTTPHandler(traceMode, "metrics", metricsHandler))
	router.Handle("/livez", wrapHTTPHandler(traceMode, "livez", healthHandler))
	router.Handle("/readyz", wrapHTTPHandler(traceMode, "readyz", healthHandler))
	router.Handle("/healthz", wrapHTTPHandler(traceMode, "healthz", healthHandler))
	if api == nil {
		return router
	}

	routes := apiRoutes{api: api}
	router.Method(http.MethodGet, "/status/full-sync", wrapHTTPHandler(traceMode, "status.full_sync", http.HandlerFunc(routes.fullSyncStatus)))
	router.Method(http.MethodGet, "/status/full-sync/{owner}/{name}", wrapHTTPHandler(traceMode, "status.full_sync.repo", http.HandlerFunc(routes.repoFullSyncStatus)))
	router.Method(http.MethodPost, "/trigger/full-sync/{owner}/{name}", wrapHTTPHandler(traceMode, "trigger.full_sync", http.HandlerFunc(routes.triggerFullSync)))
	router.Method(http.MethodPost, "/trigger/label-rescan", wrapHTTPHandler(traceMode, "trigger.label_rescan", http.HandlerFunc(routes.triggerLabelRescan)))
	router.Method(http.MethodPost, "/trigger/issue-rescan/{owner}/{name}/{number}", wrapHTTPHandler(traceMode, "trigger.issue_rescan", http.HandlerFunc(routes.triggerIssueRescan)))
	router.Method(http.MethodGet, "/reports/activity", wrapHTTPHandler(traceMode, "reports.activity", http.HandlerFunc(routes.activity)))
	return router
}

type apiRoutes struct {
	api API
}

func (a apiRoutes) fullSyncStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.api.FullSyncStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (a apiRoutes) repoFullSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, found, err := a.api.RepoFullSyncStatus(r.Context(), repoParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"repo": repoParam(r), "status": string(fullsync.TriggerNotMonitored)})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a apiRoutes) triggerFullSync(w http.ResponseWriter, r *http.Request) {
	repo := repoParam(r)
	status, err := a.api.TriggerFullSync(r.Context(), repo)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	switch status {
	case fullsync.TriggerStarted, fullsync.TriggerInProgress:
		code = http.StatusAccepted
	case fullsync.TriggerNotMonitored:
		code = http.StatusNotFound
	case fullsync.TriggerNoMonitoredRepos:
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"repo": repo, "status": string(status)})
}

func (a apiRoutes) triggerLabelRescan(w http.ResponseWriter, r *http.Request) {
	status, err := a.api.TriggerLabelRescan(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

func (a apiRoutes) triggerIssueRescan(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "issue number must be a positive integer"})
		return
	}
	status, err := a.api.TriggerIssueRescan(r.Context(), repoParam(r), number)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

func (a apiRoutes) activity(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.EventFilter{
		Repo:  strings.TrimSpace(query.Get("repo")),
		Actor: strings.TrimSpace(query.Get("actor")),
	}
	var err error
	if filter.Since, err = parseTimeParam(query.Get("since")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since: " + err.Error()})
		return
	}
	if filter.Until, err = parseTimeParam(query.Get("until")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "until: " + err.Error()})
		return
	}

	summary, err := a.api.Activity(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func repoParam(r *http.Request) string {
	return chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")
}

// parseTimeParam accepts RFC 3339 timestamps and plain dates.
func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, ErrThrottled) {
		code = http.StatusTooManyRequests
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	//nolint:gosec // Payload is server-generated JSON.
	_, _ = w.Write(body)
}

func wrapHTTPHandler(traceMode telemetry.Mode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if traceMode == telemetry.ModeOff {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("ghactivity/internal/app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
