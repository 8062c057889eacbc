package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/fullsync"
	"github.com/cam3ron2/ghactivity/internal/reports"
	"github.com/cam3ron2/ghactivity/internal/store"
	"github.com/cam3ron2/ghactivity/internal/telemetry"
)

type fakeAPI struct {
	syncStatus   fullsync.TriggerStatus
	syncErr      error
	lastRepo     string
	lastNumber   int
	lastFilter   store.EventFilter
	rescanStatus RescanStatus
}

func (f *fakeAPI) TriggerFullSync(_ context.Context, repo string) (fullsync.TriggerStatus, error) {
	f.lastRepo = repo
	return f.syncStatus, f.syncErr
}

func (f *fakeAPI) TriggerLabelRescan(context.Context) (RescanStatus, error) {
	return f.rescanStatus, nil
}

func (f *fakeAPI) TriggerIssueRescan(_ context.Context, repo string, number int) (RescanStatus, error) {
	f.lastRepo = repo
	f.lastNumber = number
	return f.rescanStatus, nil
}

func (f *fakeAPI) FullSyncStatus(context.Context) ([]RepoSyncStatus, error) {
	return []RepoSyncStatus{{Repo: "acme/api", Status: domain.SyncInProgress, RemainingPages: 2}}, nil
}

func (f *fakeAPI) RepoFullSyncStatus(_ context.Context, repo string) (RepoSyncStatus, bool, error) {
	if repo != "acme/api" {
		return RepoSyncStatus{}, false, nil
	}
	return RepoSyncStatus{Repo: repo, Status: domain.SyncDone}, true, nil
}

func (f *fakeAPI) Activity(_ context.Context, filter store.EventFilter) (reports.ActivitySummary, error) {
	f.lastFilter = filter
	return reports.ActivitySummary{Total: 3, Commits: 2}, nil
}

func TestNewHTTPHandler(t *testing.T) {
	t.Parallel()

	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("metrics"))
	})
	healthHandler := http.NewServeMux()
	healthHandler.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("live"))
	})
	healthHandler.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	healthHandler.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"mode":"healthy"}`))
	})

	handler := NewHTTPHandler(metricsHandler, healthHandler, nil)

	testCases := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{path: "/metrics", wantCode: http.StatusOK, wantBody: "metrics"},
		{path: "/livez", wantCode: http.StatusOK, wantBody: "live"},
		{path: "/readyz", wantCode: http.StatusServiceUnavailable, wantBody: "not ready"},
		{path: "/healthz", wantCode: http.StatusOK, wantBody: `{"mode":"healthy"}`},
		{path: "/status/full-sync", wantCode: http.StatusNotFound, wantBody: "404 page not found\n"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.path, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tc.wantCode)
			}
			if rec.Body.String() != tc.wantBody {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestAPIRoutes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		api        *fakeAPI
		method     string
		path       string
		wantCode   int
		wantSubstr string
		check      func(t *testing.T, api *fakeAPI)
	}{
		{
			name:       "trigger_full_sync_started",
			api:        &fakeAPI{syncStatus: fullsync.TriggerStarted},
			method:     http.MethodPost,
			path:       "/trigger/full-sync/acme/api",
			wantCode:   http.StatusAccepted,
			wantSubstr: `"status":"started"`,
			check: func(t *testing.T, api *fakeAPI) {
				t.Helper()
				if api.lastRepo != "acme/api" {
					t.Fatalf("repo = %q, want acme/api", api.lastRepo)
				}
			},
		},
		{
			name:       "trigger_full_sync_done",
			api:        &fakeAPI{syncStatus: fullsync.TriggerDone},
			method:     http.MethodPost,
			path:       "/trigger/full-sync/acme/api",
			wantCode:   http.StatusOK,
			wantSubstr: `"status":"done"`,
		},
		{
			name:       "trigger_full_sync_not_monitored",
			api:        &fakeAPI{syncStatus: fullsync.TriggerNotMonitored},
			method:     http.MethodPost,
			path:       "/trigger/full-sync/other/repo",
			wantCode:   http.StatusNotFound,
			wantSubstr: "not_monitored",
		},
		{
			name:       "trigger_full_sync_throttled",
			api:        &fakeAPI{syncErr: ErrThrottled},
			method:     http.MethodPost,
			path:       "/trigger/full-sync/acme/api",
			wantCode:   http.StatusTooManyRequests,
			wantSubstr: "rate limit",
		},
		{
			name:       "trigger_full_sync_store_error",
			api:        &fakeAPI{syncErr: errors.New("store down")},
			method:     http.MethodPost,
			path:       "/trigger/full-sync/acme/api",
			wantCode:   http.StatusInternalServerError,
			wantSubstr: "store down",
		},
		{
			name:     "trigger_full_sync_requires_post",
			api:      &fakeAPI{},
			method:   http.MethodGet,
			path:     "/trigger/full-sync/acme/api",
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name:       "trigger_label_rescan",
			api:        &fakeAPI{rescanStatus: RescanStatus{JobID: "job-1", Status: "started"}},
			method:     http.MethodPost,
			path:       "/trigger/label-rescan",
			wantCode:   http.StatusAccepted,
			wantSubstr: `"job_id":"job-1"`,
		},
		{
			name:       "trigger_issue_rescan",
			api:        &fakeAPI{rescanStatus: RescanStatus{Status: "in_progress"}},
			method:     http.MethodPost,
			path:       "/trigger/issue-rescan/acme/api/42",
			wantCode:   http.StatusAccepted,
			wantSubstr: "in_progress",
			check: func(t *testing.T, api *fakeAPI) {
				t.Helper()
				if api.lastRepo != "acme/api" || api.lastNumber != 42 {
					t.Fatalf("issue = %s#%d, want acme/api#42", api.lastRepo, api.lastNumber)
				}
			},
		},
		{
			name:     "trigger_issue_rescan_bad_number",
			api:      &fakeAPI{},
			method:   http.MethodPost,
			path:     "/trigger/issue-rescan/acme/api/zero",
			wantCode: http.StatusBadRequest,
		},
		{
			name:       "full_sync_status",
			api:        &fakeAPI{},
			method:     http.MethodGet,
			path:       "/status/full-sync",
			wantCode:   http.StatusOK,
			wantSubstr: `"remaining_pages":2`,
		},
		{
			name:       "repo_full_sync_status",
			api:        &fakeAPI{},
			method:     http.MethodGet,
			path:       "/status/full-sync/acme/api",
			wantCode:   http.StatusOK,
			wantSubstr: `"status":"done"`,
		},
		{
			name:     "repo_full_sync_status_unknown",
			api:      &fakeAPI{},
			method:   http.MethodGet,
			path:     "/status/full-sync/other/repo",
			wantCode: http.StatusNotFound,
		},
		{
			name:       "activity_with_filters",
			api:        &fakeAPI{},
			method:     http.MethodGet,
			path:       "/reports/activity?since=2024-01-01&until=2024-02-01T00:00:00Z&repo=acme/api",
			wantCode:   http.StatusOK,
			wantSubstr: `"total":3`,
			check: func(t *testing.T, api *fakeAPI) {
				t.Helper()
				if api.lastFilter.Repo != "acme/api" || api.lastFilter.Since.IsZero() || api.lastFilter.Until.IsZero() {
					t.Fatalf("filter = %+v", api.lastFilter)
				}
			},
		},
		{
			name:     "activity_bad_time",
			api:      &fakeAPI{},
			method:   http.MethodGet,
			path:     "/reports/activity?since=yesterday",
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			handler := NewHTTPHandler(http.NotFoundHandler(), http.NotFoundHandler(), tc.api)
			req := httptest.NewRequest(tc.method, tc.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantCode {
				t.Fatalf("code = %d, want %d (body %q)", rec.Code, tc.wantCode, rec.Body.String())
			}
			if tc.wantSubstr != "" && !strings.Contains(rec.Body.String(), tc.wantSubstr) {
				t.Fatalf("body %q missing %q", rec.Body.String(), tc.wantSubstr)
			}
			if rec.Code < http.StatusMethodNotAllowed && rec.Header().Get("Content-Type") == "application/json" {
				var parsed any
				if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
					t.Fatalf("body is not valid json: %v", err)
				}
			}
			if tc.check != nil {
				tc.check(t, tc.api)
			}
		})
	}
}

func TestWrapHTTPHandlerByTraceMode(t *testing.T) {
	t.Parallel()

	base := &staticHandler{}

	testCases := []struct {
		name        string
		traceMode   telemetry.Mode
		wantWrapped bool
	}{
		{
			name:        "trace_off",
			traceMode:   "off",
			wantWrapped: false,
		},
		{
			name:        "trace_sampled",
			traceMode:   "sampled",
			wantWrapped: true,
		},
		{
			name:        "trace_detailed",
			traceMode:   "detailed",
			wantWrapped: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			wrapped := wrapHTTPHandler(tc.traceMode, "metrics", base)
			gotWrapped := wrapped != base
			if gotWrapped != tc.wantWrapped {
				t.Fatalf("wrapped = %t, want %t", gotWrapped, tc.wantWrapped)
			}
		})
	}
}

func TestWrapHTTPHandlerNilHandlerAndStatusCapture(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		traceMode telemetry.Mode
		route     string
		handler   http.Handler
		wantCode  int
	}{
		{
			name:      "nil_handler_uses_not_found",
			traceMode: "sampled",
			route:     "metrics",
			handler:   nil,
			wantCode:  http.StatusNotFound,
		},
		{
			name:      "empty_route_defaults_operation_name",
			traceMode: "detailed",
			route:     "",
			handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}),
			wantCode: http.StatusInternalServerError,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			wrapped := wrapHTTPHandler(tc.traceMode, tc.route, tc.handler)
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, req)
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
		})
	}
}

type staticHandler struct{}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
