package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStatusEvaluatorEvaluate(t *testing.T) {
	t.Parallel()

	allUp := Input{
		StoreHealthy:       true,
		SchedulerHealthy:   true,
		GitHubClientUsable: true,
		WorkerHealthy:      true,
		GitHubHealthy:      true,
	}
	with := func(role Role, mutate func(*Input)) Input {
		input := allUp
		input.Role = role
		if mutate != nil {
			mutate(&input)
		}
		return input
	}

	testCases := []struct {
		name      string
		input     Input
		wantReady bool
		wantMode  Mode
	}{
		{
			name:      "leader_healthy",
			input:     with(RoleLeader, nil),
			wantReady: true,
			wantMode:  ModeHealthy,
		},
		{
			name:      "leader_github_degraded_but_usable",
			input:     with(RoleLeader, func(in *Input) { in.GitHubHealthy = false }),
			wantReady: true,
			wantMode:  ModeDegraded,
		},
		{
			name:      "leader_not_ready_without_scheduler",
			input:     with(RoleLeader, func(in *Input) { in.SchedulerHealthy = false }),
			wantReady: false,
			wantMode:  ModeUnhealthy,
		},
		{
			name:      "leader_not_ready_without_github_client",
			input:     with(RoleLeader, func(in *Input) { in.GitHubClientUsable = false }),
			wantReady: false,
			wantMode:  ModeUnhealthy,
		},
		{
			name: "follower_ignores_scheduler_and_client",
			input: with(RoleFollower, func(in *Input) {
				in.SchedulerHealthy = false
				in.GitHubClientUsable = false
			}),
			wantReady: true,
			wantMode:  ModeHealthy,
		},
		{
			name:      "follower_not_ready_without_worker",
			input:     with(RoleFollower, func(in *Input) { in.WorkerHealthy = false }),
			wantReady: false,
			wantMode:  ModeUnhealthy,
		},
		{
			name:      "store_down_is_unhealthy_for_any_role",
			input:     with(RoleFollower, func(in *Input) { in.StoreHealthy = false }),
			wantReady: false,
			wantMode:  ModeUnhealthy,
		},
		{
			name:      "pending_syncs_do_not_affect_readiness",
			input:     with(RoleLeader, func(in *Input) { in.PendingFullSyncs = 3 }),
			wantReady: true,
			wantMode:  ModeHealthy,
		},
	}

	evaluator := NewStatusEvaluator()
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := evaluator.Evaluate(tc.input)
			if got.Ready != tc.wantReady {
				t.Fatalf("Evaluate().Ready = %t, want %t", got.Ready, tc.wantReady)
			}
			if got.Mode != tc.wantMode {
				t.Fatalf("Evaluate().Mode = %q, want %q", got.Mode, tc.wantMode)
			}
			if got.PendingFullSyncs != tc.input.PendingFullSyncs {
				t.Fatalf("Evaluate().PendingFullSyncs = %d, want %d", got.PendingFullSyncs, tc.input.PendingFullSyncs)
			}
		})
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	evaluator := NewStatusEvaluator()
	healthyStatus := evaluator.Evaluate(Input{
		Role:               RoleLeader,
		StoreHealthy:       true,
		SchedulerHealthy:   true,
		GitHubClientUsable: true,
		WorkerHealthy:      true,
		GitHubHealthy:      true,
	})
	unhealthyStatus := evaluator.Evaluate(Input{
		Role:          RoleFollower,
		StoreHealthy:  false,
		WorkerHealthy: true,
	})

	testCases := []struct {
		name       string
		status     Status
		path       string
		wantCode   int
		wantSubstr []string
	}{
		{
			name:       "livez_always_ok",
			status:     unhealthyStatus,
			path:       "/livez",
			wantCode:   http.StatusOK,
			wantSubstr: []string{"ok"},
		},
		{
			name:       "readyz_healthy",
			status:     healthyStatus,
			path:       "/readyz",
			wantCode:   http.StatusOK,
			wantSubstr: []string{"ready"},
		},
		{
			name:       "readyz_unhealthy",
			status:     unhealthyStatus,
			path:       "/readyz",
			wantCode:   http.StatusServiceUnavailable,
			wantSubstr: []string{"not ready"},
		},
		{
			name:       "healthz_json_contains_mode_and_role",
			status:     healthyStatus,
			path:       "/healthz",
			wantCode:   http.StatusOK,
			wantSubstr: []string{"mode", "role", "components", "pending_full_syncs"},
		},
		{
			name:       "healthz_unhealthy_is_503",
			status:     unhealthyStatus,
			path:       "/healthz",
			wantCode:   http.StatusServiceUnavailable,
			wantSubstr: []string{`"mode":"unhealthy"`},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			status := tc.status
			handler := NewHandler(ProviderFunc(func(context.Context) Status { return status }))
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantCode {
				t.Fatalf("status code = %d, want %d", rec.Code, tc.wantCode)
			}
			body := rec.Body.String()
			for _, substr := range tc.wantSubstr {
				if !strings.Contains(body, substr) {
					t.Fatalf("body %q missing %q", body, substr)
				}
			}

			if tc.path == "/healthz" {
				var parsed map[string]any
				if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
					t.Fatalf("healthz body is not valid json: %v", err)
				}
			}
		})
	}
}
