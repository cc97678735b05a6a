package scenario_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/g960059/cmuxharness/internal/appclient"
	"github.com/g960059/cmuxharness/internal/config"
	"github.com/g960059/cmuxharness/internal/protocol"
	"github.com/g960059/cmuxharness/internal/scenario"
	"github.com/g960059/cmuxharness/internal/testutil"
	"github.com/g960059/cmuxharness/internal/transport"
)

func fastConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.WaitTimeout = 2 * time.Second
	cfg.PollInterval = 5 * time.Millisecond
	cfg.SettlePause = time.Millisecond
	cfg.TogglePause = time.Millisecond
	cfg.ToggleTimeout = 200 * time.Millisecond
	cfg.StepPause = time.Millisecond
	return cfg
}

func newRunner(t *testing.T) (*scenario.Runner, *testutil.FakeApp, *bytes.Buffer) {
	t.Helper()
	app := testutil.StartFakeApp(t)
	conn, err := transport.Dial(app.SocketPath)
	if err != nil {
		t.Fatalf("dial fake app: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	out := &bytes.Buffer{}
	runner := &scenario.Runner{
		Client: appclient.New(protocol.NewClient(conn)),
		Cfg:    fastConfig(),
		Out:    out,
		ErrOut: out,
	}
	return runner, app, out
}

func TestSocketScenariosPassAgainstFakeApp(t *testing.T) {
	runner, app, out := newRunner(t)

	var socketScenarios []scenario.Scenario
	for _, sc := range scenario.Catalog() {
		if sc.Name != "cli-missing-socket-error" {
			socketScenarios = append(socketScenarios, sc)
		}
	}
	outcomes, allPassed := runner.Run(context.Background(), socketScenarios)
	if !allPassed {
		t.Fatalf("expected all scenarios to pass:\n%s", out.String())
	}
	if len(outcomes) != 4 {
		t.Fatalf("expected 4 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if !strings.Contains(out.String(), "PASS: "+o.Scenario) {
			t.Fatalf("missing PASS line for %s:\n%s", o.Scenario, out.String())
		}
	}
	if leaked := app.WorkspaceIDs(); len(leaked) != 0 {
		t.Fatalf("scenarios leaked workspaces: %v", leaked)
	}
}

func TestFailedAssertionStillCleansUp(t *testing.T) {
	runner, app, out := newRunner(t)
	app.Overrides["debug.browser.address_bar_focused"] = func(map[string]any) (map[string]any, error) {
		return map[string]any{"focused": false}, nil
	}
	runner.Cfg.WaitTimeout = 50 * time.Millisecond

	scenarios, err := scenario.Named([]string{"browser-focus-omnibar"})
	if err != nil {
		t.Fatalf("named: %v", err)
	}
	outcomes, allPassed := runner.Run(context.Background(), scenarios)
	if allPassed {
		t.Fatalf("expected failure when focus never converges")
	}
	if !strings.Contains(outcomes[0].Reason, "address bar focused after surface focus") {
		t.Fatalf("reason should describe the awaited state, got %q", outcomes[0].Reason)
	}
	if !strings.Contains(out.String(), "FAIL: browser-focus-omnibar: ") {
		t.Fatalf("missing FAIL line:\n%s", out.String())
	}
	if leaked := app.WorkspaceIDs(); len(leaked) != 0 {
		t.Fatalf("failed scenario leaked workspaces: %v", leaked)
	}
	if app.CallCount("workspace.close") == 0 {
		t.Fatalf("cleanup never attempted workspace.close")
	}
}

func TestOutcomeDurationExcludesCleanup(t *testing.T) {
	runner, app, _ := newRunner(t)
	cleanupDelay := 300 * time.Millisecond
	app.Overrides["workspace.close"] = func(map[string]any) (map[string]any, error) {
		time.Sleep(cleanupDelay)
		return nil, nil
	}

	scenarios := []scenario.Scenario{{
		Name: "instant",
		Run: func(ctx context.Context, t *scenario.T) error {
			_, err := t.OpenWorkspace(ctx)
			return err
		},
	}}
	outcomes, allPassed := runner.Run(context.Background(), scenarios)
	if !allPassed {
		t.Fatalf("scenario should pass: %+v", outcomes)
	}
	if outcomes[0].Duration >= cleanupDelay {
		t.Fatalf("duration %s includes teardown time (workspace close was delayed %s)", outcomes[0].Duration, cleanupDelay)
	}
}

func TestCleanupAttemptsEveryWorkspaceDespiteErrors(t *testing.T) {
	runner, app, _ := newRunner(t)
	app.Overrides["workspace.close"] = func(map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("close rejected")
	}

	sc := scenario.Scenario{
		Name: "leaves-workspaces",
		Run: func(ctx context.Context, st *scenario.T) error {
			for i := 0; i < 3; i++ {
				if _, err := st.OpenWorkspace(ctx); err != nil {
					return err
				}
			}
			return fmt.Errorf("assertion failed on purpose")
		},
	}
	outcomes, _ := runner.Run(context.Background(), []scenario.Scenario{sc})
	if outcomes[0].Passed {
		t.Fatalf("expected failure outcome")
	}
	if outcomes[0].Reason != "assertion failed on purpose" {
		t.Fatalf("cleanup errors must not overwrite the failure reason, got %q", outcomes[0].Reason)
	}
	if got := app.CallCount("workspace.close"); got != 3 {
		t.Fatalf("expected close attempted once per workspace (3), got %d", got)
	}
}

func TestCleanupErrorsDoNotFailAPassingScenario(t *testing.T) {
	runner, app, out := newRunner(t)
	app.Overrides["workspace.close"] = func(map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("close rejected")
	}

	sc := scenario.Scenario{
		Name: "passes-with-dirty-teardown",
		Run: func(ctx context.Context, st *scenario.T) error {
			_, err := st.OpenWorkspace(ctx)
			return err
		},
	}
	outcomes, allPassed := runner.Run(context.Background(), []scenario.Scenario{sc})
	if !allPassed || !outcomes[0].Passed {
		t.Fatalf("cleanup failure must not fail the scenario:\n%s", out.String())
	}
	if app.CallCount("workspace.close") != 1 {
		t.Fatalf("expected one close attempt, got %d", app.CallCount("workspace.close"))
	}
}

func TestClosedWorkspaceIsNotClosedAgainDuringCleanup(t *testing.T) {
	runner, app, _ := newRunner(t)
	sc := scenario.Scenario{
		Name: "closes-its-own-workspace",
		Run: func(ctx context.Context, st *scenario.T) error {
			id, err := st.OpenWorkspace(ctx)
			if err != nil {
				return err
			}
			return st.CloseWorkspace(ctx, id)
		},
	}
	outcomes, _ := runner.Run(context.Background(), []scenario.Scenario{sc})
	if !outcomes[0].Passed {
		t.Fatalf("scenario failed: %s", outcomes[0].Reason)
	}
	if got := app.CallCount("workspace.close"); got != 1 {
		t.Fatalf("cleanup must not double-close, got %d close calls", got)
	}
}

func TestPanicBecomesFailureOutcome(t *testing.T) {
	runner, app, _ := newRunner(t)
	sc := scenario.Scenario{
		Name: "panics",
		Run: func(ctx context.Context, st *scenario.T) error {
			if _, err := st.OpenWorkspace(ctx); err != nil {
				return err
			}
			panic("unexpected condition")
		},
	}
	outcomes, allPassed := runner.Run(context.Background(), []scenario.Scenario{sc})
	if allPassed {
		t.Fatalf("panic should record a failure")
	}
	if !strings.Contains(outcomes[0].Reason, "panic: unexpected condition") {
		t.Fatalf("expected panic reason, got %q", outcomes[0].Reason)
	}
	if leaked := app.WorkspaceIDs(); len(leaked) != 0 {
		t.Fatalf("panicking scenario leaked workspaces: %v", leaked)
	}
}

func TestPreconditionFailureIsReported(t *testing.T) {
	runner, app, _ := newRunner(t)
	// A palette that never reacts to toggles cannot satisfy the hidden
	// precondition.
	app.Overrides["debug.command_palette.visible"] = func(map[string]any) (map[string]any, error) {
		return map[string]any{"visible": true}, nil
	}
	runner.Cfg.ToggleTimeout = 30 * time.Millisecond

	scenarios, err := scenario.Named([]string{"browser-focus-omnibar"})
	if err != nil {
		t.Fatalf("named: %v", err)
	}
	outcomes, _ := runner.Run(context.Background(), scenarios)
	if outcomes[0].Passed {
		t.Fatalf("expected precondition failure")
	}
	if !strings.Contains(outcomes[0].Reason, "precondition") {
		t.Fatalf("expected precondition in reason, got %q", outcomes[0].Reason)
	}
}

func TestRecordHookSeesEveryOutcome(t *testing.T) {
	runner, _, _ := newRunner(t)
	var recorded []scenario.Outcome
	runner.Record = func(o scenario.Outcome) { recorded = append(recorded, o) }

	scenarios := []scenario.Scenario{
		{Name: "a", Run: func(context.Context, *scenario.T) error { return nil }},
		{Name: "b", Run: func(context.Context, *scenario.T) error { return fmt.Errorf("nope") }},
	}
	runner.Run(context.Background(), scenarios)
	if len(recorded) != 2 {
		t.Fatalf("expected 2 recorded outcomes, got %d", len(recorded))
	}
	if !recorded[0].Passed || recorded[1].Passed {
		t.Fatalf("recorded outcomes wrong: %+v", recorded)
	}
}

func TestNamedFiltersAndRejectsUnknown(t *testing.T) {
	scenarios, err := scenario.Named([]string{"switcher-selects-browser", "browser-focus-omnibar"})
	if err != nil {
		t.Fatalf("named: %v", err)
	}
	if len(scenarios) != 2 {
		t.Fatalf("expected 2 scenarios, got %d", len(scenarios))
	}
	// Catalog order is preserved regardless of request order.
	if scenarios[0].Name != "browser-focus-omnibar" {
		t.Fatalf("expected catalog order, got %s first", scenarios[0].Name)
	}
	if _, err := scenario.Named([]string{"no-such-scenario"}); err == nil {
		t.Fatalf("expected error for unknown scenario name")
	}
}

// fakeCLIScript builds a stand-in cmux binary whose stderr mimics the
// real CLI's missing-socket diagnostics.
func fakeCLIScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cmux")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}
	return path
}

func TestCLIMissingSocketScenario(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantPass bool
	}{
		{
			name:     "not found message",
			body:     `echo "Error: Socket not found at $2" >&2; exit 1`,
			wantPass: true,
		},
		{
			name:     "connect failed message",
			body:     `echo "Error: Failed to connect to socket at $2" >&2; exit 1`,
			wantPass: true,
		},
		{
			name:     "zero exit is a failure",
			body:     `exit 0`,
			wantPass: false,
		},
		{
			name:     "wrong stderr is a failure",
			body:     `echo "something exploded" >&2; exit 1`,
			wantPass: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CMUX_CLI_BIN", fakeCLIScript(t, tt.body))

			runner, _, _ := newRunner(t)
			scenarios, err := scenario.Named([]string{"cli-missing-socket-error"})
			if err != nil {
				t.Fatalf("named: %v", err)
			}
			outcomes, _ := runner.Run(context.Background(), scenarios)
			if outcomes[0].Passed != tt.wantPass {
				t.Fatalf("expected pass=%v, got %+v", tt.wantPass, outcomes[0])
			}
		})
	}
}
