// Package scenario composes action verbs, debug queries, and the
// convergence loops into ordered regression scenarios with tracked,
// best-effort teardown of every remote resource a scenario creates.
package scenario

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/g960059/cmuxharness/internal/appclient"
	"github.com/g960059/cmuxharness/internal/config"
	"github.com/g960059/cmuxharness/internal/converge"
)

// Scenario is one ordered setup/action/assertion sequence. Run reports
// nil on pass; any error is the scenario's failure reason. Resources the
// body creates through T are released by the runner afterwards on every
// exit path, including panics.
type Scenario struct {
	Name string
	Desc string
	Run  func(ctx context.Context, t *T) error
}

// PreconditionError marks a scenario that could not establish its
// required starting state, as opposed to a failed assertion.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition: " + e.Reason
}

// ConvergenceError marks an awaited UI state that never materialized
// within its budget.
type ConvergenceError struct {
	Desc    string
	Timeout time.Duration
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("%s did not hold within %s", e.Desc, e.Timeout)
}

// T carries per-scenario state: the app client, timing knobs, and the
// handles of every remote resource created so far. The remote owns the
// handles; T only remembers them so the runner can release them.
type T struct {
	Client *appclient.Client
	Cfg    config.Config

	verbose      io.Writer
	workspaceIDs []string
	windowID     string
}

func (t *T) Logf(format string, args ...any) {
	if t.verbose != nil {
		fmt.Fprintf(t.verbose, format+"\n", args...)
	}
}

// OpenWorkspace creates a workspace, selects it, and waits until the
// current-window query answers for it. The workspace is tracked for
// teardown until CloseWorkspace removes it.
func (t *T) OpenWorkspace(ctx context.Context) (string, error) {
	id, err := t.Client.NewWorkspace(ctx)
	if err != nil {
		return "", err
	}
	t.workspaceIDs = append(t.workspaceIDs, id)
	if err := t.Client.SelectWorkspace(ctx, id); err != nil {
		return "", err
	}
	ok, err := converge.WaitFor(ctx, func(ctx context.Context) (bool, error) {
		windowID, err := t.Client.CurrentWindowID(ctx)
		if err != nil {
			// The window may not be realized yet right after the
			// workspace switch; keep polling until the deadline.
			return false, nil
		}
		t.windowID = windowID
		return true, nil
	}, t.Cfg.WaitTimeout, t.Cfg.PollInterval)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &PreconditionError{Reason: fmt.Sprintf("no current window after selecting workspace %s", id)}
	}
	return id, nil
}

// CloseWorkspace closes the workspace and stops tracking it, so the
// runner does not close it a second time during teardown.
func (t *T) CloseWorkspace(ctx context.Context, id string) error {
	if err := t.Client.CloseWorkspace(ctx, id); err != nil {
		return err
	}
	t.untrackWorkspace(id)
	return nil
}

func (t *T) untrackWorkspace(id string) {
	for i, ws := range t.workspaceIDs {
		if ws == id {
			t.workspaceIDs = append(t.workspaceIDs[:i], t.workspaceIDs[i+1:]...)
			return
		}
	}
}

// WindowID is the current window handle established by OpenWorkspace.
func (t *T) WindowID() string {
	return t.windowID
}

// RequirePalette forces command palette visibility to the given state,
// returning a PreconditionError when it cannot be established.
func (t *T) RequirePalette(ctx context.Context, visible bool) error {
	ok, err := converge.SetPaletteVisible(ctx, t.Client, t.windowID, visible, converge.ToggleOptions{
		Timeout: t.Cfg.ToggleTimeout,
		Pause:   t.Cfg.TogglePause,
	})
	if err != nil {
		return err
	}
	if !ok {
		state := "hidden"
		if visible {
			state = "visible"
		}
		return &PreconditionError{Reason: fmt.Sprintf("command palette could not be forced %s", state)}
	}
	return nil
}

// WaitUntil polls pred until it holds or the timeout elapses, converting
// a timeout into a ConvergenceError describing the awaited state.
func (t *T) WaitUntil(ctx context.Context, desc string, timeout time.Duration, pred converge.Predicate) error {
	ok, err := converge.WaitFor(ctx, pred, timeout, t.Cfg.PollInterval)
	if err != nil {
		return err
	}
	if !ok {
		return &ConvergenceError{Desc: desc, Timeout: timeout}
	}
	return nil
}

// WaitSurfaceListed polls until surface.list reports the given handle.
func (t *T) WaitSurfaceListed(ctx context.Context, surfaceID string) error {
	return t.WaitUntil(ctx, fmt.Sprintf("surface %s listed", surfaceID), t.Cfg.WaitTimeout, func(ctx context.Context) (bool, error) {
		surfaces, err := t.Client.ListSurfaces(ctx)
		if err != nil {
			return false, err
		}
		for _, s := range surfaces {
			if s.ID == surfaceID {
				return true, nil
			}
		}
		return false, nil
	})
}

// Settle gives the UI a short beat after an input event whose effect has
// no dedicated debug query to confirm against.
func (t *T) Settle(ctx context.Context) error {
	if t.Cfg.SettlePause <= 0 {
		return nil
	}
	timer := time.NewTimer(t.Cfg.SettlePause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Outcome is one scenario's recorded result.
type Outcome struct {
	Scenario string
	Passed   bool
	Reason   string
	Duration time.Duration
}

// Runner executes scenarios in order against one shared connection.
// Scenarios share no other state; each owns its resource set.
type Runner struct {
	Client  *appclient.Client
	Cfg     config.Config
	Out     io.Writer
	ErrOut  io.Writer
	Verbose bool

	// Record, when set, observes every outcome (used for the run log).
	Record func(Outcome)
}

// Run executes each scenario, printing one PASS or FAIL line per
// scenario, and reports whether every scenario passed.
func (r *Runner) Run(ctx context.Context, scenarios []Scenario) ([]Outcome, bool) {
	outcomes := make([]Outcome, 0, len(scenarios))
	allPassed := true
	for _, sc := range scenarios {
		outcome := r.runOne(ctx, sc)
		outcomes = append(outcomes, outcome)
		if outcome.Passed {
			fmt.Fprintf(r.Out, "PASS: %s (%s)\n", outcome.Scenario, outcome.Duration.Round(time.Millisecond))
		} else {
			allPassed = false
			fmt.Fprintf(r.Out, "FAIL: %s: %s\n", outcome.Scenario, outcome.Reason)
		}
		if r.Record != nil {
			r.Record(outcome)
		}
	}
	return outcomes, allPassed
}

func (r *Runner) runOne(ctx context.Context, sc Scenario) Outcome {
	t := &T{Client: r.Client, Cfg: r.Cfg}
	if r.Verbose {
		t.verbose = r.ErrOut
	}
	start := time.Now()
	err := runBody(ctx, sc, t)
	// The duration covers the scenario body only, not teardown.
	elapsed := time.Since(start)
	r.cleanup(ctx, t)
	outcome := Outcome{
		Scenario: sc.Name,
		Passed:   err == nil,
		Duration: elapsed,
	}
	if err != nil {
		outcome.Reason = err.Error()
	}
	return outcome
}

func runBody(ctx context.Context, sc Scenario, t *T) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return sc.Run(ctx, t)
}

// cleanup releases every resource the scenario still tracks. Each step
// is individually error-swallowed: a failed close never skips the
// remaining handles and never changes the scenario's recorded outcome.
func (r *Runner) cleanup(ctx context.Context, t *T) {
	if t.Client == nil {
		return
	}
	cleanupCtx := context.WithoutCancel(ctx)
	if t.windowID != "" {
		_, _ = converge.SetPaletteVisible(cleanupCtx, t.Client, t.windowID, false, converge.ToggleOptions{
			Timeout: t.Cfg.ToggleTimeout,
			Pause:   t.Cfg.TogglePause,
		})
	}
	for _, id := range t.workspaceIDs {
		if err := t.Client.CloseWorkspace(cleanupCtx, id); err != nil {
			t.Logf("cleanup: close workspace %s: %v", id, err)
		}
	}
	t.workspaceIDs = nil
}
