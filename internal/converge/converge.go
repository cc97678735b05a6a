// Package converge turns single-shot debug queries into bounded loops:
// deadline-based predicate waiting and feedback-driven selection stepping.
// The application pushes no events, so eventual UI state is only
// observable by polling.
package converge

import (
	"context"
	"time"
)

const (
	DefaultInterval      = 100 * time.Millisecond
	DefaultToggleTimeout = 2 * time.Second
	DefaultTogglePause   = 150 * time.Millisecond
	DefaultStepAttempts  = 40
	DefaultStepPause     = 50 * time.Millisecond
)

// Predicate reports whether the awaited state has been reached. An error
// indicates a protocol fault and is propagated immediately, never
// retried; retrying is only for state that has not converged yet.
type Predicate func(ctx context.Context) (bool, error)

// WaitFor polls pred every interval until it reports true or timeout
// elapses. It returns (false, nil) once the deadline passes without the
// predicate holding, overshooting the deadline by at most one interval.
func WaitFor(ctx context.Context, pred Predicate, timeout, interval time.Duration) (bool, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	deadline := time.Now().Add(timeout)
	for {
		ok, err := pred(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		if err := sleep(ctx, interval); err != nil {
			return false, err
		}
	}
}

// PaletteToggler is the slice of the app client needed to steer command
// palette visibility.
type PaletteToggler interface {
	PaletteVisible(ctx context.Context, windowID string) (bool, error)
	TogglePalette(ctx context.Context, windowID string) error
}

// ToggleOptions bound SetPaletteVisible. Both knobs default when zero.
type ToggleOptions struct {
	Timeout time.Duration
	Pause   time.Duration
}

// SetPaletteVisible drives palette visibility to the target state by
// reading, toggling, pausing, and re-reading until the deadline. A false
// return means the precondition could not be established; it is not a
// hard error. Convergence is deadline-bounded like WaitFor; the loop
// never toggles again without re-reading the current state first.
func SetPaletteVisible(ctx context.Context, client PaletteToggler, windowID string, visible bool, opts ToggleOptions) (bool, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultToggleTimeout
	}
	pause := opts.Pause
	if pause <= 0 {
		pause = DefaultTogglePause
	}
	deadline := time.Now().Add(timeout)
	for {
		current, err := client.PaletteVisible(ctx, windowID)
		if err != nil {
			return false, err
		}
		if current == visible {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		if err := client.TogglePalette(ctx, windowID); err != nil {
			return false, err
		}
		if err := sleep(ctx, pause); err != nil {
			return false, err
		}
	}
}

// SelectionStepper is the slice of the app client needed to move the
// palette selection cursor by relative steps.
type SelectionStepper interface {
	PaletteSelection(ctx context.Context, windowID string) (int, error)
	SimulateShortcut(ctx context.Context, name string) error
}

// StepOptions bound SelectionToIndex. Both knobs default when zero.
type StepOptions struct {
	MaxAttempts int
	Pause       time.Duration
}

// SelectionToIndex steers the palette's selected index to target using
// only relative up/down steps. The remote offers no jump-to-index verb,
// so this is a closed feedback loop: every attempt re-reads the index and
// re-chooses the direction from that fresh read, which keeps it correct
// under an occasional dropped or duplicated step and recovers from
// overshoot by reversing. At the fixed point it emits zero steps. A false
// return means the attempt budget ran out before the index matched.
func SelectionToIndex(ctx context.Context, client SelectionStepper, windowID string, target int, opts StepOptions) (bool, error) {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultStepAttempts
	}
	pause := opts.Pause
	if pause <= 0 {
		pause = DefaultStepPause
	}
	if target < 0 {
		target = 0
	}
	for i := 0; i < attempts; i++ {
		current, err := client.PaletteSelection(ctx, windowID)
		if err != nil {
			return false, err
		}
		if current == target {
			return true, nil
		}
		direction := "up"
		if current < target {
			direction = "down"
		}
		if err := client.SimulateShortcut(ctx, direction); err != nil {
			return false, err
		}
		if err := sleep(ctx, pause); err != nil {
			return false, err
		}
	}
	return false, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
