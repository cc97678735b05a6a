package scenario

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/g960059/cmuxharness/internal/appclient"
	"github.com/g960059/cmuxharness/internal/converge"
	"github.com/g960059/cmuxharness/internal/locate"
)

// Telemetry kill switches set when invoking the external CLI, so a test
// run never emits outbound diagnostics. The second name is the older
// hook-scoped switch, still honored by the CLI.
const (
	envSentryDisabled     = "CMUX_CLI_SENTRY_DISABLED"
	envHookSentryDisabled = "CMUX_CLAUDE_HOOK_SENTRY_DISABLED"
	envSocketPath         = "CMUX_SOCKET_PATH"
)

// Catalog returns the regression scenarios in execution order.
func Catalog() []Scenario {
	return []Scenario{
		{
			Name: "browser-focus-omnibar",
			Desc: "focusing a blank browser surface focuses its address bar",
			Run:  runBrowserFocusOmnibar,
		},
		{
			Name: "browser-pane-focus-omnibar",
			Desc: "focusing a pane containing a blank browser focuses its address bar",
			Run:  runBrowserPaneFocusOmnibar,
		},
		{
			Name: "palette-blocks-focus-steal",
			Desc: "a visible command palette keeps input focus when a blank browser is focused",
			Run:  runPaletteBlocksFocusSteal,
		},
		{
			Name: "switcher-selects-browser",
			Desc: "committing a switcher selection focuses the chosen browser's address bar",
			Run:  runSwitcherSelectsBrowser,
		},
		{
			Name: "cli-missing-socket-error",
			Desc: "the external CLI reports a distinguishable error for a missing socket",
			Run:  runCLIMissingSocketError,
		},
	}
}

// Named filters the catalog down to the given scenario names, preserving
// catalog order.
func Named(names []string) ([]Scenario, error) {
	if len(names) == 0 {
		return Catalog(), nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var out []Scenario
	for _, sc := range Catalog() {
		if wanted[sc.Name] {
			out = append(out, sc)
			delete(wanted, sc.Name)
		}
	}
	for n := range wanted {
		return nil, fmt.Errorf("unknown scenario %q", n)
	}
	return out, nil
}

// blankBrowserSetup creates a fresh workspace with the palette hidden,
// adds a blank browser surface, and returns the browser handle plus the
// handle of a pre-existing terminal surface to focus away to.
func blankBrowserSetup(ctx context.Context, t *T) (workspaceID, browserID, terminalID string, err error) {
	workspaceID, err = t.OpenWorkspace(ctx)
	if err != nil {
		return "", "", "", err
	}
	if err = t.RequirePalette(ctx, false); err != nil {
		return "", "", "", err
	}
	browserID, err = t.Client.NewSurface(ctx, "browser")
	if err != nil {
		return "", "", "", err
	}
	if err = t.WaitSurfaceListed(ctx, browserID); err != nil {
		return "", "", "", err
	}
	surfaces, err := t.Client.ListSurfaces(ctx)
	if err != nil {
		return "", "", "", err
	}
	for _, s := range surfaces {
		if s.ID != browserID {
			terminalID = s.ID
			break
		}
	}
	if terminalID == "" {
		return "", "", "", &PreconditionError{Reason: "no terminal surface alongside the blank browser"}
	}
	return workspaceID, browserID, terminalID, nil
}

func runBrowserFocusOmnibar(ctx context.Context, t *T) error {
	workspaceID, browserID, terminalID, err := blankBrowserSetup(ctx, t)
	if err != nil {
		return err
	}
	if err := t.Client.FocusSurface(ctx, terminalID); err != nil {
		return err
	}
	if err := t.Settle(ctx); err != nil {
		return err
	}

	if err := t.Client.FocusSurface(ctx, browserID); err != nil {
		return err
	}
	err = t.WaitUntil(ctx, "address bar focused after surface focus", t.Cfg.WaitTimeout, func(ctx context.Context) (bool, error) {
		return t.Client.AddressBarFocused(ctx, browserID)
	})
	if err != nil {
		return err
	}
	return t.CloseWorkspace(ctx, workspaceID)
}

func runBrowserPaneFocusOmnibar(ctx context.Context, t *T) error {
	workspaceID, err := t.OpenWorkspace(ctx)
	if err != nil {
		return err
	}
	if err := t.RequirePalette(ctx, false); err != nil {
		return err
	}

	initial, err := t.Client.ListSurfaces(ctx)
	if err != nil {
		return err
	}
	if len(initial) == 0 {
		return &PreconditionError{Reason: "no initial terminal surface before splitting"}
	}
	terminalID := initial[0].ID

	browserID, err := t.Client.NewPane(ctx, "right", "browser")
	if err != nil {
		return err
	}
	if err := t.WaitSurfaceListed(ctx, browserID); err != nil {
		return err
	}

	terminalPane, browserPane, err := locatePanes(ctx, t.Client, terminalID, browserID)
	if err != nil {
		return err
	}

	if err := t.Client.FocusPane(ctx, terminalPane); err != nil {
		return err
	}
	if err := t.Settle(ctx); err != nil {
		return err
	}
	if err := t.Client.FocusPane(ctx, browserPane); err != nil {
		return err
	}
	err = t.WaitUntil(ctx, "address bar focused after pane focus", t.Cfg.WaitTimeout, func(ctx context.Context) (bool, error) {
		return t.Client.AddressBarFocused(ctx, browserID)
	})
	if err != nil {
		return err
	}
	return t.CloseWorkspace(ctx, workspaceID)
}

// locatePanes maps two surface handles to the panes containing them.
func locatePanes(ctx context.Context, client *appclient.Client, terminalID, browserID string) (terminalPane, browserPane string, err error) {
	panes, err := client.ListPanes(ctx)
	if err != nil {
		return "", "", err
	}
	for _, pane := range panes {
		surfaces, err := client.ListPaneSurfaces(ctx, pane.ID)
		if err != nil {
			return "", "", err
		}
		for _, s := range surfaces {
			if s.ID == terminalID {
				terminalPane = pane.ID
			}
			if s.ID == browserID {
				browserPane = pane.ID
			}
		}
	}
	if terminalPane == "" || browserPane == "" {
		return "", "", &PreconditionError{Reason: "split panes for terminal and browser not found"}
	}
	return terminalPane, browserPane, nil
}

func runPaletteBlocksFocusSteal(ctx context.Context, t *T) error {
	workspaceID, browserID, terminalID, err := blankBrowserSetup(ctx, t)
	if err != nil {
		return err
	}
	if err := t.Client.FocusSurface(ctx, terminalID); err != nil {
		return err
	}
	// Best effort: let any prior address-bar focus drain before opening
	// the palette. Not converging here is not a failure.
	_, err = converge.WaitFor(ctx, func(ctx context.Context) (bool, error) {
		focused, err := t.Client.AddressBarFocused(ctx, "")
		if err != nil {
			return false, err
		}
		return !focused, nil
	}, 2*time.Second, t.Cfg.PollInterval)
	if err != nil {
		return err
	}

	if err := t.RequirePalette(ctx, true); err != nil {
		return err
	}
	if err := t.Client.FocusSurface(ctx, browserID); err != nil {
		return err
	}
	if err := t.Settle(ctx); err != nil {
		return err
	}

	visible, err := t.Client.PaletteVisible(ctx, t.WindowID())
	if err != nil {
		return err
	}
	if !visible {
		return fmt.Errorf("command palette closed unexpectedly after surface focus")
	}
	focused, err := t.Client.AddressBarFocused(ctx, browserID)
	if err != nil {
		return err
	}
	if focused {
		return fmt.Errorf("blank browser stole address bar focus while command palette was visible")
	}
	return t.CloseWorkspace(ctx, workspaceID)
}

func runSwitcherSelectsBrowser(ctx context.Context, t *T) error {
	workspaceID, browserID, terminalID, err := blankBrowserSetup(ctx, t)
	if err != nil {
		return err
	}
	if err := t.Client.FocusSurface(ctx, terminalID); err != nil {
		return err
	}
	if err := t.Settle(ctx); err != nil {
		return err
	}

	if err := t.Client.SimulateShortcut(ctx, "cmd+p"); err != nil {
		return err
	}
	err = t.WaitUntil(ctx, "switcher visible after cmd+p", 2*time.Second, func(ctx context.Context) (bool, error) {
		return t.Client.PaletteVisible(ctx, t.WindowID())
	})
	if err != nil {
		return err
	}

	if err := t.Client.SimulateType(ctx, "new tab"); err != nil {
		return err
	}
	if err := t.Settle(ctx); err != nil {
		return err
	}

	targetCommandID := fmt.Sprintf("switcher.surface.%s.%s", strings.ToLower(workspaceID), strings.ToLower(browserID))
	results, err := t.Client.PaletteResults(ctx, t.WindowID(), 50)
	if err != nil {
		return err
	}
	targetIndex := -1
	for i, row := range results {
		if row.CommandID == targetCommandID {
			targetIndex = i
			break
		}
	}
	if targetIndex < 0 {
		return fmt.Errorf("switcher did not list target surface command %s", targetCommandID)
	}

	ok, err := converge.SelectionToIndex(ctx, t.Client, t.WindowID(), targetIndex, converge.StepOptions{
		MaxAttempts: t.Cfg.StepAttempts,
		Pause:       t.Cfg.StepPause,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("switcher selection never reached result index %d", targetIndex)
	}

	if err := t.Client.SimulateShortcut(ctx, "enter"); err != nil {
		return err
	}
	err = t.WaitUntil(ctx, "switcher hidden and address bar focused after enter", t.Cfg.WaitTimeout, func(ctx context.Context) (bool, error) {
		visible, err := t.Client.PaletteVisible(ctx, t.WindowID())
		if err != nil {
			return false, err
		}
		if visible {
			return false, nil
		}
		return t.Client.AddressBarFocused(ctx, browserID)
	})
	if err != nil {
		return err
	}
	return t.CloseWorkspace(ctx, workspaceID)
}

func runCLIMissingSocketError(ctx context.Context, t *T) error {
	cliPath, err := locate.CLIPath()
	if err != nil {
		return &PreconditionError{Reason: err.Error()}
	}

	missing := filepath.Join(os.TempDir(), fmt.Sprintf("cmux-missing-%d.sock", os.Getpid()))
	_ = os.Remove(missing)

	cmd := exec.CommandContext(ctx, cliPath, "--socket", missing, "claude-hook", "stop")
	cmd.Stdin = strings.NewReader("{}")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = cliEnv()

	runErr := cmd.Run()
	if runErr == nil {
		return fmt.Errorf("expected non-zero exit for missing socket, got success (stdout=%q stderr=%q)", stdout.String(), stderr.String())
	}
	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return fmt.Errorf("run cmux CLI: %w", runErr)
	}

	expected := []string{
		fmt.Sprintf("Error: Socket not found at %s", missing),
		fmt.Sprintf("Error: Failed to connect to socket at %s", missing),
	}
	for _, want := range expected {
		if strings.Contains(stderr.String(), want) {
			return nil
		}
	}
	return fmt.Errorf("stderr missing expected socket error text; wanted one of %q, got %q", expected, stderr.String())
}

// cliEnv strips the socket override and arms both telemetry kill
// switches, which must silence telemetry for every subcommand.
func cliEnv() []string {
	env := make([]string, 0, len(os.Environ())+2)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, envSocketPath+"=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, envSentryDisabled+"=1", envHookSentryDisabled+"=1")
	return env
}
