// Package cli implements the cmuxharness command surface.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/cmuxharness/internal/appclient"
	"github.com/g960059/cmuxharness/internal/config"
	"github.com/g960059/cmuxharness/internal/protocol"
	"github.com/g960059/cmuxharness/internal/runlog"
	"github.com/g960059/cmuxharness/internal/scenario"
	"github.com/g960059/cmuxharness/internal/transport"
)

type Runner struct {
	cfg     config.Config
	out     io.Writer
	errOut  io.Writer
	verbose bool
}

func NewRunner(cfg config.Config, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{cfg: cfg, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	rest, err := r.parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "run":
		return r.runScenarios(ctx, rest[1:])
	case "list":
		return r.runList(rest[1:])
	case "call":
		return r.runCall(ctx, rest[1:])
	case "history":
		return r.runHistory(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func (r *Runner) parseGlobalArgs(args []string) ([]string, error) {
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--socket":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--socket requires value")
			}
			r.cfg.SocketPath = args[i+1]
			i++
		case "-v", "--verbose":
			r.verbose = true
		default:
			rest = append(rest, args[i])
		}
	}
	return rest, nil
}

func (r *Runner) runScenarios(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	record := fs.Bool("record", false, "record outcomes to the run history database")
	dbPath := fs.String("db", r.cfg.DBPath, "run history database path")
	timeout := fs.Duration("timeout", r.cfg.WaitTimeout, "per-assertion convergence timeout")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	r.cfg.WaitTimeout = *timeout

	scenarios, err := scenario.Named(fs.Args())
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}

	conn, err := transport.Dial(r.cfg.SocketPath, transport.WithConnectTimeout(r.cfg.ConnectTimeout), transport.WithIOTimeout(r.cfg.CallTimeout))
	if err != nil {
		return r.handleDialErr(err)
	}
	defer conn.Close() //nolint:errcheck

	client := appclient.New(protocol.NewClient(conn))
	if err := client.ActivateApp(ctx); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: activate app: %v\n", err)
		return 1
	}

	runner := &scenario.Runner{
		Client:  client,
		Cfg:     r.cfg,
		Out:     r.out,
		ErrOut:  r.errOut,
		Verbose: r.verbose,
	}

	var store *runlog.Store
	runID := uuid.NewString()
	if *record {
		store, err = runlog.Open(ctx, *dbPath)
		if err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: open run history: %v\n", err)
			return 1
		}
		defer store.Close() //nolint:errcheck
		if err := runlog.ApplyMigrations(ctx, store.DB()); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: migrate run history: %v\n", err)
			return 1
		}
		if err := store.BeginRun(ctx, runlog.Run{RunID: runID, SocketPath: r.cfg.SocketPath}); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: begin run: %v\n", err)
			return 1
		}
		runner.Record = func(o scenario.Outcome) {
			err := store.RecordResult(ctx, runlog.Result{
				RunID:    runID,
				Scenario: o.Scenario,
				Passed:   o.Passed,
				Reason:   o.Reason,
				Duration: o.Duration,
			})
			if err != nil {
				_, _ = fmt.Fprintf(r.errOut, "warning: record result: %v\n", err)
			}
		}
	}

	outcomes, allPassed := runner.Run(ctx, scenarios)

	if store != nil {
		if err := store.FinishRun(ctx, runID, time.Now()); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "warning: finish run: %v\n", err)
		}
	}

	passed := 0
	for _, o := range outcomes {
		if o.Passed {
			passed++
		}
	}
	_, _ = fmt.Fprintf(r.out, "%d/%d scenarios passed\n", passed, len(outcomes))
	if !allPassed {
		return 1
	}
	return 0
}

func (r *Runner) runList(args []string) int {
	if len(args) != 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: cmuxharness list")
		return 2
	}
	for _, sc := range scenario.Catalog() {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\n", sc.Name, sc.Desc)
	}
	return 0
}

func (r *Runner) runCall(ctx context.Context, args []string) int {
	if len(args) < 1 || len(args) > 2 {
		_, _ = fmt.Fprintln(r.errOut, "usage: cmuxharness call <method> [json-params]")
		return 2
	}
	params := map[string]any{}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: parse params: %v\n", err)
			return 2
		}
	}

	conn, err := transport.Dial(r.cfg.SocketPath, transport.WithConnectTimeout(r.cfg.ConnectTimeout), transport.WithIOTimeout(r.cfg.CallTimeout))
	if err != nil {
		return r.handleDialErr(err)
	}
	defer conn.Close() //nolint:errcheck

	result, err := protocol.NewClient(conn).Call(ctx, args[0], params)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	buf, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: encode result: %v\n", err)
		return 1
	}
	_, _ = r.out.Write(buf)
	_, _ = fmt.Fprintln(r.out)
	return 0
}

func (r *Runner) runHistory(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dbPath := fs.String("db", r.cfg.DBPath, "run history database path")
	limit := fs.Int("limit", 10, "number of runs to show")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}

	store, err := runlog.Open(ctx, *dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: open run history: %v\n", err)
		return 1
	}
	defer store.Close() //nolint:errcheck
	if err := runlog.ApplyMigrations(ctx, store.DB()); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: migrate run history: %v\n", err)
		return 1
	}

	runs, err := store.ListRuns(ctx, *limit)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	for _, run := range runs {
		results, err := store.RunResults(ctx, run.RunID)
		if err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 1
		}
		passed := 0
		for _, result := range results {
			if result.Passed {
				passed++
			}
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%d/%d passed\n", run.StartedAt.Format(time.RFC3339), run.RunID, passed, len(results))
		for _, result := range results {
			if !result.Passed {
				_, _ = fmt.Fprintf(r.out, "  FAIL %s: %s\n", result.Scenario, result.Reason)
			}
		}
	}
	return 0
}

// handleDialErr prints the transport error in the same shape the
// external CLI uses, so both surfaces stay distinguishable by substring.
func (r *Runner) handleDialErr(err error) int {
	var notFound *transport.SocketNotFoundError
	var connect *transport.SocketConnectError
	switch {
	case errors.As(err, &notFound):
		_, _ = fmt.Fprintf(r.errOut, "Error: Socket not found at %s\n", notFound.Path)
	case errors.As(err, &connect):
		_, _ = fmt.Fprintf(r.errOut, "Error: Failed to connect to socket at %s\n", connect.Path)
	default:
		_, _ = fmt.Fprintf(r.errOut, "Error: %v\n", err)
	}
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: cmuxharness [--socket <path>] [-v] <run|list|call|history> ...")
}
