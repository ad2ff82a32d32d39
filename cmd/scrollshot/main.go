// Command scrollshot captures live pages and aligns them with reference
// screenshots.
//
// Usage:
//
//	scrollshot capture --url https://shop.example/ --viewport 1442x1056 --out shot.png
//	scrollshot capture --url https://shop.example/ --reference ref.png --out region.png
//	scrollshot jobs import jobs.yaml && scrollshot run --pending
//	scrollshot serve --worker
//
// Results go to stdout as JSON lines, logs to stderr. On failure the exit
// status is 1 and stdout carries {"error": ..., "reason": ...}.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/scrollshot/capture"
	"github.com/hazyhaar/scrollshot/config"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	code := runCLI(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// runCLI executes one command line and returns the exit status. A failure
// writes exactly one JSON line to stdout.
func runCLI(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root, a := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	a.Close()
	if err != nil {
		writeFailure(stdout, err)
		return 1
	}
	return 0
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	dbPath     string
	ports      string
	launch     bool
}

// newRootCmd builds the command tree. The returned app holds what the
// commands opened; close it after Execute.
func newRootCmd(stdout, stderr io.Writer) (*cobra.Command, *app) {
	var gf globalFlags
	a := &app{}

	root := &cobra.Command{
		Use:           "scrollshot",
		Short:         "Reproduce reference screenshots from live pages",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, gf)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = newLogger(stderr, cfg.LogLevel)
			slog.SetDefault(a.logger)
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&gf.configPath, "config", os.Getenv("SCROLLSHOT_CONFIG"), "YAML configuration file")
	pf.StringVar(&gf.logLevel, "log-level", "", "debug, info, warn or error (default from config or LOG_LEVEL)")
	pf.StringVar(&gf.dbPath, "db", "", "SQLite database path")
	pf.StringVar(&gf.ports, "ports", "", "candidate debugging ports, comma-separated (e.g. 9222,9223)")
	pf.BoolVar(&gf.launch, "launch", false, "launch a local Chrome when no browser answers")

	root.AddCommand(
		newCaptureCmd(a),
		newAlignCmd(a),
		newAnalyzeCmd(a),
		newRunCmd(a),
		newEnqueueCmd(a),
		newWorkCmd(a),
		newJobsCmd(a),
		newStatusCmd(a),
		newServeCmd(a),
		newMCPCmd(a),
	)
	return root, a
}

// loadConfig reads the config file, then lets explicitly set flags win.
func loadConfig(cmd *cobra.Command, gf globalFlags) (*config.Config, error) {
	cfg, err := config.Load(gf.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = strings.ToLower(gf.logLevel)
	}
	if flags.Changed("db") {
		cfg.DBPath = gf.dbPath
	}
	if flags.Changed("ports") {
		ports, err := config.ParsePorts(gf.ports)
		if err != nil {
			return nil, fmt.Errorf("--ports: %w", err)
		}
		cfg.DevTools.Ports = ports
	}
	if flags.Changed("launch") {
		cfg.DevTools.Launch = gf.launch
	}
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// failureLine is the only line printed on stdout when a command fails.
// Results of the failed jobs ride along in it.
type failureLine struct {
	Error   string                `json:"error"`
	Reason  capture.FailureReason `json:"reason"`
	Result  *capture.Result       `json:"result,omitempty"`
	Results []*capture.Result     `json:"results,omitempty"`
}

// resultsError is a command failure together with the job results it
// produced.
type resultsError struct {
	err     error
	results []*capture.Result
}

func (e *resultsError) Error() string { return e.err.Error() }

func (e *resultsError) Unwrap() error { return e.err }

// resultErr turns a failed Result into an error carrying its reason.
func resultErr(res *capture.Result) error {
	if capture.ReasonOf(res.Err) == res.Reason {
		return res.Err
	}
	return &capture.Error{Reason: res.Reason, Err: res.Err}
}

func writeFailure(w io.Writer, err error) {
	line := failureLine{Error: err.Error(), Reason: capture.ReasonOf(err)}
	var re *resultsError
	if errors.As(err, &re) {
		if len(re.results) == 1 {
			line.Result = re.results[0]
		} else {
			line.Results = re.results
		}
	}
	json.NewEncoder(w).Encode(line)
}

func writeJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// parseViewport parses "WIDTHxHEIGHT".
func parseViewport(s string) (width, height int, err error) {
	ws, hs, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("viewport %q: want WIDTHxHEIGHT", s)
	}
	width, err = strconv.Atoi(ws)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("viewport %q: bad width", s)
	}
	height, err = strconv.Atoi(hs)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("viewport %q: bad height", s)
	}
	return width, height, nil
}
