// Package freqtrade runs the freqtrade CLI as the external optimizer and
// backtester, and turns its console output and export files into
// ports.ExecOutcome values.
package freqtrade

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/realitygap/internal/domain"
	"github.com/alejandrodnm/realitygap/internal/ports"
)

const (
	defaultBinary  = "freqtrade"
	defaultTimeout = time.Hour
	showTimeout    = time.Minute
)

// Config configures the executor.
type Config struct {
	Binary     string        // freqtrade executable
	WorkDir    string        // freqtrade installation; commands run here
	UserDir    string        // --userdir, optional
	ResultsDir string        // where backtest exports are written, one dir per batch
	Timeout    time.Duration // per run
	Cooldown   time.Duration // minimum gap between two launches
}

// runFunc runs a command in dir and returns its combined output and exit
// status. Tests swap it out.
type runFunc func(ctx context.Context, dir, name string, args ...string) (string, int, error)

// Executor implements ports.Executor.
type Executor struct {
	cfg     Config
	limiter *rate.Limiter
	run     runFunc

	hyperoptMu sync.Mutex // one hyperopt (and its hyperopt-show) at a time
}

var _ ports.Executor = (*Executor)(nil)

// NewExecutor builds an Executor. Launches are paced by a limiter so that two
// runs are at least cfg.Cooldown apart.
func NewExecutor(cfg Config) *Executor {
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = filepath.Join(os.TempDir(), "realitygap")
	}
	limit := rate.Inf
	if cfg.Cooldown > 0 {
		limit = rate.Every(cfg.Cooldown)
	}
	return &Executor{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		run:     runCommand,
	}
}

// Execute runs one optimization or backtest. Timeouts, non-zero exits and
// output without a summary table come back as *domain.ExecutionFailure; the
// outcome still carries the raw output.
func (e *Executor) Execute(ctx context.Context, req ports.ExecRequest) (ports.ExecOutcome, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return ports.ExecOutcome{}, fmt.Errorf("freqtrade: rate limiter: %w", err)
	}

	start := time.Now()
	var (
		out ports.ExecOutcome
		err error
	)
	switch req.Kind {
	case domain.KindOptimization:
		out, err = e.hyperopt(ctx, req)
	case domain.KindBacktest:
		out, err = e.backtest(ctx, req)
	default:
		return ports.ExecOutcome{}, fmt.Errorf("freqtrade: unknown run kind %q", req.Kind)
	}
	out.Duration = time.Since(start)
	out.ConfigJSON = readConfigJSON(req.ConfigFile)

	if err != nil {
		slog.Warn("freqtrade run failed",
			"kind", req.Kind,
			"strategy", req.Strategy,
			"run_number", req.RunNumber,
			"err", err,
		)
	}
	return out, err
}

func (e *Executor) hyperopt(ctx context.Context, req ports.ExecRequest) (ports.ExecOutcome, error) {
	// freqtrade allows one hyperopt per user_data dir: the lock file and
	// hyperopt_results/.last_result.json are shared. Holding the mutex for
	// hyperopt plus hyperopt-show also means no run of ours owns the lock
	// when removeStaleLock deletes it.
	e.hyperoptMu.Lock()
	defer e.hyperoptMu.Unlock()

	e.removeStaleLock()
	resultsDir := filepath.Join(e.userDataDir(), "hyperopt_results")
	previous, _ := latestHyperopt(resultsDir)

	output, status, err := e.runWithTimeout(ctx, e.cfg.Timeout, e.hyperoptArgs(req))
	out := ports.ExecOutcome{ExitStatus: status, RawOutput: output}
	if err != nil {
		return out, e.failure(req, status, output, err)
	}

	// pin hyperopt-show to the file this run wrote, never to whatever
	// finished last
	var file string
	if latest, err := latestHyperopt(resultsDir); err == nil && latest != previous {
		file = latest
		out.ResultFilePath = filepath.Join(resultsDir, latest)
	} else {
		slog.Warn("no fresh hyperopt result file, showing the default one",
			"strategy", req.Strategy, "dir", resultsDir)
	}

	show, showStatus, showErr := e.runWithTimeout(ctx, showTimeout, e.showArgs(file))
	if showErr == nil {
		out.RawOutput = output + "\n" + show
		out.ResultJSON = extractJSON(show)
	} else {
		slog.Warn("hyperopt-show failed, parsing hyperopt output only",
			"strategy", req.Strategy, "exit", showStatus, "err", showErr)
	}

	out.Performance, _ = ParseSummary(out.RawOutput)
	if out.Performance == nil {
		return out, &domain.ExecutionFailure{
			Strategy: req.Strategy, Kind: req.Kind, ExitStatus: status,
			Reason: "no summary metrics in output", Output: out.RawOutput,
		}
	}
	return out, nil
}

func (e *Executor) backtest(ctx context.Context, req ports.ExecRequest) (ports.ExecOutcome, error) {
	dir := e.exportDir(req)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ports.ExecOutcome{}, e.failure(req, -1, "", fmt.Errorf("create export dir: %w", err))
	}

	output, status, err := e.runWithTimeout(ctx, e.cfg.Timeout, e.backtestArgs(req, dir))
	out := ports.ExecOutcome{ExitStatus: status, RawOutput: output}
	if err != nil {
		return out, e.failure(req, status, output, err)
	}

	out.Performance, out.Backtest = ParseSummary(output)

	// the export is optional: it carries trades and the raw result blob
	if path, err := findLatestResult(dir); err == nil {
		raw, err := readResultFile(path)
		if err != nil {
			slog.Warn("unreadable backtest export", "path", path, "err", err)
		} else {
			out.ResultFilePath = path
			if json.Valid(raw) {
				out.ResultJSON = raw
			}
			if sr, err := decodeResult(raw, req.Strategy); err == nil {
				out.Trades = sr.trades()
				if out.Performance == nil {
					out.Performance, out.Backtest = sr.performance()
				}
			} else {
				slog.Warn("backtest export without strategy section", "path", path, "err", err)
			}
		}
	}

	if out.Performance == nil {
		return out, &domain.ExecutionFailure{
			Strategy: req.Strategy, Kind: req.Kind, ExitStatus: status,
			Reason: "no summary metrics in output", Output: output,
		}
	}
	return out, nil
}

func (e *Executor) hyperoptArgs(req ports.ExecRequest) []string {
	args := []string{"hyperopt", "--strategy", req.Strategy}
	args = append(args, e.commonArgs(req)...)
	if req.Epochs > 0 {
		args = append(args, "--epochs", fmt.Sprint(req.Epochs))
	}
	if len(req.Spaces) > 0 {
		args = append(args, "--spaces")
		args = append(args, req.Spaces...)
	}
	if req.LossFunction != "" {
		args = append(args, "--hyperopt-loss", req.LossFunction)
	}
	return args
}

func (e *Executor) showArgs(file string) []string {
	args := []string{"hyperopt-show", "--best", "-n", "-1", "--print-json"}
	if file != "" {
		args = append(args, "--hyperopt-filename", file)
	}
	if e.cfg.UserDir != "" {
		args = append(args, "--userdir", e.cfg.UserDir)
	}
	return args
}

func (e *Executor) backtestArgs(req ports.ExecRequest, exportDir string) []string {
	args := []string{"backtesting", "--strategy", req.Strategy}
	args = append(args, e.commonArgs(req)...)
	return append(args, "--export", "trades", "--backtest-directory", exportDir)
}

func (e *Executor) commonArgs(req ports.ExecRequest) []string {
	var args []string
	if req.ConfigFile != "" {
		args = append(args, "--config", req.ConfigFile)
	}
	if e.cfg.UserDir != "" {
		args = append(args, "--userdir", e.cfg.UserDir)
	}
	if req.Config.Timeframe != "" {
		args = append(args, "--timeframe", req.Config.Timeframe)
	}
	if req.Config.TimeRange != "" {
		args = append(args, "--timerange", req.Config.TimeRange)
	}
	if len(req.Config.PairWhitelist) > 0 {
		args = append(args, "--pairs")
		args = append(args, req.Config.PairWhitelist...)
	}
	if req.Config.MaxOpenTrades != 0 {
		args = append(args, "--max-open-trades", fmt.Sprint(req.Config.MaxOpenTrades))
	}
	if req.Config.StakeAmount > 0 {
		args = append(args, "--stake-amount", fmt.Sprint(req.Config.StakeAmount))
	}
	return args
}

// exportDir is unique per batch and strategy run so concurrent strategies
// never read each other's .last_result.json.
func (e *Executor) exportDir(req ports.ExecRequest) string {
	batch := req.BatchID
	if batch == "" {
		batch = "adhoc"
	}
	return filepath.Join(e.cfg.ResultsDir, batch, fmt.Sprintf("%s-%d", req.Strategy, req.RunNumber))
}

// userDataDir is freqtrade's user_data directory.
func (e *Executor) userDataDir() string {
	if e.cfg.UserDir != "" {
		return e.cfg.UserDir
	}
	return filepath.Join(e.cfg.WorkDir, "user_data")
}

// removeStaleLock deletes a hyperopt.lock left behind by a killed run; with
// it in place every later hyperopt refuses to start. Callers hold hyperoptMu.
func (e *Executor) removeStaleLock() {
	lock := filepath.Join(e.userDataDir(), "hyperopt.lock")
	if err := os.Remove(lock); err == nil {
		slog.Warn("removed stale hyperopt lock", "path", lock)
	}
}

func (e *Executor) runWithTimeout(ctx context.Context, timeout time.Duration, args []string) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slog.Debug("running freqtrade", "cmd", e.cfg.Binary+" "+strings.Join(args, " "), "dir", e.cfg.WorkDir)
	output, status, err := e.run(ctx, e.cfg.WorkDir, e.cfg.Binary, args...)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return output, status, fmt.Errorf("timeout after %s: %w", timeout, context.DeadlineExceeded)
	}
	return output, status, err
}

func (e *Executor) failure(req ports.ExecRequest, status int, output string, err error) error {
	reason := "non-zero exit"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	case status < 0:
		reason = "could not start"
	}
	return &domain.ExecutionFailure{
		Strategy:   req.Strategy,
		Kind:       req.Kind,
		ExitStatus: status,
		Reason:     reason,
		Output:     output,
		Err:        err,
	}
}

// runCommand runs name with args in dir, capturing stdout and stderr
// together.
func runCommand(ctx context.Context, dir, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	if err == nil {
		return buf.String(), 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return buf.String(), exitErr.ExitCode(), err
	}
	return buf.String(), -1, err
}

// extractJSON returns the first JSON object that starts a line of output,
// as printed by hyperopt-show --print-json.
func extractJSON(output string) json.RawMessage {
	offset := 0
	for _, line := range strings.SplitAfter(output, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "{") {
			var raw json.RawMessage
			if err := json.NewDecoder(strings.NewReader(output[offset:])).Decode(&raw); err == nil {
				return raw
			}
		}
		offset += len(line)
	}
	return nil
}

// readConfigJSON loads the config file verbatim when it is valid JSON.
func readConfigJSON(path string) json.RawMessage {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil || !json.Valid(b) {
		return nil
	}
	return b
}
