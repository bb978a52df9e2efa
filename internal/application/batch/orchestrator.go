// Package batch drives repeated optimization attempts and linked validation
// backtests, persisting every outcome and keeping the session counters live.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/alejandrodnm/realitygap/internal/adapters/metrics"
	"github.com/alejandrodnm/realitygap/internal/application/session"
	"github.com/alejandrodnm/realitygap/internal/domain"
	"github.com/alejandrodnm/realitygap/internal/ports"
)

const defaultAttempts = 3

// Config configures the orchestrator.
type Config struct {
	Attempts     int // optimization attempts per strategy
	Workers      int // strategies processed in parallel (<= 1 = sequential)
	TopK         int // validation candidates per batch
	MinTrades    int // validation candidates need at least this many trades
	LossFunction string
	Epochs       int
	Spaces       []string
	ConfigFile   string // shared config file; wins over ConfigDir
	ConfigDir    string // per-strategy config files named <strategy>.json
	Run          domain.RunConfig
}

// Limits overrides Config for a single batch. Zero values keep the config.
type Limits struct {
	Attempts        int
	TopK            int
	MinTrades       int
	SourceSessionID *int64 // validate the best runs of this optimization session
	Retest          bool   // backtest candidates that already have a completed backtest
}

// Orchestrator runs batches. It owns the sessions it starts.
type Orchestrator struct {
	cfg     Config
	store   ports.ResultStore
	tracker *session.Tracker
	exec    ports.Executor
	now     func() time.Time
}

// New returns an Orchestrator with every dependency injected.
func New(cfg Config, store ports.ResultStore, tracker *session.Tracker, exec ports.Executor) *Orchestrator {
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		tracker: tracker,
		exec:    exec,
		now:     time.Now,
	}
}

// configFile resolves the freqtrade config used for strategy.
func (o *Orchestrator) configFile(strategy string) string {
	if o.cfg.ConfigFile != "" || o.cfg.ConfigDir == "" {
		return o.cfg.ConfigFile
	}
	return filepath.Join(o.cfg.ConfigDir, strategy+".json")
}

// RunBatch runs strategies in the given mode and returns the batch summary.
//
// Execution failures never abort the batch: each one becomes a failed record.
// A storage error or a cancelled context stops the batch and leaves the
// session open; the summary gathered so far is returned with the error.
func (o *Orchestrator) RunBatch(ctx context.Context, strategies []string, mode domain.BatchMode, limits Limits) (domain.BatchSummary, error) {
	switch mode {
	case domain.ModeOptimize:
		return o.runOptimization(ctx, strategies, limits)
	case domain.ModeValidate:
		return o.runValidation(ctx, strategies, limits)
	}
	return domain.BatchSummary{}, fmt.Errorf("batch.RunBatch: %w: unknown mode %q", domain.ErrValidation, mode)
}

func (o *Orchestrator) runOptimization(ctx context.Context, strategies []string, limits Limits) (domain.BatchSummary, error) {
	strategies = dedupe(strategies)
	if len(strategies) == 0 {
		return domain.BatchSummary{}, fmt.Errorf("batch.RunBatch: %w: no strategies given", domain.ErrValidation)
	}
	attempts := o.cfg.Attempts
	if limits.Attempts > 0 {
		attempts = limits.Attempts
	}

	start := o.now()
	sc := domain.SessionContext{
		Kind:         domain.SessionOptimization,
		Exchange:     o.cfg.Run.Exchange,
		Timeframe:    o.cfg.Run.Timeframe,
		TimeRange:    o.cfg.Run.TimeRange,
		LossFunction: o.cfg.LossFunction,
		Epochs:       o.cfg.Epochs,
	}
	sessionID, batchID, err := o.startSession(ctx, sc)
	if err != nil {
		return domain.BatchSummary{}, err
	}

	slog.Info("optimization batch starting",
		"session_id", sessionID,
		"strategies", len(strategies),
		"attempts", attempts,
		"workers", o.cfg.Workers,
	)

	jobs := make([]strategyJob, len(strategies))
	for i, s := range strategies {
		jobs[i] = strategyJob{index: i, strategy: s}
	}
	outcomes, err := runPool(ctx, o.cfg.Workers, jobs, func(ctx context.Context, job strategyJob) (domain.StrategyOutcome, error) {
		return o.optimizeStrategy(ctx, sessionID, batchID, job.strategy, attempts)
	})

	return o.finish(ctx, domain.ModeOptimize, sessionID, batchID, start, outcomes, err)
}

// optimizeStrategy runs every attempt of one strategy. Attempts are
// independent: a failure does not stop the next one.
func (o *Orchestrator) optimizeStrategy(ctx context.Context, sessionID int64, batchID, strategy string, attempts int) (domain.StrategyOutcome, error) {
	out := domain.StrategyOutcome{Strategy: strategy}

	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		req := ports.ExecRequest{
			Kind:         domain.KindOptimization,
			Strategy:     strategy,
			BatchID:      batchID,
			RunNumber:    i,
			ConfigFile:   o.configFile(strategy),
			Config:       o.cfg.Run,
			LossFunction: o.cfg.LossFunction,
			Epochs:       o.cfg.Epochs,
			Spaces:       o.cfg.Spaces,
		}
		res, dur, execErr := o.execute(ctx, req)
		if ctx.Err() != nil {
			// interrupted mid-run: nothing trustworthy to persist
			return out, ctx.Err()
		}

		base := o.recordBase(strategy, o.cfg.Run, sessionID, batchID, i, attempts, req.ConfigFile, res, execErr, dur)
		run := domain.OptimizationRun{
			RunBase:      base,
			LossFunction: o.cfg.LossFunction,
			Epochs:       o.cfg.Epochs,
			Spaces:       o.cfg.Spaces,
			RunNumber:    i,
		}
		// row and session counter commit together
		id, err := o.store.RecordOptimization(ctx, run)
		if err != nil {
			metrics.RecordStorageError()
			return out, fmt.Errorf("batch: persist %s attempt %d: %w", strategy, i, err)
		}
		tally(&out, id, base)
		metrics.RecordAttempt(string(domain.ModeOptimize), string(base.Status), dur)

		slog.Info("optimization attempt",
			"strategy", strategy,
			"run_number", i,
			"of", attempts,
			"status", base.Status,
			"id", id,
			"duration", dur.Round(time.Second),
		)
	}
	return out, nil
}

func (o *Orchestrator) startSession(ctx context.Context, sc domain.SessionContext) (int64, string, error) {
	id, err := o.tracker.Start(ctx, sc)
	if err != nil {
		return 0, "", fmt.Errorf("batch: start session: %w", err)
	}
	s, err := o.tracker.Get(ctx, id)
	if err != nil {
		return 0, "", fmt.Errorf("batch: load session: %w", err)
	}
	return id, s.BatchID, nil
}

// execute calls the executor and measures the wall time when the executor
// does not report one.
func (o *Orchestrator) execute(ctx context.Context, req ports.ExecRequest) (ports.ExecOutcome, time.Duration, error) {
	start := o.now()
	res, err := o.exec.Execute(ctx, req)
	dur := res.Duration
	if dur <= 0 {
		dur = o.now().Sub(start)
	}
	return res, dur, err
}

// recordBase turns an executor outcome into the shared record fields. An
// error, or a run without metrics, becomes a failed record that keeps the raw
// diagnostics verbatim.
func (o *Orchestrator) recordBase(
	strategy string,
	cfg domain.RunConfig,
	sessionID int64,
	batchID string,
	attempt, of int,
	configFile string,
	res ports.ExecOutcome,
	execErr error,
	dur time.Duration,
) domain.RunBase {
	sid := sessionID
	base := domain.RunBase{
		StrategyName:    strategy,
		Timestamp:       o.now(),
		Status:          domain.StatusCompleted,
		Config:          cfg,
		Performance:     res.Performance,
		ConfigJSON:      res.ConfigJSON,
		ResultJSON:      res.ResultJSON,
		RawOutput:       res.RawOutput,
		ConfigFilePath:  configFile,
		ResultFilePath:  res.ResultFilePath,
		DurationSeconds: int(dur.Seconds()),
		SessionID:       &sid,
		SessionInfo:     sessionInfo(batchID, attempt, of),
	}

	switch {
	case execErr != nil:
		base.Status = domain.StatusFailed
		base.ErrorMessage = execErr.Error()
		var failure *domain.ExecutionFailure
		if errors.As(execErr, &failure) && base.RawOutput == "" {
			base.RawOutput = failure.Output
		}
	case res.Performance == nil:
		base.Status = domain.StatusFailed
		base.ErrorMessage = "run finished without metrics"
	}
	return base
}

func sessionInfo(batchID string, attempt, of int) json.RawMessage {
	b, err := json.Marshal(struct {
		BatchID string `json:"batch_id"`
		Attempt int    `json:"attempt"`
		Of      int    `json:"of"`
	}{batchID, attempt, of})
	if err != nil {
		return nil
	}
	return b
}

// finish closes the session unless the batch was aborted, and builds the
// summary from the strategy outcomes.
func (o *Orchestrator) finish(
	ctx context.Context,
	mode domain.BatchMode,
	sessionID int64,
	batchID string,
	start time.Time,
	outcomes []domain.StrategyOutcome,
	runErr error,
) (domain.BatchSummary, error) {
	summary := domain.BatchSummary{
		SessionID:  sessionID,
		BatchID:    batchID,
		Mode:       mode,
		Strategies: outcomes,
		Duration:   o.now().Sub(start),
	}
	for _, oc := range outcomes {
		summary.Attempts += oc.Attempts
		summary.Succeeded += oc.Succeeded
		summary.Failed += oc.Failed
		if oc.BestProfit != nil {
			metrics.UpdateBestProfit(oc.Strategy, string(mode), *oc.BestProfit)
		}
	}

	if runErr != nil {
		slog.Error("batch aborted, session left open",
			"session_id", sessionID,
			"mode", mode,
			"attempts", summary.Attempts,
			"err", runErr,
		)
		metrics.RecordBatch(string(mode), "aborted")
		return summary, fmt.Errorf("batch.RunBatch: %w", runErr)
	}

	if _, err := o.tracker.Close(ctx, sessionID); err != nil {
		metrics.RecordStorageError()
		return summary, fmt.Errorf("batch.RunBatch: %w", err)
	}

	outcome := "ok"
	switch {
	case summary.AllFailed():
		outcome = "failed"
	case summary.Failed > 0:
		outcome = "partial"
	}
	metrics.RecordBatch(string(mode), outcome)

	slog.Info("batch finished",
		"session_id", sessionID,
		"mode", mode,
		"strategies", len(outcomes),
		"strategies_ok", summary.StrategiesOK(),
		"attempts", summary.Attempts,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"duration", summary.Duration.Round(time.Second),
	)
	return summary, nil
}

// tally folds one persisted attempt into the strategy rollup.
func tally(out *domain.StrategyOutcome, id int64, base domain.RunBase) {
	out.Attempts++
	out.RunIDs = append(out.RunIDs, id)
	if base.Status != domain.StatusCompleted {
		out.Failed++
		out.LastError = base.ErrorMessage
		return
	}
	out.Succeeded++
	profit, _ := base.ProfitPct()
	if out.BestProfit == nil || profit > *out.BestProfit {
		p := profit
		out.BestProfit = &p
		out.BestRunID = id
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
