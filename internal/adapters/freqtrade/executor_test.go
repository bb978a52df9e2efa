package freqtrade

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/realitygap/internal/domain"
	"github.com/alejandrodnm/realitygap/internal/ports"
)

type call struct {
	dir  string
	args []string
}

// fakeRunner devuelve respuestas por subcomando y guarda las llamadas.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	replies map[string]func(args []string) (string, int, error)
}

func (f *fakeRunner) run(ctx context.Context, dir, name string, args ...string) (string, int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{dir: dir, args: args})
	reply := f.replies[args[0]]
	f.mu.Unlock()
	if reply == nil {
		return "", 0, nil
	}
	return reply(args)
}

func newTestExecutor(t *testing.T, fr *fakeRunner) *Executor {
	t.Helper()
	e := NewExecutor(Config{
		WorkDir:    t.TempDir(),
		ResultsDir: t.TempDir(),
		Timeout:    time.Second,
	})
	e.run = fr.run
	return e
}

func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestExecute_HyperoptParsesShowOutput(t *testing.T) {
	fr := &fakeRunner{replies: map[string]func([]string) (string, int, error){
		"hyperopt": func([]string) (string, int, error) {
			return "Best result: 12 epochs", 0, nil
		},
		"hyperopt-show": func([]string) (string, int, error) {
			return summaryTable, 0, nil
		},
	}}
	e := newTestExecutor(t, fr)

	cfgFile := filepath.Join(t.TempDir(), "SampleStrategy.json")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`{"timeframe":"5m"}`), 0o644))

	lock := filepath.Join(e.cfg.WorkDir, "user_data", "hyperopt.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(lock), 0o755))
	require.NoError(t, os.WriteFile(lock, nil, 0o644))

	out, err := e.Execute(context.Background(), ports.ExecRequest{
		Kind:         domain.KindOptimization,
		Strategy:     "SampleStrategy",
		ConfigFile:   cfgFile,
		Config:       domain.RunConfig{Timeframe: "5m", TimeRange: "20240101-"},
		LossFunction: "SharpeHyperOptLoss",
		Epochs:       50,
		Spaces:       []string{"buy", "sell"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Performance)
	assert.InDelta(t, 25.5, out.Performance.TotalProfitPct, 1e-9)
	assert.Contains(t, out.RawOutput, "Best result")
	assert.JSONEq(t, `{"timeframe":"5m"}`, string(out.ConfigJSON))

	_, statErr := os.Stat(lock)
	assert.True(t, os.IsNotExist(statErr), "el lock viejo se borra antes de lanzar")

	require.Len(t, fr.calls, 2)
	args := fr.calls[0].args
	assert.Equal(t, e.cfg.WorkDir, fr.calls[0].dir)
	assert.Equal(t, "SampleStrategy", argValue(args, "--strategy"))
	assert.Equal(t, cfgFile, argValue(args, "--config"))
	assert.Equal(t, "20240101-", argValue(args, "--timerange"))
	assert.Equal(t, "50", argValue(args, "--epochs"))
	assert.Equal(t, "SharpeHyperOptLoss", argValue(args, "--hyperopt-loss"))
	assert.Subset(t, args, []string{"--spaces", "buy", "sell"})

	show := fr.calls[1].args
	assert.Contains(t, show, "--print-json")
	assert.Empty(t, argValue(show, "--hyperopt-filename"), "sin .last_result.json no se fija fichero")
}

// writeHyperoptResult simula lo que deja freqtrade al terminar un hyperopt.
func writeHyperoptResult(t *testing.T, userData, file string) error {
	t.Helper()
	dir := filepath.Join(userData, "hyperopt_results")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, file), nil, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ".last_result.json"),
		[]byte(`{"latest_hyperopt":"`+file+`"}`), 0o644)
}

func TestExecute_HyperoptStoresShowJSON(t *testing.T) {
	var e *Executor
	fr := &fakeRunner{replies: map[string]func([]string) (string, int, error){
		"hyperopt": func([]string) (string, int, error) {
			err := writeHyperoptResult(t, e.userDataDir(), "strategy_Alpha_2024-01-01_10-00-00.fthypt")
			return "Best result", 0, err
		},
		"hyperopt-show": func([]string) (string, int, error) {
			return summaryTable + "\n{\"params\":{\"buy\":{\"rsi\":30}},\"stoploss\":-0.1}\n", 0, nil
		},
	}}
	e = newTestExecutor(t, fr)

	out, err := e.Execute(context.Background(), ports.ExecRequest{
		Kind: domain.KindOptimization, Strategy: "Alpha",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"params":{"buy":{"rsi":30}},"stoploss":-0.1}`, string(out.ResultJSON))
	assert.Equal(t, filepath.Join(e.cfg.WorkDir, "user_data", "hyperopt_results",
		"strategy_Alpha_2024-01-01_10-00-00.fthypt"), out.ResultFilePath)

	require.Len(t, fr.calls, 2)
	assert.Equal(t, "strategy_Alpha_2024-01-01_10-00-00.fthypt",
		argValue(fr.calls[1].args, "--hyperopt-filename"))
}

func TestExecute_ConcurrentHyperoptsKeepRunningLock(t *testing.T) {
	var (
		e        *Executor
		mu       sync.Mutex
		inFlight int
		maxSeen  int
		lockLost bool
	)
	fr := &fakeRunner{replies: map[string]func([]string) (string, int, error){
		"hyperopt": func(args []string) (string, int, error) {
			mu.Lock()
			inFlight++
			maxSeen = max(maxSeen, inFlight)
			mu.Unlock()

			// como freqtrade: crea el lock, trabaja y lo suelta al acabar
			lock := filepath.Join(e.userDataDir(), "hyperopt.lock")
			if err := os.WriteFile(lock, nil, 0o644); err != nil {
				return "", 1, err
			}
			time.Sleep(50 * time.Millisecond)
			if _, err := os.Stat(lock); err != nil {
				mu.Lock()
				lockLost = true
				mu.Unlock()
			}
			_ = os.Remove(lock)
			err := writeHyperoptResult(t, e.userDataDir(),
				"strategy_"+argValue(args, "--strategy")+".fthypt")

			mu.Lock()
			inFlight--
			mu.Unlock()
			return "Best result", 0, err
		},
		"hyperopt-show": func([]string) (string, int, error) {
			return summaryTable, 0, nil
		},
	}}
	e = newTestExecutor(t, fr)
	require.NoError(t, os.MkdirAll(e.userDataDir(), 0o755))

	var wg sync.WaitGroup
	outs := make([]ports.ExecOutcome, 2)
	for i, strategy := range []string{"Alpha", "Beta"} {
		i, strategy := i, strategy
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Execute(context.Background(), ports.ExecRequest{
				Kind: domain.KindOptimization, Strategy: strategy,
			})
			assert.NoError(t, err)
			outs[i] = out
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "nunca dos hyperopt a la vez")
	assert.False(t, lockLost, "el lock de un hyperopt en marcha no se borra")

	// cada hyperopt-show lee el fichero de su estrategia
	fr.mu.Lock()
	defer fr.mu.Unlock()
	var shown []string
	for _, c := range fr.calls {
		if c.args[0] == "hyperopt-show" {
			shown = append(shown, argValue(c.args, "--hyperopt-filename"))
		}
	}
	require.Len(t, shown, 2)
	assert.NotEqual(t, shown[0], shown[1])
	for _, out := range outs {
		assert.NotEmpty(t, out.ResultFilePath)
	}
	assert.NotEqual(t, outs[0].ResultFilePath, outs[1].ResultFilePath)
}

func TestExecute_NonZeroExit(t *testing.T) {
	fr := &fakeRunner{replies: map[string]func([]string) (string, int, error){
		"hyperopt": func([]string) (string, int, error) {
			return "Strategy not found", 2, errors.New("exit status 2")
		},
	}}
	e := newTestExecutor(t, fr)

	out, err := e.Execute(context.Background(), ports.ExecRequest{
		Kind: domain.KindOptimization, Strategy: "Missing",
	})
	var fail *domain.ExecutionFailure
	require.ErrorAs(t, err, &fail)
	assert.Equal(t, 2, fail.ExitStatus)
	assert.Equal(t, "non-zero exit", fail.Reason)
	assert.Equal(t, "Strategy not found", fail.Output)
	assert.Nil(t, out.Performance)
	assert.Len(t, fr.calls, 1, "sin hyperopt-show tras un fallo")
}

func TestExecute_UnparseableOutput(t *testing.T) {
	fr := &fakeRunner{replies: map[string]func([]string) (string, int, error){
		"backtesting": func([]string) (string, int, error) {
			return "No trades made.", 0, nil
		},
	}}
	e := newTestExecutor(t, fr)

	out, err := e.Execute(context.Background(), ports.ExecRequest{
		Kind: domain.KindBacktest, Strategy: "Quiet", BatchID: "b1",
	})
	var fail *domain.ExecutionFailure
	require.ErrorAs(t, err, &fail)
	assert.Equal(t, "no summary metrics in output", fail.Reason)
	assert.Equal(t, "No trades made.", out.RawOutput)
}

func TestExecute_Timeout(t *testing.T) {
	fr := &fakeRunner{replies: map[string]func([]string) (string, int, error){
		"hyperopt": func([]string) (string, int, error) {
			return "partial", -1, context.DeadlineExceeded
		},
	}}
	e := newTestExecutor(t, fr)
	e.cfg.Timeout = time.Nanosecond
	e.run = func(ctx context.Context, dir, name string, args ...string) (string, int, error) {
		<-ctx.Done()
		return fr.run(ctx, dir, name, args...)
	}

	_, err := e.Execute(context.Background(), ports.ExecRequest{
		Kind: domain.KindOptimization, Strategy: "Slow",
	})
	var fail *domain.ExecutionFailure
	require.ErrorAs(t, err, &fail)
	assert.Equal(t, "timeout", fail.Reason)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecute_BacktestReadsExport(t *testing.T) {
	fr := &fakeRunner{}
	fr.replies = map[string]func([]string) (string, int, error){
		"backtesting": func(args []string) (string, int, error) {
			dir := argValue(args, "--backtest-directory")
			if err := os.WriteFile(filepath.Join(dir, "result.json"), []byte(exportJSON), 0o644); err != nil {
				return "", 1, err
			}
			if err := os.WriteFile(filepath.Join(dir, ".last_result.json"),
				[]byte(`{"latest_backtest":"result.json"}`), 0o644); err != nil {
				return "", 1, err
			}
			// sin tabla en consola: las métricas salen del export
			return "backtest done", 0, nil
		},
	}
	e := newTestExecutor(t, fr)

	out, err := e.Execute(context.Background(), ports.ExecRequest{
		Kind: domain.KindBacktest, Strategy: "SampleStrategy", BatchID: "batch-1", RunNumber: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Performance)
	assert.InDelta(t, 3.1, out.Performance.TotalProfitPct, 1e-9)
	assert.Len(t, out.Trades, 2)
	assert.NotEmpty(t, out.ResultJSON)
	assert.Equal(t, filepath.Join(e.cfg.ResultsDir, "batch-1", "SampleStrategy-1", "result.json"), out.ResultFilePath)
	assert.Equal(t, "trades", argValue(fr.calls[0].args, "--export"))
}

func TestExecute_UnknownKind(t *testing.T) {
	e := newTestExecutor(t, &fakeRunner{})
	_, err := e.Execute(context.Background(), ports.ExecRequest{Kind: "live", Strategy: "X"})
	require.Error(t, err)
	var fail *domain.ExecutionFailure
	assert.False(t, errors.As(err, &fail))
}

func TestExecute_CooldownHonoursContext(t *testing.T) {
	e := newTestExecutor(t, &fakeRunner{})
	e.limiter.SetLimit(0.001)
	e.limiter.SetBurst(1)
	// consume el único token
	require.True(t, e.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Execute(ctx, ports.ExecRequest{Kind: domain.KindBacktest, Strategy: "X"})
	assert.ErrorIs(t, err, context.Canceled)
}
