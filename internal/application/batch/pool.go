package batch

// pool.go: worker pool that processes strategies in parallel.
//
// External runs are heavy on CPU and memory, so the default is a single
// worker: sequential, in the order received. With workers > 1 each strategy
// still runs its attempts in run_number order.

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

// strategyJob is the unit of work of the pool: one strategy and, in
// validation mode, the candidates to backtest for it.
type strategyJob struct {
	index      int
	strategy   string
	candidates []domain.OptimizationRun
}

type jobFunc func(ctx context.Context, job strategyJob) (domain.StrategyOutcome, error)

// runPool processes jobs with up to workers goroutines. Outcomes keep the
// order of jobs. The first error cancels the remaining jobs and is returned
// along with the outcomes gathered so far.
func runPool(ctx context.Context, workers int, jobs []strategyJob, fn jobFunc) ([]domain.StrategyOutcome, error) {
	if workers <= 0 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		index   int
		outcome domain.StrategyOutcome
		err     error
	}

	workCh := make(chan strategyJob, len(jobs))
	resultCh := make(chan result, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range workCh {
				if ctx.Err() != nil {
					resultCh <- result{index: job.index, err: ctx.Err()}
					continue
				}
				outcome, err := fn(ctx, job)
				if err != nil {
					cancel()
				}
				resultCh <- result{index: job.index, outcome: outcome, err: err}
			}
		}()
	}

	for _, job := range jobs {
		workCh <- job
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	outcomes := make([]domain.StrategyOutcome, len(jobs))
	done := make([]bool, len(jobs))
	var firstErr error
	for r := range resultCh {
		if r.err != nil {
			// a cancellation caused by an earlier failure is not the root cause
			if firstErr == nil || (isCancel(firstErr) && !isCancel(r.err)) {
				firstErr = r.err
			}
		}
		if r.outcome.Strategy != "" {
			outcomes[r.index] = r.outcome
			done[r.index] = true
		}
	}

	kept := outcomes[:0]
	for i, o := range outcomes {
		if done[i] {
			kept = append(kept, o)
		}
	}

	slog.Debug("strategy pool complete", "jobs", len(jobs), "workers", workers, "finished", len(kept))
	return kept, firstErr
}
