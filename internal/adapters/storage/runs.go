package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

// Columns shared by hyperopt_results and backtest_results, in scan order.
const baseColumns = `id, strategy_name, timestamp, status,
	max_open_trades, timeframe, stake_amount, stake_currency, timerange, pair_whitelist, exchange_name,
	total_profit_pct, total_profit_abs, total_trades, win_rate, avg_profit_pct, max_drawdown_pct,
	sharpe_ratio, calmar_ratio, sortino_ratio, profit_factor, expectancy,
	winning_trades, losing_trades, draw_trades,
	config_file_path, result_file_path, config_json, result_json, raw_output, error_message,
	duration_seconds, session_id, session_info`

const optimizationColumns = baseColumns + `, hyperopt_function, epochs, spaces, run_number`

const backtestColumns = baseColumns + `,
	max_drawdown_abs, best_trade_pct, worst_trade_pct, avg_trade_duration, optimization_id`

// insertColumns drops the leading id from a scan column list.
func insertColumns(cols string) string {
	return strings.TrimPrefix(cols, "id, ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// baseArgs returns insert arguments matching insertColumns(baseColumns).
func baseArgs(b domain.RunBase) ([]any, error) {
	pairs, err := json.Marshal(b.Config.PairWhitelist)
	if err != nil {
		return nil, fmt.Errorf("marshal pair whitelist: %w", err)
	}
	if b.Config.PairWhitelist == nil {
		pairs = []byte("[]")
	}

	args := []any{
		b.StrategyName, formatTime(b.Timestamp), string(b.Status),
		b.Config.MaxOpenTrades, b.Config.Timeframe, b.Config.StakeAmount, b.Config.StakeCurrency,
		b.Config.TimeRange, string(pairs), b.Config.Exchange,
	}
	args = append(args, performanceArgs(b.Performance)...)
	args = append(args,
		b.ConfigFilePath, b.ResultFilePath,
		nullableText(b.ConfigJSON), nullableText(b.ResultJSON),
		b.RawOutput, b.ErrorMessage,
		b.DurationSeconds, nullableID(b.SessionID), nullableText(b.SessionInfo),
	)
	return args, nil
}

// performanceArgs stores every metric as NULL when the run has none.
func performanceArgs(p *domain.Performance) []any {
	if p == nil {
		return make([]any, 14)
	}
	return []any{
		p.TotalProfitPct, p.TotalProfitAbs, p.TotalTrades, p.WinRate, p.AvgProfitPct, p.MaxDrawdownPct,
		p.SharpeRatio, p.CalmarRatio, p.SortinoRatio, p.ProfitFactor, p.Expectancy,
		p.WinningTrades, p.LosingTrades, p.DrawTrades,
	}
}

// baseRow is the scan target for baseColumns.
type baseRow struct {
	id            int64
	strategy      string
	timestamp     string
	status        string
	maxOpenTrades sql.NullInt64
	timeframe     string
	stakeAmount   sql.NullFloat64
	stakeCurrency sql.NullString
	timerange     sql.NullString
	pairs         sql.NullString
	exchange      sql.NullString

	profitPct, profitAbs      sql.NullFloat64
	trades                    sql.NullInt64
	winRate, avgProfit, ddPct sql.NullFloat64
	sharpe, calmar, sortino   sql.NullFloat64
	profitFactor, expectancy  sql.NullFloat64
	wins, losses, draws       sql.NullInt64

	configPath, resultPath sql.NullString
	configJSON, resultJSON sql.NullString
	rawOutput, errMessage  sql.NullString
	duration               int64
	sessionID              sql.NullInt64
	sessionInfo            sql.NullString
}

func (r *baseRow) dest() []any {
	return []any{
		&r.id, &r.strategy, &r.timestamp, &r.status,
		&r.maxOpenTrades, &r.timeframe, &r.stakeAmount, &r.stakeCurrency, &r.timerange, &r.pairs, &r.exchange,
		&r.profitPct, &r.profitAbs, &r.trades, &r.winRate, &r.avgProfit, &r.ddPct,
		&r.sharpe, &r.calmar, &r.sortino, &r.profitFactor, &r.expectancy,
		&r.wins, &r.losses, &r.draws,
		&r.configPath, &r.resultPath, &r.configJSON, &r.resultJSON, &r.rawOutput, &r.errMessage,
		&r.duration, &r.sessionID, &r.sessionInfo,
	}
}

func (r *baseRow) base() (domain.RunBase, error) {
	ts, err := parseTime(r.timestamp)
	if err != nil {
		return domain.RunBase{}, err
	}

	b := domain.RunBase{
		ID:           r.id,
		StrategyName: r.strategy,
		Timestamp:    ts,
		Status:       domain.RunStatus(r.status),
		Config: domain.RunConfig{
			Timeframe:     r.timeframe,
			StakeAmount:   r.stakeAmount.Float64,
			StakeCurrency: r.stakeCurrency.String,
			TimeRange:     r.timerange.String,
			Exchange:      r.exchange.String,
			MaxOpenTrades: int(r.maxOpenTrades.Int64),
		},
		ConfigFilePath:  r.configPath.String,
		ResultFilePath:  r.resultPath.String,
		RawOutput:       r.rawOutput.String,
		ErrorMessage:    r.errMessage.String,
		DurationSeconds: int(r.duration),
		SessionID:       idPtr(r.sessionID),
	}
	if r.pairs.Valid && r.pairs.String != "" {
		if err := json.Unmarshal([]byte(r.pairs.String), &b.Config.PairWhitelist); err != nil {
			return domain.RunBase{}, fmt.Errorf("decode pair whitelist of run %d: %w", r.id, err)
		}
	}
	if r.configJSON.Valid {
		b.ConfigJSON = json.RawMessage(r.configJSON.String)
	}
	if r.resultJSON.Valid {
		b.ResultJSON = json.RawMessage(r.resultJSON.String)
	}
	if r.sessionInfo.Valid {
		b.SessionInfo = json.RawMessage(r.sessionInfo.String)
	}

	// total_profit_pct is the marker: NULL means the run produced no metrics
	if r.profitPct.Valid {
		b.Performance = &domain.Performance{
			TotalProfitPct: r.profitPct.Float64,
			TotalProfitAbs: r.profitAbs.Float64,
			TotalTrades:    int(r.trades.Int64),
			WinRate:        r.winRate.Float64,
			AvgProfitPct:   r.avgProfit.Float64,
			MaxDrawdownPct: r.ddPct.Float64,
			SharpeRatio:    r.sharpe.Float64,
			CalmarRatio:    r.calmar.Float64,
			SortinoRatio:   r.sortino.Float64,
			ProfitFactor:   r.profitFactor.Float64,
			Expectancy:     r.expectancy.Float64,
			WinningTrades:  int(r.wins.Int64),
			LosingTrades:   int(r.losses.Int64),
			DrawTrades:     int(r.draws.Int64),
		}
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOptimization(sc rowScanner) (domain.OptimizationRun, error) {
	var (
		r      baseRow
		loss   sql.NullString
		epochs sql.NullInt64
		spaces sql.NullString
		runNum int
	)
	if err := sc.Scan(append(r.dest(), &loss, &epochs, &spaces, &runNum)...); err != nil {
		return domain.OptimizationRun{}, err
	}
	b, err := r.base()
	if err != nil {
		return domain.OptimizationRun{}, err
	}
	run := domain.OptimizationRun{
		RunBase:      b,
		LossFunction: loss.String,
		Epochs:       int(epochs.Int64),
		RunNumber:    runNum,
	}
	if spaces.Valid && spaces.String != "" {
		if err := json.Unmarshal([]byte(spaces.String), &run.Spaces); err != nil {
			return domain.OptimizationRun{}, fmt.Errorf("decode spaces of run %d: %w", r.id, err)
		}
	}
	return run, nil
}

func scanBacktest(sc rowScanner) (domain.BacktestRun, error) {
	var (
		r           baseRow
		ddAbs       sql.NullFloat64
		best, worst sql.NullFloat64
		avgDuration sql.NullString
		optimizID   sql.NullInt64
	)
	if err := sc.Scan(append(r.dest(), &ddAbs, &best, &worst, &avgDuration, &optimizID)...); err != nil {
		return domain.BacktestRun{}, err
	}
	b, err := r.base()
	if err != nil {
		return domain.BacktestRun{}, err
	}
	return domain.BacktestRun{
		RunBase:          b,
		MaxDrawdownAbs:   ddAbs.Float64,
		BestTradePct:     best.Float64,
		WorstTradePct:    worst.Float64,
		AvgTradeDuration: avgDuration.String,
		OptimizationID:   idPtr(optimizID),
	}, nil
}
