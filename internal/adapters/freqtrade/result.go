package freqtrade

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alejandrodnm/realitygap/internal/domain"
	"github.com/alejandrodnm/realitygap/internal/ports"
)

// backtestResult is the subset of freqtrade's exported backtest file we read.
type backtestResult struct {
	Strategy map[string]strategyResult `json:"strategy"`
}

type strategyResult struct {
	TotalTrades    int           `json:"total_trades"`
	ProfitTotal    float64       `json:"profit_total"` // ratio, 0.25 = 25%
	ProfitTotalAbs float64       `json:"profit_total_abs"`
	ProfitMean     float64       `json:"profit_mean"`
	ProfitFactor   float64       `json:"profit_factor"`
	Sharpe         float64       `json:"sharpe"`
	Sortino        float64       `json:"sortino"`
	Calmar         float64       `json:"calmar"`
	Expectancy     float64       `json:"expectancy"`
	Wins           int           `json:"wins"`
	Draws          int           `json:"draws"`
	Losses         int           `json:"losses"`
	MaxDrawdown    float64       `json:"max_relative_drawdown"`
	MaxDrawdownAbs float64       `json:"max_drawdown_abs"`
	HoldingAvg     string        `json:"holding_avg"`
	Trades         []resultTrade `json:"trades"`
}

type resultTrade struct {
	Pair           string  `json:"pair"`
	OpenDate       string  `json:"open_date"`
	CloseDate      string  `json:"close_date"`
	OpenTimestamp  int64   `json:"open_timestamp"`
	CloseTimestamp int64   `json:"close_timestamp"`
	OpenRate       float64 `json:"open_rate"`
	CloseRate      float64 `json:"close_rate"`
	Amount         float64 `json:"amount"`
	ProfitRatio    float64 `json:"profit_ratio"`
	ProfitAbs      float64 `json:"profit_abs"`
	TradeDuration  int     `json:"trade_duration"` // minutes
	ExitReason     string  `json:"exit_reason"`
	IsOpen         bool    `json:"is_open"`
}

// lastResult is freqtrade's pointer to the newest export in a directory.
type lastResult struct {
	LatestBacktest string `json:"latest_backtest"`
	LatestHyperopt string `json:"latest_hyperopt"`
}

// findLatestResult resolves the newest backtest export in dir via
// .last_result.json.
func findLatestResult(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, ".last_result.json"))
	if err != nil {
		return "", err
	}
	var lr lastResult
	if err := json.Unmarshal(b, &lr); err != nil {
		return "", fmt.Errorf("decode .last_result.json: %w", err)
	}
	if lr.LatestBacktest == "" {
		return "", fmt.Errorf("no latest_backtest in %s", dir)
	}
	return filepath.Join(dir, lr.LatestBacktest), nil
}

// latestHyperopt returns the name of the newest .fthypt file in the
// hyperopt_results dir.
func latestHyperopt(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, ".last_result.json"))
	if err != nil {
		return "", err
	}
	var lr lastResult
	if err := json.Unmarshal(b, &lr); err != nil {
		return "", fmt.Errorf("decode .last_result.json: %w", err)
	}
	if lr.LatestHyperopt == "" {
		return "", fmt.Errorf("no latest_hyperopt in %s", dir)
	}
	return lr.LatestHyperopt, nil
}

// readResultFile returns the raw JSON of an export. Newer freqtrade versions
// write a zip holding the JSON next to other artifacts.
func readResultFile(path string) ([]byte, error) {
	if !strings.HasSuffix(path, ".zip") {
		return os.ReadFile(path)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		name := filepath.Base(f.Name)
		if !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, "_config.json") || strings.Contains(name, "_market_change") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s in %s: %w", f.Name, path, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s in %s: %w", f.Name, path, err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("no result json in %s", path)
}

// decodeResult picks the strategy's section out of an export.
func decodeResult(raw []byte, strategy string) (strategyResult, error) {
	var res backtestResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return strategyResult{}, fmt.Errorf("decode backtest result: %w", err)
	}
	sr, ok := res.Strategy[strategy]
	if !ok {
		return strategyResult{}, fmt.Errorf("strategy %q not in backtest result", strategy)
	}
	return sr, nil
}

// performance builds metrics from the export when the console table could
// not be parsed.
func (sr strategyResult) performance() (*domain.Performance, ports.BacktestExtras) {
	p := &domain.Performance{
		TotalProfitPct: sr.ProfitTotal * 100,
		TotalProfitAbs: sr.ProfitTotalAbs,
		TotalTrades:    sr.TotalTrades,
		AvgProfitPct:   sr.ProfitMean * 100,
		MaxDrawdownPct: sr.MaxDrawdown * 100,
		SharpeRatio:    sr.Sharpe,
		CalmarRatio:    sr.Calmar,
		SortinoRatio:   sr.Sortino,
		ProfitFactor:   sr.ProfitFactor,
		Expectancy:     sr.Expectancy,
		WinningTrades:  sr.Wins,
		DrawTrades:     sr.Draws,
		LosingTrades:   sr.Losses,
	}
	if total := sr.Wins + sr.Draws + sr.Losses; total > 0 {
		p.WinRate = float64(sr.Wins) / float64(total) * 100
	}

	extras := ports.BacktestExtras{
		MaxDrawdownAbs:   sr.MaxDrawdownAbs,
		AvgTradeDuration: sr.HoldingAvg,
	}
	for i, t := range sr.Trades {
		pct := t.ProfitRatio * 100
		if i == 0 || pct > extras.BestTradePct {
			extras.BestTradePct = pct
		}
		if i == 0 || pct < extras.WorstTradePct {
			extras.WorstTradePct = pct
		}
	}
	return p, extras
}

func (sr strategyResult) trades() []domain.Trade {
	out := make([]domain.Trade, 0, len(sr.Trades))
	for _, t := range sr.Trades {
		tr := domain.Trade{
			Pair:            t.Pair,
			OpenDate:        tradeTime(t.OpenTimestamp, t.OpenDate),
			OpenRate:        t.OpenRate,
			CloseRate:       t.CloseRate,
			Amount:          t.Amount,
			ProfitPct:       t.ProfitRatio * 100,
			ProfitAbs:       t.ProfitAbs,
			DurationMinutes: max(t.TradeDuration, 0),
			ExitReason:      t.ExitReason,
			IsOpen:          t.IsOpen,
		}
		if !t.IsOpen {
			if cd := tradeTime(t.CloseTimestamp, t.CloseDate); !cd.IsZero() {
				tr.CloseDate = &cd
			}
		}
		out = append(out, tr)
	}
	return out
}

var tradeTimeLayouts = []string{
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05Z07:00",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// tradeTime prefers the millisecond timestamp and falls back to the date
// string.
func tradeTime(ms int64, s string) time.Time {
	if ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	for _, layout := range tradeTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
