package freqtrade

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/alejandrodnm/realitygap/internal/domain"
	"github.com/alejandrodnm/realitygap/internal/ports"
)

// Rows of freqtrade's summary metrics table. Cells are separated by the
// box-drawing bar │, or by a plain | when output is not a terminal.
var (
	reProfitPct   = row(`Total profit %`, `(-?[\d.]+)%`)
	reProfitAbs   = row(`Abs profit`, `(-?[\d.]+)`)
	reTrades      = row(`Total trades`, `(\d+)`)
	reWinDrawLose = row(`Win/Draw/Lose`, `(\d+)\s*/\s*(\d+)\s*/\s*(\d+)`)
	reAvgProfit   = row(`Avg profit %`, `(-?[\d.]+)%`)
	reDrawdownPct = row(`Max Drawdown`, `(-?[\d.]+)%`)
	reDrawdownAbs = row(`Max Drawdown`, `[^│|\n]*[│|]\s*(-?[\d.]+)`)
	reSharpe      = row(`Sharpe`, `(-?[\d.]+)`)
	reCalmar      = row(`Calmar`, `(-?[\d.]+)`)
	reSortino     = row(`Sortino`, `(-?[\d.]+)`)
	reProfitFact  = row(`Profit factor`, `(-?[\d.]+)`)
	reExpectancy  = row(`Expectancy`, `(-?[\d.]+)`)
	reBestTrade   = row(`Best trade %`, `(-?[\d.]+)%`)
	reWorstTrade  = row(`Worst trade %`, `(-?[\d.]+)%`)
	reAvgDuration = row(`Avg trade duration`, `([^│|\n]+)`)
)

func row(label, value string) *regexp.Regexp {
	return regexp.MustCompile(label + `[ \t]*[│|][ \t]*` + value)
}

// ParseSummary extracts the summary metrics from freqtrade console output.
// It returns nil when the total profit row is missing: without it the run
// has no usable result.
func ParseSummary(output string) (*domain.Performance, ports.BacktestExtras) {
	var extras ports.BacktestExtras
	profit, ok := floatMatch(reProfitPct, output)
	if !ok {
		return nil, extras
	}

	p := &domain.Performance{TotalProfitPct: profit}
	p.TotalProfitAbs, _ = floatMatch(reProfitAbs, output)
	p.AvgProfitPct, _ = floatMatch(reAvgProfit, output)
	p.MaxDrawdownPct, _ = floatMatch(reDrawdownPct, output)
	p.SharpeRatio, _ = floatMatch(reSharpe, output)
	p.CalmarRatio, _ = floatMatch(reCalmar, output)
	p.SortinoRatio, _ = floatMatch(reSortino, output)
	p.ProfitFactor, _ = floatMatch(reProfitFact, output)
	p.Expectancy, _ = floatMatch(reExpectancy, output)

	if m := reTrades.FindStringSubmatch(output); m != nil {
		p.TotalTrades, _ = strconv.Atoi(m[1])
	}
	if m := reWinDrawLose.FindStringSubmatch(output); m != nil {
		wins, _ := strconv.Atoi(m[1])
		draws, _ := strconv.Atoi(m[2])
		losses, _ := strconv.Atoi(m[3])
		p.WinningTrades, p.DrawTrades, p.LosingTrades = wins, draws, losses
		if total := wins + draws + losses; total > 0 {
			p.WinRate = float64(wins) / float64(total) * 100
		}
	}

	extras.MaxDrawdownAbs, _ = floatMatch(reDrawdownAbs, output)
	extras.BestTradePct, _ = floatMatch(reBestTrade, output)
	extras.WorstTradePct, _ = floatMatch(reWorstTrade, output)
	if m := reAvgDuration.FindStringSubmatch(output); m != nil {
		extras.AvgTradeDuration = strings.TrimSpace(m[1])
	}
	return p, extras
}

func floatMatch(re *regexp.Regexp, s string) (float64, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
