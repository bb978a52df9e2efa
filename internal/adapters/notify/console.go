package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/realitygap/internal/application/analysis"
	"github.com/alejandrodnm/realitygap/internal/domain"
	"github.com/alejandrodnm/realitygap/internal/ports"
)

// Format elige cómo se pintan los informes.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
)

// Console implementa ports.BatchReporter y pinta los informes de análisis.
type Console struct {
	out    io.Writer
	format Format
}

var _ ports.BatchReporter = (*Console)(nil)

// NewConsole crea un reporter que escribe a stdout.
func NewConsole(format Format) *Console {
	return NewConsoleWriter(os.Stdout, format)
}

// NewConsoleWriter crea un reporter para tests.
func NewConsoleWriter(w io.Writer, format Format) *Console {
	if format != FormatJSON {
		format = FormatTable
	}
	return &Console{out: w, format: format}
}

// ReportBatch imprime el resumen final de un batch.
func (c *Console) ReportBatch(_ context.Context, s domain.BatchSummary) error {
	if c.format == FormatJSON {
		return c.json(s)
	}

	fmt.Fprintf(c.out, "\n[%s] %s batch %s (session %d) in %s\n",
		time.Now().Format("15:04:05"), s.Mode, shortID(s.BatchID), s.SessionID,
		s.Duration.Round(time.Second))

	if len(s.Strategies) == 0 {
		fmt.Fprintln(c.out, "  nothing to run")
		return nil
	}

	tbl := tablewriter.NewWriter(c.out)
	tbl.Header("Strategy", "Attempts", "OK", "Failed", "Best run", "Best profit", "Last error")
	for _, o := range s.Strategies {
		best := "-"
		if o.BestRunID > 0 {
			best = fmt.Sprintf("#%d", o.BestRunID)
		}
		tbl.Append(
			o.Strategy,
			fmt.Sprintf("%d", o.Attempts),
			fmt.Sprintf("%d", o.Succeeded),
			fmt.Sprintf("%d", o.Failed),
			best,
			pctLabel(o.BestProfit),
			truncate(o.LastError, 40),
		)
	}
	tbl.Render()

	fmt.Fprintf(c.out, "  strategies ok: %d/%d | attempts: %d ok, %d failed\n",
		s.StrategiesOK(), len(s.Strategies), s.Succeeded, s.Failed)
	if s.AllFailed() {
		fmt.Fprintln(c.out, "  ⚠ every attempt failed")
	}
	return nil
}

// PrintOptimizations imprime un ranking de optimizaciones.
func (c *Console) PrintOptimizations(title string, runs []domain.OptimizationRun) error {
	if c.format == FormatJSON {
		return c.json(runs)
	}
	c.title(title, len(runs))
	if len(runs) == 0 {
		return nil
	}

	tbl := tablewriter.NewWriter(c.out)
	tbl.Header("#", "ID", "Strategy", "Run", "Profit %", "Trades", "Win %", "Sharpe", "DD %", "Date")
	for i, r := range runs {
		p := perf(r.Performance)
		tbl.Append(
			fmt.Sprintf("%d", i+1),
			fmt.Sprintf("%d", r.ID),
			r.StrategyName,
			fmt.Sprintf("%d", r.RunNumber),
			fmt.Sprintf("%.2f", p.TotalProfitPct),
			fmt.Sprintf("%d", p.TotalTrades),
			fmt.Sprintf("%.1f", p.WinRate),
			fmt.Sprintf("%.2f", p.SharpeRatio),
			fmt.Sprintf("%.2f", p.MaxDrawdownPct),
			r.Timestamp.Local().Format("2006-01-02 15:04"),
		)
	}
	tbl.Render()
	return nil
}

// PrintBacktests imprime un ranking de backtests.
func (c *Console) PrintBacktests(title string, runs []domain.BacktestRun) error {
	if c.format == FormatJSON {
		return c.json(runs)
	}
	c.title(title, len(runs))
	if len(runs) == 0 {
		return nil
	}

	tbl := tablewriter.NewWriter(c.out)
	tbl.Header("#", "ID", "Strategy", "Opt", "Status", "Profit %", "Trades", "Sharpe", "DD %", "Date")
	for i, r := range runs {
		profit := "-"
		trades := "-"
		sharpe := "-"
		dd := "-"
		if p := r.Performance; p != nil {
			profit = fmt.Sprintf("%.2f", p.TotalProfitPct)
			trades = fmt.Sprintf("%d", p.TotalTrades)
			sharpe = fmt.Sprintf("%.2f", p.SharpeRatio)
			dd = fmt.Sprintf("%.2f", p.MaxDrawdownPct)
		}
		tbl.Append(
			fmt.Sprintf("%d", i+1),
			fmt.Sprintf("%d", r.ID),
			r.StrategyName,
			idLabel(r.OptimizationID),
			string(r.Status),
			profit, trades, sharpe, dd,
			r.Timestamp.Local().Format("2006-01-02 15:04"),
		)
	}
	tbl.Render()
	return nil
}

// PrintCompare imprime los pares optimización/backtest con su gap.
func (c *Console) PrintCompare(strategy string, pairs []analysis.Pair) error {
	if c.format == FormatJSON {
		return c.json(pairs)
	}
	c.title("Reality gap: "+strategy, len(pairs))
	if len(pairs) == 0 {
		return nil
	}

	tbl := tablewriter.NewWriter(c.out)
	tbl.Header("Opt ID", "Run", "Opt profit %", "BT ID", "BT profit %", "Gap", "Verdict")
	for _, p := range pairs {
		optProfit := "-"
		if v, ok := p.Optimization.ProfitPct(); ok {
			optProfit = fmt.Sprintf("%.2f", v)
		}
		btID, btProfit := "-", "-"
		if p.Backtest != nil {
			btID = fmt.Sprintf("%d", p.Backtest.ID)
			if v, ok := p.Backtest.ProfitPct(); ok {
				btProfit = fmt.Sprintf("%.2f", v)
			}
		}
		gap := "-"
		if p.Gap != nil {
			gap = fmt.Sprintf("%+.2f", *p.Gap)
		}
		tbl.Append(
			fmt.Sprintf("%d", p.Optimization.ID),
			fmt.Sprintf("%d", p.Optimization.RunNumber),
			optProfit, btID, btProfit, gap,
			string(p.Class),
		)
	}
	tbl.Render()
	fmt.Fprintln(c.out, "  Gap = opt profit - backtest profit | >0 overfit risk, <0 underoptimized")
	return nil
}

// PrintUnpaired lista backtests sin optimización enlazada.
func (c *Console) PrintUnpaired(strategy string, runs []domain.BacktestRun) error {
	return c.PrintBacktests("Unlinked backtests: "+strategy, runs)
}

// PrintTimeline imprime el historial de un strategy, más reciente primero.
func (c *Console) PrintTimeline(strategy string, entries []analysis.TimelineEntry) error {
	if c.format == FormatJSON {
		return c.json(entries)
	}
	c.title("Timeline: "+strategy, len(entries))
	if len(entries) == 0 {
		return nil
	}

	tbl := tablewriter.NewWriter(c.out)
	tbl.Header("Date", "Kind", "ID", "Status", "Profit %", "Detail")
	for _, e := range entries {
		detail := ""
		switch e.Kind {
		case domain.KindOptimization:
			detail = fmt.Sprintf("run %d", e.RunNumber)
		case domain.KindBacktest:
			detail = "opt " + idLabel(e.OptimizationID)
		}
		tbl.Append(
			e.Timestamp.Local().Format("2006-01-02 15:04"),
			string(e.Kind),
			fmt.Sprintf("%d", e.ID),
			string(e.Status),
			pctLabel(e.ProfitPct),
			detail,
		)
	}
	tbl.Render()
	return nil
}

// PrintSessionSummary imprime los agregados de una sesión.
func (c *Console) PrintSessionSummary(s analysis.SessionSummary) error {
	if c.format == FormatJSON {
		return c.json(s)
	}
	sess := s.Session
	state := "open"
	if sess.Closed() {
		state = fmt.Sprintf("closed after %ds", sess.DurationSeconds)
	}

	fmt.Fprintf(c.out, "\n=== SESSION %d (%s, %s) ===\n", sess.ID, sess.Kind, state)
	fmt.Fprintf(c.out, "  Batch:        %s\n", sess.BatchID)
	fmt.Fprintf(c.out, "  Started:      %s\n", sess.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if sess.Timeframe != "" || sess.TimeRange != "" {
		fmt.Fprintf(c.out, "  Market:       %s %s %s\n", sess.Exchange, sess.Timeframe, sess.TimeRange)
	}
	if sess.RelatedSessionID != nil {
		fmt.Fprintf(c.out, "  Validates:    session %d\n", *sess.RelatedSessionID)
	}
	fmt.Fprintf(c.out, "  Counters:     %d total, %d ok, %d failed\n", sess.Total, sess.Succeeded, sess.Failed)
	fmt.Fprintf(c.out, "  Stored runs:  %d (%d ok, %d failed) over %d strategies\n",
		s.Runs, s.Completed, s.Failed, s.Strategies)
	fmt.Fprintf(c.out, "  Avg profit:   %s\n", pctLabel(s.AvgProfitPct))
	if s.BestProfit != nil {
		fmt.Fprintf(c.out, "  Best:         %s run #%d (%s)\n", s.BestStrategy, s.BestRunID, pctLabel(s.BestProfit))
	}
	if !s.Consistent {
		fmt.Fprintln(c.out, "  ⚠ counters disagree with stored runs")
	}
	fmt.Fprintln(c.out)
	return nil
}

// PrintSessions lista sesiones, por ejemplo las que siguen abiertas.
func (c *Console) PrintSessions(title string, sessions []domain.Session) error {
	if c.format == FormatJSON {
		return c.json(sessions)
	}
	c.title(title, len(sessions))
	if len(sessions) == 0 {
		return nil
	}

	tbl := tablewriter.NewWriter(c.out)
	tbl.Header("ID", "Kind", "Batch", "Started", "Total", "OK", "Failed", "State")
	for _, s := range sessions {
		state := "open"
		if s.Closed() {
			state = "closed"
		}
		tbl.Append(
			fmt.Sprintf("%d", s.ID),
			string(s.Kind),
			shortID(s.BatchID),
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			fmt.Sprintf("%d", s.Total),
			fmt.Sprintf("%d", s.Succeeded),
			fmt.Sprintf("%d", s.Failed),
			state,
		)
	}
	tbl.Render()
	return nil
}

// PrintStats imprime la vista global del store.
func (c *Console) PrintStats(s analysis.Stats) error {
	if c.format == FormatJSON {
		return c.json(s)
	}
	fmt.Fprintf(c.out, "\n=== STORE STATS ===\n")

	tbl := tablewriter.NewWriter(c.out)
	tbl.Header("Kind", "Runs", "OK", "Failed", "Strategies", "Avg profit %", "Best")
	for _, row := range []struct {
		name string
		k    analysis.KindStats
	}{
		{"optimization", s.Optimizations},
		{"backtest", s.Backtests},
	} {
		best := "-"
		if row.k.BestProfit != nil {
			best = fmt.Sprintf("%s (%.2f)", row.k.BestStrategy, *row.k.BestProfit)
		}
		tbl.Append(
			row.name,
			fmt.Sprintf("%d", row.k.Total),
			fmt.Sprintf("%d", row.k.Completed),
			fmt.Sprintf("%d", row.k.Failed),
			fmt.Sprintf("%d", row.k.Strategies),
			pctLabel(row.k.AvgProfitPct),
			best,
		)
	}
	tbl.Render()

	fmt.Fprintf(c.out, "  Sessions: %d (%d open)\n", s.Sessions, s.OpenSessions)
	fmt.Fprintf(c.out, "  Comparable pairs: %d | avg gap: %s\n", s.Pairs, pctLabel(s.AvgGap))
	if s.Pairs > 0 {
		var parts []string
		for _, class := range []domain.GapClass{domain.GapAcceptable, domain.GapOverfitRisk, domain.GapUnderoptimized} {
			parts = append(parts, fmt.Sprintf("%s:%d", class, s.ByClass[class]))
		}
		fmt.Fprintf(c.out, "  %s\n", strings.Join(parts, "  "))
	}
	fmt.Fprintln(c.out)
	return nil
}

// PrintTrades imprime el detalle de trades de un backtest: totales, por par
// y por motivo de salida.
func (c *Console) PrintTrades(r analysis.TradeReport) error {
	if c.format == FormatJSON {
		return c.json(r)
	}
	bt := r.Backtest
	fmt.Fprintf(c.out, "\n=== TRADES OF BACKTEST %d (%s) ===\n", bt.ID, bt.StrategyName)
	if r.Total == 0 {
		fmt.Fprintln(c.out, "  no trades stored")
		return nil
	}
	fmt.Fprintf(c.out, "  Trades:       %d\n", r.Total)
	fmt.Fprintf(c.out, "  Avg profit:   %.2f%%\n", r.AvgProfitPct)
	fmt.Fprintf(c.out, "  Abs profit:   %.8f\n", r.TotalProfitAbs)
	fmt.Fprintf(c.out, "  Avg duration: %.1f min\n", r.AvgDurationMinutes)
	fmt.Fprintf(c.out, "  Best/worst:   %.2f%% / %.2f%%\n", r.BestTradePct, r.WorstTradePct)

	tbl := tablewriter.NewWriter(c.out)
	tbl.Header("Pair", "Trades", "Avg profit %", "Abs profit")
	for _, g := range r.ByPair {
		tbl.Append(g.Key, fmt.Sprintf("%d", g.Trades), fmt.Sprintf("%.2f", g.AvgProfitPct), fmt.Sprintf("%.8f", g.TotalProfitAbs))
	}
	tbl.Render()

	tbl = tablewriter.NewWriter(c.out)
	tbl.Header("Exit reason", "Trades", "Avg profit %")
	for _, g := range r.ByExitReason {
		tbl.Append(g.Key, fmt.Sprintf("%d", g.Trades), fmt.Sprintf("%.2f", g.AvgProfitPct))
	}
	tbl.Render()
	fmt.Fprintln(c.out)
	return nil
}

// PrintExports lista los ficheros de configuración exportados.
func (c *Console) PrintExports(title, dir string, exports []analysis.ExportedConfig) error {
	if c.format == FormatJSON {
		return c.json(exports)
	}
	c.title(title, len(exports))
	for _, e := range exports {
		if e.Skipped != "" {
			fmt.Fprintf(c.out, "  ✗ %s #%d: %s\n", e.Strategy, e.RunID, e.Skipped)
			continue
		}
		fmt.Fprintf(c.out, "  ✓ %s\n", e.Path)
		if e.ParamsPath != "" {
			fmt.Fprintf(c.out, "  ✓ %s\n", e.ParamsPath)
		}
	}
	if len(exports) > 0 {
		fmt.Fprintf(c.out, "  exported to %s\n", dir)
	}
	return nil
}

func (c *Console) title(title string, n int) {
	fmt.Fprintf(c.out, "\n=== %s (%d) ===\n", title, n)
	if n == 0 {
		fmt.Fprintln(c.out, "  no results")
	}
}

func (c *Console) json(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("notify: encode json: %w", err)
	}
	return nil
}

func perf(p *domain.Performance) domain.Performance {
	if p == nil {
		return domain.Performance{}
	}
	return *p
}

func pctLabel(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", *v)
}

func idLabel(id *int64) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprintf("#%d", *id)
}

func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
