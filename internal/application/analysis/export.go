package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

// ExportedConfig is one file written by ExportBestConfigs. Skipped holds the
// reason when the run had no config to export.
type ExportedConfig struct {
	Kind       domain.RunKind
	RunID      int64
	Strategy   string
	ProfitPct  float64
	Path       string
	ParamsPath string // optimizations only, from hyperopt-show --print-json
	Skipped    string
}

// ExportBestConfigs writes the freqtrade config of the best ranked runs of a
// kind into dir, one file per run, prefixed with the rank. The config comes
// from the snapshot stored with the run, or from its config file when no
// snapshot was taken.
func (a *Analyzer) ExportBestConfigs(ctx context.Context, kind domain.RunKind, dir string, limit, minTrades int) ([]ExportedConfig, error) {
	var runs []domain.Run
	switch kind {
	case domain.KindOptimization:
		opts, err := a.BestStrategies(ctx, limit, minTrades, "")
		if err != nil {
			return nil, fmt.Errorf("analysis.ExportBestConfigs: %w", err)
		}
		for _, r := range opts {
			runs = append(runs, r)
		}
	case domain.KindBacktest:
		bts, err := a.BestBacktests(ctx, limit, minTrades, "")
		if err != nil {
			return nil, fmt.Errorf("analysis.ExportBestConfigs: %w", err)
		}
		for _, r := range bts {
			runs = append(runs, r)
		}
	default:
		return nil, fmt.Errorf("analysis.ExportBestConfigs: %w: unknown kind %q", domain.ErrValidation, kind)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("analysis.ExportBestConfigs: %w", err)
	}

	out := make([]ExportedConfig, 0, len(runs))
	for i, r := range runs {
		b := r.Common()
		profit, _ := b.ProfitPct()
		exp := ExportedConfig{Kind: kind, RunID: b.ID, Strategy: b.StrategyName, ProfitPct: profit}

		cfg := configOf(b)
		if cfg == nil {
			exp.Skipped = "no config stored"
			slog.Warn("config not found", "kind", kind, "id", b.ID, "strategy", b.StrategyName)
			out = append(out, exp)
			continue
		}

		name := fmt.Sprintf("%02d_%s_%s_profit%+.2f_id%d", i+1, b.StrategyName, kind, profit, b.ID)
		exp.Path = filepath.Join(dir, name+".json")
		if err := writeIndented(exp.Path, cfg); err != nil {
			return out, fmt.Errorf("analysis.ExportBestConfigs: %w", err)
		}
		if kind == domain.KindOptimization && len(b.ResultJSON) > 0 {
			exp.ParamsPath = filepath.Join(dir, name+"_params.json")
			if err := writeIndented(exp.ParamsPath, b.ResultJSON); err != nil {
				return out, fmt.Errorf("analysis.ExportBestConfigs: %w", err)
			}
		}
		out = append(out, exp)
	}
	return out, nil
}

// configOf returns a run's config JSON: the stored snapshot first, then the
// file it was launched with if it still exists and holds JSON.
func configOf(b domain.RunBase) json.RawMessage {
	if len(b.ConfigJSON) > 0 {
		return b.ConfigJSON
	}
	if b.ConfigFilePath == "" {
		return nil
	}
	raw, err := os.ReadFile(b.ConfigFilePath)
	if err != nil || !json.Valid(raw) {
		return nil
	}
	return raw
}

func writeIndented(path string, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("indent %s: %w", filepath.Base(path), err)
	}
	buf.WriteString("\n")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}
