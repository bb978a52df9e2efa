package freqtrade

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// reStrategyClass matches a class deriving straight from IStrategy.
var reStrategyClass = regexp.MustCompile(`(?m)^class\s+(\w+)\s*\(\s*(?:\w+\.)*IStrategy\s*\)`)

// Strategies lists the strategies under user_data/strategies, sorted. A file
// declaring IStrategy subclasses contributes their class names; any other
// .py file contributes its base name. Dunder files are skipped.
func (e *Executor) Strategies() ([]string, error) {
	return discoverStrategies(filepath.Join(e.userDataDir(), "strategies"))
}

func discoverStrategies(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.py"))
	if err != nil {
		return nil, fmt.Errorf("freqtrade.Strategies: %w", err)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("freqtrade.Strategies: %w", err)
	}

	var names []string
	for _, f := range files {
		base := filepath.Base(f)
		if strings.HasPrefix(base, "__") {
			continue
		}
		src, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("freqtrade.Strategies: %w", err)
		}
		classes := reStrategyClass.FindAllSubmatch(src, -1)
		if len(classes) == 0 {
			names = append(names, strings.TrimSuffix(base, ".py"))
			continue
		}
		for _, m := range classes {
			names = append(names, string(m[1]))
		}
	}
	slices.Sort(names)
	names = slices.Compact(names)

	slog.Info("strategies found", "dir", dir, "count", len(names), "names", strings.Join(names, ","))
	return names, nil
}
