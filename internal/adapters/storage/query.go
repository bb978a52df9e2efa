package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

// field describes a column the query API may filter and sort on.
type field struct {
	column string
	text   bool
}

var commonFields = map[string]field{
	"id":               {column: "id"},
	"strategy_name":    {column: "strategy_name", text: true},
	"timeframe":        {column: "timeframe", text: true},
	"total_profit_pct": {column: "total_profit_pct"},
	"timestamp":        {column: "timestamp", text: true},
	"status":           {column: "status", text: true},
	"session_id":       {column: "session_id"},
	"total_trades":     {column: "total_trades"},
	"sharpe_ratio":     {column: "sharpe_ratio"},
}

var (
	optimizationFields = withFields(commonFields, map[string]field{
		"run_number": {column: "run_number"},
	})
	backtestFields = withFields(commonFields, map[string]field{
		"optimization_id": {column: "optimization_id"},
	})
)

func withFields(base, extra map[string]field) map[string]field {
	out := make(map[string]field, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// buildQuery turns q into WHERE / ORDER BY / LIMIT clauses. Unknown fields or
// operators fail with domain.ErrQuery.
func buildQuery(fields map[string]field, q domain.Query) (where, order string, args []any, err error) {
	var conds []string
	for _, f := range q.Filters {
		col, ok := fields[f.Field]
		if !ok {
			return "", "", nil, fmt.Errorf("%w: unsupported filter key %q", domain.ErrQuery, f.Field)
		}
		cond, condArgs, err := condition(col, f)
		if err != nil {
			return "", "", nil, err
		}
		conds = append(conds, cond)
		args = append(args, condArgs...)
	}
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var keys []string
	hasID := false
	for _, o := range q.OrderBy {
		col, ok := fields[o.Field]
		if !ok {
			return "", "", nil, fmt.Errorf("%w: unsupported sort key %q", domain.ErrQuery, o.Field)
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		keys = append(keys, col.column+" "+dir)
		hasID = hasID || col.column == "id"
	}
	if !hasID {
		// stable output for equal keys
		keys = append(keys, "id ASC")
	}
	order = " ORDER BY " + strings.Join(keys, ", ")

	if q.Limit > 0 {
		order += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return where, order, args, nil
}

func condition(col field, f domain.Filter) (string, []any, error) {
	switch f.Op {
	case domain.OpNull:
		return col.column + " IS NULL", nil, nil
	case domain.OpNotNull:
		return col.column + " IS NOT NULL", nil, nil
	case domain.OpPrefix:
		s, ok := f.Value.(string)
		if !col.text || !ok {
			return "", nil, fmt.Errorf("%w: prefix filter needs a text column and a string value (%q)", domain.ErrQuery, f.Field)
		}
		// GLOB is case-sensitive and can use the index
		return col.column + " GLOB ?", []any{globEscape(s) + "*"}, nil
	}

	sqlOp, ok := map[domain.FilterOp]string{
		domain.OpEq:  "=",
		domain.OpNe:  "<>",
		domain.OpGt:  ">",
		domain.OpGte: ">=",
		domain.OpLt:  "<",
		domain.OpLte: "<=",
	}[f.Op]
	if !ok {
		return "", nil, fmt.Errorf("%w: unsupported operator %q on %q", domain.ErrQuery, f.Op, f.Field)
	}
	if f.Value == nil {
		return "", nil, fmt.Errorf("%w: nil value for %q; use null/notnull", domain.ErrQuery, f.Field)
	}
	return col.column + " " + sqlOp + " ?", []any{normalize(f.Value)}, nil
}

// normalize converts domain values to what the driver stores.
func normalize(v any) any {
	switch x := v.(type) {
	case time.Time:
		return formatTime(x)
	case *time.Time:
		return nullableTime(x)
	case domain.RunStatus:
		return string(x)
	case domain.RunKind:
		return string(x)
	case *int64:
		return nullableID(x)
	}
	return v
}

func globEscape(s string) string {
	if !strings.ContainsAny(s, "*?[") {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s) + 8)
	for _, r := range s {
		switch r {
		case '*', '?', '[':
			sb.WriteByte('[')
			sb.WriteRune(r)
			sb.WriteByte(']')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Query lists runs of either kind as the Run variant.
func (s *SQLiteStorage) Query(ctx context.Context, kind domain.RunKind, q domain.Query) ([]domain.Run, error) {
	switch kind {
	case domain.KindOptimization:
		runs, err := s.QueryOptimizations(ctx, q)
		if err != nil {
			return nil, err
		}
		out := make([]domain.Run, len(runs))
		for i := range runs {
			out[i] = runs[i]
		}
		return out, nil
	case domain.KindBacktest:
		runs, err := s.QueryBacktests(ctx, q)
		if err != nil {
			return nil, err
		}
		out := make([]domain.Run, len(runs))
		for i := range runs {
			out[i] = runs[i]
		}
		return out, nil
	}
	return nil, fmt.Errorf("storage.Query: %w: unknown kind %q", domain.ErrQuery, kind)
}

// GetByID loads one run of the given kind.
func (s *SQLiteStorage) GetByID(ctx context.Context, kind domain.RunKind, id int64) (domain.Run, error) {
	switch kind {
	case domain.KindOptimization:
		return s.GetOptimization(ctx, id)
	case domain.KindBacktest:
		return s.GetBacktest(ctx, id)
	}
	return nil, fmt.Errorf("storage.GetByID: %w: unknown kind %q", domain.ErrQuery, kind)
}
