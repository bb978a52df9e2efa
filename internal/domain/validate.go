package domain

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func recordValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks an optimization run before it is persisted.
func (r OptimizationRun) Validate() error {
	if err := validateStruct(r); err != nil {
		return err
	}
	return r.RunBase.validateStatus()
}

// Validate checks a backtest run before it is persisted.
func (r BacktestRun) Validate() error {
	if err := validateStruct(r); err != nil {
		return err
	}
	if r.OptimizationID != nil && *r.OptimizationID <= 0 {
		return fmt.Errorf("%w: optimization_id must be positive, got %d", ErrValidation, *r.OptimizationID)
	}
	return r.RunBase.validateStatus()
}

// Validate checks a trade before it is persisted.
func (t Trade) Validate() error {
	return validateStruct(t)
}

// validateStatus enforces: completed implies metrics are present.
func (b RunBase) validateStatus() error {
	if !b.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, b.Status)
	}
	if b.Status == StatusCompleted && b.Performance == nil {
		return fmt.Errorf("%w: completed run for %q has no performance metrics", ErrValidation, b.StrategyName)
	}
	return nil
}

func validateStruct(v any) error {
	err := recordValidator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}
