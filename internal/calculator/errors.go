package calculator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrCalculationTimeout matches a TimeoutError for the compute hook.
	ErrCalculationTimeout = errors.New("calculation timed out")

	// ErrValidationTimeout matches a TimeoutError for the validation hook.
	ErrValidationTimeout = errors.New("validation timed out")

	// ErrValidationFailed matches a ValidationError.
	ErrValidationFailed = errors.New("input validation failed")

	// ErrCalculationSuperseded is returned to a caller whose calculation was
	// cancelled by a newer one on the same instance.
	ErrCalculationSuperseded = errors.New("calculation superseded")

	// ErrInstanceDestroyed is returned by any call on a destroyed instance.
	ErrInstanceDestroyed = errors.New("calculator instance destroyed")

	// ErrNotCalculator is returned when activating a plugin without a
	// compute hook.
	ErrNotCalculator = errors.New("plugin is not a calculator")
)

// Operation names the hook a timeout applies to.
type Operation string

const (
	OpValidation  Operation = "validation"
	OpCalculation Operation = "calculation"
)

// TimeoutError reports a hook that outran its deadline.
type TimeoutError struct {
	Op      Operation
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// Is matches the sentinel for e.Op.
func (e *TimeoutError) Is(target error) bool {
	switch target {
	case ErrCalculationTimeout:
		return e.Op == OpCalculation
	case ErrValidationTimeout:
		return e.Op == OpValidation
	}
	return false
}

// Unwrap returns context.DeadlineExceeded.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// ValidationError carries field-level messages from a rejected input set.
type ValidationError struct {
	PluginID string
	Fields   map[string]string
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var b strings.Builder
	b.WriteString("input validation failed")
	for i, f := range fields {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(f)
		b.WriteString(": ")
		b.WriteString(e.Fields[f])
	}
	return b.String()
}

// Is matches ErrValidationFailed.
func (e *ValidationError) Is(target error) bool { return target == ErrValidationFailed }
