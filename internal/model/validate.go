package model

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxCount is the largest value a stored count may hold. Counts are
// INTEGER columns, and the rejection rate adds rejected and accepted.
const MaxCount = math.MaxInt32

// FieldError describes one invalid field. Field is the JSON path, e.g.
// "candidates[3].decision".
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError is returned when a request fails boundary validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid request"
	}
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return strings.Join(msgs, "; ")
}

// Validator checks request structs against their validate tags and reports
// violations by JSON field name.
type Validator struct {
	v *validator.Validate
}

// NewValidator returns a Validator that names fields by their json tag.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateSummaryTotals, StepSummaryRequest{})
	return &Validator{v: v}
}

// validateSummaryTotals keeps the derived rejected and accepted counts
// within MaxCount.
func validateSummaryTotals(sl validator.StructLevel) {
	req := sl.Current().Interface().(StepSummaryRequest)
	if len(req.RejectionBreakdown) == 0 {
		return
	}
	var total int64
	for _, n := range req.RejectionBreakdown {
		if n > 0 {
			total += int64(n)
		}
	}
	if req.OutputCount != nil && *req.OutputCount > 0 {
		total += int64(*req.OutputCount)
	}
	if total > MaxCount {
		sl.ReportError(req.RejectionBreakdown, "rejection_breakdown", "RejectionBreakdown", "max_total", "")
	}
}

// Struct validates req. It returns a *ValidationError for rule violations.
func (v *Validator) Struct(req any) error {
	err := v.v.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("model: validate: %w", err)
	}
	out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		field := fieldPath(fe.Namespace())
		out.Fields = append(out.Fields, FieldError{
			Field:   field,
			Rule:    fe.Tag(),
			Message: fieldMessage(field, fe),
		})
	}
	return out
}

// fieldPath drops the leading struct name and any embedded struct names
// from a validator namespace.
func fieldPath(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	parts := strings.Split(rest, ".")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" || p == "CandidateInput" {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, ".")
}

func fieldMessage(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must contain at least %s items", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must contain at most %s items", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "max_total":
		return fmt.Sprintf("%s plus output_count must not exceed %d", field, MaxCount)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// ValidateThreshold checks a rejection-rate threshold.
func ValidateThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 || math.IsNaN(threshold) {
		return &ValidationError{Fields: []FieldError{{
			Field:   "threshold",
			Rule:    "range",
			Message: "threshold must be between 0 and 1",
		}}}
	}
	return nil
}
