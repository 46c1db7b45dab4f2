package core

import (
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/unchain/internal/logging"
)

const numericEpsilon = 0.000001

// ConstraintEvaluator decides whether a strategy's constraints admit a
// context. It never fails: malformed data evaluates to false.
type ConstraintEvaluator struct {
	now      func() time.Time
	logger   *slog.Logger
	throttle *logging.Throttle
}

func NewConstraintEvaluator(now func() time.Time, logger *slog.Logger, throttle *logging.Throttle) *ConstraintEvaluator {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConstraintEvaluator{now: now, logger: logger, throttle: throttle}
}

// EvaluateAll reports whether every constraint passes. An empty list passes.
func (e *ConstraintEvaluator) EvaluateAll(constraints []Constraint, context EvaluationContext) bool {
	for _, constraint := range constraints {
		if !e.Evaluate(constraint, context) {
			return false
		}
	}
	return true
}

// Evaluate applies a single constraint, including its inversion.
func (e *ConstraintEvaluator) Evaluate(constraint Constraint, context EvaluationContext) bool {
	value, ok := e.resolve(constraint.ContextName, context)
	return constraint.Inverted != e.evaluateOperator(constraint, value, ok)
}

func (e *ConstraintEvaluator) resolve(name string, context EvaluationContext) (string, bool) {
	if value, ok := context.Property(name); ok {
		return value, true
	}

	var value string
	switch {
	case strings.EqualFold(name, FieldUserID):
		value = context.UserID
	case strings.EqualFold(name, FieldSessionID):
		value = context.SessionID
	case strings.EqualFold(name, FieldEnvironment):
		value = context.Environment
	case strings.EqualFold(name, FieldCurrentTime):
		return e.now().Format(time.RFC3339Nano), true
	}
	return value, value != ""
}

func (e *ConstraintEvaluator) evaluateOperator(constraint Constraint, value string, present bool) bool {
	if !present {
		// Unknown values are never in the list.
		return constraint.Operator == OperatorNotIn
	}

	switch constraint.Operator {
	case OperatorIn:
		return containsValue(constraint.Values, value, constraint.CaseInsensitive)
	case OperatorNotIn:
		return !containsValue(constraint.Values, value, constraint.CaseInsensitive)
	case OperatorStrStartsWith:
		return matchAny(constraint.Values, value, constraint.CaseInsensitive, strings.HasPrefix)
	case OperatorStrEndsWith:
		return matchAny(constraint.Values, value, constraint.CaseInsensitive, strings.HasSuffix)
	case OperatorStrContains:
		return matchAny(constraint.Values, value, constraint.CaseInsensitive, strings.Contains)
	case OperatorNumEq, OperatorNumGt, OperatorNumGte, OperatorNumLt, OperatorNumLte:
		return evaluateNumeric(constraint.Operator, value, constraint.Values)
	case OperatorDateAfter, OperatorDateBefore:
		return evaluateDate(constraint.Operator, value, constraint.Values)
	case OperatorSemverEq, OperatorSemverGt, OperatorSemverLt:
		return evaluateSemver(constraint.Operator, value, constraint.Values)
	default:
		e.throttle.Do("operator:"+string(constraint.Operator), func() {
			e.logger.Warn("unknown constraint operator",
				slog.String("operator", string(constraint.Operator)),
				slog.String("context_name", constraint.ContextName),
			)
		})
		return false
	}
}

func containsValue(values []string, value string, caseInsensitive bool) bool {
	for _, candidate := range values {
		if caseInsensitive {
			if strings.EqualFold(candidate, value) {
				return true
			}
			continue
		}
		if candidate == value {
			return true
		}
	}
	return false
}

func matchAny(values []string, value string, caseInsensitive bool, match func(s, sub string) bool) bool {
	if caseInsensitive {
		value = strings.ToLower(value)
	}
	for _, candidate := range values {
		if caseInsensitive {
			candidate = strings.ToLower(candidate)
		}
		if match(value, candidate) {
			return true
		}
	}
	return false
}

func evaluateNumeric(operator Operator, value string, values []string) bool {
	contextValue, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return false
	}

	for _, raw := range values {
		constraintValue, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return false
		}

		var matches bool
		switch operator {
		case OperatorNumEq:
			matches = math.Abs(contextValue-constraintValue) < numericEpsilon
		case OperatorNumGt:
			matches = contextValue > constraintValue
		case OperatorNumGte:
			matches = contextValue >= constraintValue
		case OperatorNumLt:
			matches = contextValue < constraintValue
		case OperatorNumLte:
			matches = contextValue <= constraintValue
		}
		if matches {
			return true
		}
	}
	return false
}

func evaluateDate(operator Operator, value string, values []string) bool {
	contextTime, err := parseDateTime(value)
	if err != nil {
		return false
	}

	for _, raw := range values {
		constraintTime, err := parseDateTime(raw)
		if err != nil {
			return false
		}
		if operator == OperatorDateAfter && contextTime.After(constraintTime) {
			return true
		}
		if operator == OperatorDateBefore && contextTime.Before(constraintTime) {
			return true
		}
	}
	return false
}

// dateTimeMinutes is an ISO-8601 offset date-time without seconds.
const dateTimeMinutes = "2006-01-02T15:04Z07:00"

func parseDateTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	t, err := time.Parse(time.RFC3339Nano, value)
	if err == nil {
		return t, nil
	}
	if t, minutesErr := time.Parse(dateTimeMinutes, value); minutesErr == nil {
		return t, nil
	}
	return time.Time{}, err
}

func evaluateSemver(operator Operator, value string, values []string) bool {
	for _, raw := range values {
		cmp := CompareSemver(value, raw)
		switch {
		case operator == OperatorSemverEq && cmp == 0,
			operator == OperatorSemverGt && cmp > 0,
			operator == OperatorSemverLt && cmp < 0:
			return true
		}
	}
	return false
}

// CompareSemver compares the numeric major.minor.patch parts of two versions,
// ignoring anything after the first '-'. Missing or non-numeric parts count as 0.
func CompareSemver(left, right string) int {
	leftParts := semverParts(left)
	rightParts := semverParts(right)

	n := max(len(leftParts), len(rightParts))
	for i := range n {
		var l, r int
		if i < len(leftParts) {
			l = leftParts[i]
		}
		if i < len(rightParts) {
			r = rightParts[i]
		}
		if l != r {
			if l < r {
				return -1
			}
			return 1
		}
	}
	return 0
}

func semverParts(version string) []int {
	numeric, _, _ := strings.Cut(strings.TrimSpace(version), "-")
	fields := strings.Split(numeric, ".")
	parts := make([]int, len(fields))
	for i, field := range fields {
		n, err := strconv.Atoi(field)
		if err != nil {
			n = 0
		}
		parts[i] = n
	}
	return parts
}
