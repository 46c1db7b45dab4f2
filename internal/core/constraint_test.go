package core

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/matt-riley/unchain/internal/logging"
)

func newTestConstraintEvaluator(now time.Time) *ConstraintEvaluator {
	return NewConstraintEvaluator(func() time.Time { return now }, slog.New(slog.DiscardHandler), nil)
}

func withProperty(name, value string) EvaluationContext {
	return EvaluationContext{Properties: map[string]string{name: value}}
}

func TestConstraintEvaluate(t *testing.T) {
	regions := []string{"eu-west-1", "us-east-1"}

	tests := []struct {
		name       string
		constraint Constraint
		context    EvaluationContext
		want       bool
	}{
		{
			name:       "in matches listed value",
			constraint: Constraint{ContextName: "region", Operator: OperatorIn, Values: regions},
			context:    withProperty("region", "eu-west-1"),
			want:       true,
		},
		{
			name:       "in rejects unlisted value",
			constraint: Constraint{ContextName: "region", Operator: OperatorIn, Values: regions},
			context:    withProperty("region", "ap-northeast-1"),
			want:       false,
		},
		{
			name:       "in is case sensitive by default",
			constraint: Constraint{ContextName: "region", Operator: OperatorIn, Values: []string{"EU-WEST-1"}},
			context:    withProperty("region", "eu-west-1"),
			want:       false,
		},
		{
			name:       "in honours case insensitive flag",
			constraint: Constraint{ContextName: "region", Operator: OperatorIn, Values: []string{"EU-WEST-1"}, CaseInsensitive: true},
			context:    withProperty("region", "eu-west-1"),
			want:       true,
		},
		{
			name:       "not in accepts unlisted value",
			constraint: Constraint{ContextName: "region", Operator: OperatorNotIn, Values: regions},
			context:    withProperty("region", "ap-northeast-1"),
			want:       true,
		},
		{
			name:       "not in accepts missing value",
			constraint: Constraint{ContextName: "region", Operator: OperatorNotIn, Values: regions},
			want:       true,
		},
		{
			name:       "in rejects missing value",
			constraint: Constraint{ContextName: "region", Operator: OperatorIn, Values: regions},
			want:       false,
		},
		{
			name:       "inverted in rejects listed value",
			constraint: Constraint{ContextName: "region", Operator: OperatorIn, Values: regions, Inverted: true},
			context:    withProperty("region", "us-east-1"),
			want:       false,
		},
		{
			name:       "inverted missing value passes",
			constraint: Constraint{ContextName: "region", Operator: OperatorIn, Values: regions, Inverted: true},
			want:       true,
		},
		{
			name:       "starts with any value",
			constraint: Constraint{ContextName: "email", Operator: OperatorStrStartsWith, Values: []string{"ops", "admin"}},
			context:    withProperty("email", "admin@example.com"),
			want:       true,
		},
		{
			name:       "ends with case insensitive",
			constraint: Constraint{ContextName: "email", Operator: OperatorStrEndsWith, Values: []string{"@EXAMPLE.COM"}, CaseInsensitive: true},
			context:    withProperty("email", "admin@example.com"),
			want:       true,
		},
		{
			name:       "contains without match",
			constraint: Constraint{ContextName: "email", Operator: OperatorStrContains, Values: []string{"corp"}},
			context:    withProperty("email", "admin@example.com"),
			want:       false,
		},
		{
			name:       "num gt greater",
			constraint: Constraint{ContextName: "age", Operator: OperatorNumGt, Values: []string{"10"}},
			context:    withProperty("age", "11"),
			want:       true,
		},
		{
			name:       "num gt equal",
			constraint: Constraint{ContextName: "age", Operator: OperatorNumGt, Values: []string{"10"}},
			context:    withProperty("age", "10"),
			want:       false,
		},
		{
			name:       "num gt smaller",
			constraint: Constraint{ContextName: "age", Operator: OperatorNumGt, Values: []string{"10"}},
			context:    withProperty("age", "9"),
			want:       false,
		},
		{
			name:       "num eq within epsilon",
			constraint: Constraint{ContextName: "ratio", Operator: OperatorNumEq, Values: []string{"0.3"}},
			context:    withProperty("ratio", "0.30000001"),
			want:       true,
		},
		{
			name:       "num gte bound",
			constraint: Constraint{ContextName: "n", Operator: OperatorNumGte, Values: []string{"5"}},
			context:    withProperty("n", "5"),
			want:       true,
		},
		{
			name:       "num lte bound",
			constraint: Constraint{ContextName: "n", Operator: OperatorNumLte, Values: []string{"5"}},
			context:    withProperty("n", "5.5"),
			want:       false,
		},
		{
			name:       "num lt any value",
			constraint: Constraint{ContextName: "n", Operator: OperatorNumLt, Values: []string{"1", "100"}},
			context:    withProperty("n", "50"),
			want:       true,
		},
		{
			name:       "num malformed context value",
			constraint: Constraint{ContextName: "n", Operator: OperatorNumGt, Values: []string{"1"}},
			context:    withProperty("n", "lots"),
			want:       false,
		},
		{
			name:       "num malformed constraint value fails closed",
			constraint: Constraint{ContextName: "n", Operator: OperatorNumGt, Values: []string{"abc", "1"}},
			context:    withProperty("n", "50"),
			want:       false,
		},
		{
			name:       "semver gt patch",
			constraint: Constraint{ContextName: "version", Operator: OperatorSemverGt, Values: []string{"1.2.3"}},
			context:    withProperty("version", "1.2.4"),
			want:       true,
		},
		{
			name:       "semver gt minor",
			constraint: Constraint{ContextName: "version", Operator: OperatorSemverGt, Values: []string{"1.2.3"}},
			context:    withProperty("version", "1.3.0"),
			want:       true,
		},
		{
			name:       "semver gt major",
			constraint: Constraint{ContextName: "version", Operator: OperatorSemverGt, Values: []string{"1.2.3"}},
			context:    withProperty("version", "2.0.0"),
			want:       true,
		},
		{
			name:       "semver gt equal",
			constraint: Constraint{ContextName: "version", Operator: OperatorSemverGt, Values: []string{"1.2.3"}},
			context:    withProperty("version", "1.2.3"),
			want:       false,
		},
		{
			name:       "semver gt lower",
			constraint: Constraint{ContextName: "version", Operator: OperatorSemverGt, Values: []string{"1.2.3"}},
			context:    withProperty("version", "1.2.2"),
			want:       false,
		},
		{
			name:       "semver eq ignores prerelease suffix",
			constraint: Constraint{ContextName: "version", Operator: OperatorSemverEq, Values: []string{"1.2.3"}},
			context:    withProperty("version", "1.2.3-beta.1"),
			want:       true,
		},
		{
			name:       "semver lt with missing components",
			constraint: Constraint{ContextName: "version", Operator: OperatorSemverLt, Values: []string{"2"}},
			context:    withProperty("version", "1.9.9"),
			want:       true,
		},
		{
			name:       "date after later",
			constraint: Constraint{ContextName: "signup", Operator: OperatorDateAfter, Values: []string{"2024-01-01T00:00:00Z"}},
			context:    withProperty("signup", "2024-02-01T00:00:00Z"),
			want:       true,
		},
		{
			name:       "date after earlier",
			constraint: Constraint{ContextName: "signup", Operator: OperatorDateAfter, Values: []string{"2024-01-01T00:00:00Z"}},
			context:    withProperty("signup", "2023-12-31T23:59:59Z"),
			want:       false,
		},
		{
			name:       "date before with offset",
			constraint: Constraint{ContextName: "signup", Operator: OperatorDateBefore, Values: []string{"2024-01-01T00:00:00Z"}},
			context:    withProperty("signup", "2024-01-01T00:30:00+01:00"),
			want:       true,
		},
		{
			name:       "date without seconds",
			constraint: Constraint{ContextName: "signup", Operator: OperatorDateAfter, Values: []string{"2024-01-01T00:00Z"}},
			context:    withProperty("signup", "2024-02-01T00:00:00Z"),
			want:       true,
		},
		{
			name:       "date without seconds and offset",
			constraint: Constraint{ContextName: "signup", Operator: OperatorDateBefore, Values: []string{"2024-01-01T01:00+02:00"}},
			context:    withProperty("signup", "2023-12-31T22:59Z"),
			want:       true,
		},
		{
			name:       "date malformed",
			constraint: Constraint{ContextName: "signup", Operator: OperatorDateAfter, Values: []string{"2024-01-01T00:00:00Z"}},
			context:    withProperty("signup", "yesterday"),
			want:       false,
		},
		{
			name:       "unknown operator fails closed",
			constraint: Constraint{ContextName: "region", Operator: Operator("REGEX"), Values: []string{".*"}},
			context:    withProperty("region", "eu-west-1"),
			want:       false,
		},
		{
			name:       "user id field fallback",
			constraint: Constraint{ContextName: "userId", Operator: OperatorIn, Values: []string{"u-1"}},
			context:    EvaluationContext{UserID: "u-1"},
			want:       true,
		},
		{
			name:       "session id field fallback",
			constraint: Constraint{ContextName: "sessionId", Operator: OperatorIn, Values: []string{"s-1"}},
			context:    EvaluationContext{SessionID: "s-1"},
			want:       true,
		},
		{
			name:       "environment field fallback",
			constraint: Constraint{ContextName: "environment", Operator: OperatorIn, Values: []string{"production"}},
			context:    EvaluationContext{Environment: "production"},
			want:       true,
		},
		{
			name:       "property shadows well known field",
			constraint: Constraint{ContextName: "userId", Operator: OperatorIn, Values: []string{"from-props"}},
			context:    EvaluationContext{UserID: "u-1", Properties: map[string]string{"userId": "from-props"}},
			want:       true,
		},
	}

	evaluator := newTestConstraintEvaluator(time.Now())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evaluator.Evaluate(tt.constraint, tt.context); got != tt.want {
				t.Fatalf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConstraintCurrentTimeUsesClock(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	evaluator := newTestConstraintEvaluator(now)

	window := []Constraint{
		{ContextName: "currentTime", Operator: OperatorDateAfter, Values: []string{"2025-05-01T00:00:00Z"}},
		{ContextName: "currentTime", Operator: OperatorDateBefore, Values: []string{"2025-07-01T00:00:00Z"}},
	}
	if !evaluator.EvaluateAll(window, EvaluationContext{}) {
		t.Fatal("expected current time to fall inside window")
	}

	later := newTestConstraintEvaluator(now.AddDate(0, 2, 0))
	if later.EvaluateAll(window, EvaluationContext{}) {
		t.Fatal("expected current time to fall outside window")
	}
}

func TestEvaluateAll(t *testing.T) {
	evaluator := newTestConstraintEvaluator(time.Now())
	ctx := EvaluationContext{UserID: "u-1", Properties: map[string]string{"plan": "pro"}}

	if !evaluator.EvaluateAll(nil, ctx) {
		t.Fatal("expected empty constraint list to pass")
	}

	pass := Constraint{ContextName: "plan", Operator: OperatorIn, Values: []string{"pro"}}
	fail := Constraint{ContextName: "plan", Operator: OperatorIn, Values: []string{"free"}}

	if !evaluator.EvaluateAll([]Constraint{pass, pass}, ctx) {
		t.Fatal("expected all passing constraints to pass")
	}
	if evaluator.EvaluateAll([]Constraint{pass, fail}, ctx) {
		t.Fatal("expected a failing constraint to fail the list")
	}
}

func TestUnknownOperatorLogsOncePerInterval(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	evaluator := NewConstraintEvaluator(time.Now, logger, logging.NewThrottle(time.Hour, 16))

	constraint := Constraint{ContextName: "region", Operator: Operator("REGEX")}
	ctx := withProperty("region", "eu")
	for range 5 {
		evaluator.Evaluate(constraint, ctx)
	}

	if got := strings.Count(buf.String(), "unknown constraint operator"); got != 1 {
		t.Fatalf("expected one warning, got %d: %s", got, buf.String())
	}
}

func TestCompareSemver(t *testing.T) {
	tests := []struct {
		left, right string
		want        int
	}{
		{"1.2.3", "1.2.3", 0},
		{"1.2", "1.2.0", 0},
		{"1.10.0", "1.9.0", 1},
		{"0.9.9", "1.0.0", -1},
		{"1.0.0-rc.1", "1.0.0", 0},
		{"x.y.z", "0.0.0", 0},
	}
	for _, tt := range tests {
		if got := CompareSemver(tt.left, tt.right); got != tt.want {
			t.Errorf("CompareSemver(%q, %q) = %d, want %d", tt.left, tt.right, got, tt.want)
		}
	}
}
