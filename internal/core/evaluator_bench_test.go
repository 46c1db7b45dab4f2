package core

import (
	"fmt"
	"testing"
)

func benchmarkEngine(strategies ...Strategy) *Engine {
	flag := Flag{
		Name:         "bench",
		Environments: production(true, strategies...),
		Variants:     []Variant{{Name: "a", Weight: 50}, {Name: "b", Weight: 50}},
	}
	return newTestEngine(sourceOf(flag))
}

func BenchmarkIsEnabled_NoStrategies(b *testing.B) {
	engine := benchmarkEngine()
	ctx := EvaluationContext{UserID: "user-1"}

	b.ReportAllocs()
	for b.Loop() {
		engine.IsEnabled("default", "bench", "production", ctx)
	}
}

func BenchmarkIsEnabled_Rollout(b *testing.B) {
	engine := benchmarkEngine(Strategy{
		Name:       StrategyFlexibleRollout,
		Parameters: Parameters{"percentage": "50", "groupId": "bench"},
	})
	ctx := EvaluationContext{UserID: "user-1"}

	b.ReportAllocs()
	for b.Loop() {
		engine.IsEnabled("default", "bench", "production", ctx)
	}
}

func BenchmarkIsEnabled_Constraints(b *testing.B) {
	constraints := make([]Constraint, 0, 10)
	for i := range 10 {
		constraints = append(constraints, Constraint{
			ContextName: fmt.Sprintf("attr-%d", i),
			Operator:    OperatorIn,
			Values:      []string{"a", "b", "c", fmt.Sprint(i)},
		})
	}
	engine := benchmarkEngine(Strategy{Name: StrategyDefault, Constraints: constraints})

	properties := make(map[string]string, 10)
	for i := range 10 {
		properties[fmt.Sprintf("attr-%d", i)] = fmt.Sprint(i)
	}
	ctx := EvaluationContext{UserID: "user-1", Properties: properties}

	b.ReportAllocs()
	for b.Loop() {
		engine.IsEnabled("default", "bench", "production", ctx)
	}
}

func BenchmarkVariant(b *testing.B) {
	engine := benchmarkEngine()
	ctx := EvaluationContext{UserID: "user-1"}

	b.ReportAllocs()
	for b.Loop() {
		engine.Variant("default", "bench", "production", ctx)
	}
}
