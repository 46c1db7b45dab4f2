package core

import (
	"strconv"
	"strings"
	"sync"
)

// Built-in strategy names.
const (
	StrategyDefault         = "default"
	StrategyGradualRollout  = "gradualRollout"
	StrategyFlexibleRollout = "flexibleRollout"
	StrategyUserWithID      = "userWithId"
)

// StrategyEvaluator decides enablement for one server-declared strategy name.
// Implementations must be safe for concurrent use.
type StrategyEvaluator interface {
	Name() string
	IsEnabled(parameters map[string]string, context EvaluationContext) bool
}

// Registry maps strategy names to evaluators.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]StrategyEvaluator
}

// NewRegistry returns a registry holding the built-in evaluators.
func NewRegistry() *Registry {
	r := &Registry{evaluators: make(map[string]StrategyEvaluator)}
	r.Register(DefaultStrategy{})
	r.Register(RolloutStrategy{StrategyName: StrategyGradualRollout})
	r.Register(RolloutStrategy{StrategyName: StrategyFlexibleRollout})
	r.Register(UserWithIDStrategy{})
	return r
}

// Register adds evaluator under its name, replacing any previous entry.
func (r *Registry) Register(evaluator StrategyEvaluator) {
	if evaluator == nil {
		return
	}
	r.mu.Lock()
	r.evaluators[evaluator.Name()] = evaluator
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (StrategyEvaluator, bool) {
	r.mu.RLock()
	evaluator, ok := r.evaluators[name]
	r.mu.RUnlock()
	return evaluator, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.evaluators))
	for name := range r.evaluators {
		names = append(names, name)
	}
	return names
}

type DefaultStrategy struct{}

func (DefaultStrategy) Name() string { return StrategyDefault }

func (DefaultStrategy) IsEnabled(map[string]string, EvaluationContext) bool { return true }

// RolloutStrategy enables a stable percentage of subjects, bucketed by
// groupId and the stickiness field.
type RolloutStrategy struct {
	StrategyName string
}

func (s RolloutStrategy) Name() string { return s.StrategyName }

func (s RolloutStrategy) IsEnabled(parameters map[string]string, context EvaluationContext) bool {
	percentage, err := strconv.Atoi(strings.TrimSpace(parameters["percentage"]))
	if err != nil {
		return false
	}
	if percentage <= 0 {
		return false
	}
	if percentage >= 100 {
		return true
	}

	stickiness := parameters["stickiness"]
	if stickiness == "" || stickiness == StrategyDefault {
		stickiness = FieldUserID
	}

	value := StickinessValue(stickiness, context)
	if value == "" {
		return false
	}

	return RolloutBucket(parameters["groupId"], value) <= percentage
}

// StickinessValue resolves the context field used for bucketing.
func StickinessValue(field string, context EvaluationContext) string {
	switch field {
	case FieldUserID:
		return context.UserID
	case FieldSessionID:
		return context.SessionID
	}
	value, _ := context.Property(field)
	return value
}

type UserWithIDStrategy struct{}

func (UserWithIDStrategy) Name() string { return StrategyUserWithID }

func (UserWithIDStrategy) IsEnabled(parameters map[string]string, context EvaluationContext) bool {
	if context.UserID == "" {
		return false
	}
	userIDs, ok := parameters["userIds"]
	if !ok {
		return false
	}
	for _, id := range strings.Split(userIDs, ",") {
		if strings.TrimSpace(id) == context.UserID {
			return true
		}
	}
	return false
}
