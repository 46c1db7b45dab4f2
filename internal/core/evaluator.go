package core

import (
	"log/slog"
	"time"

	"github.com/matt-riley/unchain/internal/logging"
)

const anonymousStickyValue = "anonymous"

// Reason describes why an evaluation produced its result.
type Reason string

const (
	ReasonUnknownFlag         Reason = "UNKNOWN_FLAG"
	ReasonEnvironmentDisabled Reason = "ENVIRONMENT_DISABLED"
	ReasonNoStrategies        Reason = "NO_STRATEGIES"
	ReasonStrategyMatch       Reason = "STRATEGY_MATCH"
	ReasonNoMatch             Reason = "NO_MATCH"
)

// FlagSource is the read side of the flag cache.
type FlagSource interface {
	Get(projectID, flagName string) (Flag, bool)
}

// ImpressionRecorder counts evaluations of impression-tracked flags.
type ImpressionRecorder interface {
	Record(projectID, flagName, environment string)
}

// Result is the detailed outcome of an evaluation.
type Result struct {
	Enabled      bool
	Variant      *Variant
	Reason       Reason
	StrategyID   string
	StrategyName string
}

// Engine evaluates flags held by a FlagSource. It performs no I/O and is safe
// for concurrent use.
type Engine struct {
	flags       FlagSource
	registry    *Registry
	constraints *ConstraintEvaluator
	recorder    ImpressionRecorder
	observe     func(Result)
	logger      *slog.Logger
	throttle    *logging.Throttle
	now         func() time.Time
}

type EngineOption func(*Engine)

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the clock used for the currentTime context field.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithRecorder(recorder ImpressionRecorder) EngineOption {
	return func(e *Engine) { e.recorder = recorder }
}

func WithThrottle(throttle *logging.Throttle) EngineOption {
	return func(e *Engine) { e.throttle = throttle }
}

// WithObserver registers a callback invoked with every evaluation result.
func WithObserver(observe func(Result)) EngineOption {
	return func(e *Engine) { e.observe = observe }
}

func NewEngine(flags FlagSource, registry *Registry, opts ...EngineOption) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	e := &Engine{
		flags:    flags,
		registry: registry,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.constraints = NewConstraintEvaluator(e.now, e.logger, e.throttle)
	return e
}

// Registry returns the strategy registry used by the engine.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// IsEnabled reports whether flagName is on in environment for context.
func (e *Engine) IsEnabled(projectID, flagName, environment string, context EvaluationContext) bool {
	_, _, result := e.match(projectID, flagName, environment, context)
	e.report(result)
	return result.Enabled
}

// Variant selects the weighted variant for an enabled flag.
func (e *Engine) Variant(projectID, flagName, environment string, context EvaluationContext) (Variant, bool) {
	result := e.Evaluate(projectID, flagName, environment, context)
	if result.Variant == nil {
		return Variant{}, false
	}
	return *result.Variant, true
}

// Evaluate returns enablement, the selected variant and the reason.
func (e *Engine) Evaluate(projectID, flagName, environment string, context EvaluationContext) Result {
	flag, strategy, result := e.match(projectID, flagName, environment, context)
	if result.Enabled {
		result.Variant = e.selectVariant(flag, strategy, context)
	}
	e.report(result)
	return result
}

func (e *Engine) report(result Result) {
	if e.observe != nil {
		e.observe(result)
	}
}

func (e *Engine) match(projectID, flagName, environment string, context EvaluationContext) (Flag, *Strategy, Result) {
	flag, ok := e.flags.Get(projectID, flagName)
	if !ok {
		return Flag{}, nil, Result{Reason: ReasonUnknownFlag}
	}

	if flag.ImpressionData && e.recorder != nil {
		e.recorder.Record(projectID, flagName, environment)
	}

	env, ok := flag.Environment(environment)
	if !ok || !env.Enabled {
		return flag, nil, Result{Reason: ReasonEnvironmentDisabled}
	}

	if len(env.Strategies) == 0 {
		return flag, nil, Result{Enabled: true, Reason: ReasonNoStrategies}
	}

	for i := range env.Strategies {
		strategy := &env.Strategies[i]
		if !e.constraints.EvaluateAll(strategy.Constraints, context) {
			continue
		}

		evaluator, ok := e.registry.Lookup(strategy.Name)
		if !ok {
			e.throttle.Do("strategy:"+strategy.Name, func() {
				e.logger.Warn("no evaluator registered for strategy",
					slog.String("strategy", strategy.Name),
					slog.String("flag", flagName),
				)
			})
			continue
		}

		if e.safeIsEnabled(evaluator, strategy.Parameters, context) {
			return flag, strategy, Result{
				Enabled:      true,
				Reason:       ReasonStrategyMatch,
				StrategyID:   strategy.ID,
				StrategyName: strategy.Name,
			}
		}
	}

	return flag, nil, Result{Reason: ReasonNoMatch}
}

// safeIsEnabled treats a panicking evaluator as non-matching.
func (e *Engine) safeIsEnabled(evaluator StrategyEvaluator, parameters Parameters, context EvaluationContext) (enabled bool) {
	defer func() {
		if r := recover(); r != nil {
			e.throttle.Do("panic:"+evaluator.Name(), func() {
				e.logger.Error("strategy evaluator panicked",
					slog.String("strategy", evaluator.Name()),
					slog.Any("panic", r),
				)
			})
			enabled = false
		}
	}()
	return evaluator.IsEnabled(parameters, context)
}

func (e *Engine) selectVariant(flag Flag, strategy *Strategy, context EvaluationContext) *Variant {
	variants := flag.Variants
	if strategy != nil && len(strategy.Variants) > 0 {
		variants = strategy.Variants
	}
	if len(variants) == 0 {
		return nil
	}

	totalWeight := 0
	for _, variant := range variants {
		totalWeight += max(variant.Weight, 0)
	}
	if totalWeight == 0 {
		e.throttle.Do("weight:"+flag.Name, func() {
			e.logger.Warn("total variant weight is zero", slog.String("flag", flag.Name))
		})
		return nil
	}

	stickiness := variants[0].Stickiness
	if stickiness == "" || stickiness == StrategyDefault {
		stickiness = FieldUserID
	}
	stickyValue := StickinessValue(stickiness, context)
	if stickyValue == "" {
		stickyValue = anonymousStickyValue
	}

	target := VariantBucket(flag.Name, stickyValue, totalWeight)
	cumulative := 0
	for i := range variants {
		cumulative += max(variants[i].Weight, 0)
		if target < cumulative {
			selected := variants[i]
			return &selected
		}
	}
	return nil
}
