package unchain

import "github.com/matt-riley/unchain/internal/core"

// Version is reported in the User-Agent header.
const Version = "0.1.0"

type (
	// Context is the per-call evaluation input. It is never stored.
	Context = core.EvaluationContext
	Flag    = core.Flag
	Variant = core.Variant
	Payload = core.Payload
	// Result is the detailed outcome returned by [Client.Evaluate].
	Result = core.Result
	Reason = core.Reason
	// StrategyEvaluator decides enablement for one strategy name. Register
	// custom implementations with [Client.RegisterEvaluator] or
	// [WithEvaluator].
	StrategyEvaluator = core.StrategyEvaluator
)

const (
	ReasonUnknownFlag         = core.ReasonUnknownFlag
	ReasonEnvironmentDisabled = core.ReasonEnvironmentDisabled
	ReasonNoStrategies        = core.ReasonNoStrategies
	ReasonStrategyMatch       = core.ReasonStrategyMatch
	ReasonNoMatch             = core.ReasonNoMatch
)
