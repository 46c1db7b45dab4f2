// Package openfeature adapts an unchain client to the OpenFeature Go SDK.
//
//	client, _ := unchain.New(cfg)
//	provider := openfeature.NewProvider(client, "shop", "production")
//	_ = of.SetProviderAndWait(provider)
//
// Boolean flags are answered by flag enablement. String, integer and float
// flags are answered by the payload of the selected variant.
package openfeature

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	of "github.com/open-feature/go-sdk/openfeature"

	"github.com/matt-riley/unchain"
)

const providerName = "UnchainFeatureProvider"

const shutdownTimeout = 5 * time.Second

// Evaluator is the subset of *unchain.Client the provider needs.
type Evaluator interface {
	Evaluate(projectID, flagName, environment string, ctx unchain.Context) unchain.Result
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Provider implements of.FeatureProvider for one project and environment.
type Provider struct {
	evaluator   Evaluator
	projectID   string
	environment string
	logger      *slog.Logger
}

var (
	_ of.FeatureProvider = (*Provider)(nil)
	_ of.StateHandler    = (*Provider)(nil)
)

func NewProvider(evaluator Evaluator, projectID, environment string) *Provider {
	return &Provider{
		evaluator:   evaluator,
		projectID:   projectID,
		environment: environment,
		logger:      slog.Default().With(slog.String("component", "openfeature")),
	}
}

func (p *Provider) Metadata() of.Metadata {
	return of.Metadata{Name: providerName}
}

func (p *Provider) Hooks() []of.Hook {
	return nil
}

func (p *Provider) Init(of.EvaluationContext) error {
	return nil
}

// Shutdown stops the wrapped client when it supports shutting down.
func (p *Provider) Shutdown() {
	s, ok := p.evaluator.(shutdowner)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		p.logger.Warn("unchain client shutdown failed", slog.String("error", err.Error()))
	}
}

func (p *Provider) evaluate(flag string, flatCtx of.FlattenedContext) unchain.Result {
	return p.evaluator.Evaluate(p.projectID, flag, p.environment, mapContext(flatCtx))
}

func (p *Provider) BooleanEvaluation(_ context.Context, flag string, defaultValue bool, flatCtx of.FlattenedContext) of.BoolResolutionDetail {
	result := p.evaluate(flag, flatCtx)
	if result.Reason == unchain.ReasonUnknownFlag {
		return of.BoolResolutionDetail{
			Value:                    defaultValue,
			ProviderResolutionDetail: notFound(flag),
		}
	}
	return of.BoolResolutionDetail{
		Value:                    result.Enabled,
		ProviderResolutionDetail: of.ProviderResolutionDetail{Reason: reason(result.Reason)},
	}
}

// StringEvaluation returns a string payload, or the variant name when the
// variant carries no payload.
func (p *Provider) StringEvaluation(_ context.Context, flag string, defaultValue string, flatCtx of.FlattenedContext) of.StringResolutionDetail {
	result := p.evaluate(flag, flatCtx)
	if result.Reason == unchain.ReasonUnknownFlag {
		return of.StringResolutionDetail{Value: defaultValue, ProviderResolutionDetail: notFound(flag)}
	}
	variant := result.Variant
	if variant == nil {
		return of.StringResolutionDetail{Value: defaultValue, ProviderResolutionDetail: defaulted()}
	}

	value := defaultValue
	switch {
	case variant.Payload == nil:
		value = variant.Name
	case strings.EqualFold(variant.Payload.Type, "string"):
		value = variant.Payload.Value
	}
	return of.StringResolutionDetail{
		Value:                    value,
		ProviderResolutionDetail: matched(variant.Name),
	}
}

func (p *Provider) IntEvaluation(_ context.Context, flag string, defaultValue int64, flatCtx of.FlattenedContext) of.IntResolutionDetail {
	result := p.evaluate(flag, flatCtx)
	if result.Reason == unchain.ReasonUnknownFlag {
		return of.IntResolutionDetail{Value: defaultValue, ProviderResolutionDetail: notFound(flag)}
	}
	if result.Variant == nil || result.Variant.Payload == nil {
		return of.IntResolutionDetail{Value: defaultValue, ProviderResolutionDetail: defaulted()}
	}

	raw := result.Variant.Payload.Value
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return of.IntResolutionDetail{Value: defaultValue, ProviderResolutionDetail: parseError(raw, "integer", result.Variant.Name)}
	}
	return of.IntResolutionDetail{Value: value, ProviderResolutionDetail: matched(result.Variant.Name)}
}

func (p *Provider) FloatEvaluation(_ context.Context, flag string, defaultValue float64, flatCtx of.FlattenedContext) of.FloatResolutionDetail {
	result := p.evaluate(flag, flatCtx)
	if result.Reason == unchain.ReasonUnknownFlag {
		return of.FloatResolutionDetail{Value: defaultValue, ProviderResolutionDetail: notFound(flag)}
	}
	if result.Variant == nil || result.Variant.Payload == nil {
		return of.FloatResolutionDetail{Value: defaultValue, ProviderResolutionDetail: defaulted()}
	}

	raw := result.Variant.Payload.Value
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return of.FloatResolutionDetail{Value: defaultValue, ProviderResolutionDetail: parseError(raw, "float", result.Variant.Name)}
	}
	return of.FloatResolutionDetail{Value: value, ProviderResolutionDetail: matched(result.Variant.Name)}
}

// ObjectEvaluation always returns defaultValue; structured payloads are not
// decoded.
func (p *Provider) ObjectEvaluation(_ context.Context, _ string, defaultValue any, _ of.FlattenedContext) of.InterfaceResolutionDetail {
	return of.InterfaceResolutionDetail{Value: defaultValue, ProviderResolutionDetail: defaulted()}
}

func reason(r unchain.Reason) of.Reason {
	switch r {
	case unchain.ReasonStrategyMatch, unchain.ReasonNoStrategies:
		return of.TargetingMatchReason
	case unchain.ReasonEnvironmentDisabled:
		return of.DisabledReason
	default:
		return of.DefaultReason
	}
}

func matched(variant string) of.ProviderResolutionDetail {
	return of.ProviderResolutionDetail{Reason: of.TargetingMatchReason, Variant: variant}
}

func defaulted() of.ProviderResolutionDetail {
	return of.ProviderResolutionDetail{Reason: of.DefaultReason}
}

func notFound(flag string) of.ProviderResolutionDetail {
	return of.ProviderResolutionDetail{
		Reason:          of.ErrorReason,
		ResolutionError: of.NewFlagNotFoundResolutionError(fmt.Sprintf("flag %q not found", flag)),
	}
}

func parseError(raw, kind, variant string) of.ProviderResolutionDetail {
	return of.ProviderResolutionDetail{
		Reason:          of.ErrorReason,
		Variant:         variant,
		ResolutionError: of.NewParseErrorResolutionError(fmt.Sprintf("payload %q is not a valid %s", raw, kind)),
	}
}

// mapContext turns the targeting key into the user id. Every other attribute
// becomes a string property; sessionId also fills the session field.
func mapContext(flatCtx of.FlattenedContext) unchain.Context {
	var ctx unchain.Context
	for name, value := range flatCtx {
		if value == nil {
			continue
		}
		s, ok := value.(string)
		if !ok {
			s = fmt.Sprint(value)
		}
		switch name {
		case of.TargetingKey:
			ctx.UserID = s
			continue
		case "sessionId":
			ctx.SessionID = s
		}
		if ctx.Properties == nil {
			ctx.Properties = make(map[string]string, len(flatCtx))
		}
		ctx.Properties[name] = s
	}
	return ctx
}
