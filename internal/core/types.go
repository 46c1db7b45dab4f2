package core

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

type Operator string

const (
	OperatorIn            Operator = "IN"
	OperatorNotIn         Operator = "NOT_IN"
	OperatorStrStartsWith Operator = "STR_STARTS_WITH"
	OperatorStrEndsWith   Operator = "STR_ENDS_WITH"
	OperatorStrContains   Operator = "STR_CONTAINS"
	OperatorNumEq         Operator = "NUM_EQ"
	OperatorNumGt         Operator = "NUM_GT"
	OperatorNumGte        Operator = "NUM_GTE"
	OperatorNumLt         Operator = "NUM_LT"
	OperatorNumLte        Operator = "NUM_LTE"
	OperatorDateAfter     Operator = "DATE_AFTER"
	OperatorDateBefore    Operator = "DATE_BEFORE"
	OperatorSemverEq      Operator = "SEMVER_EQ"
	OperatorSemverGt      Operator = "SEMVER_GT"
	OperatorSemverLt      Operator = "SEMVER_LT"
)

// Well-known context field names.
const (
	FieldUserID      = "userId"
	FieldSessionID   = "sessionId"
	FieldEnvironment = "environment"
	FieldCurrentTime = "currentTime"
)

type Constraint struct {
	ContextName     string   `json:"contextName"`
	Operator        Operator `json:"operator"`
	Values          []string `json:"values,omitempty"`
	CaseInsensitive bool     `json:"caseInsensitive,omitempty"`
	Inverted        bool     `json:"inverted,omitempty"`
}

type Payload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Variant struct {
	Name       string   `json:"name"`
	Weight     int      `json:"weight"`
	Stickiness string   `json:"stickiness,omitempty"`
	Payload    *Payload `json:"payload,omitempty"`
}

// Parameters holds strategy tuning values. The server sends them as a list of
// {"name","value"} pairs; a plain JSON object is accepted as well.
type Parameters map[string]string

type parameter struct {
	Name  string  `json:"name"`
	Value *string `json:"value"`
}

func (p *Parameters) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = nil
		return nil
	}

	var list []parameter
	if err := json.Unmarshal(data, &list); err == nil {
		out := make(Parameters, len(list))
		for _, item := range list {
			if _, seen := out[item.Name]; seen {
				continue
			}
			value := ""
			if item.Value != nil {
				value = *item.Value
			}
			out[item.Name] = value
		}
		*p = out
		return nil
	}

	var object map[string]string
	if err := json.Unmarshal(data, &object); err != nil {
		return fmt.Errorf("parameters must be a list of name/value pairs or an object: %w", err)
	}
	*p = object
	return nil
}

func (p Parameters) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	list := make([]parameter, 0, len(p))
	for _, name := range slices.Sorted(maps.Keys(p)) {
		value := p[name]
		list = append(list, parameter{Name: name, Value: &value})
	}
	return json.Marshal(list)
}

type Strategy struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Parameters  Parameters   `json:"parameters,omitempty"`
	Constraints []Constraint `json:"constraints,omitempty"`
	Variants    []Variant    `json:"variants,omitempty"`
}

type FlagEnvironment struct {
	Name       string     `json:"name"`
	Enabled    bool       `json:"enabled"`
	Strategies []Strategy `json:"strategies,omitempty"`
}

type Flag struct {
	Name           string            `json:"name"`
	Type           string            `json:"type,omitempty"`
	Description    string            `json:"description,omitempty"`
	Project        string            `json:"project,omitempty"`
	Stale          bool              `json:"stale,omitempty"`
	ImpressionData bool              `json:"impressionData,omitempty"`
	Environments   []FlagEnvironment `json:"environments,omitempty"`
	Variants       []Variant         `json:"variants,omitempty"`
}

// Environment returns the named environment, if the flag declares it.
func (f Flag) Environment(name string) (FlagEnvironment, bool) {
	for _, env := range f.Environments {
		if env.Name == name {
			return env, true
		}
	}
	return FlagEnvironment{}, false
}

type EvaluationContext struct {
	UserID      string            `json:"userId,omitempty"`
	SessionID   string            `json:"sessionId,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// Property returns a named property, reporting whether it was set.
func (c EvaluationContext) Property(name string) (string, bool) {
	if c.Properties == nil {
		return "", false
	}
	value, ok := c.Properties[name]
	return value, ok
}
