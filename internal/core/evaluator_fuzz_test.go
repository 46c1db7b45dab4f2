package core

import (
	"encoding/json"
	"testing"
)

func FuzzEvaluateNeverPanics(f *testing.F) {
	f.Add("region", "IN", "eu-west-1", "eu-west-1", "50", false, false)
	f.Add("version", "SEMVER_GT", "1.2.3", "1.2.4-rc", "abc", true, true)
	f.Add("age", "NUM_LTE", "1e309", "NaN", "-5", false, true)
	f.Add("currentTime", "DATE_BEFORE", "not-a-date", "", "100", true, false)

	f.Fuzz(func(t *testing.T, contextName, operator, constraintValue, contextValue, percentage string, caseInsensitive, inverted bool) {
		flag := Flag{
			Name:         "fuzz",
			Environments: production(true, Strategy{
				Name:       StrategyFlexibleRollout,
				Parameters: Parameters{"percentage": percentage, "stickiness": contextName, "groupId": contextValue},
				Constraints: []Constraint{{
					ContextName:     contextName,
					Operator:        Operator(operator),
					Values:          []string{constraintValue},
					CaseInsensitive: caseInsensitive,
					Inverted:        inverted,
				}},
			}),
			Variants: []Variant{{Name: "a", Weight: 1, Stickiness: contextName}, {Name: "b", Weight: 2}},
		}
		engine := newTestEngine(sourceOf(flag))
		ctx := EvaluationContext{UserID: contextValue, Properties: map[string]string{contextName: contextValue}}

		first := engine.Evaluate("default", "fuzz", "production", ctx)
		second := engine.Evaluate("default", "fuzz", "production", ctx)
		if first.Enabled != second.Enabled {
			t.Fatalf("evaluation not deterministic: %+v vs %+v", first, second)
		}
		if first.Enabled && first.Variant == nil {
			t.Fatalf("enabled flag with positive weights returned no variant")
		}
	})
}

func FuzzParametersUnmarshal(f *testing.F) {
	f.Add([]byte(`[{"name":"percentage","value":"50"}]`))
	f.Add([]byte(`{"percentage":"50"}`))
	f.Add([]byte(`[{"name":"a","value":null},{"name":"a","value":"x"}]`))
	f.Add([]byte(`null`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var params Parameters
		if err := json.Unmarshal(data, &params); err != nil {
			return
		}
		encoded, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal decoded parameters: %v", err)
		}
		var again Parameters
		if err := json.Unmarshal(encoded, &again); err != nil {
			t.Fatalf("decode re-encoded parameters %s: %v", encoded, err)
		}
		if len(again) != len(params) {
			t.Fatalf("parameter count changed: %d != %d", len(again), len(params))
		}
	})
}
