package result

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/common"
)

// BuildRecordJSONSchema returns the JSON-Schema (draft 2020-12 subset) every
// persisted pipeline record must satisfy. Classes are constrained to vocab
// when it is non-empty.
func BuildRecordJSONSchema(vocab []constants.Class) map[string]any {
	classes := make([]string, 0, len(constants.ModelClasses))
	src := vocab
	if len(src) == 0 {
		src = constants.ModelClasses
	}
	for _, c := range src {
		classes = append(classes, string(c))
	}
	classProp := map[string]any{"type": "string", "enum": classes}

	prediction := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"slice_index":   map[string]any{"type": "integer", "minimum": 0},
			"label":         classProp,
			"confidence":    percentProp(),
			"probabilities": map[string]any{"type": "object", "additionalProperties": percentProp()},
		},
		"required": []string{"slice_index", "label", "confidence"},
	}

	diagnosis := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"label":              classProp,
			"consensus_strength": percentProp(),
			"mean_confidence":    percentProp(),
			"distribution": map[string]any{
				"type": "object",
				"additionalProperties": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"count":      map[string]any{"type": "integer", "minimum": 0},
						"percentage": percentProp(),
					},
					"required": []string{"count", "percentage"},
				},
			},
			"predictions":  map[string]any{"type": "array", "items": prediction},
			"total_slices": map[string]any{"type": "integer", "minimum": 1},
		},
		"required": []string{"label", "consensus_strength", "mean_confidence", "distribution", "total_slices"},
	}

	volumes := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"total_brain":  volumeProp(),
			"gray_matter":  volumeProp(),
			"white_matter": volumeProp(),
			"csf":          volumeProp(),
			"hippocampus":  volumeProp(),
			"ventricles":   volumeProp(),
			"source":       map[string]any{"type": "string", "enum": []string{"measured", "synthetic"}},
		},
		"required": []string{"total_brain", "gray_matter", "white_matter", "source"},
	}

	urlMap := map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string", "minLength": 1}}

	props := map[string]any{
		"session_id":   map[string]any{"type": "string", "minLength": 1},
		"status":       map[string]any{"type": "string", "enum": []string{
			string(constants.ResultStatusPending), string(constants.ResultStatusSuccess), string(constants.ResultStatusError),
		}},
		"diagnosis":    diagnosis,
		"volumes":      volumes,
		"comparisons":  map[string]any{"type": "array"},
		"similarity":   map[string]any{"type": "object"},
		"metadata":     map[string]any{"type": "object", "required": []string{"elapsed_seconds", "model_version"}},
		"report_urls":  urlMap,
		"chart_urls":   urlMap,
		"slice_urls":   map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "array", "items": map[string]any{"type": "string"}}},
		"omissions":    map[string]any{"type": "array"},
		"error_detail": map[string]any{"type": "string"},
	}

	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   []string{"session_id", "status", "metadata"},
		// a pending record exists only once the vote is in; a successful one
		// also carries the volumes
		"allOf": []any{
			map[string]any{
				"if": map[string]any{
					"properties": map[string]any{"status": map[string]any{"const": string(constants.ResultStatusPending)}},
				},
				"then": map[string]any{"required": []string{"diagnosis"}},
			},
			map[string]any{
				"if": map[string]any{
					"properties": map[string]any{"status": map[string]any{"const": string(constants.ResultStatusSuccess)}},
				},
				"then": map[string]any{"required": []string{"diagnosis", "volumes"}},
			},
		},
	}
}

func percentProp() map[string]any {
	return map[string]any{"type": "number", "minimum": 0.0, "maximum": 100.0}
}

func volumeProp() map[string]any {
	return map[string]any{"type": "number", "minimum": 0.0}
}

var (
	compiled   = map[string]*jsonschema.Schema{}
	compiledMu sync.Mutex
)

func compile(vocab []constants.Class) (*jsonschema.Schema, error) {
	key := fmt.Sprint(vocab)
	compiledMu.Lock()
	defer compiledMu.Unlock()
	if s, ok := compiled[key]; ok {
		return s, nil
	}
	b, err := json.Marshal(BuildRecordJSONSchema(vocab))
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("record.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile("record.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	compiled[key] = s
	return s, nil
}

// Validate checks a serialized record against the schema for vocab.
// Mismatches wrap common.ErrValidation.
func Validate(data []byte, vocab []constants.Class) error {
	schema, err := compile(vocab)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal record: %w", common.ErrValidation)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("record does not match schema: %v: %w", err, common.ErrValidation)
	}
	return nil
}
