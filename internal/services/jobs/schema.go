package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/agro-preprocess/constants"
)

func nullableString() map[string]any {
	return map[string]any{"type": []any{"string", "null"}}
}

// tilePayloadSchema describes a tile_uav_image payload. Stride validity (overlap < tile_size)
// is left to the engine so that it surfaces as a failed job.
func tilePayloadSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"source"},
		"properties": map[string]any{
			"source": map[string]any{
				"type":     "object",
				"required": []any{"bucket", "object_name"},
				"properties": map[string]any{
					"bucket":      map[string]any{"type": "string", "minLength": 1},
					"object_name": map[string]any{"type": "string", "minLength": 1},
				},
			},
			"parcel_id":  nullableString(),
			"mission_id": nullableString(),
			"tile_size":  map[string]any{"type": "integer", "minimum": 1, "maximum": maxTileSize},
			"overlap":    map[string]any{"type": "integer", "minimum": 0},
			"target_crs": map[string]any{"type": "string", "minLength": 1},
		},
	}
}

// sensorPayloadSchema only checks the envelope. Individual readings are judged one by one
// during normalization so a bad entry never rejects the batch.
func sensorPayloadSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"readings":      map[string]any{"type": []any{"array", "null"}},
			"parcel_id":     nullableString(),
			"fromTimestamp": nullableString(),
			"toTimestamp":   nullableString(),
			"strategy": map[string]any{
				"type": "string",
				"enum": []any{constants.StrategyDefault, constants.StrategyBounded},
			},
		},
	}
}

func payloadSchemas() map[constants.JobType]map[string]any {
	return map[constants.JobType]map[string]any{
		constants.JobTypeTileUAVImage:   tilePayloadSchema(),
		constants.JobTypeSensorCleaning: sensorPayloadSchema(),
	}
}

func compileSchema(name string, schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func compileSchemas() (map[constants.JobType]*jsonschema.Schema, error) {
	out := make(map[constants.JobType]*jsonschema.Schema)
	for jt, m := range payloadSchemas() {
		s, err := compileSchema(string(jt), m)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", jt, err)
		}
		out[jt] = s
	}
	return out, nil
}

// validateDocument checks raw against schema and returns the decoded top-level object.
func validateDocument(schema *jsonschema.Schema, raw []byte) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("payload does not match schema: %w", err)
	}
	doc, _ := v.(map[string]any)
	return doc, nil
}
