package challenge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrOutputSchema indicates an inference output failed schema validation.
	ErrOutputSchema = errors.New("inference output schema violation")

	// ErrScoreSchema indicates a score result failed schema validation.
	ErrScoreSchema = errors.New("score result schema violation")
)

// DefaultOutputSchemaJSON describes what models must return. Declared keys
// are type-checked; additional keys pass through untouched.
const DefaultOutputSchemaJSON = `{
	"type": "object",
	"properties": {
		"value": {"type": "number"}
	}
}`

// DefaultScoreSchemaJSON describes what scoring produces.
const DefaultScoreSchemaJSON = `{
	"type": "object",
	"properties": {
		"value": {"type": ["number", "null"]},
		"success": {"type": "boolean"},
		"failed_reason": {"type": ["string", "null"]}
	}
}`

// compiledSchema wraps a pre-compiled JSON schema for payload validation.
type compiledSchema struct {
	schema *gojsonschema.Schema
}

func mustCompileSchema(raw string) *compiledSchema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("compile payload schema: %v", err))
	}

	return &compiledSchema{schema: schema}
}

func (c *compiledSchema) validate(payload map[string]any) error {
	result, err := c.schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("validate payload: %w", err)
	}

	if result.Valid() {
		return nil
	}

	descriptions := make([]string, 0, len(result.Errors()))
	for _, verr := range result.Errors() {
		descriptions = append(descriptions, fmt.Sprintf("%s: %s", verr.Field(), verr.Description()))
	}

	return errors.New(strings.Join(descriptions, "; "))
}

// ValidateOutput checks an inference output against the output schema and
// fills defaults for missing declared keys. Extra keys are preserved.
func (c *Contract) ValidateOutput(output map[string]any) error {
	if output == nil {
		return fmt.Errorf("%w: output is nil", ErrOutputSchema)
	}

	validateErr := c.outputSchema.validate(output)
	if validateErr != nil {
		return fmt.Errorf("%w: %w", ErrOutputSchema, validateErr)
	}

	if _, ok := output["value"]; !ok {
		output["value"] = 0.0
	}

	return nil
}

// ValidateScore checks a scoring result against the score schema and fills
// defaults for missing declared keys. Extra keys are preserved so scorers
// can carry ground-truth context into metrics.
func (c *Contract) ValidateScore(result map[string]any) error {
	if result == nil {
		return fmt.Errorf("%w: result is nil", ErrScoreSchema)
	}

	validateErr := c.scoreSchema.validate(result)
	if validateErr != nil {
		return fmt.Errorf("%w: %w", ErrScoreSchema, validateErr)
	}

	if _, ok := result["value"]; !ok {
		result["value"] = 0.0
	}

	if _, ok := result["success"]; !ok {
		result["success"] = true
	}

	return nil
}
