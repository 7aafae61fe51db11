package protocol

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed frame.schema.json
var frameSchemaJSON []byte

var (
	frameSchemaOnce sync.Once
	frameSchema     *jsonschema.Schema
	frameSchemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	frameSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(frameSchemaJSON))
		if err != nil {
			frameSchemaErr = fmt.Errorf("unmarshal frame schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("frame.schema.json", doc); err != nil {
			frameSchemaErr = fmt.Errorf("add frame schema: %w", err)
			return
		}
		frameSchema, frameSchemaErr = c.Compile("frame.schema.json")
	})
	return frameSchema, frameSchemaErr
}

// validate checks raw against the embedded frame schema.
func validate(raw []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
