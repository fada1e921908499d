// internal/schema/validator.go
// Package schema provides JSON schema validation for inbound device payloads.
// Payloads that fail a configured schema are treated as malformed and dropped
// before any write.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/model"
	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("payload failed schema validation")

// Built-in schemas only require a JSON object: any object a device publishes
// is stored, and readers skip values of the wrong type. Stricter per-kind
// schemas are opt-in through the override directory.
const objectSchema = `{"type": "object"}`

var builtinSchemas = map[model.Kind]string{
	model.KindData:   objectSchema,
	model.KindStatus: objectSchema,
	model.KindAlert:  objectSchema,
}

// Validator validates payloads against a compiled JSON schema per message kind.
type Validator struct {
	schemas map[model.Kind]*gojsonschema.Schema // Map of kind to compiled schema
	metrics *metrics.Metrics
}

// NewValidator compiles the built-in schemas. When dir is non-empty, a file named
// {kind}.json in it replaces the built-in schema for that kind.
func NewValidator(dir string, m *metrics.Metrics) (*Validator, error) {
	v := &Validator{
		schemas: make(map[model.Kind]*gojsonschema.Schema),
		metrics: m,
	}

	for kind, builtin := range builtinSchemas {
		loader := gojsonschema.NewStringLoader(builtin)
		if dir != "" {
			file := filepath.Join(dir, string(kind)+".json")
			if _, err := os.Stat(file); err == nil {
				abs, err := filepath.Abs(file)
				if err != nil {
					return nil, fmt.Errorf("failed to resolve schema %s: %w", file, err)
				}
				loader = gojsonschema.NewReferenceLoader("file://" + filepath.ToSlash(abs))
			}
		}
		if err := v.loadSchema(kind, loader); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// loadSchema compiles a single schema for a kind.
func (v *Validator) loadSchema(kind model.Kind, loader gojsonschema.JSONLoader) error {
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", kind, err)
	}
	v.schemas[kind] = schema
	return nil
}

// Validate checks payload against the schema of kind.
// Kinds without a schema pass; routing decides what to do with them.
func (v *Validator) Validate(kind model.Kind, payload map[string]any) (err error) {
	schema, exists := v.schemas[kind]
	if !exists {
		return nil
	}

	start := time.Now()
	defer func() {
		if v.metrics == nil {
			return
		}
		status := "valid"
		if err != nil {
			status = "invalid"
		}
		v.metrics.SchemaValidationTotal.WithLabelValues(string(kind), status).Inc()
		v.metrics.SchemaValidationDuration.WithLabelValues(string(kind), status).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}
