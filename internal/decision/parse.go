package decision

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func decisionSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("decision.json", strings.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("decision.json")
	})
	return compiledSchema, schemaErr
}

// SchemaJSON exposes the embedded schema so prompts can quote it verbatim.
func SchemaJSON() string {
	return schemaJSON
}

// ParseResponse turns a raw model answer into structured data. The answer
// must be exactly one JSON object: no prose, no code fences, no arrays and no
// duplicated top-level keys.
func ParseResponse(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, NewError(ErrMalformedJSON, "", "empty response")
	}
	if !gjson.Valid(raw) {
		return nil, NewError(ErrMalformedJSON, "", "response is not valid JSON")
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsObject() {
		return nil, NewError(ErrMalformedJSON, "", "root must be a single JSON object")
	}
	seen := make(map[string]bool)
	var dup string
	parsed.ForEach(func(key, _ gjson.Result) bool {
		if seen[key.String()] {
			dup = key.String()
			return false
		}
		seen[key.String()] = true
		return true
	})
	if dup != "" {
		return nil, NewError(ErrMalformedJSON, dup, "duplicated top-level key")
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, NewError(ErrMalformedJSON, "", "%v", err)
	}
	if err := checkNumbers(out, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// Decimal magnitude accepted anywhere in a model answer. Rescaling big
// mantissas or exponents is unbounded CPU work, so these are refused before
// the schema check touches them.
const (
	maxExponent = 18
	maxDigits   = 30
)

func checkMagnitude(d decimal.Decimal) error {
	if exp := d.Exponent(); exp < -maxExponent || exp > maxExponent {
		return numberError(fmt.Sprintf("exponent %d out of range", exp))
	}
	if d.NumDigits() > maxDigits {
		return numberError(fmt.Sprintf("%d digits exceed %d", d.NumDigits(), maxDigits))
	}
	return nil
}

func checkNumbers(v any, path string) error {
	switch n := v.(type) {
	case json.Number:
		if len(n) > 2*maxDigits {
			return NewError(ErrInvalidNumber, path, "number literal too long")
		}
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return NewError(ErrInvalidNumber, path, "not a finite decimal: %s", n)
		}
		if err := checkMagnitude(d); err != nil {
			return NewError(ErrInvalidNumber, path, "%v", err)
		}
	case map[string]any:
		for k, child := range n {
			if err := checkNumbers(child, joinPath(path, k)); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range n {
			if err := checkNumbers(child, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func checkSchema(payload map[string]any) error {
	schema, err := decisionSchema()
	if err != nil {
		return fmt.Errorf("decision schema: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := deepestCause(ve)
			field := strings.TrimPrefix(leaf.InstanceLocation, "/")
			return NewError(ErrSchema, strings.ReplaceAll(field, "/", "."), "%s", leaf.Message)
		}
		return NewError(ErrSchema, "", "%v", err)
	}
	return nil
}

func deepestCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}
