package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Schema validates (and may normalize) a value. It is the seam to whatever
// schema library the application uses.
type Schema interface {
	Validate(value any) (any, error)
}

// SchemaFunc adapts a function to Schema.
type SchemaFunc func(value any) (any, error)

func (f SchemaFunc) Validate(value any) (any, error) {
	return f(value)
}

// TypeSchema accepts values of type T as-is and converts anything else into
// T through a JSON round trip. The conversion is strict: unknown fields are
// rejected.
func TypeSchema[T any]() Schema {
	return SchemaFunc(func(value any) (any, error) {
		if v, ok := value.(T); ok {
			return v, nil
		}
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %T: %w", value, err)
		}
		var out T
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&out); err != nil {
			var zero T
			return nil, fmt.Errorf("decode into %T: %w", zero, err)
		}
		return out, nil
	})
}

// RequiredFields rejects values whose JSON form lacks any of the given
// gjson paths. The value itself is passed through unchanged.
func RequiredFields(paths ...string) Schema {
	return SchemaFunc(func(value any) (any, error) {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %T: %w", value, err)
		}
		if !gjson.ValidBytes(b) {
			return nil, errors.New("value is not valid JSON")
		}
		var missing []string
		for _, p := range paths {
			if !gjson.GetBytes(b, p).Exists() {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
		}
		return value, nil
	})
}

func validate(s Schema, stage ValidationStage, stepID string, value any) (any, error) {
	if s == nil {
		return value, nil
	}
	out, err := s.Validate(value)
	if err != nil {
		return nil, &ValidationError{Stage: stage, StepID: stepID, Err: err}
	}
	return out, nil
}

// ValidateWith applies s to value, wrapping a rejection in a
// *ValidationError. A nil schema accepts everything.
func ValidateWith(s Schema, stage ValidationStage, stepID string, value any) (any, error) {
	return validate(s, stage, stepID, value)
}
