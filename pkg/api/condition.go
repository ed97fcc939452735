package api

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/tidwall/gjson"
)

// ConditionDescriptor is an inspectable description of a predicate,
// attached when the conditional step is declared.
type ConditionDescriptor struct {
	Name   string
	Source string
}

// ConditionFunc evaluates a predicate over the step context.
type ConditionFunc func(ctx context.Context, sc *StepContext) (bool, error)

// Condition pairs a predicate with its descriptor.
type Condition struct {
	Descriptor ConditionDescriptor
	Fn         ConditionFunc
}

// NewCondition builds a Condition from a plain predicate over the data.
func NewCondition(name string, fn func(data any) bool) Condition {
	return Condition{
		Descriptor: ConditionDescriptor{Name: name},
		Fn: func(_ context.Context, sc *StepContext) (bool, error) {
			return fn(sc.Data), nil
		},
	}
}

// TypedCondition builds a Condition over data of type T. Data of any
// other type is an error.
func TypedCondition[T any](name string, fn func(T) bool) Condition {
	return Condition{
		Descriptor: ConditionDescriptor{Name: name},
		Fn: func(_ context.Context, sc *StepContext) (bool, error) {
			v, ok := sc.Data.(T)
			if !ok {
				var zero T
				return false, fmt.Errorf("condition %q: expected %T, got %T", name, zero, sc.Data)
			}
			return fn(v), nil
		},
	}
}

// WithSource returns a copy of c whose descriptor carries source.
func (c Condition) WithSource(source string) Condition {
	c.Descriptor.Source = source
	return c
}

// JSONPathEquals is true when the gjson path in the JSON form of the data
// holds a value equal to want. Numbers compare by value.
func JSONPathEquals(path string, want any) Condition {
	return Condition{
		Descriptor: ConditionDescriptor{
			Name:   "json-path-equals",
			Source: fmt.Sprintf("%s == %v", path, want),
		},
		Fn: func(_ context.Context, sc *StepContext) (bool, error) {
			res, err := lookupPath(sc.Data, path)
			if err != nil || !res.Exists() {
				return false, err
			}
			return jsonEqual(res.Value(), want), nil
		},
	}
}

// JSONPathExists is true when the gjson path is present in the JSON form
// of the data.
func JSONPathExists(path string) Condition {
	return Condition{
		Descriptor: ConditionDescriptor{
			Name:   "json-path-exists",
			Source: "exists(" + path + ")",
		},
		Fn: func(_ context.Context, sc *StepContext) (bool, error) {
			res, err := lookupPath(sc.Data, path)
			if err != nil {
				return false, err
			}
			return res.Exists(), nil
		},
	}
}

func lookupPath(data any, path string) (gjson.Result, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encode %T: %w", data, err)
	}
	return gjson.GetBytes(b, path), nil
}

func jsonEqual(got, want any) bool {
	// Normalize want through JSON so that ints compare with float64 etc.
	b, err := json.Marshal(want)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(got, gjson.ParseBytes(b).Value())
}
