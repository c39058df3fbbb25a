// Package expr builds the array-encoded style expressions understood by the
// browser map. Expressions are opaque values: only the shapes this module
// constructs have builders, anything else passes through untouched.
package expr

import (
	"fmt"
	"reflect"
)

// Expression is an array-encoded style expression such as ["get", "name"].
type Expression []any

// Get reads a feature property.
func Get(prop string) Expression { return Expression{"get", prop} }

// Has tests for a feature property.
func Has(prop string) Expression { return Expression{"has", prop} }

// Zoom is the current map zoom.
func Zoom() Expression { return Expression{"zoom"} }

// FeatureState reads a feature-state key.
func FeatureState(key string) Expression { return Expression{"feature-state", key} }

// Eq compares two values.
func Eq(a, b any) Expression { return Expression{"==", a, b} }

// Not negates a boolean expression.
func Not(e any) Expression { return Expression{"!", e} }

// Coalesce returns the first non-null value.
func Coalesce(values ...any) Expression {
	return append(Expression{"coalesce"}, values...)
}

// Literal wraps arrays or objects so they are not evaluated.
func Literal(v any) Expression { return Expression{"literal", v} }

// Branch is one condition/output pair of a case expression.
type Branch struct {
	When any
	Then any
}

// Case builds ["case", cond1, out1, ..., fallback].
func Case(fallback any, branches ...Branch) Expression {
	e := Expression{"case"}
	for _, b := range branches {
		e = append(e, b.When, b.Then)
	}
	return append(e, fallback)
}

// Stop is one threshold of a step expression.
type Stop struct {
	At    float64
	Value any
}

// Step builds ["step", input, base, t1, v1, ...]. Stops must be ascending.
func Step(input any, base any, stops ...Stop) Expression {
	e := Expression{"step", input, base}
	for _, s := range stops {
		e = append(e, s.At, s.Value)
	}
	return e
}

// Match builds ["match", input, label1, out1, ..., fallback] from ordered pairs.
func Match(input any, fallback any, pairs ...any) Expression {
	e := Expression{"match", input}
	e = append(e, pairs...)
	return append(e, fallback)
}

// Op returns the operator of e, or "" if e is not an expression.
func Op(v any) string {
	e, ok := v.(Expression)
	if !ok {
		if raw, isSlice := v.([]any); isSlice {
			e = raw
		}
	}
	if len(e) == 0 {
		return ""
	}
	s, _ := e[0].(string)
	return s
}

// EvalStep evaluates a step expression against a numeric input.
func EvalStep(v any, input float64) (any, error) {
	e, ok := v.(Expression)
	if !ok {
		raw, isSlice := v.([]any)
		if !isSlice {
			return nil, fmt.Errorf("expr: not an expression: %T", v)
		}
		e = raw
	}
	if Op(e) != "step" || len(e) < 3 || len(e)%2 == 0 {
		return nil, fmt.Errorf("expr: malformed step expression")
	}
	out := e[2]
	for i := 3; i+1 < len(e); i += 2 {
		at, err := number(e[i])
		if err != nil {
			return nil, err
		}
		if input < at {
			break
		}
		out = e[i+1]
	}
	return out, nil
}

func number(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("expr: step stop %v is not a number", v)
}

// Matches evaluates the filter subset the registry uses (all, any, has, !,
// ==, != over get) against feature properties. Unknown operators match.
func Matches(filter any, props map[string]any) bool {
	e, ok := filter.(Expression)
	if !ok {
		raw, isSlice := filter.([]any)
		if !isSlice {
			return true
		}
		e = raw
	}
	switch Op(e) {
	case "all":
		for _, sub := range e[1:] {
			if !Matches(sub, props) {
				return false
			}
		}
		return true
	case "any":
		for _, sub := range e[1:] {
			if Matches(sub, props) {
				return true
			}
		}
		return len(e) == 1
	case "!":
		return len(e) == 2 && !Matches(e[1], props)
	case "has":
		if len(e) != 2 {
			return false
		}
		key, _ := e[1].(string)
		_, found := props[key]
		return found
	case "==", "!=":
		if len(e) != 3 {
			return false
		}
		eq := equal(value(e[1], props), value(e[2], props))
		if Op(e) == "!=" {
			return !eq
		}
		return eq
	}
	return true
}

func value(v any, props map[string]any) any {
	if Op(v) == "get" {
		var e []any
		switch x := v.(type) {
		case Expression:
			e = x
		case []any:
			e = x
		}
		if len(e) == 2 {
			key, _ := e[1].(string)
			return props[key]
		}
	}
	return v
}

func equal(a, b any) bool {
	fa, errA := number(a)
	fb, errB := number(b)
	if errA == nil && errB == nil {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}
