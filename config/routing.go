// Package config provides pipeline, agent, and routing configuration.
package config

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// Routing Expressions
// =============================================================================

// ExprOp identifies a routing expression node type.
type ExprOp string

const (
	// OpAlways matches unconditionally.
	OpAlways ExprOp = "always"
	// OpEq matches when the referenced field equals the literal.
	OpEq ExprOp = "eq"
	// OpNeq matches when the referenced field does not equal the literal.
	OpNeq ExprOp = "neq"
	// OpNot negates its operand.
	OpNot ExprOp = "not"
)

// FieldRef names a field in the envelope. When Agent is empty the reference is
// a top-level envelope field; otherwise it is a key inside that agent's output.
type FieldRef struct {
	Agent string `json:"agent,omitempty" yaml:"agent,omitempty" msgpack:"agent,omitempty"`
	Key   string `json:"key" yaml:"key" msgpack:"key"`
}

// String renders the reference as "key" or "agent.key".
func (f *FieldRef) String() string {
	if f.Agent == "" {
		return f.Key
	}
	return f.Agent + "." + f.Key
}

// FieldSource resolves field references during evaluation. Implemented by
// envelope.Envelope.
type FieldSource interface {
	Field(name string) (any, bool)
	AgentField(agent, key string) (any, bool)
}

// Expr is a serializable boolean expression over envelope fields, used to pick
// the next pipeline stage. Evaluation is pure and total: it never errors, and
// a missing field equals nothing except an explicit null literal.
type Expr struct {
	Op    ExprOp    `json:"op" yaml:"op" msgpack:"op"`
	Field *FieldRef `json:"field,omitempty" yaml:"field,omitempty" msgpack:"field,omitempty"`
	Value any       `json:"value,omitempty" yaml:"value,omitempty" msgpack:"value,omitempty"`
	// Null marks the literal as an explicit null, distinct from an omitted Value.
	Null bool  `json:"null,omitempty" yaml:"null,omitempty" msgpack:"null,omitempty"`
	Expr *Expr `json:"expr,omitempty" yaml:"expr,omitempty" msgpack:"expr,omitempty"`
}

// Always returns an expression that matches unconditionally.
func Always() *Expr {
	return &Expr{Op: OpAlways}
}

// Eq returns an equality test against a top-level envelope field.
func Eq(field string, value any) *Expr {
	return &Expr{Op: OpEq, Field: &FieldRef{Key: field}, Value: value}
}

// EqOutput returns an equality test against a nested agent output field.
func EqOutput(agent, key string, value any) *Expr {
	return &Expr{Op: OpEq, Field: &FieldRef{Agent: agent, Key: key}, Value: value}
}

// EqNull returns an explicit null test: true when the field is missing or nil.
func EqNull(field *FieldRef) *Expr {
	return &Expr{Op: OpEq, Field: field, Null: true}
}

// Neq returns an inequality test against a top-level envelope field.
func Neq(field string, value any) *Expr {
	return &Expr{Op: OpNeq, Field: &FieldRef{Key: field}, Value: value}
}

// NeqOutput returns an inequality test against a nested agent output field.
func NeqOutput(agent, key string, value any) *Expr {
	return &Expr{Op: OpNeq, Field: &FieldRef{Agent: agent, Key: key}, Value: value}
}

// Not negates an expression.
func Not(inner *Expr) *Expr {
	return &Expr{Op: OpNot, Expr: inner}
}

// Evaluate evaluates the expression against a field source.
func (x *Expr) Evaluate(src FieldSource) bool {
	if x == nil {
		return false
	}
	switch x.Op {
	case OpAlways:
		return true
	case OpEq:
		return x.equals(src)
	case OpNeq:
		return !x.equals(src)
	case OpNot:
		return !x.Expr.Evaluate(src)
	default:
		return false
	}
}

// equals resolves the field and compares it with the literal. A missing field
// equals only an explicit null literal; a present nil value does too.
func (x *Expr) equals(src FieldSource) bool {
	if x.Field == nil {
		return false
	}

	var value any
	var present bool
	if x.Field.Agent == "" {
		value, present = src.Field(x.Field.Key)
	} else {
		value, present = src.AgentField(x.Field.Agent, x.Field.Key)
	}

	if x.Null {
		return !present || value == nil
	}
	if !present {
		return false
	}
	return literalsMatch(value, x.Value)
}

// Validate checks that every field reference is resolvable: agent references
// must name a pipeline agent, top-level references must name a known envelope
// field.
func (x *Expr) Validate(agents map[string]bool, knownField func(string) bool) error {
	if x == nil {
		return fmt.Errorf("routing expression is nil")
	}
	switch x.Op {
	case OpAlways:
		return nil
	case OpEq, OpNeq:
		if x.Field == nil {
			return fmt.Errorf("%s expression has no field reference", x.Op)
		}
		if x.Field.Key == "" {
			return fmt.Errorf("%s expression field reference has empty key", x.Op)
		}
		if x.Field.Agent != "" {
			if !agents[x.Field.Agent] {
				return fmt.Errorf("field reference '%s' names unknown agent '%s'", x.Field.String(), x.Field.Agent)
			}
			return nil
		}
		if !knownField(x.Field.Key) {
			return fmt.Errorf("unknown envelope field '%s'", x.Field.Key)
		}
		return nil
	case OpNot:
		if x.Expr == nil {
			return fmt.Errorf("not expression has no operand")
		}
		return x.Expr.Validate(agents, knownField)
	default:
		return fmt.Errorf("unknown routing op '%s'", x.Op)
	}
}

// literalsMatch compares a field value with a rule literal across the type
// shapes that survive msgpack/JSON/YAML round trips.
func literalsMatch(actual, expected any) bool {
	if actualStr, ok := actual.(string); ok {
		if expectedStr, ok := expected.(string); ok {
			return actualStr == expectedStr
		}
	}

	if actualBool, ok := actual.(bool); ok {
		if expectedBool, ok := expected.(bool); ok {
			return actualBool == expectedBool
		}
	}

	if actualNum, ok := toFloat64(actual); ok {
		if expectedNum, ok := toFloat64(expected); ok {
			return actualNum == expectedNum
		}
	}

	actualJSON, _ := json.Marshal(actual)
	expectedJSON, _ := json.Marshal(expected)
	return string(actualJSON) == string(expectedJSON)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
