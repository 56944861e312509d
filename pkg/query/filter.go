// Package query prepares store-agnostic filters and find options for submission
// to the backing document store.
package query

import (
	"github.com/nimburion/mongoengine/pkg/identity"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Filter describes a predicate over documents: field equality plus operator maps
// such as {"field": {"$in": [...]}}.
type Filter map[string]any

// Operators the normalizer understands on the identity field.
const (
	OpEqual    = "$eq"
	OpNotEqual = "$ne"
	OpIn       = "$in"
	OpNotIn    = "$nin"
)

// Logical operators whose clauses are walked recursively.
const (
	OpAnd = "$and"
	OpOr  = "$or"
	OpNor = "$nor"
)

// Normalizer rewrites identity references inside a filter.
type Normalizer struct {
	// IDProperty is the identity field name callers use.
	IDProperty string
	// Codec converts identity literals to the store's encoding.
	Codec identity.Codec
}

// NewNormalizer creates a Normalizer for the given identity field.
// An empty idProperty falls back to the native "_id".
func NewNormalizer(idProperty string, codec identity.Codec) *Normalizer {
	if idProperty == "" {
		idProperty = identity.NativeField
	}
	if codec == nil {
		codec = identity.Default()
	}
	return &Normalizer{IDProperty: idProperty, Codec: codec}
}

// Normalize returns a new filter safe to submit to the store. The identity field is
// renamed to the native field and every identity literal it holds is converted,
// including the elements of $in and $nin lists and the operands of $eq and $ne.
// When a filter constrains both the configured identity field and "_id", the
// configured field keeps the "_id" slot and the native constraint is appended to
// $and, so both apply. The input filter is never modified.
func (n *Normalizer) Normalize(filter Filter) Filter {
	out := make(Filter, len(filter))
	var native any
	hasNative := false
	for key, value := range filter {
		switch key {
		case n.IDProperty:
			out[identity.NativeField] = n.identityValue(value)
		case identity.NativeField:
			native, hasNative = n.identityValue(value), true
		case OpAnd, OpOr, OpNor:
			out[key] = n.clauses(value)
		default:
			out[key] = value
		}
	}
	if !hasNative {
		return out
	}
	if _, taken := out[identity.NativeField]; !taken {
		out[identity.NativeField] = native
		return out
	}
	out[OpAnd] = appendClause(out[OpAnd], Filter{identity.NativeField: native})
	return out
}

func appendClause(existing any, clause Filter) []any {
	if existing == nil {
		return []any{clause}
	}
	items, ok := asSlice(existing)
	if !ok {
		return []any{existing, clause}
	}
	out := make([]any, 0, len(items)+1)
	out = append(out, items...)
	return append(out, clause)
}

func (n *Normalizer) identityValue(value any) any {
	ops, ok := asMap(value)
	if !ok || !isOperatorMap(ops) {
		return n.Codec.ToInternal(value)
	}

	rewritten := make(map[string]any, len(ops))
	for op, operand := range ops {
		switch op {
		case OpIn, OpNotIn:
			rewritten[op] = n.identityList(operand)
		case OpEqual, OpNotEqual:
			rewritten[op] = n.Codec.ToInternal(operand)
		default:
			rewritten[op] = operand
		}
	}
	return rewritten
}

func (n *Normalizer) identityList(operand any) any {
	values, ok := asSlice(operand)
	if !ok {
		return n.Codec.ToInternal(operand)
	}
	converted := make([]any, len(values))
	for i, v := range values {
		converted[i] = n.Codec.ToInternal(v)
	}
	return converted
}

func (n *Normalizer) clauses(value any) any {
	items, ok := asSlice(value)
	if !ok {
		return value
	}
	out := make([]any, len(items))
	for i, item := range items {
		if clause, ok := asMap(item); ok {
			out[i] = n.Normalize(clause)
			continue
		}
		out[i] = item
	}
	return out
}

func isOperatorMap(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if len(k) == 0 || k[0] != '$' {
			return false
		}
	}
	return true
}

func asMap(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case Filter:
		return v, true
	case map[string]any:
		return v, true
	case primitive.M:
		return v, true
	default:
		return nil, false
	}
}

func asSlice(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case primitive.A:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	case []Filter:
		out := make([]any, len(v))
		for i, f := range v {
			out[i] = f
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(v))
		for i, f := range v {
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}
