// Package identity converts document identifiers between the store's native
// encoding and the canonical string form exposed to callers.
package identity

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// NativeField is the field MongoDB stores document identity under.
const NativeField = "_id"

// Codec translates identity values across the adapter boundary.
type Codec interface {
	// ToInternal converts an external identity into the form submitted to the store.
	// Values already in internal form are returned unchanged.
	ToInternal(value any) any

	// ToExternal converts a stored identity into its canonical string form.
	ToExternal(value any) string
}

// ObjectIDCodec maps primitive.ObjectID to and from its 24 character hex form.
// Strings that are not valid ObjectID hex are treated as application-assigned ids
// and pass through untouched.
type ObjectIDCodec struct{}

// ToInternal implements Codec.
func (ObjectIDCodec) ToInternal(value any) any {
	switch v := value.(type) {
	case string:
		if oid, err := primitive.ObjectIDFromHex(v); err == nil {
			return oid
		}
		return v
	case *primitive.ObjectID:
		if v == nil {
			return nil
		}
		return *v
	default:
		return value
	}
}

// ToExternal implements Codec.
func (ObjectIDCodec) ToExternal(value any) string {
	return stringify(value)
}

// Strings is a passthrough codec for collections whose ids are plain strings.
type Strings struct{}

// ToInternal implements Codec.
func (Strings) ToInternal(value any) any { return value }

// ToExternal implements Codec.
func (Strings) ToExternal(value any) string { return stringify(value) }

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case primitive.ObjectID:
		return v.Hex()
	case *primitive.ObjectID:
		if v == nil {
			return ""
		}
		return v.Hex()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Default returns the codec used when none is configured.
func Default() Codec {
	return ObjectIDCodec{}
}
