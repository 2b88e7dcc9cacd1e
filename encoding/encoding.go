// Package encoding holds the marshaler used for segment descriptors and config files.
package encoding

import (
	"encoding/json"
)

// Marshaler interface specifies encoding to byte array and back to the object.
type Marshaler interface {
	// Encodes any object to byte array.
	Marshal(v any) ([]byte, error)
	// Decodes byte array back to its Object type.
	Unmarshal(data []byte, v any) error
}

// Global Default marshaller.
var DefaultMarshaler = NewMarshaler()

// DescriptorMarshaler packs segment descriptors. Replace it to change the persisted format
// of every descriptor store at once.
var DescriptorMarshaler = DefaultMarshaler

type defaultMarshaler struct {
	indent bool
}

// NewMarshaler returns the default marshaller which uses the golang's json package.
func NewMarshaler() Marshaler {
	return &defaultMarshaler{}
}

// NewIndentMarshaler returns a json marshaller that indents its output, handy for descriptor files
// meant to be read by people.
func NewIndentMarshaler() Marshaler {
	return &defaultMarshaler{indent: true}
}

// Encodes any object to a byte array.
func (m defaultMarshaler) Marshal(v any) ([]byte, error) {
	if m.indent {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

// Decodes a byte array back to its Object type.
func (m defaultMarshaler) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Marshal encodes v with DescriptorMarshaler, passing byte arrays through untouched.
func Marshal[T any](v T) ([]byte, error) {
	switch x := any(v).(type) {
	case []byte:
		return x, nil
	case *[]byte:
		return *x, nil
	default:
		return DescriptorMarshaler.Marshal(v)
	}
}

// Unmarshal decodes ba into v with DescriptorMarshaler, passing byte arrays through untouched.
func Unmarshal[T any](ba []byte, v *T) error {
	if p, ok := any(v).(*[]byte); ok {
		*p = ba
		return nil
	}
	return DescriptorMarshaler.Unmarshal(ba, v)
}
