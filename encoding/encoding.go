package encoding

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
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

// DocumentMarshaler packs and unpacks stored documents. Drivers use it unless configured otherwise.
var DocumentMarshaler = DefaultMarshaler

type jsonMarshaler struct{}

// NewMarshaler returns the default marshaler which uses goccy/go-json, a drop in
// replacement of the standard json package.
func NewMarshaler() Marshaler {
	return &jsonMarshaler{}
}

func (m jsonMarshaler) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (m jsonMarshaler) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type cborMarshaler struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORMarshaler returns a marshaler producing CBOR. Times are encoded as RFC 3339 strings
// and maps decode as map[string]any so documents read back the same way as with JSON.
func NewCBORMarshaler() (Marshaler, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano, Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		return nil, err
	}
	return &cborMarshaler{enc: enc, dec: dec}, nil
}

func (m cborMarshaler) Marshal(v any) ([]byte, error) {
	return m.enc.Marshal(v)
}

func (m cborMarshaler) Unmarshal(data []byte, v any) error {
	return m.dec.Unmarshal(data, v)
}

// ByName returns the marshaler registered under name: "json" (or empty) and "cbor".
func ByName(name string) (Marshaler, error) {
	switch name {
	case "", "json":
		return DefaultMarshaler, nil
	case "cbor":
		return NewCBORMarshaler()
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

// Marshal that can do byte array pass-through.
func Marshal[T any](v T) ([]byte, error) {
	switch b := any(v).(type) {
	case *[]byte:
		return *b, nil
	case []byte:
		return b, nil
	default:
		return DocumentMarshaler.Marshal(v)
	}
}

// Unmarshal that can do byte array pass-through.
func Unmarshal[T any](ba []byte, v *T) error {
	if p, ok := any(v).(*[]byte); ok {
		*p = ba
		return nil
	}
	return DocumentMarshaler.Unmarshal(ba, v)
}

// DecodeDocument unpacks a stored document.
func DecodeDocument(m Marshaler, ba []byte) (map[string]any, error) {
	doc := make(map[string]any)
	if err := m.Unmarshal(ba, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Canonical returns v in the form it has after a round trip through m, e.g. times become
// strings and numbers float64 with JSON. Drivers compare stored versions in this form.
func Canonical(m Marshaler, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	ba, err := m.Marshal(v)
	if err != nil {
		return nil, err
	}
	var r any
	if err := m.Unmarshal(ba, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// VersionMatches reports whether field of the stored document doc, decoded with m, holds expected.
// Both sides are compared in their canonical form.
func VersionMatches(m Marshaler, doc map[string]any, field string, expected any) (bool, error) {
	want, err := Canonical(m, expected)
	if err != nil {
		return false, err
	}
	got, err := Canonical(m, doc[field])
	if err != nil {
		return false, err
	}
	return reflect.DeepEqual(got, want), nil
}
