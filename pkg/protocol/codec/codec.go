// Package codec provides the serialization formats used by attachd:
// JSON for the wire protocol, CBOR for internal record encoding.
package codec

// Content types under which the built-in codecs register.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// Codec marshals typed values to and from a byte representation.
// Implementations must be safe for concurrent use.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs.
type Registry struct{ byType map[string]Codec }

// NewRegistry constructs a registry preloaded with the JSON codec.
// CBOR can be added explicitly via Register(CBOR()).
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	return r
}

// Register adds a codec, replacing any previous codec with the same
// content type.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }
