// Package serializer provides a Serializer port for turning typed payloads
// into bytes. No other package in this module uses it: the executors and
// the SQL Flow Stores call encoding/json directly.
package serializer

// Serializer converts between a Go value and its byte encoding.
// Implementations must round-trip: Deserialize(Serialize(v)) must yield a
// value equal to v for every v the caller passes.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, out any) error
}
