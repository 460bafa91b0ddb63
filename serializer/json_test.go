package serializer

import "testing"

type payload struct {
	Name  string
	Count int
}

func TestJSONSerializerRoundTrip(t *testing.T) {
	s := NewJSONSerializer()
	in := payload{Name: "widget", Count: 3}

	data, err := s.Serialize(in)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	var out payload
	if err := s.Deserialize(data, &out); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestJSONSerializerRejectsMalformedInput(t *testing.T) {
	s := NewJSONSerializer()
	var out payload
	if err := s.Deserialize([]byte("not json"), &out); err == nil {
		t.Fatal("expected an error deserializing malformed input")
	}
}
