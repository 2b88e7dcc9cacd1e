package encoding

import (
	"bytes"
	"testing"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMarshalUnmarshal(t *testing.T) {
	ba, err := Marshal(sample{Name: "lun", Count: 3})
	if err != nil {
		t.Fatalf("Marshal failed, details: %v", err)
	}
	var s sample
	if err := Unmarshal(ba, &s); err != nil {
		t.Fatalf("Unmarshal failed, details: %v", err)
	}
	if s.Name != "lun" || s.Count != 3 {
		t.Errorf("got %+v", s)
	}
}

func TestBytesPassThrough(t *testing.T) {
	in := []byte{1, 2, 3}
	ba, _ := Marshal(in)
	if !bytes.Equal(ba, in) {
		t.Errorf("expected pass-through, got %v", ba)
	}
	var out []byte
	if err := Unmarshal(in, &out); err != nil || !bytes.Equal(out, in) {
		t.Errorf("expected pass-through on Unmarshal, got %v, %v", out, err)
	}
}

func TestIndentMarshaler(t *testing.T) {
	m := NewIndentMarshaler()
	ba, err := m.Marshal(sample{Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(ba, []byte("\n  \"name\"")) {
		t.Errorf("expected indented json, got %s", ba)
	}
}
