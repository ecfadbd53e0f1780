package tlv

import (
	"errors"
	"testing"
)

func TestDecodeKeepsUnknownFieldsAndTypedAccessors(t *testing.T) {
	payload := Encode(
		String(1, "smartcache"),
		U32(2, 4242),
		Field{ID: 9999, Type: 0x7F, Value: []byte{0xAA, 0xBB}},
		Bool(4, true),
	)
	fields, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fields) != 4 {
		t.Fatalf("expected 4 fields, got %d", len(fields))
	}
	name, _ := fields.Get(1)
	if s, err := name.AsString(); err != nil || s != "smartcache" {
		t.Fatalf("unexpected name: %q %v", s, err)
	}
	pid, _ := fields.Get(2)
	if v, err := pid.AsU32(); err != nil || v != 4242 {
		t.Fatalf("unexpected pid: %d %v", v, err)
	}
	flag, _ := fields.Get(4)
	if v, err := flag.AsBool(); err != nil || !v {
		t.Fatalf("unexpected flag: %v %v", v, err)
	}
	if _, ok := fields.Get(7); ok {
		t.Fatalf("unexpected field 7")
	}
}

func TestDecodeMalformedHeader(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeMalformedLength(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	if _, err := Decode(payload); !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestAccessorRejectsWrongType(t *testing.T) {
	if _, err := String(1, "x").AsU32(); !errors.Is(err, ErrFieldType) {
		t.Fatalf("expected ErrFieldType, got %v", err)
	}
	if _, err := U64(1, 7).AsU64(); err != nil {
		t.Fatalf("u64: %v", err)
	}
}
