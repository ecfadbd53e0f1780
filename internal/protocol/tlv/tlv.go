// Package tlv encodes the typed fields carried in channel record payloads.
//
// Each field is a 7-byte big-endian header (id u16, type u8, length u32)
// followed by the value bytes.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrFieldType        = errors.New("tlv: field type mismatch")
)

const (
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
)

type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func U32(id uint16, v uint32) Field {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return Field{ID: id, Type: TypeU32, Value: b}
}

func U64(id uint16, v uint64) Field {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return Field{ID: id, Type: TypeU64, Value: b}
}

func Bool(id uint16, v bool) Field {
	b := []byte{0}
	if v {
		b[0] = 1
	}
	return Field{ID: id, Type: TypeBool, Value: b}
}

// Encode appends fields in order. Unknown ids are carried as-is.
func Encode(fields ...Field) []byte {
	size := 0
	for _, f := range fields {
		size += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		var hdr [HeaderLen]byte
		binary.BigEndian.PutUint16(hdr[0:2], f.ID)
		hdr[2] = f.Type
		binary.BigEndian.PutUint32(hdr[3:7], uint32(len(f.Value)))
		out = append(out, hdr[:]...)
		out = append(out, f.Value...)
	}
	return out
}

// Fields is a decoded payload.
type Fields []Field

func Decode(payload []byte) (Fields, error) {
	fields := make(Fields, 0, 4)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint64(len(payload)-i) < uint64(l) {
			return nil, fmt.Errorf("%w: field %d wants %d bytes", ErrShortFieldValue, id, l)
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

// Get returns the first field with id.
func (fs Fields) Get(id uint16) (Field, bool) {
	for _, f := range fs {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (f Field) AsString() (string, error) {
	if err := f.expect(TypeString, -1); err != nil {
		return "", err
	}
	return string(f.Value), nil
}

func (f Field) AsU32() (uint32, error) {
	if err := f.expect(TypeU32, 4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

func (f Field) AsU64() (uint64, error) {
	if err := f.expect(TypeU64, 8); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(f.Value), nil
}

func (f Field) AsBool() (bool, error) {
	if err := f.expect(TypeBool, 1); err != nil {
		return false, err
	}
	return f.Value[0] != 0, nil
}

func (f Field) expect(typeID uint8, size int) error {
	if f.Type != typeID {
		return fmt.Errorf("%w: field %d got %d want %d", ErrFieldType, f.ID, f.Type, typeID)
	}
	if size >= 0 && len(f.Value) != size {
		return fmt.Errorf("%w: field %d length %d want %d", ErrShortFieldValue, f.ID, len(f.Value), size)
	}
	return nil
}
