package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderLen = 24

	// Magic tags every record written into the shared channel ring.
	Magic   uint32 = 0x4147444D
	Version uint16 = 1

	FlagControl  uint16 = 0x01
	FlagTerminal uint16 = 0x02
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrBadMagic        = errors.New("frame: bad magic")
	ErrVersion         = errors.New("frame: unsupported version")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrShortPayload    = errors.New("frame: short payload")
)

// Header is the fixed record header.
type Header struct {
	Magic       uint32
	Version     uint16
	Flags       uint16
	MessageID   uint64
	MessageType uint32
	PayloadLen  uint32
}

// Frame is one complete channel record.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains record decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 256 * 1024,
	}
}

// New builds a frame for messageType with the current magic and version.
func New(messageID uint64, messageType uint32, payload []byte) Frame {
	return Frame{
		Header: Header{
			Magic:       Magic,
			Version:     Version,
			MessageID:   messageID,
			MessageType: messageType,
		},
		Payload: payload,
	}
}

// Encode returns header and payload as one contiguous record.
func Encode(f Frame, limits Limits) ([]byte, error) {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return nil, ErrPayloadTooLarge
	}
	h := f.Header
	h.PayloadLen = uint32(len(f.Payload))
	out := make([]byte, HeaderLen+len(f.Payload))
	PutHeader(out[:HeaderLen], h)
	copy(out[HeaderLen:], f.Payload)
	return out, nil
}

// Decode parses one contiguous record and validates it against limits.
func Decode(b []byte, limits Limits) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, ErrShortHeader
	}
	h, err := DecodeHeader(b[:HeaderLen])
	if err != nil {
		return Frame{}, err
	}
	if err := validate(h, limits); err != nil {
		return Frame{}, err
	}
	if uint64(len(b)-HeaderLen) < uint64(h.PayloadLen) {
		return Frame{}, ErrShortPayload
	}
	payload := make([]byte, h.PayloadLen)
	copy(payload, b[HeaderLen:HeaderLen+int(h.PayloadLen)])
	return Frame{Header: h, Payload: payload}, nil
}

func PutHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], h.MessageType)
	binary.BigEndian.PutUint32(buf[20:24], h.PayloadLen)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("frame: invalid header length: %d", len(b))
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		Flags:       binary.BigEndian.Uint16(b[6:8]),
		MessageID:   binary.BigEndian.Uint64(b[8:16]),
		MessageType: binary.BigEndian.Uint32(b[16:20]),
		PayloadLen:  binary.BigEndian.Uint32(b[20:24]),
	}, nil
}

func validate(h Header, limits Limits) error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	return nil
}
