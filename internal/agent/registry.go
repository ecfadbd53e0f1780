package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/agentd/internal/protocol/frame"
	"github.com/danmuck/agentd/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// MessageTypeRegisterComponent announces a component living in the target process.
const MessageTypeRegisterComponent uint32 = 1

// Registration payload field ids.
const (
	FieldComponentName       uint16 = 1
	FieldComponentPID        uint16 = 2
	FieldComponentVersion    uint16 = 3
	FieldComponentStartedAt  uint16 = 4
	FieldComponentUnregister uint16 = 5
)

var ErrInvalidRegistration = errors.New("agent: invalid component registration")

// Component is one registered target-side component.
type Component struct {
	Name         string    `json:"name"`
	PID          uint32    `json:"pid,omitempty"`
	Version      string    `json:"version,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// RegistrationFrame builds the control record announcing c.
func RegistrationFrame(messageID uint64, c Component) frame.Frame {
	fields := []tlv.Field{tlv.String(FieldComponentName, c.Name)}
	if c.PID != 0 {
		fields = append(fields, tlv.U32(FieldComponentPID, c.PID))
	}
	if c.Version != "" {
		fields = append(fields, tlv.String(FieldComponentVersion, c.Version))
	}
	if !c.StartedAt.IsZero() {
		fields = append(fields, tlv.U64(FieldComponentStartedAt, uint64(c.StartedAt.UnixNano())))
	}
	return controlFrame(messageID, tlv.Encode(fields...))
}

// UnregistrationFrame builds the control record withdrawing the component called name.
func UnregistrationFrame(messageID uint64, name string) frame.Frame {
	return controlFrame(messageID, tlv.Encode(
		tlv.String(FieldComponentName, name),
		tlv.Bool(FieldComponentUnregister, true),
	))
}

func controlFrame(messageID uint64, payload []byte) frame.Frame {
	f := frame.New(messageID, MessageTypeRegisterComponent, payload)
	f.Header.Flags = frame.FlagControl
	return f
}

// ComponentRegistry records component registrations. Re-registering a name replaces it.
type ComponentRegistry struct {
	mu     sync.RWMutex
	byName map[string]Component
}

func NewComponentRegistry() *ComponentRegistry {
	return &ComponentRegistry{byName: make(map[string]Component)}
}

func (r *ComponentRegistry) HandleMessage(_ context.Context, f frame.Frame) error {
	if f.Header.Flags&frame.FlagControl == 0 {
		return fmt.Errorf("%w: message_id=%d is not a control record", ErrInvalidRegistration, f.Header.MessageID)
	}
	fields, err := tlv.Decode(f.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRegistration, err)
	}
	nameField, ok := fields.Get(FieldComponentName)
	if !ok {
		return fmt.Errorf("%w: missing name", ErrInvalidRegistration)
	}
	name, err := nameField.AsString()
	if err != nil || name == "" {
		return fmt.Errorf("%w: bad name", ErrInvalidRegistration)
	}
	if uf, ok := fields.Get(FieldComponentUnregister); ok {
		gone, err := uf.AsBool()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRegistration, err)
		}
		if gone {
			r.mu.Lock()
			delete(r.byName, name)
			r.mu.Unlock()
			log.Info().Str("component", name).Msg("agent.component unregistered")
			return nil
		}
	}

	c := Component{Name: name, RegisteredAt: time.Now()}
	if pf, ok := fields.Get(FieldComponentPID); ok {
		if c.PID, err = pf.AsU32(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRegistration, err)
		}
	}
	if vf, ok := fields.Get(FieldComponentVersion); ok {
		if c.Version, err = vf.AsString(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRegistration, err)
		}
	}
	if sf, ok := fields.Get(FieldComponentStartedAt); ok {
		nanos, err := sf.AsU64()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRegistration, err)
		}
		c.StartedAt = time.Unix(0, int64(nanos))
	}

	r.mu.Lock()
	r.byName[name] = c
	r.mu.Unlock()
	log.Info().Str("component", name).Uint32("pid", c.PID).Str("version", c.Version).Msg("agent.component registered")
	return nil
}

// Components returns registrations sorted by name.
func (r *ComponentRegistry) Components() []Component {
	r.mu.RLock()
	out := make([]Component, 0, len(r.byName))
	for _, c := range r.byName {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
