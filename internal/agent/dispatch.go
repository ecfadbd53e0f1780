package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/agentd/internal/modelsdb"
	"github.com/danmuck/agentd/internal/observability"
	"github.com/danmuck/agentd/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var ErrDuplicateHandler = errors.New("agent: handler already registered")

// Handler consumes one channel record. Record semantics are the handler's business.
type Handler interface {
	HandleMessage(ctx context.Context, f frame.Frame) error
}

type HandlerFunc func(ctx context.Context, f frame.Frame) error

func (fn HandlerFunc) HandleMessage(ctx context.Context, f frame.Frame) error {
	return fn(ctx, f)
}

// Dispatcher routes records to handlers by message type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[uint32]Handler
	fallback Handler
	unknown  atomic.Uint64

	components *ComponentRegistry
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[uint32]Handler)}
}

// NewOptimizerDispatcher handles component registrations itself and routes every other
// record type to the optimizer factory.
func NewOptimizerDispatcher(factory *modelsdb.OptimizerFactory) *Dispatcher {
	d := NewDispatcher()
	d.components = NewComponentRegistry()
	d.handlers[MessageTypeRegisterComponent] = d.components
	d.SetFallback(HandlerFunc(func(_ context.Context, f frame.Frame) error {
		return factory.Deliver(f.Header.MessageType, f.Payload)
	}))
	return d
}

func (d *Dispatcher) Register(messageType uint32, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[messageType]; exists {
		return fmt.Errorf("%w: message_type=%d", ErrDuplicateHandler, messageType)
	}
	d.handlers[messageType] = h
	return nil
}

func (d *Dispatcher) SetFallback(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = h
}

// Dispatch runs the handler for f. Records with no handler are counted and skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, f frame.Frame) error {
	d.mu.RLock()
	h, ok := d.handlers[f.Header.MessageType]
	if !ok {
		h = d.fallback
	}
	d.mu.RUnlock()

	if h == nil {
		d.unknown.Add(1)
		observability.RecordChannelRecord(f.Header.MessageType, "unhandled")
		log.Debug().Uint32("message_type", f.Header.MessageType).Uint64("message_id", f.Header.MessageID).Msg("agent.dispatch skipped")
		return nil
	}
	if err := h.HandleMessage(ctx, f); err != nil {
		observability.RecordChannelRecord(f.Header.MessageType, "error")
		return err
	}
	observability.RecordChannelRecord(f.Header.MessageType, "ok")
	return nil
}

// Unhandled is the number of records skipped for lack of a handler.
func (d *Dispatcher) Unhandled() uint64 {
	return d.unknown.Load()
}

// Components lists registered target components, or nil when the dispatcher has no registry.
func (d *Dispatcher) Components() []Component {
	if d.components == nil {
		return nil
	}
	return d.components.Components()
}
