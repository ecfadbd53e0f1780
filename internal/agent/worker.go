package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/agentd/internal/observability"
	"github.com/danmuck/agentd/internal/protocol/frame"
	"github.com/danmuck/agentd/internal/shm"
	"github.com/rs/zerolog/log"
)

var (
	ErrWorkerFailure  = errors.New("agent: worker failure")
	ErrAlreadyRunning = errors.New("agent: worker already started")
	ErrNotRunning     = errors.New("agent: worker not started")
)

// State is the WorkerHandle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Failure is the structured result Join returns when the worker stops abnormally.
type Failure struct {
	MessageID   uint64
	MessageType uint32
	Panic       bool
	Cause       error
}

func (f *Failure) Error() string {
	if f.Panic {
		return fmt.Sprintf("agent: worker panicked on message_id=%d message_type=%d: %v", f.MessageID, f.MessageType, f.Cause)
	}
	return fmt.Sprintf("agent: worker failed on message_id=%d message_type=%d: %v", f.MessageID, f.MessageType, f.Cause)
}

func (f *Failure) Unwrap() []error {
	return []error{ErrWorkerFailure, f.Cause}
}

// Source yields channel records; *shm.Channel satisfies it.
type Source interface {
	Receive(ctx context.Context) (frame.Frame, error)
}

// Config selects the worker's stop contract.
type Config struct {
	// Cancellable lets context cancellation stop the worker. When false the worker only
	// stops on channel close, a terminal record, or a failure.
	Cancellable bool
}

// Worker is the long-running consumer of the shared channel.
type Worker struct {
	src        Source
	dispatcher *Dispatcher
	cfg        Config

	mu      sync.Mutex
	state   State
	started bool
	err     error
	done    chan struct{}

	processed atomic.Uint64
}

func NewWorker(src Source, dispatcher *Dispatcher, cfg Config) *Worker {
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	return &Worker{
		src:        src,
		dispatcher: dispatcher,
		cfg:        cfg,
		state:      StateIdle,
		done:       make(chan struct{}),
	}
}

// Run starts the worker goroutine and returns immediately.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.started = true
	w.state = StateRunning
	w.mu.Unlock()

	runCtx := ctx
	if !w.cfg.Cancellable {
		runCtx = context.WithoutCancel(ctx)
	}
	observability.SetWorkerRunning(true)
	log.Info().Bool("cancellable", w.cfg.Cancellable).Msg("agent.worker started")

	go func() {
		err := w.loop(runCtx)
		w.finish(err)
	}()
	return nil
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		f, err := w.src.Receive(ctx)
		if err != nil {
			if errors.Is(err, shm.ErrChannelClosed) {
				log.Info().Msg("agent.worker channel closed")
				return nil
			}
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				log.Info().Msg("agent.worker cancelled")
				return nil
			}
			return &Failure{Cause: err}
		}
		if f.Header.Flags&frame.FlagTerminal != 0 {
			log.Info().Uint64("message_id", f.Header.MessageID).Msg("agent.worker terminal record")
			return nil
		}
		if err := w.dispatch(ctx, f); err != nil {
			return err
		}
		w.processed.Add(1)
	}
}

func (w *Worker) dispatch(ctx context.Context, f frame.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Failure{
				MessageID:   f.Header.MessageID,
				MessageType: f.Header.MessageType,
				Panic:       true,
				Cause:       fmt.Errorf("%v", r),
			}
		}
	}()
	if err := w.dispatcher.Dispatch(ctx, f); err != nil {
		return &Failure{MessageID: f.Header.MessageID, MessageType: f.Header.MessageType, Cause: err}
	}
	return nil
}

func (w *Worker) finish(err error) {
	w.mu.Lock()
	w.err = err
	if err != nil {
		w.state = StateFailed
	} else {
		w.state = StateCompleted
	}
	w.mu.Unlock()
	observability.SetWorkerRunning(false)
	if err != nil {
		log.Error().Err(err).Uint64("processed", w.processed.Load()).Msg("agent.worker failed")
	} else {
		log.Info().Uint64("processed", w.processed.Load()).Msg("agent.worker completed")
	}
	close(w.done)
}

// Join blocks until the worker goroutine returns and reports its result.
func (w *Worker) Join() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return ErrNotRunning
	}
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Done is closed when the worker goroutine has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Processed is the number of records handled successfully.
func (w *Worker) Processed() uint64 {
	return w.processed.Load()
}
