package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/danmuck/agentd/internal/config"
	"github.com/danmuck/agentd/internal/target"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Channel is the shared-memory channel as the orchestrator drives it.
type Channel interface {
	Initialize() error
	Teardown() error
}

// Supervisor owns the target process.
type Supervisor interface {
	Start(path string) error
	WaitForExit() (int, error)
	Dispose() error
	Signal(sig os.Signal) error
	Handle() target.ProcessHandle
}

// SupervisorFactory is only called when an executable path was supplied.
type SupervisorFactory func() Supervisor

// Worker is the agent worker handle.
type Worker interface {
	Run(ctx context.Context) error
	Join() error
	Done() <-chan struct{}
}

// Host is the service host handle.
type Host interface {
	Start(ctx context.Context) error
	Cancel()
	Join() error
}

// Deps are the components one run drives.
type Deps struct {
	Channel       Channel
	NewSupervisor SupervisorFactory
	Worker        Worker
	Host          Host
}

// Status is the snapshot served at /status.
type Status struct {
	RunID              string                `json:"run_id"`
	Phase              Phase                 `json:"phase"`
	ExecutablePath     string                `json:"executable_path,omitempty"`
	ModelsDatabasePath string                `json:"models_database_path,omitempty"`
	StartedAt          time.Time             `json:"started_at"`
	Uptime             string                `json:"uptime"`
	Target             *target.ProcessHandle `json:"target,omitempty"`
	TargetExitCode     *int                  `json:"target_exit_code,omitempty"`
}

type Orchestrator struct {
	args  config.Args
	deps  Deps
	runID string

	mu         sync.Mutex
	phase      Phase
	startedAt  time.Time
	supervisor Supervisor
	exitCode   *int
	ran        bool
}

func New(args config.Args, deps Deps) *Orchestrator {
	return &Orchestrator{
		args:      args,
		deps:      deps,
		runID:     uuid.NewString(),
		phase:     PhaseInit,
		startedAt: time.Now(),
	}
}

func (o *Orchestrator) RunID() string {
	return o.runID
}

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		RunID:              o.runID,
		Phase:              o.phase,
		ExecutablePath:     o.args.ExecutablePath,
		ModelsDatabasePath: o.args.ModelsDatabaseConfigPath,
		StartedAt:          o.startedAt,
		Uptime:             time.Since(o.startedAt).Truncate(time.Millisecond).String(),
	}
	if o.supervisor != nil {
		h := o.supervisor.Handle()
		st.Target = &h
	}
	if o.exitCode != nil {
		code := *o.exitCode
		st.TargetExitCode = &code
	}
	return st
}

// Run executes one full lifecycle and returns once every component has stopped.
// The target's exit code is logged and reported in Status but never returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.ran {
		phase := o.phase
		o.mu.Unlock()
		return transitionError(phase, PhaseChannelReady)
	}
	o.ran = true
	o.startedAt = time.Now()
	o.mu.Unlock()

	log.Info().
		Str("run_id", o.runID).
		Str("executable", o.args.ExecutablePath).
		Str("models_db", o.args.ModelsDatabaseConfigPath).
		Msg("orchestrator.run start")

	if err := o.deps.Channel.Initialize(); err != nil {
		_ = o.abort()
		log.Error().Err(err).Str("run_id", o.runID).Msg("orchestrator.channel init failed")
		return fmt.Errorf("orchestrator: initialize channel: %w", err)
	}
	if err := o.channelReady(); err != nil {
		return err
	}

	var sup Supervisor
	if o.args.HasTarget() {
		sup = o.deps.NewSupervisor()
		if err := sup.Start(o.args.ExecutablePath); err != nil {
			if terr := o.deps.Channel.Teardown(); terr != nil {
				log.Warn().Err(terr).Str("run_id", o.runID).Msg("orchestrator.channel teardown after spawn failure")
			}
			_ = o.abort()
			log.Error().Err(err).Str("run_id", o.runID).Msg("orchestrator.target spawn failed")
			return fmt.Errorf("orchestrator: start target: %w", err)
		}
		o.mu.Lock()
		o.supervisor = sup
		o.mu.Unlock()
		if err := o.targetStarted(); err != nil {
			return err
		}
	}

	var errs []error
	if err := o.deps.Host.Start(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: start service host: %w", err))
	}
	if err := o.deps.Worker.Run(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: run worker: %w", err))
	}
	if err := o.running(); err != nil {
		return errors.Join(append(errs, err)...)
	}

	if sup != nil {
		errs = append(errs, o.drainTarget(ctx, sup)...)
	} else {
		select {
		case <-o.deps.Worker.Done():
			log.Info().Str("run_id", o.runID).Msg("orchestrator.worker finished without target")
		case <-ctx.Done():
			log.Info().Str("run_id", o.runID).Msg("orchestrator.termination requested")
		}
		if err := o.draining(); err != nil {
			return errors.Join(append(errs, err)...)
		}
	}

	if err := o.deps.Worker.Join(); err != nil {
		errs = append(errs, err)
	}
	o.deps.Host.Cancel()
	if err := o.deps.Host.Join(); err != nil {
		errs = append(errs, err)
	}
	if err := o.stopped(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.Str("run_id", o.runID).Msg("orchestrator.run stopped")
	return err
}

// drainTarget waits for the target to exit, then disposes it and tears the channel down.
func (o *Orchestrator) drainTarget(ctx context.Context, sup Supervisor) []error {
	var errs []error
	code, err := o.waitForTarget(ctx, sup)
	if err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: wait for target: %w", err))
	} else {
		o.mu.Lock()
		o.exitCode = &code
		o.mu.Unlock()
		log.Info().Str("run_id", o.runID).Int("exit_code", code).Msg("orchestrator.target exited")
	}
	if err := o.draining(); err != nil {
		return append(errs, err)
	}
	if err := sup.Dispose(); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: dispose target: %w", err))
	}
	if err := o.deps.Channel.Teardown(); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: teardown channel: %w", err))
	}
	return errs
}

// waitForTarget has no timeout. A cancelled ctx forwards one interrupt to the target
// and the wait continues.
func (o *Orchestrator) waitForTarget(ctx context.Context, sup Supervisor) (int, error) {
	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := sup.WaitForExit()
		done <- result{code: code, err: err}
	}()

	select {
	case r := <-done:
		return r.code, r.err
	case <-ctx.Done():
	}
	log.Info().Str("run_id", o.runID).Msg("orchestrator.forwarding interrupt to target")
	if err := sup.Signal(os.Interrupt); err != nil {
		log.Warn().Err(err).Str("run_id", o.runID).Msg("orchestrator.signal target failed")
	}
	r := <-done
	return r.code, r.err
}
