package orchestrator

import (
	"errors"
	"fmt"

	"github.com/danmuck/agentd/internal/observability"
	"github.com/rs/zerolog/log"
)

var ErrLifecycleOrder = errors.New("orchestrator: invalid lifecycle transition")

// Phase is the orchestrator lifecycle position.
type Phase string

const (
	PhaseInit          Phase = "init"
	PhaseChannelReady  Phase = "channel_ready"
	PhaseTargetStarted Phase = "target_started"
	PhaseRunning       Phase = "running"
	PhaseDraining      Phase = "draining"
	PhaseStopped       Phase = "stopped"
)

// channelReady transitions init->channel_ready.
func (o *Orchestrator) channelReady() error {
	return o.advance(PhaseChannelReady, PhaseInit)
}

// targetStarted transitions channel_ready->target_started.
func (o *Orchestrator) targetStarted() error {
	return o.advance(PhaseTargetStarted, PhaseChannelReady)
}

// running transitions to running from target_started, or from channel_ready when no
// executable was supplied.
func (o *Orchestrator) running() error {
	if o.args.HasTarget() {
		return o.advance(PhaseRunning, PhaseTargetStarted)
	}
	return o.advance(PhaseRunning, PhaseChannelReady)
}

func (o *Orchestrator) draining() error {
	return o.advance(PhaseDraining, PhaseRunning)
}

func (o *Orchestrator) stopped() error {
	return o.advance(PhaseStopped, PhaseDraining)
}

// abort ends a run that failed before reaching running.
func (o *Orchestrator) abort() error {
	return o.advance(PhaseStopped, PhaseInit, PhaseChannelReady, PhaseTargetStarted)
}

func (o *Orchestrator) advance(to Phase, from ...Phase) error {
	o.mu.Lock()
	current := o.phase
	allowed := false
	for _, p := range from {
		if current == p {
			allowed = true
			break
		}
	}
	if !allowed {
		o.mu.Unlock()
		return transitionError(current, to)
	}
	o.phase = to
	o.mu.Unlock()

	observability.SetLifecyclePhase(string(current), string(to))
	log.Debug().
		Str("run_id", o.runID).
		Str("from", string(current)).
		Str("to", string(to)).
		Msg("orchestrator.phase")
	return nil
}

func transitionError(from, to Phase) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}
