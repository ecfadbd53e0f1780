package main

import (
	"github.com/danmuck/agentd/internal/agent"
	"github.com/danmuck/agentd/internal/config"
	"github.com/danmuck/agentd/internal/modelsdb"
	"github.com/danmuck/agentd/internal/orchestrator"
	"github.com/danmuck/agentd/internal/service"
	"github.com/danmuck/agentd/internal/shm"
	"github.com/danmuck/agentd/internal/target"
)

// agentStatus is the /status document.
type agentStatus struct {
	orchestrator.Status
	Channel    shm.Stats         `json:"channel"`
	Worker     workerStatus      `json:"worker"`
	Components []agent.Component `json:"components"`
}

type workerStatus struct {
	State     agent.State `json:"state"`
	Processed uint64      `json:"processed"`
}

func buildOrchestrator(cfg config.AgentConfig, args config.Args, factory *modelsdb.OptimizerFactory) (*orchestrator.Orchestrator, *shm.Channel) {
	poll := shm.DefaultPollConfig()
	poll.InitialDelay = cfg.Worker.IdlePoll
	poll.MaxDelay = cfg.Worker.MaxIdlePoll
	channel := shm.New(shm.Config{
		Name: cfg.Channel.Name,
		Size: cfg.Channel.Size,
		Dir:  cfg.Channel.Dir,
		Poll: poll,
	})

	dispatcher := agent.NewOptimizerDispatcher(factory)
	worker := agent.NewWorker(channel, dispatcher, agent.Config{
		Cancellable: cfg.Worker.Cancellable,
	})

	var o *orchestrator.Orchestrator
	host := service.NewHost(service.Config{
		Addr:          cfg.Service.Addr,
		CorsOrigins:   cfg.Service.CorsOrigins,
		ShutdownGrace: cfg.Service.ShutdownGrace,
	}, func() any {
		return agentStatus{
			Status:     o.Status(),
			Channel:    channel.Stats(),
			Worker:     workerStatus{State: worker.State(), Processed: worker.Processed()},
			Components: dispatcher.Components(),
		}
	}, factory)

	targetCfg := target.Config{
		Args:  cfg.Target.Args,
		Dir:   cfg.Target.Dir,
		Env:   cfg.Target.Env,
		Stdio: cfg.Target.Stdio,
	}
	o = orchestrator.New(args, orchestrator.Deps{
		Channel: channel,
		NewSupervisor: func() orchestrator.Supervisor {
			return target.NewSupervisor(targetCfg)
		},
		Worker: worker,
		Host:   host,
	})
	return o, channel
}
