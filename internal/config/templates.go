package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Marshal renders cfg in the on-disk TOML shape accepted by Load.
func Marshal(cfg AgentConfig) ([]byte, error) {
	raw := fileConfig{
		Channel: fileChannel{
			Name: cfg.Channel.Name,
			Size: cfg.Channel.Size,
			Dir:  cfg.Channel.Dir,
		},
		Target: fileTarget{
			Args:  nonNil(cfg.Target.Args),
			Dir:   cfg.Target.Dir,
			Env:   nonNil(cfg.Target.Env),
			Stdio: cfg.Target.Stdio,
		},
		Worker: fileWorker{
			Cancellable: cfg.Worker.Cancellable,
			IdlePoll:    cfg.Worker.IdlePoll.String(),
			MaxIdlePoll: cfg.Worker.MaxIdlePoll.String(),
		},
		Service: fileService{
			Addr:          cfg.Service.Addr,
			CorsOrigins:   nonNil(cfg.Service.CorsOrigins),
			ShutdownGrace: cfg.Service.ShutdownGrace.String(),
		},
	}
	out, err := toml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config marshal failed: %w", err)
	}
	return out, nil
}

// WriteTemplate writes the default agent config to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	data, err := Marshal(DefaultAgentConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
