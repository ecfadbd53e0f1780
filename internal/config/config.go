package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/agentd/internal/target"
)

var ErrInvalidConfig = errors.New("config: invalid agent config")

const (
	StdioInherit = target.StdioInherit
	StdioDiscard = target.StdioDiscard

	DefaultChannelName = "agentd.channel"
	DefaultChannelSize = 1 << 20
	DefaultServiceAddr = "127.0.0.1:5000"
	minChannelSize     = 4096
)

// ChannelConfig configures the shared-memory ring segment.
type ChannelConfig struct {
	Name string
	Size int
	Dir  string
}

// TargetConfig configures how the target executable is launched.
type TargetConfig struct {
	Args  []string
	Dir   string
	Env   []string
	Stdio string
}

// WorkerConfig configures agent worker polling and cancellation.
type WorkerConfig struct {
	Cancellable bool
	IdlePoll    time.Duration
	MaxIdlePoll time.Duration
}

// ServiceConfig configures the local control endpoint.
type ServiceConfig struct {
	Addr          string
	CorsOrigins   []string
	ShutdownGrace time.Duration
}

// AgentConfig is the full agentd runtime configuration.
type AgentConfig struct {
	Channel ChannelConfig
	Target  TargetConfig
	Worker  WorkerConfig
	Service ServiceConfig
}

// Agent runtime defaults used when no config file is given.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Channel: ChannelConfig{
			Name: DefaultChannelName,
			Size: DefaultChannelSize,
			Dir:  "",
		},
		Target: TargetConfig{
			Stdio: StdioInherit,
		},
		Worker: WorkerConfig{
			Cancellable: true,
			IdlePoll:    time.Millisecond,
			MaxIdlePoll: 50 * time.Millisecond,
		},
		Service: ServiceConfig{
			Addr:          DefaultServiceAddr,
			CorsOrigins:   []string{"http://localhost:3000"},
			ShutdownGrace: 0,
		},
	}
}

type fileConfig struct {
	Channel fileChannel `toml:"channel"`
	Target  fileTarget  `toml:"target"`
	Worker  fileWorker  `toml:"worker"`
	Service fileService `toml:"service"`
}

type fileChannel struct {
	Name string `toml:"name"`
	Size int    `toml:"size"`
	Dir  string `toml:"dir,omitempty"`
}

type fileTarget struct {
	Args  []string `toml:"args"`
	Dir   string   `toml:"dir,omitempty"`
	Env   []string `toml:"env"`
	Stdio string   `toml:"stdio"`
}

type fileWorker struct {
	Cancellable bool   `toml:"cancellable"`
	IdlePoll    string `toml:"idle_poll"`
	MaxIdlePoll string `toml:"max_idle_poll"`
}

type fileService struct {
	Addr          string   `toml:"addr"`
	CorsOrigins   []string `toml:"cors_origins"`
	ShutdownGrace string   `toml:"shutdown_grace"`
}

// Load reads an agentd TOML file and overlays the keys it defines onto defaults.
// An empty path returns the validated defaults.
func Load(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, Validate(cfg)
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return AgentConfig{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}
	if err := overlay(&cfg, raw, meta); err != nil {
		return AgentConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func overlay(cfg *AgentConfig, raw fileConfig, meta toml.MetaData) error {
	if meta.IsDefined("channel", "name") {
		cfg.Channel.Name = strings.TrimSpace(raw.Channel.Name)
	}
	if meta.IsDefined("channel", "size") {
		cfg.Channel.Size = raw.Channel.Size
	}
	if meta.IsDefined("channel", "dir") {
		cfg.Channel.Dir = strings.TrimSpace(raw.Channel.Dir)
	}

	if meta.IsDefined("target", "args") {
		cfg.Target.Args = append([]string{}, raw.Target.Args...)
	}
	if meta.IsDefined("target", "dir") {
		cfg.Target.Dir = strings.TrimSpace(raw.Target.Dir)
	}
	if meta.IsDefined("target", "env") {
		cfg.Target.Env = append([]string{}, raw.Target.Env...)
	}
	if meta.IsDefined("target", "stdio") {
		cfg.Target.Stdio = strings.ToLower(strings.TrimSpace(raw.Target.Stdio))
	}

	if meta.IsDefined("worker", "cancellable") {
		cfg.Worker.Cancellable = raw.Worker.Cancellable
	}
	if meta.IsDefined("worker", "idle_poll") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Worker.IdlePoll))
		if err != nil {
			return fmt.Errorf("parse worker.idle_poll: %w", err)
		}
		cfg.Worker.IdlePoll = d
	}
	if meta.IsDefined("worker", "max_idle_poll") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Worker.MaxIdlePoll))
		if err != nil {
			return fmt.Errorf("parse worker.max_idle_poll: %w", err)
		}
		cfg.Worker.MaxIdlePoll = d
	}

	if meta.IsDefined("service", "addr") {
		cfg.Service.Addr = strings.TrimSpace(raw.Service.Addr)
	}
	if meta.IsDefined("service", "cors_origins") {
		cfg.Service.CorsOrigins = append([]string{}, raw.Service.CorsOrigins...)
	}
	if meta.IsDefined("service", "shutdown_grace") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Service.ShutdownGrace))
		if err != nil {
			return fmt.Errorf("parse service.shutdown_grace: %w", err)
		}
		cfg.Service.ShutdownGrace = d
	}
	return nil
}

func Validate(cfg AgentConfig) error {
	name := strings.TrimSpace(cfg.Channel.Name)
	if name == "" {
		return fmt.Errorf("%w: channel.name is required", ErrInvalidConfig)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: channel.name %q must not contain path separators", ErrInvalidConfig, name)
	}
	if cfg.Channel.Size < minChannelSize || cfg.Channel.Size&(cfg.Channel.Size-1) != 0 {
		return fmt.Errorf("%w: channel.size %d must be a power of two >= %d", ErrInvalidConfig, cfg.Channel.Size, minChannelSize)
	}
	switch cfg.Target.Stdio {
	case StdioInherit, StdioDiscard:
	default:
		return fmt.Errorf("%w: target.stdio %q (want %q or %q)", ErrInvalidConfig, cfg.Target.Stdio, StdioInherit, StdioDiscard)
	}
	if cfg.Worker.IdlePoll <= 0 {
		return fmt.Errorf("%w: worker.idle_poll must be positive", ErrInvalidConfig)
	}
	if cfg.Worker.MaxIdlePoll < cfg.Worker.IdlePoll {
		return fmt.Errorf("%w: worker.max_idle_poll must be >= worker.idle_poll", ErrInvalidConfig)
	}
	if cfg.Service.ShutdownGrace < 0 {
		return fmt.Errorf("%w: service.shutdown_grace must not be negative", ErrInvalidConfig)
	}
	return ValidateLocalAddr(cfg.Service.Addr)
}

// ValidateLocalAddr accepts only loopback listen addresses.
func ValidateLocalAddr(addr string) error {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return fmt.Errorf("%w: service.addr %q: %v", ErrInvalidConfig, addr, err)
	}
	if port == "" {
		return fmt.Errorf("%w: service.addr %q missing port", ErrInvalidConfig, addr)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%w: service.addr %q must be a loopback address", ErrInvalidConfig, addr)
	}
	return nil
}
