package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/agentd/internal/target"
	"github.com/danmuck/agentd/internal/testutil/testlog"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Service.Addr != DefaultServiceAddr {
		t.Fatalf("unexpected addr: %q", cfg.Service.Addr)
	}
	if cfg.Channel.Name != DefaultChannelName || cfg.Channel.Size != DefaultChannelSize {
		t.Fatalf("unexpected channel defaults: %+v", cfg.Channel)
	}
	if !cfg.Worker.Cancellable {
		t.Fatalf("expected cancellable worker by default")
	}
}

func TestLoadOverlaysDefinedKeysOnly(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[channel]
name = "bench.channel"

[worker]
cancellable = false
idle_poll = "2ms"

[service]
shutdown_grace = "3s"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Channel.Name != "bench.channel" {
		t.Fatalf("unexpected channel name: %q", cfg.Channel.Name)
	}
	if cfg.Channel.Size != DefaultChannelSize {
		t.Fatalf("undefined size must keep default, got %d", cfg.Channel.Size)
	}
	if cfg.Worker.Cancellable {
		t.Fatalf("expected cancellable=false from file")
	}
	if cfg.Worker.IdlePoll != 2*time.Millisecond {
		t.Fatalf("unexpected idle poll: %v", cfg.Worker.IdlePoll)
	}
	if cfg.Service.ShutdownGrace != 3*time.Second {
		t.Fatalf("unexpected shutdown grace: %v", cfg.Service.ShutdownGrace)
	}
	if cfg.Service.Addr != DefaultServiceAddr {
		t.Fatalf("undefined addr must keep default, got %q", cfg.Service.Addr)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "[channel]\nnmae = \"typo\"\n")
	_, err := Load(path)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadRejectsNonLoopbackAddr(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "[service]\naddr = \"0.0.0.0:5000\"\n")
	_, err := Load(path)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "[worker]\nidle_poll = \"soon\"\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestValidateChannelSize(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultAgentConfig()
	cfg.Channel.Size = 5000
	if err := Validate(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected non power-of-two size rejected, got %v", err)
	}
	cfg.Channel.Size = 1024
	if err := Validate(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected small size rejected, got %v", err)
	}
}

func TestValidateLocalAddr(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:5000", "localhost:5000", "[::1]:5000", "127.0.0.1:0"} {
		if err := ValidateLocalAddr(addr); err != nil {
			t.Fatalf("expected %q accepted: %v", addr, err)
		}
	}
	for _, addr := range []string{":5000", "10.0.0.1:5000", "example.com:5000", "127.0.0.1"} {
		if err := ValidateLocalAddr(addr); err == nil {
			t.Fatalf("expected %q rejected", addr)
		}
	}
}

func TestTemplateRoundTripsThroughLoad(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "agentd.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite existing config")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	want := DefaultAgentConfig()
	if cfg.Channel != want.Channel || cfg.Worker != want.Worker || cfg.Service.Addr != want.Service.Addr {
		t.Fatalf("template drifted from defaults: %+v", cfg)
	}
}

func TestStdioPolicyUsesSupervisorValues(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(writeConfig(t, "[target]\nstdio = \"discard\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Target.Stdio != target.StdioDiscard {
		t.Fatalf("stdio %q is not a supervisor policy", cfg.Target.Stdio)
	}
	if DefaultAgentConfig().Target.Stdio != target.StdioInherit {
		t.Fatalf("default stdio must be the supervisor's inherit policy")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentd.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
