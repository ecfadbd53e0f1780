package target

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrProcessSpawn   = errors.New("target: process spawn failed")
	ErrAlreadyStarted = errors.New("target: process already started")
	ErrNotStarted     = errors.New("target: process not started")
	ErrAlreadyWaited  = errors.New("target: wait already called")
	ErrNotExited      = errors.New("target: process has not exited")
	ErrDisposed       = errors.New("target: process already disposed")
)

// Liveness is the ProcessHandle state.
type Liveness string

const (
	NotStarted Liveness = "not_started"
	Running    Liveness = "running"
	Exited     Liveness = "exited"
)

const (
	StdioInherit = "inherit"
	StdioDiscard = "discard"
)

// ProcessHandle is a snapshot of the supervised process.
type ProcessHandle struct {
	Path      string    `json:"path"`
	PID       int       `json:"pid,omitempty"`
	Liveness  Liveness  `json:"liveness"`
	ExitCode  int       `json:"-"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ExitedAt  time.Time `json:"exited_at,omitempty"`
	Disposed  bool      `json:"disposed"`
}

// Config controls how the target is launched.
type Config struct {
	Args  []string
	Dir   string
	Env   []string
	Stdio string

	// Stdout and Stderr override the stdio policy when set.
	Stdout io.Writer
	Stderr io.Writer
}

// Supervisor spawns, waits on and releases one target process.
type Supervisor struct {
	cfg Config

	mu       sync.Mutex
	cmd      *exec.Cmd
	handle   ProcessHandle
	waited   bool
	disposed bool
	exited   chan struct{}
}

func NewSupervisor(cfg Config) *Supervisor {
	if strings.TrimSpace(cfg.Stdio) == "" {
		cfg.Stdio = StdioInherit
	}
	return &Supervisor{
		cfg:    cfg,
		handle: ProcessHandle{Liveness: NotStarted},
		exited: make(chan struct{}),
	}
}

// Start spawns path. The path must name an existing executable regular file.
func (s *Supervisor) Start(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return fmt.Errorf("%w: %w", ErrProcessSpawn, ErrAlreadyStarted)
	}
	if err := checkExecutable(path); err != nil {
		return fmt.Errorf("%w: %w", ErrProcessSpawn, err)
	}

	cmd := exec.Command(path, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	if s.cfg.Stdio == StdioInherit {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	if s.cfg.Stdout != nil {
		cmd.Stdout = s.cfg.Stdout
	}
	if s.cfg.Stderr != nil {
		cmd.Stderr = s.cfg.Stderr
	}
	setupProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrProcessSpawn, path, err)
	}
	s.cmd = cmd
	s.handle = ProcessHandle{
		Path:      path,
		PID:       cmd.Process.Pid,
		Liveness:  Running,
		StartedAt: time.Now(),
	}
	log.Info().Str("path", path).Int("pid", s.handle.PID).Msg("target.process started")
	return nil
}

// WaitForExit blocks until the process terminates and returns its exit code.
// A process killed by a signal reports -1.
func (s *Supervisor) WaitForExit() (int, error) {
	s.mu.Lock()
	if s.cmd == nil {
		s.mu.Unlock()
		return 0, ErrNotStarted
	}
	if s.waited {
		s.mu.Unlock()
		return 0, ErrAlreadyWaited
	}
	s.waited = true
	cmd := s.cmd
	s.mu.Unlock()

	code, err := exitCode(cmd.Wait())

	s.mu.Lock()
	s.handle.Liveness = Exited
	s.handle.ExitCode = code
	s.handle.ExitedAt = time.Now()
	close(s.exited)
	pid := s.handle.PID
	s.mu.Unlock()

	if err != nil {
		log.Warn().Int("pid", pid).Err(err).Msg("target.process wait failed")
		return code, err
	}
	log.Info().Int("pid", pid).Int("exit_code", code).Msg("target.process exited")
	return code, nil
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Dispose releases OS resources. It is valid once, after WaitForExit returned.
func (s *Supervisor) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return ErrNotStarted
	}
	if s.disposed {
		return ErrDisposed
	}
	if s.handle.Liveness != Exited {
		return ErrNotExited
	}
	s.disposed = true
	s.handle.Disposed = true
	if err := s.cmd.Process.Release(); err != nil {
		return fmt.Errorf("target: release pid %d: %w", s.handle.PID, err)
	}
	return nil
}

// Signal forwards sig to the running target's process group.
func (s *Supervisor) Signal(sig os.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return ErrNotStarted
	}
	if s.handle.Liveness != Running {
		return nil
	}
	log.Info().Int("pid", s.handle.PID).Str("signal", sig.String()).Msg("target.process signal")
	return signalProcess(s.cmd, sig)
}

// Handle returns a snapshot of the ProcessHandle.
func (s *Supervisor) Handle() ProcessHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Exited is closed once WaitForExit has observed termination.
func (s *Supervisor) Exited() <-chan struct{} {
	return s.exited
}

func checkExecutable(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("empty executable path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	if !isExecutable(info) {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}
