package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/agentd/internal/agent"
	"github.com/danmuck/agentd/internal/config"
	"github.com/danmuck/agentd/internal/service"
	"github.com/danmuck/agentd/internal/shm"
	"github.com/danmuck/agentd/internal/target"
	"github.com/danmuck/agentd/internal/testutil/testlog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.events...)
}

type fakeChannel struct {
	rec         *recorder
	initErr     error
	teardownErr error
	onTeardown  func()
}

func (c *fakeChannel) Initialize() error {
	c.rec.add("channel.initialize")
	return c.initErr
}

func (c *fakeChannel) Teardown() error {
	c.rec.add("channel.teardown")
	if c.onTeardown != nil {
		c.onTeardown()
	}
	return c.teardownErr
}

type fakeSupervisor struct {
	rec      *recorder
	startErr error
	onStart  func()
	exit     chan int
}

func newFakeSupervisor(rec *recorder) *fakeSupervisor {
	return &fakeSupervisor{rec: rec, exit: make(chan int, 1)}
}

func (s *fakeSupervisor) Start(path string) error {
	s.rec.add("supervisor.start")
	if s.onStart != nil {
		s.onStart()
	}
	return s.startErr
}

func (s *fakeSupervisor) WaitForExit() (int, error) {
	code := <-s.exit
	s.rec.add("supervisor.wait")
	return code, nil
}

func (s *fakeSupervisor) Dispose() error {
	s.rec.add("supervisor.dispose")
	return nil
}

func (s *fakeSupervisor) Signal(sig os.Signal) error {
	s.rec.add("supervisor.signal")
	select {
	case s.exit <- 130:
	default:
	}
	return nil
}

func (s *fakeSupervisor) Handle() target.ProcessHandle {
	return target.ProcessHandle{Path: "workload.exe", Liveness: target.Running}
}

type fakeWorker struct {
	rec      *recorder
	joinErr  error
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newFakeWorker(rec *recorder) *fakeWorker {
	return &fakeWorker{rec: rec, stop: make(chan struct{}), done: make(chan struct{})}
}

func (w *fakeWorker) Run(ctx context.Context) error {
	w.rec.add("worker.run")
	go func() {
		defer close(w.done)
		select {
		case <-ctx.Done():
		case <-w.stop:
		}
	}()
	return nil
}

func (w *fakeWorker) finish() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *fakeWorker) Join() error {
	<-w.done
	w.rec.add("worker.join")
	return w.joinErr
}

func (w *fakeWorker) Done() <-chan struct{} {
	return w.done
}

type fakeHost struct {
	rec     *recorder
	joinErr error
}

func (h *fakeHost) Start(ctx context.Context) error {
	h.rec.add("host.start")
	return nil
}

func (h *fakeHost) Cancel() {
	h.rec.add("host.cancel")
}

func (h *fakeHost) Join() error {
	h.rec.add("host.join")
	return h.joinErr
}

type fixture struct {
	rec        *recorder
	channel    *fakeChannel
	supervisor *fakeSupervisor
	worker     *fakeWorker
	host       *fakeHost
	spawned    int
}

func newFixture() *fixture {
	rec := &recorder{}
	f := &fixture{
		rec:        rec,
		channel:    &fakeChannel{rec: rec},
		supervisor: newFakeSupervisor(rec),
		worker:     newFakeWorker(rec),
		host:       &fakeHost{rec: rec},
	}
	// Channel teardown ends the worker the same way the real channel does.
	f.channel.onTeardown = f.worker.finish
	return f
}

func (f *fixture) deps() Deps {
	return Deps{
		Channel: f.channel,
		NewSupervisor: func() Supervisor {
			f.spawned++
			return f.supervisor
		},
		Worker: f.worker,
		Host:   f.host,
	}
}

func runWithin(t *testing.T, o *Orchestrator, ctx context.Context) error {
	t.Helper()
	result := make(chan error, 1)
	go func() { result <- o.Run(ctx) }()
	select {
	case err := <-result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return")
		return nil
	}
}

func TestRunWithTargetShutsDownInOrder(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.supervisor.exit <- 3
	o := New(config.Args{ExecutablePath: "workload.exe"}, f.deps())
	f.supervisor.onStart = func() {
		if o.Phase() != PhaseChannelReady {
			t.Errorf("supervisor started in phase %s", o.Phase())
		}
	}

	if err := runWithin(t, o, context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{
		"channel.initialize",
		"supervisor.start",
		"host.start",
		"worker.run",
		"supervisor.wait",
		"supervisor.dispose",
		"channel.teardown",
		"worker.join",
		"host.cancel",
		"host.join",
	}
	if got := f.rec.list(); !slices.Equal(got, want) {
		t.Fatalf("unexpected order:\n got=%v\nwant=%v", got, want)
	}
	st := o.Status()
	if st.Phase != PhaseStopped || st.TargetExitCode == nil || *st.TargetExitCode != 3 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestRunWithoutTargetNeverSpawnsOrTearsDown(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	o := New(config.Args{ModelsDatabaseConfigPath: "models.json"}, f.deps())

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.worker.finish()
	}()
	if err := runWithin(t, o, context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.spawned != 0 {
		t.Fatalf("supervisor factory called %d times", f.spawned)
	}
	want := []string{"channel.initialize", "host.start", "worker.run", "worker.join", "host.cancel", "host.join"}
	if got := f.rec.list(); !slices.Equal(got, want) {
		t.Fatalf("unexpected order:\n got=%v\nwant=%v", got, want)
	}
}

func TestRunWithoutTargetDrainsOnCancellation(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	o := New(config.Args{}, f.deps())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := runWithin(t, o, ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if slices.Contains(f.rec.list(), "channel.teardown") {
		t.Fatalf("channel must not be torn down without a target: %v", f.rec.list())
	}
	if o.Phase() != PhaseStopped {
		t.Fatalf("unexpected phase: %s", o.Phase())
	}
}

func TestRunCancellationForwardsInterruptToTarget(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	o := New(config.Args{ExecutablePath: "workload.exe"}, f.deps())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := runWithin(t, o, ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	events := f.rec.list()
	if !slices.Contains(events, "supervisor.signal") || !slices.Contains(events, "channel.teardown") {
		t.Fatalf("expected interrupt forwarding and teardown: %v", events)
	}
	if st := o.Status(); st.TargetExitCode == nil || *st.TargetExitCode != 130 {
		t.Fatalf("unexpected exit code in status: %+v", st)
	}
}

func TestRunChannelInitFailureAborts(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.channel.initErr = fmt.Errorf("%w: no space", shm.ErrChannelInit)
	o := New(config.Args{ExecutablePath: "workload.exe"}, f.deps())

	err := runWithin(t, o, context.Background())
	if !errors.Is(err, shm.ErrChannelInit) {
		t.Fatalf("expected ErrChannelInit, got %v", err)
	}
	if got := f.rec.list(); !slices.Equal(got, []string{"channel.initialize"}) {
		t.Fatalf("unexpected events: %v", got)
	}
	if o.Phase() != PhaseStopped {
		t.Fatalf("unexpected phase: %s", o.Phase())
	}
}

func TestRunSpawnFailureTearsDownChannel(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.supervisor.startErr = fmt.Errorf("%w: missing", target.ErrProcessSpawn)
	o := New(config.Args{ExecutablePath: "missing.exe"}, f.deps())

	err := runWithin(t, o, context.Background())
	if !errors.Is(err, target.ErrProcessSpawn) {
		t.Fatalf("expected ErrProcessSpawn, got %v", err)
	}
	want := []string{"channel.initialize", "supervisor.start", "channel.teardown"}
	if got := f.rec.list(); !slices.Equal(got, want) {
		t.Fatalf("unexpected events:\n got=%v\nwant=%v", got, want)
	}
}

func TestRunDrainingIsBestEffortAndJoinsErrors(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.supervisor.exit <- 0
	teardownErr := errors.New("unlink failed")
	f.channel.teardownErr = teardownErr
	f.worker.joinErr = fmt.Errorf("%w: bad record", agent.ErrWorkerFailure)
	f.host.joinErr = fmt.Errorf("%w: serve", service.ErrServiceHostFailure)
	o := New(config.Args{ExecutablePath: "workload.exe"}, f.deps())

	err := runWithin(t, o, context.Background())
	for _, want := range []error{teardownErr, agent.ErrWorkerFailure, service.ErrServiceHostFailure} {
		if !errors.Is(err, want) {
			t.Fatalf("expected %v in %v", want, err)
		}
	}
	events := f.rec.list()
	if events[len(events)-1] != "host.join" {
		t.Fatalf("host must still be joined: %v", events)
	}
	if o.Phase() != PhaseStopped {
		t.Fatalf("unexpected phase: %s", o.Phase())
	}
}

func TestRunIsSingleUse(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.supervisor.exit <- 0
	o := New(config.Args{ExecutablePath: "workload.exe"}, f.deps())
	if err := runWithin(t, o, context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := o.Run(context.Background()); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("expected ErrLifecycleOrder, got %v", err)
	}
}

func TestTransitionsRejectOutOfOrder(t *testing.T) {
	testlog.Start(t)
	o := New(config.Args{ExecutablePath: "workload.exe"}, Deps{})
	if err := o.draining(); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("expected ErrLifecycleOrder, got %v", err)
	}
	if err := o.channelReady(); err != nil {
		t.Fatalf("channel ready: %v", err)
	}
	if err := o.running(); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("running requires target_started when a target is configured, got %v", err)
	}
	if err := o.targetStarted(); err != nil {
		t.Fatalf("target started: %v", err)
	}
	if err := o.running(); err != nil {
		t.Fatalf("running: %v", err)
	}
	if err := o.stopped(); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("expected ErrLifecycleOrder, got %v", err)
	}
	if o.Phase() != PhaseRunning {
		t.Fatalf("failed transition must not move the phase, got %s", o.Phase())
	}
}
