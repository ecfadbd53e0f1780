package shm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/danmuck/agentd/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrChannelInit     = errors.New("shm: channel init failed")
	ErrChannelNotReady = errors.New("shm: channel not ready")
	ErrChannelClosed   = errors.New("shm: channel closed")
	ErrChannelFull     = errors.New("shm: channel full")
	ErrCorruptRecord   = errors.New("shm: corrupt record")
)

// State is the SharedChannelHandle lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateClosed        State = "closed"
)

const (
	segmentMagic   uint32 = 0x53484D52
	segmentVersion uint32 = 1
	controlLen            = 64
	minCapacity           = 4096

	offMagic     = 0
	offVersion   = 4
	offCapacity  = 8
	offWrite     = 16
	offRead      = 24
	offTerminate = 32

	defaultSharedDir = "/dev/shm"
)

// Config configures one named ring segment.
type Config struct {
	Name   string
	Size   int
	Dir    string
	Poll   PollConfig
	Limits frame.Limits
}

// Stats is a point-in-time view of the ring.
type Stats struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	State        State  `json:"state"`
	Capacity     uint64 `json:"capacity"`
	PendingBytes uint64 `json:"pending_bytes"`
	Sent         uint64 `json:"sent"`
	Received     uint64 `json:"received"`
}

// Channel is a handle on the shared ring. The creating handle owns the segment name and
// unlinks it on Teardown; handles from Open only detach.
type Channel struct {
	cfg   Config
	owner bool

	// mu is held for reading around every ring access and for writing by
	// Initialize/Teardown, so the mapping never disappears under a reader.
	mu       sync.RWMutex
	state    State
	path     string
	file     *os.File
	data     []byte
	ring     []byte
	capacity uint64
	closed   chan struct{}

	sent     atomic.Uint64
	received atomic.Uint64
}

// New returns an uninitialized owner handle for cfg.
func New(cfg Config) *Channel {
	return &Channel{
		cfg:    withDefaults(cfg),
		owner:  true,
		state:  StateUninitialized,
		closed: make(chan struct{}),
	}
}

func withDefaults(cfg Config) Config {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Poll.InitialDelay <= 0 {
		cfg.Poll = DefaultPollConfig()
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	return cfg
}

// Initialize creates and maps the segment. A segment that already exists under the
// same name is a collision and fails.
func (c *Channel) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.owner || c.state != StateUninitialized {
		return fmt.Errorf("%w: state=%s", ErrChannelInit, c.state)
	}
	if c.cfg.Name == "" || strings.ContainsAny(c.cfg.Name, `/\`) {
		return fmt.Errorf("%w: invalid name %q", ErrChannelInit, c.cfg.Name)
	}
	if c.cfg.Size < minCapacity || c.cfg.Size&(c.cfg.Size-1) != 0 {
		return fmt.Errorf("%w: size %d must be a power of two >= %d", ErrChannelInit, c.cfg.Size, minCapacity)
	}

	path := filepath.Join(resolveDir(c.cfg.Dir), c.cfg.Name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrChannelInit, path, err)
	}
	total := controlLen + c.cfg.Size
	if err := f.Truncate(int64(total)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("%w: size %s: %w", ErrChannelInit, path, err)
	}
	data, err := mapSegment(f, total)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("%w: map %s: %w", ErrChannelInit, path, err)
	}

	binary.LittleEndian.PutUint32(data[offMagic:], segmentMagic)
	binary.LittleEndian.PutUint32(data[offVersion:], segmentVersion)
	binary.LittleEndian.PutUint64(data[offCapacity:], uint64(c.cfg.Size))

	c.attach(path, f, data, uint64(c.cfg.Size))
	log.Info().Str("channel", c.cfg.Name).Str("path", path).Int("size", c.cfg.Size).Msg("shm.channel ready")
	return nil
}

// Open attaches to an existing segment as the peer side.
func Open(cfg Config) (*Channel, error) {
	cfg = withDefaults(cfg)
	path := filepath.Join(resolveDir(cfg.Dir), cfg.Name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrChannelInit, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat %s: %w", ErrChannelInit, path, err)
	}
	if info.Size() < controlLen+minCapacity {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s too small (%d bytes)", ErrChannelInit, path, info.Size())
	}
	data, err := mapSegment(f, int(info.Size()))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: map %s: %w", ErrChannelInit, path, err)
	}
	capacity := binary.LittleEndian.Uint64(data[offCapacity:])
	if binary.LittleEndian.Uint32(data[offMagic:]) != segmentMagic ||
		binary.LittleEndian.Uint32(data[offVersion:]) != segmentVersion ||
		capacity+controlLen != uint64(info.Size()) {
		_ = unmapSegment(data)
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is not an agentd segment", ErrChannelInit, path)
	}

	c := &Channel{cfg: cfg, state: StateUninitialized, closed: make(chan struct{})}
	c.attach(path, f, data, capacity)
	return c, nil
}

func (c *Channel) attach(path string, f *os.File, data []byte, capacity uint64) {
	c.path = path
	c.file = f
	c.data = data
	c.ring = data[controlLen:]
	c.capacity = capacity
	c.state = StateReady
}

// Teardown terminates the ring, unmaps it and, for the owner, unlinks the name.
// Calling it before Initialize or a second time returns ErrChannelNotReady.
func (c *Channel) Teardown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return fmt.Errorf("%w: state=%s", ErrChannelNotReady, c.state)
	}
	if c.owner {
		atomic.StoreUint32(c.u32(offTerminate), 1)
	}

	var errs []error
	if err := unmapSegment(c.data); err != nil {
		errs = append(errs, fmt.Errorf("unmap: %w", err))
	}
	if err := c.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if c.owner {
		if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("unlink: %w", err))
		}
	}
	c.data = nil
	c.ring = nil
	c.file = nil
	c.state = StateClosed
	close(c.closed)

	log.Info().
		Str("channel", c.cfg.Name).
		Bool("owner", c.owner).
		Uint64("sent", c.sent.Load()).
		Uint64("received", c.received.Load()).
		Msg("shm.channel closed")
	return errors.Join(errs...)
}

// Send appends one record. It never blocks; a record that does not fit returns ErrChannelFull.
func (c *Channel) Send(f frame.Frame) error {
	rec, err := frame.Encode(f, c.cfg.Limits)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.readyLocked(); err != nil {
		return err
	}
	if atomic.LoadUint32(c.u32(offTerminate)) != 0 {
		return ErrChannelClosed
	}
	w := atomic.LoadUint64(c.u64(offWrite))
	r := atomic.LoadUint64(c.u64(offRead))
	if uint64(len(rec)) > c.capacity-(w-r) {
		return fmt.Errorf("%w: need %d bytes, %d free", ErrChannelFull, len(rec), c.capacity-(w-r))
	}
	c.copyIn(w, rec)
	atomic.StoreUint64(c.u64(offWrite), w+uint64(len(rec)))
	c.sent.Add(1)
	return nil
}

// Receive blocks until a record is available, the channel closes, or ctx is done.
func (c *Channel) Receive(ctx context.Context) (frame.Frame, error) {
	attempt := 0
	for {
		f, ok, err := c.tryReceive()
		if err != nil {
			return frame.Frame{}, err
		}
		if ok {
			return f, nil
		}
		attempt++
		timer := time.NewTimer(NextPollDelay(c.cfg.Poll, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return frame.Frame{}, ctx.Err()
		case <-c.closed:
			timer.Stop()
			return frame.Frame{}, ErrChannelClosed
		case <-timer.C:
		}
	}
}

// TryReceive is the non-blocking form of Receive.
func (c *Channel) TryReceive() (frame.Frame, bool, error) {
	return c.tryReceive()
}

func (c *Channel) tryReceive() (frame.Frame, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.readyLocked(); err != nil {
		return frame.Frame{}, false, err
	}
	w := atomic.LoadUint64(c.u64(offWrite))
	r := atomic.LoadUint64(c.u64(offRead))
	if w == r {
		if atomic.LoadUint32(c.u32(offTerminate)) != 0 {
			return frame.Frame{}, false, ErrChannelClosed
		}
		return frame.Frame{}, false, nil
	}
	pending := w - r
	if pending < frame.HeaderLen || pending > c.capacity {
		return frame.Frame{}, false, fmt.Errorf("%w: %d pending bytes", ErrCorruptRecord, pending)
	}
	h, err := frame.DecodeHeader(c.copyOut(r, frame.HeaderLen))
	if err != nil {
		return frame.Frame{}, false, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	total := uint64(frame.HeaderLen) + uint64(h.PayloadLen)
	if total > pending {
		return frame.Frame{}, false, fmt.Errorf("%w: record of %d bytes exceeds %d pending", ErrCorruptRecord, total, pending)
	}
	f, err := frame.Decode(c.copyOut(r, int(total)), c.cfg.Limits)
	if err != nil {
		return frame.Frame{}, false, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	atomic.StoreUint64(c.u64(offRead), r+total)
	c.received.Add(1)
	return f, true, nil
}

func (c *Channel) readyLocked() error {
	switch c.state {
	case StateReady:
		return nil
	case StateClosed:
		return ErrChannelClosed
	default:
		return ErrChannelNotReady
	}
}

func (c *Channel) copyIn(pos uint64, b []byte) {
	off := pos & (c.capacity - 1)
	n := copy(c.ring[off:c.capacity], b)
	copy(c.ring[:len(b)-n], b[n:])
}

func (c *Channel) copyOut(pos uint64, size int) []byte {
	out := make([]byte, size)
	off := pos & (c.capacity - 1)
	n := copy(out, c.ring[off:c.capacity])
	copy(out[n:], c.ring[:size-n])
	return out
}

func (c *Channel) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&c.data[off]))
}

func (c *Channel) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&c.data[off]))
}

// State reports the handle's lifecycle state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) Name() string {
	return c.cfg.Name
}

// Path is the filesystem location backing the segment; empty before Initialize.
func (c *Channel) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

func (c *Channel) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Stats{
		Name:     c.cfg.Name,
		Path:     c.path,
		State:    c.state,
		Capacity: c.capacity,
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
	}
	if c.state == StateReady {
		st.PendingBytes = atomic.LoadUint64(c.u64(offWrite)) - atomic.LoadUint64(c.u64(offRead))
	}
	return st
}

func resolveDir(dir string) string {
	if dir = strings.TrimSpace(dir); dir != "" {
		return dir
	}
	if info, err := os.Stat(defaultSharedDir); err == nil && info.IsDir() {
		return defaultSharedDir
	}
	return os.TempDir()
}
