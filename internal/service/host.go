package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/agentd/internal/modelsdb"
	"github.com/danmuck/agentd/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrServiceHostFailure = errors.New("service: host failure")
	ErrAlreadyStarted     = errors.New("service: host already started")
	ErrNotStarted         = errors.New("service: host not started")
)

const DefaultAddr = "127.0.0.1:5000"

// Config is the local control endpoint configuration.
type Config struct {
	Addr        string
	CorsOrigins []string
	// ShutdownGrace bounds how long Cancel waits for in-flight requests. Zero waits until they finish.
	ShutdownGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:        DefaultAddr,
		CorsOrigins: []string{"http://localhost:3000"},
	}
}

// StatusFunc returns the snapshot served at /status.
type StatusFunc func() any

// Host serves the agent's control endpoint over HTTP/2 cleartext with an HTTP/1.1 fallback.
type Host struct {
	cfg      Config
	status   StatusFunc
	factory  *modelsdb.OptimizerFactory
	router   *gin.Engine
	appeared time.Time

	mu        sync.Mutex
	started   bool
	addr      net.Addr
	err       error
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

func NewHost(cfg Config, status StatusFunc, factory *modelsdb.OptimizerFactory) *Host {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.Instrument(log.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	h := &Host{
		cfg:      cfg,
		status:   status,
		factory:  factory,
		router:   r,
		appeared: time.Now(),
		done:     make(chan struct{}),
	}
	h.registerRoutes()
	return h
}

// Start binds the listener and serves in the background. It does not block;
// bind and serve failures are reported by Join.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	h.started = true
	hostCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	if h.cancelled {
		cancel()
	}
	h.mu.Unlock()

	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		cancel()
		h.finish(fmt.Errorf("%w: listen %s: %v", ErrServiceHostFailure, h.cfg.Addr, err))
		return nil
	}
	h.mu.Lock()
	h.addr = ln.Addr()
	h.mu.Unlock()

	// Prior-knowledge HTTP/2 stays on connections the server tracks, so Shutdown
	// waits for in-flight streams as well as HTTP/1.1 requests.
	protocols := new(http.Protocols)
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	srv := &http.Server{
		Handler:           h.router,
		Protocols:         protocols,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("service.host listening")

	g, gctx := errgroup.WithContext(hostCtx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx := context.Background()
		if h.cfg.ShutdownGrace > 0 {
			var stop context.CancelFunc
			shutdownCtx, stop = context.WithTimeout(shutdownCtx, h.cfg.ShutdownGrace)
			defer stop()
		}
		return srv.Shutdown(shutdownCtx)
	})

	go func() {
		err := g.Wait()
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrServiceHostFailure, err)
		}
		h.finish(err)
	}()
	return nil
}

func (h *Host) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("service.host stopped")
	} else {
		log.Info().Msg("service.host stopped")
	}
	close(h.done)
}

// Cancel asks the host to stop accepting connections. Only the first call has an effect;
// a Cancel before Start makes the host stop as soon as it starts.
func (h *Host) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	h.cancelled = true
	if h.cancel != nil {
		log.Debug().Msg("service.host cancel requested")
		h.cancel()
	}
}

// Join blocks until the host has fully stopped.
func (h *Host) Join() error {
	h.mu.Lock()
	started := h.started
	h.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Addr is the bound listener address, or nil before a successful Start.
func (h *Host) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

func (h *Host) Done() <-chan struct{} {
	return h.done
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return DefaultConfig().CorsOrigins
	}
	return origins
}
