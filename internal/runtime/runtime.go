// Package runtime wires the assessment daemon: telemetry, the bus, the
// event store, the capability registry, the recognizer and the assessor.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-assess/internal/assessor"
	"github.com/loqalabs/loqa-assess/internal/bus"
	"github.com/loqalabs/loqa-assess/internal/capability"
	"github.com/loqalabs/loqa-assess/internal/config"
	"github.com/loqalabs/loqa-assess/internal/eventstore"
	"github.com/loqalabs/loqa-assess/internal/natsserver"
	"github.com/loqalabs/loqa-assess/internal/protocol"
	"github.com/loqalabs/loqa-assess/internal/stt"
	"golang.org/x/sync/errgroup"
)

const (
	reportStream  = "ASSESS_REPORTS"
	pruneInterval = time.Hour
)

// Option customizes a Runtime.
type Option func(*Runtime)

// WithTraceWriter sends stdout-exported spans to w.
func WithTraceWriter(w io.Writer) Option {
	return func(r *Runtime) { r.traceOut = w }
}

type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	traceOut io.Writer
	ready    atomic.Bool
	started  chan struct{}

	mu     sync.RWMutex
	addr   string
	busURL string

	bus      *bus.Client
	store    *eventstore.Store
	registry *capability.Registry
	stt      *stt.Service
	assessor *assessor.Service
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Started is closed once every component is up and the HTTP listener is
// bound.
func (r *Runtime) Started() <-chan struct{} {
	return r.started
}

// Addr is the bound HTTP address.
func (r *Runtime) Addr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.addr
}

// BusURL is the NATS URL the runtime connected to.
func (r *Runtime) BusURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.busURL
}

// Start runs the runtime until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.traceOut, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if shutdownErr := tel.Shutdown(shutdownCtx); shutdownErr != nil {
			r.logger.Error("telemetry shutdown error", slogError(shutdownErr))
		}
	}()

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if embedded != nil {
		defer embedded.Shutdown()
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}
	defer r.bus.Close()
	r.mu.Lock()
	r.busURL = r.bus.Conn().ConnectedUrl()
	r.mu.Unlock()

	if r.cfg.Assessment.PersistReports && r.cfg.EventStore.RetentionMode != "ephemeral" {
		maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
		if err := r.bus.EnsureStream(reportStream, []string{protocol.SubjectReport}, maxAge); err != nil {
			r.logger.Warn("report stream unavailable", slogError(err))
		}
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer r.store.Close()

	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, r.bus, r.logger,
		capability.WithAttributes(r.capabilityAttributes()))
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	defer r.registry.Close()

	if r.cfg.STT.Enabled {
		recognizer, err := stt.NewRecognizer(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("create recognizer: %w", err)
		}
		r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, recognizer)
		if err := r.stt.Start(); err != nil {
			return fmt.Errorf("start stt service: %w", err)
		}
		defer r.stt.Close()
	}

	if r.cfg.Assessment.Enabled {
		r.assessor, err = assessor.NewService(ctx, r.cfg.Assessment, r.bus, r.store, r.logger,
			assessor.WithLanguage(r.cfg.STT.Language))
		if err != nil {
			return fmt.Errorf("create assessor: %w", err)
		}
		if err := r.assessor.Start(); err != nil {
			return fmt.Errorf("start assessor: %w", err)
		}
		defer r.assessor.Close()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/capabilities", r.handleCapabilities)
	if tel.metrics != nil {
		mux.Handle("/metrics", tel.metrics)
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.mu.Lock()
	r.addr = listener.Addr().String()
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.runPrune(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	})

	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started",
		slog.String("addr", r.Addr()),
		slog.String("bus", r.BusURL()),
		slog.String("stt_mode", r.cfg.STT.Mode))

	return g.Wait()
}

// capabilityAttributes describes what this node can do.
func (r *Runtime) capabilityAttributes() map[string]string {
	recognizer := "none"
	if r.cfg.STT.Enabled {
		recognizer = r.cfg.STT.Mode
	}
	return map[string]string{
		"granularities":       "phoneme,word,text",
		"default_granularity": r.cfg.Assessment.DefaultGranularity,
		"miscue":              strconv.FormatBool(r.cfg.Assessment.DefaultMiscue),
		"phoneme_alphabet":    r.cfg.Assessment.PhonemeAlphabet,
		"recognizer":          recognizer,
		"language":            r.cfg.STT.Language,
	}
}

func (r *Runtime) runPrune(ctx context.Context) {
	if !r.store.Enabled() {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

// healthy reports the state of every running component.
func (r *Runtime) healthy() error {
	var errs []error
	if r.bus == nil || !r.bus.Healthy() {
		errs = append(errs, errors.New("bus disconnected"))
	}
	if r.registry != nil && !r.registry.Healthy() {
		errs = append(errs, errors.New("node heartbeat stale"))
	}
	if r.stt != nil && !r.stt.Healthy() {
		errs = append(errs, errors.New("stt service unhealthy"))
	}
	if r.assessor != nil && !r.assessor.Healthy() {
		errs = append(errs, errors.New("assessor unhealthy"))
	}
	return errors.Join(errs...)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if err := r.healthy(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type capabilitiesResponse struct {
	NodeID    string                  `json:"node_id"`
	Local     []capability.Capability `json:"local"`
	Assessors []capability.NodeInfo   `json:"assessors"`
}

// handleCapabilities lists what this node advertises and every healthy
// assessor it has discovered on the bus.
func (r *Runtime) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	if r.registry == nil {
		http.Error(w, "capability registry not running", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(capabilitiesResponse{
		NodeID:    r.cfg.Node.ID,
		Local:     r.registry.LocalCapabilities(),
		Assessors: r.registry.Assessors(),
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
