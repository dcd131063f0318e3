package monitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"autoelect/internal/eventbus"
	rtsup "autoelect/internal/runtime/supervisor"
	"autoelect/internal/storage"
	logx "autoelect/pkg/logx"
)

const defaultAddr = "127.0.0.1:7070"

var errInsecureBind = errors.New("refusing insecure bind: non-loopback addr needs a token or allow_insecure")

// Config controls the status server. A non-loopback Addr requires Token unless
// AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Sources are the read-only views the server exposes. Any of them may be nil.
type Sources struct {
	Status  func() any
	History func(ctx context.Context, limit int) ([]storage.AttemptEntry, error) // newest first
	Health  func() error
	Metrics http.Handler
	Bus     eventbus.Bus
}

// Service runs the HTTP server under its own supervisor, so a failing listener is
// retried with backoff and never stops registration.
type Service struct {
	log logx.Logger
	src Sources

	mu    sync.Mutex
	cfg   Config
	sup   *rtsup.Supervisor
	addr  string // bound address while serving
	ready chan struct{}
	once  sync.Once
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		src:   src,
		log:   log.With(logx.String("comp", "monitor")),
		ready: make(chan struct{}),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready is closed the first time the server accepts connections.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Start serves until Stop or ctx ends. Calling it while running is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("monitor.http", s.serve,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down, waiting at most until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("monitor stopped")
}

// Reconfigure applies cfg, restarting the server only when something changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	changed := s.cfg != cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (changed || !cfg.Enabled) {
		s.Stop(ctx)
	}
	if cfg.Enabled {
		s.Start(ctx)
	}
}

// serve runs one listener lifetime. It returns nil once ctx ends.
func (s *Service) serve(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("monitor not started", logx.String("addr", addr), logx.Err(errInsecureBind))
			return errInsecureBind
		}
		s.log.Warn("monitor serving without a token on a public address", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.handler(ctx, cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.addr = ""
		s.mu.Unlock()
	}()
	s.once.Do(func() { close(s.ready) })
	s.log.Info("monitor listening",
		logx.String("url", "http://"+ln.Addr().String()+"/status"),
		logx.Bool("token", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
	)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
		<-errc
		return nil
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
