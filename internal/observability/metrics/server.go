package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "livenudge/internal/runtime/supervisor"
	"livenudge/pkg/logx"
)

const defaultAddr = "127.0.0.1:9464"

// ServerConfig controls the optional /metrics, /healthz and pprof listener.
//
// A non-loopback Addr needs Token or AllowInsecure.
type ServerConfig struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// HealthFunc reports nil while the process is healthy.
type HealthFunc func() error

type Server struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    ServerConfig
	m      *Metrics
	health HealthFunc

	sup  *rtsup.Supervisor
	srv  *http.Server
	addr string
}

func NewServer(cfg ServerConfig, m *Metrics, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, m: m, health: health, log: log.With(logx.String("comp", "metrics"))}
}

// Addr returns the bound listener address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure starts, stops or restarts the listener to match cfg.
func (s *Server) Reconfigure(ctx context.Context, cfg ServerConfig) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	sup := rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv, s.addr = nil, nil, ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	_ = sup.Wait(ctx)
	s.log.Info("metrics server stopped")
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("metrics server refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return errors.New("metrics: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:      s.handler(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("metrics server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cur.Pprof), logx.Bool("token_set", cur.Token != ""))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.addr = nil, ""
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("metrics server exited unexpectedly")
	}
	return err
}

func (s *Server) handler(cur ServerConfig) http.Handler {
	wrap := func(h http.Handler) http.Handler { return withAuth(cur.Token, h) }
	mux := http.NewServeMux()
	mux.Handle("/metrics", wrap(promhttp.HandlerFor(s.m.Registry, promhttp.HandlerOpts{Registry: s.m.Registry})))
	mux.Handle("/healthz", wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.health != nil {
			if err := s.health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})))
	if cur.Pprof {
		mux.Handle("/debug/pprof/", wrap(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", wrap(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(v)
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
