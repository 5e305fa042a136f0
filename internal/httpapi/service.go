// Package httpapi serves health, metrics and panel control over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "qlbridge/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8765"

// Config controls the API server.
//
// A non-loopback Addr requires Token or AllowInsecure.
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

type Service struct {
	backend  Backend
	gatherer prometheus.Gatherer
	log      logx.Logger

	mu       sync.Mutex
	cfg      Config
	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

// New creates a stopped service. gatherer may be nil to disable /metrics.
func New(cfg Config, backend Backend, gatherer prometheus.Gatherer, log logx.Logger) *Service {
	return &Service{
		cfg:      cfg,
		backend:  backend,
		gatherer: gatherer,
		log:      log.With(logx.String("comp", "httpapi")),
	}
}

// Addr reports the listen address while running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg, starting, stopping or restarting the server as
// needed. Safe during hot reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
		return nil
	case !running:
		return s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		return s.Start(ctx)
	}
	return nil
}

// Start listens on the configured address. It is a no-op when disabled or
// already running.
func (s *Service) Start(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.srv != nil {
			s.mu.Unlock()
			return nil
		}
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		cur := s.cfg
		s.mu.Unlock()

		if !cur.Enabled {
			return nil
		}
		addr := strings.TrimSpace(cur.Addr)
		if addr == "" {
			addr = DefaultAddr
		}
		if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
			return errors.New("refusing non-loopback http.addr without token or allow_insecure")
		}
		if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
			s.log.Warn("api running without token on non-loopback addr (insecure)", logx.String("addr", addr))
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		srv := &http.Server{
			Handler:           s.handler(cur),
			ReadTimeout:       cur.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cur.WriteTimeout,
			IdleTimeout:       cur.IdleTimeout,
		}

		s.mu.Lock()
		s.ln = ln
		s.srv = srv
		s.mu.Unlock()

		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("api server stopped with error", logx.Err(err))
			}
		}()
		s.log.Info("api started",
			logx.String("addr", ln.Addr().String()),
			logx.Bool("token_set", cur.Token != ""),
			logx.Bool("pprof", cur.Pprof),
		)
		return nil
	}
}

// Stop shuts the server down, waiting at most until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = srv.Shutdown(context.WithoutCancel(ctx))
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("api stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (s *Service) handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	// Liveness stays unauthenticated for service managers and probes.
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if s.gatherer != nil {
		mux.Handle("GET /metrics", auth(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	}

	api := &api{backend: s.backend, log: s.log}
	mux.HandleFunc("GET /api/panels", auth(api.listPanels))
	mux.HandleFunc("GET /api/panels/{id}", auth(api.getPanel))
	mux.HandleFunc("GET /api/panels/{id}/runs", auth(api.listRuns))
	mux.HandleFunc("POST /api/panels/{id}/tasks/{taskID}/run", auth(api.runTask))
	mux.HandleFunc("POST /api/panels/{id}/select", auth(api.selectOption))
	mux.HandleFunc("POST /api/panels/{id}/rerun", auth(api.rerun))

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", auth(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", auth(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", auth(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", auth(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", auth(hpprof.Trace))
	}
	return mux
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
