// Package observability serves Prometheus metrics, a health report and,
// optionally, net/http/pprof over HTTP.
package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "remindbot/internal/runtime/supervisor"
	logx "remindbot/pkg/logx"
)

const defaultAddr = "127.0.0.1:9464"

// Config controls the HTTP server.
//
// Non-loopback addresses require Token; requests then need
// "Authorization: Bearer <token>" or "?token=<token>". /healthz stays open.
type Config struct {
	Enabled bool
	Addr    string
	Pprof   bool
	Token   string
}

// HealthFunc returns the health report and whether the process is healthy.
type HealthFunc func() (report any, ok bool)

type Server struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	gatherer prometheus.Gatherer
	health   HealthFunc

	srv  *http.Server
	addr string
	sup  *rtsup.Supervisor
}

func New(cfg Config, gatherer prometheus.Gatherer, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{cfg: cfg, gatherer: gatherer, health: health, log: log}
}

// Supervisor returns the serve loop's supervisor (nil if not started).
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr is the bound listen address once serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler builds the router. It is exported for tests.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", s.serveHealth)
	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		if cfg.Pprof {
			r.HandleFunc("/debug/pprof/", hpprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
			r.Handle("/debug/pprof/{profile}", http.HandlerFunc(hpprof.Index))
		}
	})
	return r
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	var (
		report any = map[string]string{"status": "ok"}
		ok         = true
	)
	if s.health != nil {
		report, ok = s.health()
	}
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Start binds the listener and serves under a restart loop. It returns the
// bind error directly so misconfiguration surfaces at startup.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		return errors.New("metrics: non-loopback addr requires a token")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "observability.supervisor"))),
		// Observability is optional; never take the bot down with it.
		rtsup.WithCancelOnError(false),
	)
	s.mu.Lock()
	s.sup = sup
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	first := ln
	sup.GoRestart("http.serve", func(c context.Context) error {
		l := first
		first = nil
		if l == nil {
			var err error
			if l, err = net.Listen("tcp", addr); err != nil {
				return err
			}
			s.mu.Lock()
			s.addr = l.Addr().String()
			s.mu.Unlock()
		}
		return s.serve(c, l)
	},
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	s.log.Info("metrics server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof))
	return nil
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	err := srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("metrics server exited unexpectedly")
	}
	return err
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv, s.addr = nil, nil, ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	// Cancel first so serve reports a clean exit instead of a restart.
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	_ = sup.Wait(ctx)
	s.log.Info("metrics server stopped")
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
