// Package frontend is the public HTTP server. Every /appmesh request is
// forwarded to the daemon over one bridge connection that a supervisor
// keeps dialed.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/meshctl/internal/bridge"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const nodeName = "meshrest"

type Config struct {
	ListenAddr string
	DaemonAddr string
	// PrincipalHeader carries the user name set by the trusted proxy in
	// front of this server. Requests without it are rejected.
	PrincipalHeader string
	// Token, when set, is the bearer token the proxy must present on
	// /appmesh requests. Without one the server only listens on loopback.
	Token       string
	CORSOrigins []string
	Metrics     bool
	Session     session.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:6060",
		DaemonAddr:      "127.0.0.1:6059",
		PrincipalHeader: "X-Appmesh-User",
		Metrics:         true,
		Session:         session.DefaultConfig(),
	}
}

// Validate refuses a tokenless server on a non-loopback address: anyone who
// can reach it could name any principal in the header.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Token) != "" {
		return nil
	}
	if !isLoopback(c.ListenAddr) {
		return fmt.Errorf("frontend: listen address %q is not loopback and no proxy token is set", c.ListenAddr)
	}
	return nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Service owns the router and the current bridge. A nil bridge means the
// daemon is unreachable and forwarded calls answer 503.
type Service struct {
	cfg      Config
	router   *gin.Engine
	current  atomic.Pointer[bridge.Bridge]
	appeared time.Time
}

func New(cfg Config) *Service {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.DaemonAddr) == "" {
		cfg.DaemonAddr = def.DaemonAddr
	}
	if strings.TrimSpace(cfg.PrincipalHeader) == "" {
		cfg.PrincipalHeader = def.PrincipalHeader
	}
	if cfg.Session.CallTimeout <= 0 {
		cfg.Session = def.Session
	}

	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, nodeName))
	r.Use(observability.RequestMetricsMiddleware(nodeName))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", cfg.PrincipalHeader},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Service{
		cfg:      cfg,
		router:   r,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Service) Handler() http.Handler {
	return s.router
}

// Connected reports whether a bridge to the daemon is live.
func (s *Service) Connected() bool {
	return s.current.Load() != nil
}

// Run serves HTTP on the configured address and supervises the bridge until
// ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.Supervise(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Str("daemon", s.cfg.DaemonAddr).Msg("front-end listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Supervise dials the daemon and runs the bridge receive loop. When the
// connection breaks the bridge is dropped and redialed with backoff.
func (s *Service) Supervise(ctx context.Context) {
	pace := newRedial(s.cfg.Session.Backoff, time.Now().UnixNano())
	for ctx.Err() == nil {
		b, err := bridge.Dial(ctx, s.cfg.DaemonAddr, s.cfg.Session)
		if err != nil {
			log.Warn().Err(err).Int("attempt", pace.attempt+1).Msg("daemon dial failed")
			if pace.wait(ctx) != nil {
				return
			}
			continue
		}

		pace.reset()
		s.current.Store(b)
		err = b.Run(ctx)
		s.current.CompareAndSwap(b, nil)
		_ = b.Close()
		if ctx.Err() != nil {
			return
		}

		log.Warn().Err(err).Msg("daemon bridge lost, redialing")
		if pace.wait(ctx) != nil {
			return
		}
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
