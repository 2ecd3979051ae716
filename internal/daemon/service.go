// Package daemon wires the meshd components into one owned object. Nothing
// here is global; tests build as many services as they like.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/control"
	"github.com/danmuck/meshctl/internal/logging"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/danmuck/meshctl/internal/registry"
	"github.com/danmuck/meshctl/internal/security"
	"github.com/rs/zerolog/log"
)

type Options struct {
	DocumentPath string
	// SecurityPath is the local user directory. Empty means no groups.
	SecurityPath string
	// ControlAddr overrides 127.0.0.1:<rest.tcpPort>.
	ControlAddr    string
	ReloadInterval time.Duration
	WriteTimeout   time.Duration
	Version        string
	Env            config.Environment
	Supervisor     registry.Supervisor
}

// Service is the daemon context. New builds the logging level, security
// directory, store, registry and control server in that order; Serve tears
// them down in reverse.
type Service struct {
	opts Options

	directory *security.Directory
	store     *config.Store
	registry  *registry.Registry
	reloads   *config.ReloadSource
	control   *control.Server
}

func New(opts Options) (*Service, error) {
	if strings.TrimSpace(opts.DocumentPath) == "" {
		return nil, fmt.Errorf("daemon: document path is required")
	}
	data, err := os.ReadFile(opts.DocumentPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: read document: %w", err)
	}
	cfg, doc, err := config.Load(data, true, opts.Env)
	if err != nil {
		return nil, fmt.Errorf("daemon: load %s: %w", opts.DocumentPath, err)
	}
	if !logging.SetLevel(cfg.LogLevel) {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown logLevel, keeping current level")
	}

	s := &Service{opts: opts}

	s.directory = security.NewDirectory(nil)
	if opts.SecurityPath != "" {
		if s.directory, err = security.LoadDirectory(opts.SecurityPath); err != nil {
			return nil, fmt.Errorf("daemon: security directory: %w", err)
		}
	}

	s.store = config.NewStore(cfg, config.StoreOptions{
		Path:    opts.DocumentPath,
		Env:     opts.Env,
		Version: opts.Version,
		Hook:    config.ClusterHookFunc(s.consulChanged),
	})

	s.registry = registry.New(opts.Supervisor, s.store, s.directory)
	s.store.AttachApplications(s.registry)
	if err := s.registry.Load(doc.Applications); err != nil {
		return nil, fmt.Errorf("daemon: recover applications: %w", err)
	}

	s.reloads = config.NewReloadSource(opts.DocumentPath, opts.ReloadInterval)
	s.store.OnPersist(s.reloads.Sync)

	addr := opts.ControlAddr
	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", s.store.RestTCPPort())
	}
	s.control = control.NewServer(control.NewAPI(s.store, s.registry).Handler(), control.Config{
		Addr:         addr,
		WriteTimeout: opts.WriteTimeout,
	})

	log.Info().
		Str("document", s.store.Path()).
		Str("exec_user", s.store.DefaultExecUser()).
		Str("work_dir", s.store.WorkDir()).
		Bool("consul", s.store.Consul().Enabled()).
		Int("applications", s.registry.Len()).
		Int("users", len(s.directory.Users())).
		Str("control", addr).
		Msg("daemon initialized")
	return s, nil
}

func (s *Service) Store() *config.Store {
	return s.store
}

func (s *Service) Registry() *registry.Registry {
	return s.registry
}

func (s *Service) Reloads() *config.ReloadSource {
	return s.reloads
}

// Run listens on the control address and serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ln, err := s.control.Listen()
	if err != nil {
		return fmt.Errorf("daemon: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the control server on ln and handles reload events on the
// calling goroutine, one at a time.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		s.reloads.Run(ctx)
	}()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.control.Serve(ctx, ln)
	}()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = <-serveErr
			break loop
		case err = <-serveErr:
			break loop
		case ev := <-s.reloads.Events():
			s.reload(ev)
		}
	}
	cancel()
	<-watchDone
	log.Info().Msg("daemon stopped")
	return err
}

func (s *Service) reload(ev config.ReloadEvent) {
	data, err := os.ReadFile(s.store.Path())
	if err == nil {
		err = s.store.HotReload(data)
	}
	observability.RecordConfigReload(ev.Reason, err)
	if err != nil {
		log.Error().Err(err).Str("reason", ev.Reason).Msg("configuration reload failed")
		return
	}
	if s.opts.SecurityPath != "" {
		if err := s.directory.Reload(); err != nil {
			log.Error().Err(err).Str("path", s.opts.SecurityPath).Msg("security directory reload failed")
		}
	}
	log.Info().Str("reason", ev.Reason).Msg("configuration reloaded")
}

func (s *Service) consulChanged(c config.ConsulSettings) {
	log.Info().
		Bool("enabled", c.Enabled()).
		Bool("master", c.IsMaster).
		Bool("worker", c.IsWorker).
		Bool("security", c.SecurityEnabled()).
		Str("url", c.AppmeshURL()).
		Msg("consul settings changed")
}
