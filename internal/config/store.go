package config

import (
	"maps"
	"sync"

	"github.com/danmuck/meshctl/internal/logging"
	"github.com/rs/zerolog/log"
)

// ApplicationSource renders the registry for snapshots and persistence.
type ApplicationSource interface {
	SerializeVisible(principal string, includeUnpersisted bool) []map[string]any
}

// ClusterHook is told when a reload replaced the consul settings. It is
// never called with the store lock held.
type ClusterHook interface {
	ConsulChanged(ConsulSettings)
}

type ClusterHookFunc func(ConsulSettings)

func (f ClusterHookFunc) ConsulChanged(c ConsulSettings) { f(c) }

type StoreOptions struct {
	// Path is where Persist writes. Empty disables persistence.
	Path    string
	Env     Environment
	Version string
	Hook    ClusterHook
}

// Store owns the live GlobalConfig. The pointer it holds is never swapped;
// hot reload mutates fields in place.
type Store struct {
	mu  sync.RWMutex
	cfg *GlobalConfig

	path    string
	env     Environment
	version string
	hook    ClusterHook
	apps    ApplicationSource

	persistMu sync.Mutex
	onPersist func()
}

func NewStore(cfg *GlobalConfig, opts StoreOptions) *Store {
	if cfg == nil {
		cfg = defaultGlobalConfig()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Store{
		cfg:     cfg,
		path:    opts.Path,
		env:     opts.Env.withDefaults(),
		version: opts.Version,
		hook:    opts.Hook,
	}
}

// AttachApplications must be called before the store is shared.
func (s *Store) AttachApplications(src ApplicationSource) {
	s.apps = src
}

// OnPersist registers a callback run after each successful write.
func (s *Store) OnPersist(fn func()) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.onPersist = fn
}

func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a JSON-shaped view of the global fields merged with the
// applications visible to principal. The registry is read before the store
// lock is taken.
func (s *Store) Snapshot(principal string, includeUnpersisted bool) map[string]any {
	apps := []map[string]any{}
	if s.apps != nil {
		apps = s.apps.SerializeVisible(principal, includeUnpersisted)
	}

	s.mu.RLock()
	out := s.cfg.render()
	s.mu.RUnlock()

	list := make([]any, 0, len(apps))
	for _, app := range apps {
		list = append(list, app)
	}
	out["applications"] = list
	out["version"] = s.version
	return out
}

// HotReload validates data as a complete document, then copies only the
// present keys into the live config. Nothing is changed when validation fails.
func (s *Store) HotReload(data []byte) error {
	_, doc, err := Load(data, false, s.env)
	if err != nil {
		log.Error().Err(err).Msg("hot reload rejected")
		return err
	}

	s.mu.Lock()
	res := s.cfg.merge(doc)
	level := s.cfg.LogLevel
	consul := s.cfg.Consul
	s.mu.Unlock()

	if res.logLevelChanged && !logging.SetLevel(level) {
		log.Warn().Str("level", level).Msg("hot reload kept the previous log level")
	}
	if res.consulChanged && s.hook != nil {
		s.hook.ConsulChanged(consul)
	}
	log.Info().Bool("consul_changed", res.consulChanged).Msg("configuration hot reloaded")
	return nil
}

// Config returns a copy of the live config.
func (s *Store) Config() GlobalConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

func (s *Store) ScheduleInterval() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.ScheduleInterval
}

func (s *Store) LogLevel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.LogLevel
}

func (s *Store) DefaultExecUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg.DisableExecUser {
		return ""
	}
	return s.cfg.DefaultExecUser
}

func (s *Store) WorkDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.workDir(s.env.HomeDir)
}

func (s *Store) Rest() RestSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Rest
}

func (s *Store) RestTCPPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Rest.TCPPort
}

func (s *Store) PrometheusEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Rest.Enabled && s.cfg.Rest.PromListenPort > 1024
}

func (s *Store) Consul() ConsulSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Consul
}

func (s *Store) Labels() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.cfg.Labels)
}

func (s *Store) SetLabel(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Labels == nil {
		s.cfg.Labels = map[string]string{}
	}
	s.cfg.Labels[key] = value
}

func (s *Store) DeleteLabel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cfg.Labels[key]; !ok {
		return false
	}
	delete(s.cfg.Labels, key)
	return true
}
