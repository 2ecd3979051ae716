package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/meshctl/internal/errs"
	"github.com/danmuck/meshctl/internal/logging"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

type staticApps struct {
	mu   sync.Mutex
	apps []map[string]any
}

func (s *staticApps) SerializeVisible(principal string, includeUnpersisted bool) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.apps))
	for _, a := range s.apps {
		if a["persist"] == false && !includeUnpersisted {
			continue
		}
		out = append(out, a)
	}
	return out
}

const fullDocument = `{
	"description": "edge node",
	"defaultExecUser": "root",
	"disableExecUser": false,
	"workingDirectory": "/tmp/work",
	"scheduleIntervalSeconds": 5,
	"logLevel": "DEBUG",
	"rest": {
		"enabled": true,
		"listenPort": 7000,
		"listenAddress": "0.0.0.0",
		"tcpPort": 7001,
		"httpThreadPoolSize": 8,
		"prometheusExporterListenPort": 7002,
		"ssl": {"verifyPeer": false},
		"jwt": {"salt": "pepper", "securityInterface": "local"}
	},
	"labels": {"zone": "east"},
	"consul": {"url": "http://consul:8500", "isWorker": true, "sessionTtlSeconds": 10}
}`

func newTestStore(t *testing.T, doc string, opts StoreOptions) *Store {
	t.Helper()
	env := testEnv(fakeHost{})
	cfg, _, err := Load([]byte(doc), false, env)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	opts.Env = env
	return NewStore(cfg, opts)
}

func TestHotReloadCopiesOnlyPresentFields(t *testing.T) {
	testlog.Start(t)
	s := newTestStore(t, fullDocument, StoreOptions{})
	if err := s.HotReload([]byte(`{"description":"renamed","rest":{"ssl":{"verifyPeer":true}}}`)); err != nil {
		t.Fatalf("hot reload: %v", err)
	}
	cfg := s.Config()
	if cfg.Description != "renamed" {
		t.Fatalf("description got=%q", cfg.Description)
	}
	if !cfg.Rest.SSL.VerifyPeer {
		t.Fatalf("nested ssl field not applied")
	}
	if cfg.ScheduleInterval != 5 || cfg.Rest.ListenPort != 7000 || cfg.Rest.JWT.Salt != "pepper" {
		t.Fatalf("absent fields must be untouched: %+v", cfg)
	}
	if cfg.Labels["zone"] != "east" || cfg.Consul.URL != "http://consul:8500" {
		t.Fatalf("labels/consul must be untouched: %+v", cfg)
	}
}

func TestHotReloadValidatesBeforeMutating(t *testing.T) {
	testlog.Start(t)
	s := newTestStore(t, fullDocument, StoreOptions{})
	err := s.HotReload([]byte(`{"description":"changed","consul":{"url":"not a url"}}`))
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := s.Config().Description; got != "edge node" {
		t.Fatalf("failed reload mutated description: %q", got)
	}
	if err := s.HotReload([]byte(`{"description":`)); !errors.Is(err, errs.ErrParse) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestHotReloadReplacesLabelsAndConsulWholesale(t *testing.T) {
	testlog.Start(t)
	var (
		calls int
		seen  ConsulSettings
	)
	var s *Store
	s = newTestStore(t, fullDocument, StoreOptions{Hook: ClusterHookFunc(func(c ConsulSettings) {
		calls++
		// Reading back through the store proves the lock was released.
		seen = s.Consul()
	})})
	if err := s.HotReload([]byte(`{"labels":{"rack":"r1"},"consul":{"isMaster":true}}`)); err != nil {
		t.Fatalf("hot reload: %v", err)
	}
	cfg := s.Config()
	if diff := cmp.Diff(map[string]string{"rack": "r1", LabelHostName: "node1"}, cfg.Labels); diff != "" {
		t.Fatalf("labels mismatch (-want +got):\n%s", diff)
	}
	if cfg.Consul.URL != "" || cfg.Consul.IsWorker || !cfg.Consul.IsMaster || cfg.Consul.SessionTTL != DefaultConsulTTL {
		t.Fatalf("consul must be swapped wholesale: %+v", cfg.Consul)
	}
	if calls != 1 || !seen.IsMaster {
		t.Fatalf("cluster hook calls=%d seen=%+v", calls, seen)
	}

	if err := s.HotReload([]byte(`{"description":"x"}`)); err != nil {
		t.Fatalf("hot reload: %v", err)
	}
	if calls != 1 {
		t.Fatalf("hook must only fire when consul is present, calls=%d", calls)
	}
}

func TestHotReloadLogLevel(t *testing.T) {
	testlog.Start(t)
	prev := logging.Level()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	s := newTestStore(t, fullDocument, StoreOptions{})
	if err := s.HotReload([]byte(`{"logLevel":"warn"}`)); err != nil {
		t.Fatalf("hot reload: %v", err)
	}
	if s.LogLevel() != "WARN" {
		t.Fatalf("log level got=%q", s.LogLevel())
	}
	if logging.Level() != zerolog.WarnLevel {
		t.Fatalf("logging not reconfigured: %v", logging.Level())
	}
}

func TestHotReloadUnknownLogLevelKeepsCurrent(t *testing.T) {
	testlog.Start(t)
	prev := logging.Level()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	s := newTestStore(t, fullDocument, StoreOptions{})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if err := s.HotReload([]byte(`{"logLevel":"chatty","description":"still applied"}`)); err != nil {
		t.Fatalf("hot reload: %v", err)
	}
	if s.LogLevel() != "DEBUG" {
		t.Fatalf("unknown level replaced the configured one: %q", s.LogLevel())
	}
	if logging.Level() != zerolog.InfoLevel {
		t.Fatalf("unknown level changed logging: %v", logging.Level())
	}
	if s.Config().Description != "still applied" {
		t.Fatalf("other fields must still apply, description=%q", s.Config().Description)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	testlog.Start(t)
	apps := &staticApps{apps: []map[string]any{
		{"name": "web", "owner": "mesh", "owner_permission": 11, "status": 1},
	}}
	env := testEnv(fakeHost{})
	orig, _, err := Load([]byte(fullDocument), false, env)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := NewStore(orig, StoreOptions{Env: env, Version: "1.2.3"})
	s.AttachApplications(apps)

	snap := s.Snapshot("", false)
	if snap["version"] != "1.2.3" {
		t.Fatalf("snapshot version got=%v", snap["version"])
	}
	if list, ok := snap["applications"].([]any); !ok || len(list) != 1 {
		t.Fatalf("snapshot applications got=%v", snap["applications"])
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, doc, err := Load(data, false, env)
	if err != nil {
		t.Fatalf("reload snapshot: %v", err)
	}
	if diff := cmp.Diff(s.Config(), *again); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if len(doc.Applications) != 1 {
		t.Fatalf("applications lost in round trip: %d", len(doc.Applications))
	}
}

func TestSnapshotFiltersUnpersisted(t *testing.T) {
	testlog.Start(t)
	s := newTestStore(t, `{}`, StoreOptions{})
	s.AttachApplications(&staticApps{apps: []map[string]any{
		{"name": "a"},
		{"name": "tmp", "persist": false},
	}})
	if got := len(s.Snapshot("", false)["applications"].([]any)); got != 1 {
		t.Fatalf("persisted-only snapshot got %d apps", got)
	}
	if got := len(s.Snapshot("", true)["applications"].([]any)); got != 2 {
		t.Fatalf("full snapshot got %d apps", got)
	}
}

func TestPersistAtomicRename(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	persisted := 0
	s := newTestStore(t, fullDocument, StoreOptions{Path: path})
	s.OnPersist(func() { persisted++ })

	if err := s.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := s.Persist(); err != nil {
		t.Fatalf("second persist: %v", err)
	}
	if persisted != 2 {
		t.Fatalf("persist hook calls=%d", persisted)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "config.json" {
		t.Fatalf("temp files left behind: %v", entries)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "\n    \"description\"") {
		t.Fatalf("expected pretty JSON, got:\n%s", data)
	}
	again, _, err := Load(data, false, testEnv(fakeHost{}))
	if err != nil {
		t.Fatalf("reload persisted file: %v", err)
	}
	if again.Description != "edge node" || again.Rest.ListenPort != 7000 {
		t.Fatalf("persisted state mismatch: %+v", again)
	}
}

func TestPersistKeepsFileMode(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	s := newTestStore(t, fullDocument, StoreOptions{Path: path})
	if err := s.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Fatalf("persisted mode got=%o want=600", got)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestPersistInContainerWritesInPlace(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	env := testEnv(fakeHost{})
	env.InContainer = func() bool { return true }
	cfg, _, err := Load([]byte(fullDocument), false, env)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := NewStore(cfg, StoreOptions{Path: path, Env: env})
	if err := s.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected document at path: %v", err)
	}
}

func TestPersistFailureLeavesNoTempFile(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	// A non-empty directory at the target path makes the rename fail.
	path := filepath.Join(dir, "config.json")
	if err := os.MkdirAll(filepath.Join(path, "keep"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	s := newTestStore(t, fullDocument, StoreOptions{Path: path})
	if err := s.Persist(); err == nil {
		t.Fatalf("expected persist error")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp file left behind: %v", entries)
	}
	if _, err := os.Stat(filepath.Join(path, "keep")); err != nil {
		t.Fatalf("prior content disturbed: %v", err)
	}
}

func TestPersistWithoutPathIsNoop(t *testing.T) {
	testlog.Start(t)
	s := newTestStore(t, `{}`, StoreOptions{})
	if err := s.Persist(); err != nil {
		t.Fatalf("persist without path: %v", err)
	}
}

func TestStoreConcurrentReloadAndPersist(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.json")
	s := newTestStore(t, fullDocument, StoreOptions{Path: path})
	s.AttachApplications(&staticApps{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			if err := s.HotReload([]byte(`{"description":"x","scheduleIntervalSeconds":9}`)); err != nil {
				t.Errorf("hot reload: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := s.Persist(); err != nil {
				t.Errorf("persist: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			_ = s.Snapshot("mesh", true)
			_ = s.ScheduleInterval()
		}()
	}
	wg.Wait()
	if s.ScheduleInterval() != 9 {
		t.Fatalf("interval got=%d", s.ScheduleInterval())
	}
}

func TestLabelsAccessors(t *testing.T) {
	testlog.Start(t)
	s := newTestStore(t, `{}`, StoreOptions{})
	s.SetLabel("zone", "west")
	if s.Labels()["zone"] != "west" {
		t.Fatalf("label not set")
	}
	if !s.DeleteLabel("zone") || s.DeleteLabel("zone") {
		t.Fatalf("delete label semantics broken")
	}
}

func TestPrometheusEnabled(t *testing.T) {
	testlog.Start(t)
	if !newTestStore(t, fullDocument, StoreOptions{}).PrometheusEnabled() {
		t.Fatalf("expected prometheus enabled")
	}
	if newTestStore(t, `{"rest":{"enabled":true,"prometheusExporterListenPort":0}}`, StoreOptions{}).PrometheusEnabled() {
		t.Fatalf("expected prometheus disabled for port 0")
	}
}
