package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/meshctl/internal/errs"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

type fakeHost struct {
	environ []string
	docker  bool
	users   map[string]bool
}

func testEnv(h fakeHost) Environment {
	return Environment{
		Hostname: func() (string, error) { return "node1", nil },
		LookupUser: func(name string) error {
			if name == "root" || h.users[name] {
				return nil
			}
			return fmt.Errorf("user: unknown user %s", name)
		},
		FileExists: func(path string) bool {
			if path == dockerSocket {
				return h.docker
			}
			return fileExists(path)
		},
		Environ:     func() []string { return h.environ },
		InContainer: func() bool { return false },
		HomeDir:     "/opt/appmesh",
	}
}

func mustLoad(t *testing.T, doc string, env Environment) *GlobalConfig {
	t.Helper()
	cfg, _, err := Load([]byte(doc), true, env)
	if err != nil {
		t.Fatalf("load %s: %v", doc, err)
	}
	return cfg
}

func TestLoadScheduleIntervalDefaulting(t *testing.T) {
	testlog.Start(t)
	cases := map[string]int{
		`{}`:                              DefaultScheduleInterval,
		`{"scheduleIntervalSeconds":0}`:   DefaultScheduleInterval,
		`{"scheduleIntervalSeconds":-3}`:  DefaultScheduleInterval,
		`{"scheduleIntervalSeconds":101}`: DefaultScheduleInterval,
		`{"scheduleIntervalSeconds":1}`:   1,
		`{"scheduleIntervalSeconds":100}`: 100,
		`{"scheduleIntervalSeconds":42}`:  42,
	}
	for doc, want := range cases {
		cfg := mustLoad(t, doc, testEnv(fakeHost{}))
		if cfg.ScheduleInterval != want {
			t.Fatalf("%s: got=%d want=%d", doc, cfg.ScheduleInterval, want)
		}
	}
}

func TestLoadConsulURLValidation(t *testing.T) {
	testlog.Start(t)
	valid := []string{
		"http://consul:8500",
		"https://consul.service.dc1:443",
		"http://127.0.0.1:8500",
		"https://consul",
	}
	for _, url := range valid {
		doc := fmt.Sprintf(`{"consul":{"url":%q}}`, url)
		cfg := mustLoad(t, doc, testEnv(fakeHost{}))
		if cfg.Consul.URL != url || !cfg.Consul.Enabled() {
			t.Fatalf("url %q not applied: %+v", url, cfg.Consul)
		}
	}
	invalid := []string{
		"consul:8500",
		"ftp://consul:21",
		"http://",
		"http://consul:port",
		"http://consul:8500/v1",
	}
	for _, url := range invalid {
		doc := fmt.Sprintf(`{"consul":{"url":%q}}`, url)
		_, _, err := Load([]byte(doc), false, testEnv(fakeHost{}))
		if !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("url %q: expected validation error, got %v", url, err)
		}
		if errs.FieldOf(err) != "consul.url" {
			t.Fatalf("url %q: unexpected field %q", url, errs.FieldOf(err))
		}
	}
}

func TestLoadConsulTTL(t *testing.T) {
	testlog.Start(t)
	cfg := mustLoad(t, `{"consul":{"url":"http://consul:8500"}}`, testEnv(fakeHost{}))
	if cfg.Consul.SessionTTL != DefaultConsulTTL {
		t.Fatalf("default ttl got=%d", cfg.Consul.SessionTTL)
	}
	if cfg.Consul.AppmeshURL() != "https://node1:6060" {
		t.Fatalf("default proxy url got=%q", cfg.Consul.AppmeshURL())
	}
	_, _, err := Load([]byte(`{"consul":{"sessionTtlSeconds":4}}`), false, testEnv(fakeHost{}))
	if !errors.Is(err, errs.ErrValidation) || errs.FieldOf(err) != "consul.sessionTtlSeconds" {
		t.Fatalf("expected ttl validation error, got %v", err)
	}
	cfg = mustLoad(t, `{"rest":{"listenPort":7070},"consul":{"sessionTtlSeconds":5,"proxyUrl":"https://lb:443"}}`, testEnv(fakeHost{}))
	if cfg.Consul.SessionTTL != 5 || cfg.Consul.DefaultProxyURL != "https://node1:7070" || cfg.Consul.AppmeshURL() != "https://lb:443" {
		t.Fatalf("unexpected consul settings: %+v", cfg.Consul)
	}
}

func TestLoadExecUser(t *testing.T) {
	testlog.Start(t)
	cfg := mustLoad(t, `{"defaultExecUser":"mesh"}`, testEnv(fakeHost{users: map[string]bool{"mesh": true}}))
	if cfg.DefaultExecUser != "mesh" {
		t.Fatalf("exec user got=%q", cfg.DefaultExecUser)
	}
	_, _, err := Load([]byte(`{"defaultExecUser":"ghost"}`), false, testEnv(fakeHost{}))
	if !errors.Is(err, errs.ErrValidation) || errs.FieldOf(err) != "defaultExecUser" {
		t.Fatalf("expected exec user validation error, got %v", err)
	}
}

func TestLoadCertificateFiles(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	cert := filepath.Join(dir, "server.pem")
	if err := os.WriteFile(cert, []byte("cert"), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	doc := fmt.Sprintf(`{"rest":{"ssl":{"certificateFile":%q,"certificateKeyFile":""}}}`, cert)
	cfg := mustLoad(t, doc, testEnv(fakeHost{}))
	if cfg.Rest.SSL.CertificateFile != cert {
		t.Fatalf("certificate path not applied: %+v", cfg.Rest.SSL)
	}

	missing := filepath.Join(dir, "missing-key.pem")
	doc = fmt.Sprintf(`{"rest":{"ssl":{"certificateFile":%q,"certificateKeyFile":%q}}}`, cert, missing)
	_, _, err := Load([]byte(doc), false, testEnv(fakeHost{}))
	if !errors.Is(err, errs.ErrValidation) || errs.FieldOf(err) != "rest.ssl.certificateKeyFile" {
		t.Fatalf("expected key file validation error, got %v", err)
	}
}

func TestLoadSecurityInterface(t *testing.T) {
	testlog.Start(t)
	cfg := mustLoad(t, `{"rest":{"jwt":{"securityInterface":"LDAP"}}}`, testEnv(fakeHost{}))
	if cfg.Rest.JWT.SecurityInterface != "ldap" {
		t.Fatalf("interface got=%q", cfg.Rest.JWT.SecurityInterface)
	}
	_, _, err := Load([]byte(`{"rest":{"jwt":{"securityInterface":"oauth"}}}`), false, testEnv(fakeHost{}))
	if !errors.Is(err, errs.ErrValidation) || errs.FieldOf(err) != "rest.jwt.securityInterface" {
		t.Fatalf("expected interface validation error, got %v", err)
	}
}

func TestLoadParseError(t *testing.T) {
	testlog.Start(t)
	for _, doc := range []string{``, `{"rest":`, `[1,2]`, `{"scheduleIntervalSeconds":"fast"}`} {
		_, _, err := Load([]byte(doc), true, testEnv(fakeHost{}))
		if !errors.Is(err, errs.ErrParse) {
			t.Fatalf("%q: expected parse error, got %v", doc, err)
		}
	}
}

func TestLoadRestNormalization(t *testing.T) {
	testlog.Start(t)
	doc := `{"rest":{"enabled":true,"listenPort":80,"httpThreadPoolSize":40,"dockerProxyListenAddr":"https://127.0.0.1:6058"}}`
	cfg := mustLoad(t, doc, testEnv(fakeHost{docker: true}))
	if cfg.Rest.ListenPort != DefaultRestListenPort {
		t.Fatalf("listen port got=%d", cfg.Rest.ListenPort)
	}
	if cfg.Rest.HTTPThreadPoolSize != DefaultHTTPThreadPoolSize {
		t.Fatalf("thread pool got=%d", cfg.Rest.HTTPThreadPoolSize)
	}
	if cfg.Rest.DockerProxyListenAddr != "http://127.0.0.1:6058" {
		t.Fatalf("docker proxy got=%q", cfg.Rest.DockerProxyListenAddr)
	}
	if cfg.Rest.TCPPort != DefaultRestTCPPort || cfg.Rest.PromListenPort != DefaultPromListenPort {
		t.Fatalf("unexpected defaults: %+v", cfg.Rest)
	}

	cfg = mustLoad(t, doc, testEnv(fakeHost{docker: false}))
	if cfg.Rest.DockerProxyListenAddr != "" {
		t.Fatalf("docker proxy should be cleared without socket, got=%q", cfg.Rest.DockerProxyListenAddr)
	}
}

func TestLoadLabelsGetHostName(t *testing.T) {
	testlog.Start(t)
	cfg := mustLoad(t, `{"labels":{"zone":"a"}}`, testEnv(fakeHost{}))
	if cfg.Labels["zone"] != "a" || cfg.Labels[LabelHostName] != "node1" {
		t.Fatalf("unexpected labels: %v", cfg.Labels)
	}
	cfg = mustLoad(t, `{}`, testEnv(fakeHost{}))
	if len(cfg.Labels) != 0 {
		t.Fatalf("labels should stay empty when absent: %v", cfg.Labels)
	}
}

func TestLoadAppliesEnvironment(t *testing.T) {
	testlog.Start(t)
	env := testEnv(fakeHost{environ: []string{
		"APPMESH_scheduleIntervalSeconds=7",
		"APPMESH_rest_enabled=1",
		"APPMESH_logLevel=warn",
	}})
	doc := `{"scheduleIntervalSeconds":2,"logLevel":"INFO","rest":{"enabled":false}}`
	cfg := mustLoad(t, doc, env)
	if cfg.ScheduleInterval != 7 || !cfg.Rest.Enabled || cfg.LogLevel != "WARN" {
		t.Fatalf("env overrides not applied: interval=%d enabled=%v level=%s", cfg.ScheduleInterval, cfg.Rest.Enabled, cfg.LogLevel)
	}

	cfg, _, err := Load([]byte(doc), false, env)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ScheduleInterval != 2 {
		t.Fatalf("env overrides must not apply when disabled, got=%d", cfg.ScheduleInterval)
	}
}

func TestAssign(t *testing.T) {
	testlog.Start(t)
	dst := 3
	if Assign(&dst, nil) || dst != 3 {
		t.Fatalf("absent source must not assign: %d", dst)
	}
	if !Assign(&dst, Ptr(9)) || dst != 9 {
		t.Fatalf("present source must assign: %d", dst)
	}
	name := "a"
	if !Assign(&name, Ptr("")) || name != "" {
		t.Fatalf("present zero value must assign: %q", name)
	}
}

func TestWorkDir(t *testing.T) {
	testlog.Start(t)
	s := NewStore(mustLoad(t, `{}`, testEnv(fakeHost{})), StoreOptions{Env: testEnv(fakeHost{})})
	if got := s.WorkDir(); got != filepath.Join("/opt/appmesh", "work") {
		t.Fatalf("default work dir got=%q", got)
	}
	s = NewStore(mustLoad(t, `{"workingDirectory":"/data/work"}`, testEnv(fakeHost{})), StoreOptions{Env: testEnv(fakeHost{})})
	if got := s.WorkDir(); got != "/data/work" {
		t.Fatalf("work dir got=%q", got)
	}
}
