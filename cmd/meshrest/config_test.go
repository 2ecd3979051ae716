package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/frontend"
	"github.com/google/go-cmp/cmp"
)

func testEnv() config.Environment {
	return config.Environment{
		Hostname:    func() (string, error) { return "node1", nil },
		LookupUser:  func(string) error { return nil },
		FileExists:  func(string) bool { return false },
		Environ:     func() []string { return nil },
		InContainer: func() bool { return false },
		HomeDir:     "/opt/appmesh",
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadServiceConfigOverlaysKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "meshrest.toml", `
daemon_addr = "10.0.0.2:7000"
token = " t0k "
cors_origins = [" https://ui.example ", ""]
call_timeout = "5s"
metrics = false
`)
	cfg, err := loadServiceConfig(path, testEnv())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := frontend.DefaultConfig()
	want.DaemonAddr = "10.0.0.2:7000"
	want.Token = "t0k"
	want.CORSOrigins = []string{"https://ui.example"}
	want.Session.CallTimeout = 5 * time.Second
	want.Metrics = false
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
}

func TestLoadServiceConfigFromDocument(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, dir, "config.json", `{"rest":{"enabled":true,"listenAddress":"0.0.0.0","listenPort":7070,"tcpPort":7071,"prometheusExporterListenPort":900}}`)
	path := writeFile(t, dir, "meshrest.toml", `document = "`+doc+`"`)

	cfg, err := loadServiceConfig(path, testEnv())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:7070" || cfg.DaemonAddr != "127.0.0.1:7071" {
		t.Fatalf("addresses from document: %+v", cfg)
	}
	if cfg.Metrics {
		t.Fatalf("metrics must follow prometheusExporterListenPort > 1024")
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("tokenless config on 0.0.0.0 must not validate")
	}
}

func TestLoadServiceConfigTemplate(t *testing.T) {
	tpl, err := config.Template("meshrest")
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	dir := t.TempDir()
	docTpl, err := config.Template("document")
	if err != nil {
		t.Fatalf("document template: %v", err)
	}
	writeFile(t, dir, "config.json", docTpl)
	path := writeFile(t, dir, "meshrest.toml", tpl)

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(wd)

	cfg, err := loadServiceConfig(path, testEnv())
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:6060" || !cfg.Metrics || cfg.Session.CallTimeout != 60*time.Second {
		t.Fatalf("template config: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("template config must validate: %v", err)
	}
}

func TestLoadServiceConfigBadTimeout(t *testing.T) {
	path := writeFile(t, t.TempDir(), "meshrest.toml", `call_timeout = "later"`)
	if _, err := loadServiceConfig(path, testEnv()); err == nil {
		t.Fatalf("expected parse error")
	}
}
