package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/frontend"
)

type fileConfig struct {
	Document        string   `toml:"document"`
	ListenAddr      string   `toml:"listen_addr"`
	DaemonAddr      string   `toml:"daemon_addr"`
	PrincipalHeader string   `toml:"principal_header"`
	Token           string   `toml:"token"`
	CORSOrigins     []string `toml:"cors_origins"`
	CallTimeout     string   `toml:"call_timeout"`
	Metrics         bool     `toml:"metrics"`
}

// loadServiceConfig overlays the TOML keys that are present onto the
// front-end defaults. When a document is named, its rest section supplies
// the listen address, daemon port and metrics switch unless the TOML sets
// them explicitly.
func loadServiceConfig(path string, env config.Environment) (frontend.Config, error) {
	cfg := frontend.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return frontend.Config{}, fmt.Errorf("load meshrest config: %w", err)
	}

	if meta.IsDefined("document") {
		if err := applyDocument(&cfg, strings.TrimSpace(raw.Document), env); err != nil {
			return frontend.Config{}, err
		}
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("daemon_addr") {
		cfg.DaemonAddr = strings.TrimSpace(raw.DaemonAddr)
	}
	if meta.IsDefined("principal_header") {
		cfg.PrincipalHeader = strings.TrimSpace(raw.PrincipalHeader)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeOrigins(raw.CORSOrigins)
	}
	if meta.IsDefined("call_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CallTimeout))
		if err != nil {
			return frontend.Config{}, fmt.Errorf("parse call_timeout: %w", err)
		}
		cfg.Session.CallTimeout = d
	}
	if meta.IsDefined("metrics") {
		cfg.Metrics = raw.Metrics
	}
	return cfg, nil
}

func applyDocument(cfg *frontend.Config, path string, env config.Environment) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	global, _, err := config.Load(data, true, env)
	if err != nil {
		return fmt.Errorf("load document %s: %w", path, err)
	}
	store := config.NewStore(global, config.StoreOptions{Env: env})
	rest := store.Rest()
	cfg.ListenAddr = fmt.Sprintf("%s:%d", rest.ListenAddress, rest.ListenPort)
	cfg.DaemonAddr = fmt.Sprintf("127.0.0.1:%d", store.RestTCPPort())
	cfg.Metrics = store.PrometheusEnabled()
	return nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	return out
}
