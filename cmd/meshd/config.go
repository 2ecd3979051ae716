package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type serviceConfig struct {
	DocumentPath   string
	SecurityPath   string
	ControlAddr    string
	ReloadInterval time.Duration
	WriteTimeout   time.Duration
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		DocumentPath:   "config.json",
		SecurityPath:   "security.json",
		ReloadInterval: 2 * time.Second,
		WriteTimeout:   15 * time.Second,
	}
}

type fileConfig struct {
	Document       string `toml:"document"`
	Security       string `toml:"security"`
	TCPAddr        string `toml:"tcp_addr"`
	ReloadInterval string `toml:"reload_interval"`
	WriteTimeout   string `toml:"write_timeout"`
}

func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load meshd config: %w", err)
	}

	if meta.IsDefined("document") {
		if v := strings.TrimSpace(raw.Document); v != "" {
			cfg.DocumentPath = v
		}
	}
	if meta.IsDefined("security") {
		cfg.SecurityPath = strings.TrimSpace(raw.Security)
	}
	if meta.IsDefined("tcp_addr") {
		cfg.ControlAddr = strings.TrimSpace(raw.TCPAddr)
	}
	if meta.IsDefined("reload_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReloadInterval))
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse reload_interval: %w", err)
		}
		cfg.ReloadInterval = d
	}
	if meta.IsDefined("write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.WriteTimeout))
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse write_timeout: %w", err)
		}
		cfg.WriteTimeout = d
	}
	return cfg, nil
}
