package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/daemon"
	"github.com/danmuck/meshctl/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meshd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath   string
		documentPath string
		securityPath string
	)
	cmd := &cobra.Command{
		Use:           "meshd",
		Short:         "Application mesh daemon: owns the configuration document and application registry",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := defaultServiceConfig()
			if configPath != "" {
				var err error
				if cfg, err = loadServiceConfig(configPath); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("document") {
				cfg.DocumentPath = documentPath
			}
			if cmd.Flags().Changed("security") {
				cfg.SecurityPath = securityPath
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "meshd service config (TOML)")
	cmd.Flags().StringVar(&documentPath, "document", "", "configuration document path")
	cmd.Flags().StringVar(&securityPath, "security", "", "local user directory path")
	return cmd
}

func run(cfg serviceConfig) error {
	logging.ConfigureRuntime()
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := daemon.New(daemon.Options{
		DocumentPath:   cfg.DocumentPath,
		SecurityPath:   cfg.SecurityPath,
		ControlAddr:    cfg.ControlAddr,
		ReloadInterval: cfg.ReloadInterval,
		WriteTimeout:   cfg.WriteTimeout,
		Version:        version,
		Env:            config.SystemEnvironment(),
	})
	if err != nil {
		return err
	}
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
