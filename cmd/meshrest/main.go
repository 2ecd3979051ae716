package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/frontend"
	"github.com/danmuck/meshctl/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meshrest: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		daemonAddr string
		listenAddr string
	)
	cmd := &cobra.Command{
		Use:           "meshrest",
		Short:         "Application mesh HTTP front-end: forwards /appmesh calls to meshd",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := frontend.DefaultConfig()
			if configPath != "" {
				var err error
				if cfg, err = loadServiceConfig(configPath, config.SystemEnvironment()); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("daemon") {
				cfg.DaemonAddr = daemonAddr
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listenAddr
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "meshrest service config (TOML)")
	cmd.Flags().StringVar(&daemonAddr, "daemon", "", "meshd control address")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address")
	return cmd
}

func run(cfg frontend.Config) error {
	logging.ConfigureRuntime()
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return frontend.New(cfg).Run(ctx)
}
