package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantops/scriptd"
	"github.com/quantops/scriptd/internal/config"
)

// ServeFlags holds flags for the serve subcommand.
type ServeFlags struct {
	ConfigPath string
}

func createServeCommand() *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the scriptd daemon",
		Long: `Start the scriptd daemon: scan the scripts root, serve the management
API, and supervise script runs until interrupted.

Examples:
  scriptd serve                    # defaults plus SCRIPTD_* env overrides
  scriptd serve config.toml        # explicit config file`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := flags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := scriptd.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := scriptd.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	globalEnv, err := cfg.GlobalEnv()
	if err != nil {
		return fmt.Errorf("load global env: %w", err)
	}
	envPairs := make([]string, 0, len(globalEnv))
	for k, v := range globalEnv {
		envPairs = append(envPairs, k+"="+v)
	}

	mgr, err := scriptd.New(cfg.ScriptsRoot, scriptd.Options{
		LogsDir:     cfg.LogsDir,
		Interpreter: cfg.Interpreter,
		GlobalEnv:   envPairs,
		UseOSEnv:    cfg.UseOSEnv,
		GracePeriod: cfg.GracePeriod,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("build manager: %w", err)
	}

	var authSvc *scriptd.AuthService
	if cfg.Auth.Enabled {
		authSvc, err = scriptd.NewAuthService(cfg.Auth)
		if err != nil {
			return fmt.Errorf("build auth service: %w", err)
		}
		defer func() { _ = authSvc.Close() }()
	}

	if cfg.Metrics.Enabled {
		if err := scriptd.RegisterMetricsDefault(); err != nil {
			logger.Warn("metrics registration failed", "error", err)
		}
		addr := cfg.Metrics.Listen
		if addr == "" {
			addr = config.DefaultMetricsListen
		}
		go func() {
			if err := scriptd.ServeMetrics(addr); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	srv := scriptd.NewHTTPServer(cfg.Listen, cfg.BasePath, mgr, authSvc, cfg.Auth.Enabled)
	logger.Info("scriptd listening",
		"addr", cfg.Listen,
		"base_path", cfg.BasePath,
		"scripts_root", cfg.ScriptsRoot,
		"scripts", len(mgr.Scripts()),
		"auth", cfg.Auth.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}
