// Package cli wires the session engine into a cobra command tree. The run
// command hosts a long-lived session; the other commands open a short
// session, perform one operation, and exit.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mqui/mqui/internal/metrics"
	"github.com/mqui/mqui/internal/session"
	"github.com/mqui/mqui/pkg/types"
)

// Config maps the YAML config file.
type Config struct {
	Server struct {
		Host       string `yaml:"host"`
		Port       int    `yaml:"port"`
		Credential string `yaml:"credential"`
	} `yaml:"server"`

	Session struct {
		RefreshInterval time.Duration `yaml:"refresh_interval"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		MaxInFlight     int           `yaml:"max_inflight"`
	} `yaml:"session"`

	Backoff session.BackoffConfig `yaml:"backoff"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mqui",
		Short: "mqui: server session and plugin state engine",
		Long: `mqui maintains a resilient session to a game server, keeps a
reconciled view of installed plugins, and exposes it for inspection.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildPluginsCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildReloadCommand())
	rootCmd.AddCommand(buildEnableCommand())
	rootCmd.AddCommand(buildWatchCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the session engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine()
		},
	}
}

func runEngine() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	sup, err := session.New(sessionConfig(cfg, logger, collector))
	if err != nil {
		return fmt.Errorf("failed to build session: %w", err)
	}
	if err := sup.Start(); err != nil {
		return err
	}

	logger.Info("session engine started",
		"host", cfg.Server.Host, "port", cfg.Server.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			logger.Info("shutdown signal received")
			sup.Stop()
			return nil
		case <-sup.Done():
			if err := sup.LastError(); err != nil {
				return fmt.Errorf("session terminated: %w", err)
			}
			return nil
		case err := <-sup.Errs():
			logger.Warn("session error", "err", err, "state", sup.State())
		}
	}
}

func buildPluginsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the plugins installed on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, sup *session.Supervisor) error {
				snap := sup.Current()
				printSnapshot(snap)
				return nil
			})
		},
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, sup *session.Supervisor) error {
				status, err := sup.ServerStatus(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Software:  %s %s\n", status.Software, status.Version)
				fmt.Printf("Uptime:    %s\n", time.Duration(status.UptimeSeconds)*time.Second)
				fmt.Printf("Plugins:   %d\n", status.PluginCount)
				return nil
			})
		},
	}
}

func buildReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload <plugin>",
		Short: "Reload one plugin on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, sup *session.Supervisor) error {
				if err := sup.ReloadPlugin(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Reloaded %s\n", args[0])
				return nil
			})
		},
	}
}

func buildEnableCommand() *cobra.Command {
	var disable bool

	cmd := &cobra.Command{
		Use:   "enable <plugin>",
		Short: "Enable or disable one plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, sup *session.Supervisor) error {
				if err := sup.SetPluginEnabled(ctx, args[0], !disable); err != nil {
					return err
				}
				verb := "Enabled"
				if disable {
					verb = "Disabled"
				}
				fmt.Printf("%s %s\n", verb, args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&disable, "disable", false, "disable the plugin instead")
	return cmd
}

func buildWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream state snapshots until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchSnapshots()
		},
	}
}

func watchSnapshots() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	sup, err := session.New(sessionConfig(cfg, logger, nil))
	if err != nil {
		return fmt.Errorf("failed to build session: %w", err)
	}
	sub := sup.Subscribe()
	defer sub.Cancel()

	if err := sup.Start(); err != nil {
		return err
	}
	defer sup.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			return nil
		case <-sup.Done():
			if err := sup.LastError(); err != nil {
				return fmt.Errorf("session terminated: %w", err)
			}
			return nil
		case snap := <-sub.C:
			printSnapshot(snap)
		}
	}
}

// withSession connects, waits for the session to go live, runs fn once, and
// tears the session down.
func withSession(fn func(context.Context, *session.Supervisor) error) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	sup, err := session.New(sessionConfig(cfg, logger, nil))
	if err != nil {
		return fmt.Errorf("failed to build session: %w", err)
	}
	if err := sup.Start(); err != nil {
		return err
	}
	defer sup.Stop()

	if err := waitLive(sup, 30*time.Second); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Going live only starts the baseline refresh; force one so Current()
	// reflects the server before the command reads it.
	if err := sup.Refresh(ctx); err != nil {
		return fmt.Errorf("initial refresh: %w", err)
	}
	return fn(ctx, sup)
}

func waitLive(sup *session.Supervisor, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if sup.State() == types.StateLive {
				return nil
			}
		case <-sup.Done():
			if err := sup.LastError(); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			return fmt.Errorf("session ended before going live")
		case <-deadline.C:
			if err := sup.LastError(); err != nil {
				return fmt.Errorf("timed out connecting: %w", err)
			}
			return fmt.Errorf("timed out connecting")
		}
	}
}

func sessionConfig(cfg *Config, logger *slog.Logger, collector *metrics.Collector) session.Config {
	backoff := cfg.Backoff
	if backoff.Initial == 0 {
		backoff = session.DefaultBackoff()
	}
	return session.Config{
		Endpoint: types.Endpoint{
			Host:       cfg.Server.Host,
			Port:       cfg.Server.Port,
			Credential: cfg.Server.Credential,
		},
		RefreshInterval: cfg.Session.RefreshInterval,
		RequestTimeout:  cfg.Session.RequestTimeout,
		PingInterval:    cfg.Session.PingInterval,
		MaxInFlight:     cfg.Session.MaxInFlight,
		Backoff:         backoff,
		ClientName:      "mqui-cli",
		Logger:          logger,
		Metrics:         collector,
	}
}

func printSnapshot(snap *types.StateSnapshot) {
	fmt.Printf("snapshot #%d  %s %s  (%d plugins)\n",
		snap.Seq, snap.Server.Software, snap.Server.Version, len(snap.Plugins))
	for _, p := range snap.Plugins {
		state := "enabled"
		if !p.Enabled {
			state = "disabled"
		}
		compat := string(p.Compatibility)
		if p.Compatibility == types.CompatUnknown {
			compat = "unknown"
		}
		fmt.Printf("  %-24s %-12s %-9s %s\n", p.Name, p.Version, state, compat)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
