package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"github.com/agent-command/muxd/internal/broker"
	"github.com/agent-command/muxd/internal/config"
	"github.com/agent-command/muxd/internal/metrics"
	"github.com/agent-command/muxd/internal/monitor"
	"github.com/agent-command/muxd/internal/server"
	"github.com/agent-command/muxd/internal/tmux"
)

// Version information
const Version = "0.1.0"

const defaultConfigPath = "/etc/muxd/config.yaml"

func main() {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx := pslog.ContextWithLogger(context.Background(), logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	// Check for subcommands first
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !isFlag(args[0]) {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx, args)
	case "check":
		err = runCheck(ctx, args)
	case "version":
		fmt.Printf("muxd version %s\n", Version)
	case "help", "-h", "--help":
		printHelp()
	default:
		printHelp()
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		logger.Error("muxd command failed", "command", cmd, "err", err)
		os.Exit(1)
	}
}

func isFlag(arg string) bool {
	return len(arg) > 0 && arg[0] == '-' && arg != "-h" && arg != "--help"
}

func printHelp() {
	fmt.Println(`muxd - tmux control-mode session engine

Usage:
  muxd [command] [options]

Commands:
  serve        Run the daemon (default)
  check        Validate configuration and workaround table, show tmux version
  version      Show version information
  help         Show this help

Options:
  -config string  Path to config file (default "/etc/muxd/config.yaml")

Check Options:
  -json         Output in JSON format`)
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := pslog.Ctx(ctx)

	tmuxClient := tmux.NewClient(&cfg.Tmux)
	version, err := tmuxClient.Version(ctx)
	if err != nil {
		// Workarounds constrained to a version will not apply.
		logger.Warn("tmux version unknown", "err", err)
	} else {
		logger.Info("tmux detected", "version", version.String())
	}

	var table monitor.TableSource = monitor.DefaultTable()
	var reloaded <-chan struct{}
	if path := cfg.Monitor.WorkaroundsPath; path != "" {
		watcher, err := monitor.WatchTable(path, logger)
		if err != nil {
			return fmt.Errorf("failed to load workaround table: %w", err)
		}
		defer watcher.Close()
		table, reloaded = watcher, watcher.Reloaded()
	}

	reg := metrics.New()
	registry := broker.New(broker.Options{
		Monitor: monitor.Options{
			Spawner: monitor.ClientSpawner{
				Client: tmuxClient,
				Conn: tmux.ConnOptions{
					CommandTimeout: cfg.Monitor.CommandTimeout(),
					QueueSize:      cfg.Monitor.CommandQueueMax,
					CloseGrace:     cfg.Monitor.ShutdownGrace(),
					Logger:         logger,
				},
			},
			Workarounds:     table,
			Version:         version,
			ResyncInterval:  cfg.Monitor.ResyncInterval(),
			PublishInterval: cfg.Monitor.PublishInterval(),
			Scrollback:      cfg.Monitor.ScrollbackLines,
			SnapshotBuffer:  cfg.Monitor.SnapshotBuffer,
		},
		DefaultCols:  cfg.Broker.DefaultCols,
		DefaultRows:  cfg.Broker.DefaultRows,
		TeardownWait: cfg.Broker.TeardownWait(),
		ViewerBuffer: cfg.Broker.ViewerBuffer,
		Logger:       logger,
		Metrics:      reg,
	})

	srv := server.New(&cfg.Server, registry, reg, cfg.Monitor.CommandTimeout(), logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start http server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-reloaded:
				logger.Info("workaround table reloaded", "rules", len(table.Current().Rules))
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Monitor.ShutdownGrace()+5*time.Second)
		defer cancel()
		return errors.Join(srv.Stop(shutdownCtx), registry.Close(shutdownCtx))
	})
	return g.Wait()
}

type checkResult struct {
	Config          string `json:"config"`
	Listen          string `json:"listen"`
	Mode            string `json:"mode"`
	TmuxVersion     string `json:"tmux_version,omitempty"`
	TmuxError       string `json:"tmux_error,omitempty"`
	WorkaroundRules int    `json:"workaround_rules"`
}

func runCheck(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	table, err := monitor.LoadTable(cfg.Monitor.WorkaroundsPath)
	if err != nil {
		return fmt.Errorf("failed to load workaround table: %w", err)
	}

	res := checkResult{
		Config:          *configPath,
		Listen:          cfg.Server.Listen,
		Mode:            cfg.Tmux.Mode,
		WorkaroundRules: len(table.Rules),
	}
	versionCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if v, err := tmux.NewClient(&cfg.Tmux).Version(versionCtx); err != nil {
		res.TmuxError = err.Error()
	} else {
		res.TmuxVersion = v.String()
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Printf("Config:           %s\n", res.Config)
	fmt.Printf("Listen:           %s\n", res.Listen)
	fmt.Printf("Mode:             %s\n", res.Mode)
	fmt.Printf("Workaround rules: %d\n", res.WorkaroundRules)
	if res.TmuxError != "" {
		fmt.Printf("Tmux Error:       %s\n", res.TmuxError)
	} else {
		fmt.Printf("Tmux Version:     %s\n", res.TmuxVersion)
	}
	return nil
}
