package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/calebward/agentlink/internal/api"
	"github.com/calebward/agentlink/internal/config"
	"github.com/calebward/agentlink/internal/journal"
	"github.com/calebward/agentlink/internal/lock"
	"github.com/calebward/agentlink/internal/log"
	"github.com/calebward/agentlink/internal/service"
	"github.com/calebward/agentlink/internal/storage"
	"github.com/calebward/agentlink/internal/tui/watch"
)

var version = "0.1.0-dev"

const shutdownGrace = 10 * time.Second

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`agentlink - supervised message gateway for a local agent server

Usage:
  agentlink start [--config PATH]        Start the supervisor and gateway
  agentlink watch [--api-url URL]        Real-time monitoring TUI
  agentlink config check [--config PATH] Validate configuration
  agentlink config lock [--config PATH]  Regenerate config integrity hashes
  agentlink version                      Print version
  agentlink help                         Show this help

Flags for start:
  --config PATH    Path to configuration file (default: agentlink.yaml)

Flags for watch:
  --api-url URL    Control API URL (default: http://localhost:8790)
  --api-key KEY    API bearer token (or AGENTLINK_API_KEY env var)
`)
}

func runVersion(args []string) int {
	if len(args) > 0 {
		fmt.Fprintln(os.Stderr, "Usage: agentlink version")
		return 1
	}
	fmt.Printf("agentlink %s\n", version)
	return 0
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "agentlink.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	lk, err := lock.Acquire(pidLockPath(cfg))
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			fmt.Fprintf(os.Stderr, "Another instance is already running (pid %d, lock %s)\n", held.Pid, held.Path)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to acquire lock: %v\n", err)
		}
		return 1
	}
	defer func() { _ = lk.Release() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal database: %v\n", err)
		return 1
	}
	defer db.Close()

	jn := journal.New(db)
	if cfg.Journal.Retention > 0 {
		if pruned, err := jn.PruneOlderThan(ctx, cfg.Journal.Retention); err != nil {
			logger.Warn("journal prune failed", "error", err)
		} else if pruned > 0 {
			logger.Info("pruned journal entries", "count", pruned)
		}
	}

	svc := service.New(cfg, jn)
	if err := svc.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start service: %v\n", err)
		return 1
	}

	errCh := make(chan error, 2)

	if cfg.API.Enabled {
		srv := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.APIKey,
		}, svc, log.WithComponent("api"))
		go func() {
			errCh <- srv.Start(ctx)
		}()
	}

	logger.Info("agentlink started",
		"version", version,
		"agent", cfg.Agent.Executable,
		"api_enabled", cfg.API.Enabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exit := 0
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("component failed", "error", err)
			exit = 1
		}
	}

	cancel()
	if err := svc.Shutdown(shutdownGrace); err != nil {
		logger.Error("shutdown error", "error", err)
		exit = 1
	}
	logger.Info("agentlink stopped")
	return exit
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:8790", "Control API URL")
	apiKey := fs.String("api-key", os.Getenv("AGENTLINK_API_KEY"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := watch.New(strings.TrimRight(*apiURL, "/"), *apiKey)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: agentlink config <check|lock> [flags]")
		return 1
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "lock", "hash-update":
		return runConfigLock(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config subcommand: %s\n", args[0])
		return 1
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "agentlink.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config check failed: %v\n", err)
		return 1
	}

	fmt.Printf("Config OK: %s\n", *configPath)
	fmt.Printf("  agent:    %s (%s:%d)\n", cfg.Agent.Executable, cfg.Agent.Host, cfg.Agent.Port)
	fmt.Printf("  queue:    capacity %d, max attempts %d\n", cfg.Queue.Capacity, cfg.Queue.MaxAttempts)
	fmt.Printf("  journal:  %s (retention %s)\n", cfg.Journal.Path, cfg.Journal.Retention)
	if cfg.API.Enabled {
		fmt.Printf("  api:      %s\n", cfg.API.Listen)
	} else {
		fmt.Printf("  api:      disabled\n")
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	configPath := fs.String("config", "agentlink.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	absPath, err := filepath.Abs(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config path: %v\n", err)
		return 1
	}
	dir := filepath.Dir(absPath)
	name := filepath.Base(absPath)

	if err := config.GenerateChecksums(dir, []string{name}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s\n", filepath.Join(dir, ".checksums"))
	return 0
}

// pidLockPath derives the lock file path from the journal database path so
// both live in the same runtime directory.
func pidLockPath(cfg *config.Config) string {
	dbPath := cfg.Journal.Path
	dir := filepath.Dir(dbPath)
	base := filepath.Base(dbPath)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return filepath.Join(dir, base+".pid")
}
