// Secretaryd is the conversation orchestration engine.
//
// It consumes user messages and trigger events from an MQTT inbound
// topic, resolves each user's assigned secretary from the directory
// service, runs the message through the conversation state machine
// (fact memory, summarization, tool-augmented model calls), and
// publishes the response on the outbound topic. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	secretaryd serve       Start the engine
//	secretaryd version     Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/periapt-io/secretary/internal/buildinfo"
	"github.com/periapt-io/secretary/internal/checkpoint"
	"github.com/periapt-io/secretary/internal/config"
	"github.com/periapt-io/secretary/internal/delegate"
	"github.com/periapt-io/secretary/internal/directory"
	"github.com/periapt-io/secretary/internal/dispatch"
	"github.com/periapt-io/secretary/internal/events"
	"github.com/periapt-io/secretary/internal/facts"
	"github.com/periapt-io/secretary/internal/llm"
	"github.com/periapt-io/secretary/internal/mqtt"
	"github.com/periapt-io/secretary/internal/registry"
	"github.com/periapt-io/secretary/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level
// environment (context, stdio, argv) and delegates immediately to
// [run] so the full startup-to-shutdown lifecycle can be driven from
// tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the secretaryd command. Arguments
// are parsed by hand: the flag package relies on package-level globals
// that interfere with calling run() concurrently from tests, and the
// argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Secretaryd - Conversation Orchestration Engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: secretaryd [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the engine")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runServe boots the engine and blocks until SIGINT/SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level)
	logger.Info("starting secretaryd",
		"version", buildinfo.Version,
		"config", cfgPath)

	// NotifyContext wraps the parent context so SIGINT/SIGTERM trigger
	// graceful shutdown everywhere.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	bus := events.New()

	// Collaborator clients.
	dir := directory.NewHTTPClient(cfg.Directory.BaseURL, cfg.Directory.APIKey,
		cfg.Directory.Timeout(), logger)
	provider := llm.NewOpenAIClient(cfg.Provider.BaseURL, cfg.Provider.APIKey,
		cfg.Provider.Timeout())

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := provider.Ping(pingCtx); err != nil {
		logger.Warn("llm provider not reachable at startup, continuing anyway", "error", err)
	}
	pingCancel()

	// Persistence.
	store, err := checkpoint.Open(cfg.DataDir + "/checkpoints.db")
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	// Engine assembly. The tool factory and the delegate executor
	// reference each other, so delegation is wired late.
	factsProvider := facts.NewProvider(dir, logger)
	factory := tools.NewFactory(dir, logger)
	executor := delegate.NewExecutor(dir, provider, cfg.Provider.Model, factsProvider, cfg.Engine, bus, logger)
	executor.SetFactory(factory)
	factory.SetDelegate(executor.Run)

	reg := registry.New(dir, provider, cfg.Provider.Model, factory, factsProvider,
		store, cfg.Engine, cfg.Registry, bus, logger)
	go reg.RunSweeper(ctx, cfg.Registry.SweepInterval())

	dispatcher := dispatch.New(reg, store, dir, nil, bus, logger)

	// Transport.
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return err
	}
	broker := mqtt.NewBroker(cfg.Broker, instanceID, dispatcher.HandleRaw, logger)
	dispatcher.SetPublisher(broker)

	if err := broker.Start(ctx); err != nil {
		return fmt.Errorf("start mqtt: %w", err)
	}
	logger.Info("engine ready",
		"inbound_topic", cfg.Broker.InboundTopic,
		"outbound_topic", cfg.Broker.OutboundTopic)

	<-ctx.Done()
	logger.Info("shutting down")

	// Let in-flight runs finish and say goodbye to the broker. A fresh
	// context because ctx is already cancelled.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	dispatcher.Wait()
	if err := broker.Stop(stopCtx); err != nil {
		logger.Warn("mqtt shutdown", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
