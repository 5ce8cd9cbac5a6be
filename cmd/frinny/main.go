// Frinny is a conversational assistant backend for Pathfinder 2E play.
//
// It serves a WebSocket endpoint that routes each user's events to the
// most relevant conversation context, fans replies out to every device
// the user has connected, and persists contexts to MongoDB, an embedded
// database, or memory depending on what is reachable. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]); a .env file in the working directory is
// loaded first so secrets can stay out of the YAML.
//
// Usage:
//
//	frinny serve              Start the API and WebSocket server
//	frinny init [dir]         Initialize a working directory with defaults
//	frinny ask <message>      Send one message through the router
//	frinny version            Print version and build information
//	frinny -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/frinny-ai/frinny/internal/api"
	"github.com/frinny-ai/frinny/internal/buildinfo"
	"github.com/frinny-ai/frinny/internal/config"
	"github.com/frinny-ai/frinny/internal/connwatch"
	"github.com/frinny-ai/frinny/internal/mqtt"
	"github.com/frinny-ai/frinny/internal/router"
	"github.com/frinny-ai/frinny/internal/transport"
)

// main builds the OS-level environment and hands off to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so that
// tests can call run concurrently without the flag package's globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command == "" && args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case command == "" && strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case command == "" && (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case command == "" && strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case command == "" && strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
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
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		opts, err := parseAskArgs(cmdArgs)
		if err != nil {
			return err
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, opts)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Frinny - Pathfinder 2E conversational assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: frinny [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API and WebSocket server")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml and data directory (default: .)")
	fmt.Fprintln(w, "  ask          Send one message through the router and print the reply")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ask flags:")
	fmt.Fprintln(w, "  -user <id>        User to converse as (default: cli)")
	fmt.Fprintln(w, "  -event <type>     Event type (default: query)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/frinny/config.yaml, /etc/frinny/config.yaml")
	return nil
}

// loadConfig locates and parses the configuration file. An explicit
// path must exist. Without one, a missing file falls back to defaults
// so that a bare checkout can run against a local Ollama.
func loadConfig(explicit string) (*config.Config, string, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, "", fmt.Errorf("load .env: %w", err)
	}

	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return config.NewLogger(w, level, cfg.LogFormat), nil
}

// askOptions are the arguments to the ask subcommand.
type askOptions struct {
	userID    string
	eventType string
	message   string
}

func parseAskArgs(args []string) (askOptions, error) {
	opts := askOptions{userID: "cli", eventType: router.EventQuery}
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-user" && i+1 < len(args):
			opts.userID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-user="):
			opts.userID = strings.TrimPrefix(args[i], "-user=")
		case args[i] == "-event" && i+1 < len(args):
			opts.eventType = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-event="):
			opts.eventType = strings.TrimPrefix(args[i], "-event=")
		default:
			words = append(words, args[i])
		}
	}
	opts.message = strings.TrimSpace(strings.Join(words, " "))
	if opts.message == "" {
		return opts, fmt.Errorf("usage: frinny ask [-user id] [-event type] <message>")
	}
	if opts.userID == "" {
		return opts, fmt.Errorf("ask: -user must not be empty")
	}
	return opts, nil
}

// captureConn is an in-process device that records every envelope the
// router sends it.
type captureConn struct {
	id     string
	userID string

	mu   sync.Mutex
	envs []router.Envelope
}

func (c *captureConn) ID() string     { return c.id }
func (c *captureConn) UserID() string { return c.userID }

func (c *captureConn) Send(env router.Envelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	return nil
}

func (c *captureConn) sent() []router.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]router.Envelope(nil), c.envs...)
}

// askResult is the JSON form of an ask reply.
type askResult struct {
	Event     string `json:"event"`
	ContextID string `json:"context_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Mood      string `json:"mood,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// runAsk sends a single event through the full router against the
// configured checkpoint store, so repeated asks as the same user build
// on the same contexts. Logs go to stderr to keep stdout for the reply.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, opts askOptions) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(stderr, cfg)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	conn := &captureConn{id: "cli-" + uuid.NewString(), userID: opts.userID}
	a.router.Connect(conn)
	defer a.router.Disconnect(conn)

	requestID := uuid.NewString()
	err = a.router.HandleEvent(ctx, conn.ID(), router.Inbound{
		EventType: opts.eventType,
		RequestID: requestID,
		Payload:   map[string]any{"message": opts.message},
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	reply, ok := replyFor(conn.sent(), requestID)
	if !ok {
		return errors.New("ask: no reply received")
	}
	res := askResult{
		Event:     reply.Event,
		ContextID: reply.ContextID,
		Content:   reply.Content,
		Mood:      string(reply.Mood),
		ErrorCode: reply.ErrorCode,
		Message:   reply.Message,
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if reply.Status != router.StatusError {
		fmt.Fprintln(stdout, reply.Content)
	}

	if reply.Status == router.StatusError {
		return fmt.Errorf("ask: %s: %s", reply.ErrorCode, reply.Message)
	}
	return nil
}

// replyFor returns the terminal envelope for requestID: a response or
// an error, skipping acknowledgements and connection notices.
func replyFor(envs []router.Envelope, requestID string) (router.Envelope, bool) {
	for i := len(envs) - 1; i >= 0; i-- {
		env := envs[i]
		if env.RequestID != requestID {
			continue
		}
		if env.Status == router.StatusSuccess || env.Status == router.StatusError {
			return env, true
		}
	}
	return router.Envelope{}, false
}

// runServe starts the API server, the WebSocket transport, and the
// optional MQTT publisher, then blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(stdout, cfg)
	if err != nil {
		return err
	}
	if cfgPath == "" {
		logger.Warn("no config file found, using defaults", "searched", config.DefaultSearchPaths())
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}
	logger.Info("starting Frinny",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
		"built", buildinfo.BuildTime,
		"go", buildinfo.Runtime().GoVersion,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	watchers := a.watch(ctx)
	defer watchers.Stop()

	ws := transport.NewServer(a.router, transport.ConfigFrom(cfg.WebSocket), logger, a.bus)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.router, a.registry, logger)
	server.SetTransport(ws)
	server.SetCheckpoint(a.store)
	server.SetConnWatch(watchers)

	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, a.bus, &mqttStats{router: a.router, registry: a.registry}, logger)
		publisher.SetDurability(a.store.Backend, a.store.Degraded)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		watchers.Watch(ctx, connwatch.WatcherConfig{
			Name:   "mqtt",
			Probe:  publisher.AwaitConnection,
			Logger: logger,
		})
		logger.Info("MQTT publishing enabled", "broker", cfg.MQTT.Broker, "instance_id", instanceID)
	} else {
		logger.Info("MQTT publishing disabled (no broker configured)")
	}

	// The listener stops first so no new device connects while open
	// sockets drain.
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api server shutdown failed", "error", err)
		}
		if err := ws.Shutdown(shutdownCtx); err != nil {
			logger.Warn("websocket shutdown incomplete", "error", err)
		}
		if publisher != nil {
			if err := publisher.Stop(shutdownCtx); err != nil {
				logger.Warn("mqtt stop failed", "error", err)
			}
		}
	}()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("api server: %w", err)
	}
	<-shutdownDone
	logger.Info("Frinny stopped")
	return nil
}
