package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsdeck-ai/opsdeck/pkg/brain"
	"github.com/opsdeck-ai/opsdeck/pkg/bus"
	"github.com/opsdeck-ai/opsdeck/pkg/config"
	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
	"github.com/opsdeck-ai/opsdeck/pkg/dispatch"
	"github.com/opsdeck-ai/opsdeck/pkg/handlers"
	"github.com/opsdeck-ai/opsdeck/pkg/observability"
	"github.com/opsdeck-ai/opsdeck/pkg/registry"
	"github.com/opsdeck-ai/opsdeck/pkg/schema"
	"github.com/opsdeck-ai/opsdeck/pkg/store"
	"github.com/opsdeck-ai/opsdeck/pkg/worker"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}
	switch args[1] {
	case "brain":
		return runBrainCmd(args[2:], stdout, stderr)
	case "worker":
		return runWorkerCmd(args[2:], stdout, stderr)
	case "registry":
		if len(args) < 3 || args[2] != "validate" {
			fmt.Fprintln(stderr, "Usage: opsdeck registry validate [-f file]")
			return 2
		}
		return runRegistryValidateCmd(args[3:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "opsdeck %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "opsdeck %s — contract-first tool execution\n", version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  opsdeck <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  brain              Plan and run tool calls from a message")
	fmt.Fprintln(w, "  worker             Run the executor worker until interrupted")
	fmt.Fprintln(w, "  registry validate  Check the tool catalog and exit")
	fmt.Fprintln(w, "  health             Print a platform diagnostic snapshot")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w, "  help               Show this help")
	fmt.Fprintln(w, "")
}

// runtime bundles the wired platform collaborators.
type runtime struct {
	cfg        *config.Config
	log        *slog.Logger
	store      store.Store
	registry   *registry.Registry
	validators *schema.Cache
	dispatch   *dispatch.Table
	bus        bus.Bus
	provider   *observability.Provider
	closers    []func() error
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg := config.Load()
	log := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	provider, err := observability.NewProvider("opsdeck", version)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	reg, err := registry.LoadFile(cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", cfg.RegistryPath, err)
	}

	var (
		st      store.Store
		closers []func() error
	)
	if cfg.UsesPostgres() {
		ps, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		st = ps
		closers = append(closers, ps.Close)
	} else {
		ss, err := store.OpenSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DatabaseURL, err)
		}
		st = ss
		closers = append(closers, ss.Close)
	}

	var eventBus bus.Bus = bus.NewInProcessBus()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rb, err := bus.NewRedisBus(ctx, client, log)
		if err != nil {
			return nil, fmt.Errorf("redis bus %s: %w", cfg.RedisAddr, err)
		}
		eventBus = rb
		closers = append(closers, rb.Close)
	}

	table := dispatch.NewTable()
	handlers.Register(table, handlers.Deps{Log: log})

	return &runtime{
		cfg:        cfg,
		log:        log,
		store:      st,
		registry:   reg,
		validators: schema.NewCache(),
		dispatch:   table,
		bus:        eventBus,
		provider:   provider,
		closers:    closers,
	}, nil
}

func (rt *runtime) close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.Warn("close failed", "error", err)
		}
	}
	if err := rt.provider.Shutdown(ctx); err != nil {
		rt.log.Warn("metrics shutdown failed", "error", err)
	}
}

func (rt *runtime) newWorker(reap bool, reapAfter time.Duration) (*worker.Worker, error) {
	return worker.New(worker.Config{
		Store:           rt.store,
		Registry:        rt.registry,
		Validators:      rt.validators,
		Dispatch:        rt.dispatch,
		Bus:             rt.bus,
		Logger:          rt.log,
		Meter:           rt.provider.Meter(),
		PollInterval:    rt.cfg.PollInterval,
		MaxConcurrent:   rt.cfg.MaxConcurrent,
		ShutdownTimeout: rt.cfg.ShutdownTimeout,
		Reap:            reap,
		ReapAfter:       reapAfter,
	})
}

// runBrainCmd plans and executes one message. The JSON response goes to
// stdout; exit 0 exactly when the run produced ok=true. Waiting modes
// run an embedded worker so receipts can arrive.
func runBrainCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("brain", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		message      string
		mode         string
		conversation string
		contextJSON  string
		maxCalls     int
		waitMs       int
	)
	cmd.StringVar(&message, "m", "", "Message to plan (REQUIRED)")
	cmd.StringVar(&mode, "mode", string(contracts.ModeEnqueueAndWait), "answer|plan|enqueue|enqueue_and_wait")
	cmd.StringVar(&conversation, "conversation", "", "Conversation id recorded on the run")
	cmd.StringVar(&contextJSON, "context", "", "JSON object merged into rule extraction")
	cmd.IntVar(&maxCalls, "max-tool-calls", 0, "Cap on planned calls (default 10)")
	cmd.IntVar(&waitMs, "wait-timeout-ms", 0, "Receipt wait deadline (default $WAIT_TIMEOUT_MS or 30000)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if message == "" {
		fmt.Fprintln(stderr, "Error: -m is required")
		cmd.Usage()
		return 2
	}

	var callContext map[string]any
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &callContext); err != nil {
			fmt.Fprintf(stderr, "Error: --context is not a JSON object: %v\n", err)
			return 2
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.close(context.Background())

	req := brain.Request{
		Message:        message,
		Mode:           contracts.Mode(mode),
		ConversationID: conversation,
		Context:        callContext,
		Limits: contracts.Limits{
			MaxToolCalls:  maxCalls,
			WaitTimeoutMs: waitMs,
		},
	}

	if req.Mode.Enqueues() {
		w, err := rt.newWorker(false, 0)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if err := w.Start(ctx); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer func() { _ = w.Stop(context.Background()) }()
	}

	b, err := brain.New(brain.Config{
		Store:              rt.store,
		Registry:           rt.registry,
		Validators:         rt.validators,
		Bus:                rt.bus,
		Logger:             rt.log,
		DefaultWaitTimeout: rt.cfg.WaitTimeout,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	resp, err := b.Run(ctx, req)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		fmt.Fprintf(stderr, "Error: encode response: %v\n", err)
		return 1
	}
	if resp.OK {
		return 0
	}
	return 1
}

// runWorkerCmd runs the executor until SIGINT/SIGTERM.
func runWorkerCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("worker", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		reap        bool
		reapAfterMs int
	)
	cmd.BoolVar(&reap, "reap", false, "Re-queue stale running calls at startup")
	cmd.IntVar(&reapAfterMs, "reap-after-ms", 600000, "Age before a running call counts as stale")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.close(context.Background())

	w, err := rt.newWorker(reap, time.Duration(reapAfterMs)*time.Millisecond)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := w.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "worker %s running; Ctrl-C to stop\n", w.ID())

	<-ctx.Done()
	if err := w.Stop(context.Background()); err != nil {
		fmt.Fprintf(stderr, "Shutdown: %v\n", err)
		return 1
	}
	return 0
}

// runRegistryValidateCmd checks the catalog with the same load rules the
// server uses; any violation prints the structured reason and exits 1.
func runRegistryValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("registry validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var file string
	cmd.StringVar(&file, "f", "", "Catalog file (default $REGISTRY_PATH)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		file = config.Load().RegistryPath
	}

	reg, err := registry.LoadFile(file)
	if err != nil {
		fmt.Fprintf(stderr, "INVALID %s: %v\n", file, err)
		return 1
	}
	fmt.Fprintf(stdout, "OK %s: %d tool(s), catalog version %s\n", file, len(reg.All()), reg.Version())
	for _, name := range reg.Names() {
		fmt.Fprintf(stdout, "  %s\n", name)
	}
	return 0
}

// runHealthCmd prints a diagnostic snapshot: store reachability, catalog
// size, registered handlers.
func runHealthCmd(stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.close(context.Background())

	status := map[string]any{
		"status":           "ok",
		"version":          version,
		"database":         rt.cfg.DatabaseURL,
		"registry_path":    rt.cfg.RegistryPath,
		"registry_tools":   len(rt.registry.All()),
		"handlers":         rt.dispatch.Registered(),
		"redis_configured": rt.cfg.RedisAddr != "",
	}
	if w, err := rt.newWorker(false, 0); err == nil {
		status["worker"] = w.Health()
	}
	if _, err := rt.store.GetCall(ctx, "healthcheck"); err != nil && !errors.Is(err, store.ErrCallNotFound) {
		status["status"] = "degraded"
		status["database_error"] = err.Error()
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		return 1
	}
	if status["status"] != "ok" {
		return 1
	}
	return 0
}
