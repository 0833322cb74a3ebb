// Command workflowd is a runnable reference host for the workflow runtime:
// it wires one of each pluggable backend (run/event store, queue, result
// stream) from flags/environment, registers a small demo workflow the way a
// real bundle's generated registration code would, mounts the
// spec.md §6 HTTP surface, and serves until interrupted.
//
// It plays the same role the teacher's cmd/demo does for goa-ai: a minimal,
// complete wiring example a real deployment adapts rather than a polished
// product of its own.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	moptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"

	wfclient "github.com/flowlayer/workflow/client"
	"github.com/flowlayer/workflow/engine"
	"github.com/flowlayer/workflow/handler"
	"github.com/flowlayer/workflow/internal/config"
	"github.com/flowlayer/workflow/internal/httpapi"
	"github.com/flowlayer/workflow/internal/manifest"
	"github.com/flowlayer/workflow/queue"
	"github.com/flowlayer/workflow/queue/inmemqueue"
	"github.com/flowlayer/workflow/queue/redisqueue"
	"github.com/flowlayer/workflow/queue/temporalqueue"
	"github.com/flowlayer/workflow/run"
	"github.com/flowlayer/workflow/runlog"
	"github.com/flowlayer/workflow/serialize"
	storemongo "github.com/flowlayer/workflow/store/mongo"
	"github.com/flowlayer/workflow/store/sqlite"
	"github.com/flowlayer/workflow/stream"
	"github.com/flowlayer/workflow/stream/inmemstream"
	"github.com/flowlayer/workflow/stream/redisstream"
	"github.com/flowlayer/workflow/telemetry"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type serveFlags struct {
	addr         string
	storeBackend string
	sqlitePath   string
	mongoURI     string
	mongoDB      string
	queueBackend string
	redisAddr    string
	temporalHost string
	taskQueue    string
}

func newRootCommand() *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "workflowd",
		Short: "Serve the workflow runtime's HTTP surface and queue handlers",
		Long: `workflowd wires a run/event store, a queue, and a result stream
into the workflow handlers and serves spec.md §6's HTTP endpoints until
interrupted. It registers a small "greet" demo workflow so the binary is
runnable out of the box; a real deployment replaces that registration with
its own compiled bundle.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), f)
		},
	}

	cmd.Flags().StringVar(&f.addr, "addr", envOr("WORKFLOW_HTTP_ADDR", ":8080"), "HTTP listen address")
	cmd.Flags().StringVar(&f.storeBackend, "store", envOr("WORKFLOW_STORE", "sqlite"), "run/event store backend: sqlite or mongo")
	cmd.Flags().StringVar(&f.sqlitePath, "sqlite-path", envOr("WORKFLOW_SQLITE_PATH", "workflowd.db"), "sqlite database file (store=sqlite)")
	cmd.Flags().StringVar(&f.mongoURI, "mongo-uri", os.Getenv("WORKFLOW_MONGO_URI"), "MongoDB connection URI (store=mongo)")
	cmd.Flags().StringVar(&f.mongoDB, "mongo-database", envOr("WORKFLOW_MONGO_DATABASE", "workflow"), "MongoDB database name (store=mongo)")
	cmd.Flags().StringVar(&f.queueBackend, "queue", envOr("WORKFLOW_QUEUE", "inmem"), "queue backend: inmem, redis, or temporal")
	cmd.Flags().StringVar(&f.redisAddr, "redis-addr", os.Getenv("WORKFLOW_REDIS_ADDR"), "Redis address (queue=redis; when set, streams also use Redis)")
	cmd.Flags().StringVar(&f.temporalHost, "temporal-host-port", envOr("WORKFLOW_TEMPORAL_HOST_PORT", "localhost:7233"), "Temporal frontend address (queue=temporal)")
	cmd.Flags().StringVar(&f.taskQueue, "temporal-task-queue", envOr("WORKFLOW_TEMPORAL_TASK_QUEUE", "workflow-core"), "Temporal task queue name (queue=temporal)")

	return cmd
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// serve builds every collaborator and blocks until ctx is canceled (SIGINT
// or SIGTERM), then shuts the HTTP server down gracefully.
func serve(ctx context.Context, f *serveFlags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	cfg := config.FromEnviron()

	runs, events, closeStore, err := buildStore(ctx, f)
	if err != nil {
		return fmt.Errorf("workflowd: build store: %w", err)
	}
	defer closeStore()

	q, closeQueue, err := buildQueue(f)
	if err != nil {
		return fmt.Errorf("workflowd: build queue: %w", err)
	}
	defer closeQueue()

	streams, err := buildStream(f)
	if err != nil {
		return fmt.Errorf("workflowd: build stream: %w", err)
	}

	registry := serialize.NewRegistry()
	workflows := registerDemoWorkflow(registry)

	deps := &handler.Deps{
		Runs:      runs,
		Events:    events,
		Queue:     q,
		Streams:   streams,
		Registry:  registry,
		Workflows: workflows,
		Tokens:    handler.NewMemoryTokenIndex(),
		Logger:    logger,
	}

	cl := &wfclient.Client{Runs: runs, Queue: q, Streams: streams, Registry: registry}
	deps.Starter = cl

	wf := handler.NewWorkflow(deps)
	step := handler.NewStep(deps)
	webhook := handler.NewWebhook(deps)

	if _, err := q.CreateHandler(ctx, handler.WorkflowTopicPrefix, wf.HandleMessage); err != nil {
		return fmt.Errorf("workflowd: register workflow handler: %w", err)
	}
	if _, err := q.CreateHandler(ctx, handler.StepTopicPrefix, step.HandleMessage); err != nil {
		return fmt.Errorf("workflowd: register step handler: %w", err)
	}

	man := demoManifest()
	if cfg.ManifestPath != "" {
		raw, err := os.ReadFile(cfg.ManifestPath)
		if err != nil {
			return fmt.Errorf("workflowd: read manifest at %s: %w", cfg.ManifestPath, err)
		}
		if man, err = manifest.Load(raw); err != nil {
			return fmt.Errorf("workflowd: load manifest: %w", err)
		}
	}

	srv := &httpapi.Server{
		WorkflowHandler: wf.HandleMessage,
		StepHandler:     step.HandleMessage,
		Webhook:         webhook,
		Manifest:        man,
		Logger:          logger,
	}
	if cfg.PublicManifest != "" {
		srv.PublicManifest = []byte(cfg.PublicManifest)
	}

	mux := http.NewServeMux()
	srv.Mount(mux)

	meterProvider, metricsHandler, err := telemetry.NewPrometheusMeterProvider()
	if err != nil {
		return fmt.Errorf("workflowd: build prometheus meter provider: %w", err)
	}
	defer func() { _ = meterProvider.Shutdown(context.Background()) }()
	mux.Handle("/metrics", metricsHandler)

	tracerProvider, err := telemetry.NewStdoutTracerProvider()
	if err != nil {
		return fmt.Errorf("workflowd: build stdout tracer provider: %w", err)
	}
	defer func() { _ = tracerProvider.Shutdown(context.Background()) }()

	logger.Info(ctx, "workflowd: starting demo run")
	runID, err := cl.Start(ctx, "workflow//demo//greet", "world")
	if err != nil {
		logger.Warn(ctx, "workflowd: demo run failed to start", "error", err)
	} else {
		logger.Info(ctx, "workflowd: demo run started", "runId", runID)
	}

	return httpapi.Run(ctx, f.addr, mux, logger)
}

func buildStore(ctx context.Context, f *serveFlags) (run.Store, runlog.Store, func(), error) {
	switch f.storeBackend {
	case "", "sqlite":
		s, err := sqlite.Open(ctx, sqlite.Config{Path: f.sqlitePath, WAL: true})
		if err != nil {
			return nil, nil, nil, err
		}
		return s.Runs(), s.Events(), func() { _ = s.Close() }, nil
	case "mongo":
		if f.mongoURI == "" {
			return nil, nil, nil, fmt.Errorf("store=mongo requires --mongo-uri (or WORKFLOW_MONGO_URI)")
		}
		c, err := mongodriver.Connect(moptions.Client().ApplyURI(f.mongoURI))
		if err != nil {
			return nil, nil, nil, err
		}
		s, err := storemongo.New(ctx, storemongo.Config{Client: c, Database: f.mongoDB})
		if err != nil {
			return nil, nil, nil, err
		}
		return s.Runs(), s.Events(), func() { _ = c.Disconnect(context.Background()) }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store backend %q", f.storeBackend)
	}
}

func buildQueue(f *serveFlags) (queue.Queue, func(), error) {
	switch f.queueBackend {
	case "", "inmem":
		q := inmemqueue.New(time.Now)
		return q, func() { _ = q.Close() }, nil
	case "redis":
		if f.redisAddr == "" {
			return nil, nil, fmt.Errorf("queue=redis requires --redis-addr (or WORKFLOW_REDIS_ADDR)")
		}
		rdb := redis.NewClient(&redis.Options{Addr: f.redisAddr})
		hostname, _ := os.Hostname()
		q := redisqueue.New(rdb, fmt.Sprintf("%s-%d", hostname, os.Getpid()))
		return q, func() { _ = q.Close(); _ = rdb.Close() }, nil
	case "temporal":
		c, err := temporalclient.Dial(temporalclient.Options{HostPort: f.temporalHost})
		if err != nil {
			return nil, nil, err
		}
		q := temporalqueue.New(c, f.taskQueue)
		return q, func() { _ = q.Close(); c.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", f.queueBackend)
	}
}

func buildStream(f *serveFlags) (stream.Store, error) {
	if f.redisAddr != "" {
		return redisstream.New(redis.NewClient(&redis.Options{Addr: f.redisAddr})), nil
	}
	return inmemstream.New(), nil
}

// registerDemoWorkflow registers the "greet" workflow and its one step
// directly, playing the part a generated bundle registration would play in
// a real deployment.
func registerDemoWorkflow(registry *serialize.Registry) map[string]engine.WorkflowFunc {
	registry.RegisterStep(serialize.StepDescriptor{
		StepID: "step//demo//renderGreeting",
		Invoke: func(_ any, _ any, args []any) (any, error) {
			name, _ := args[0].(string)
			return "hello, " + name, nil
		},
	})

	greet := func(wctx *engine.Context, args []any) (any, error) {
		name, _ := args[0].(string)
		return wctx.UseStep("step//demo//renderGreeting", nil, nil, name)
	}

	return map[string]engine.WorkflowFunc{"workflow//demo//greet": greet}
}

func demoManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Version: 1,
		Workflows: map[string]map[string]manifest.WorkflowEntry{
			"demo": {"greet": {WorkflowID: "workflow//demo//greet"}},
		},
		Steps: map[string]map[string]manifest.StepEntry{
			"demo": {"renderGreeting": {StepID: "step//demo//renderGreeting"}},
		},
	}
}
