package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/approval"
	"github.com/weftlabs/weft/internal/engine"
	"github.com/weftlabs/weft/internal/eventbus"
	"github.com/weftlabs/weft/internal/examples"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/otel"
	"github.com/weftlabs/weft/internal/server"
	"github.com/weftlabs/weft/internal/store"
)

// shutdownTimeout bounds the drain of live runs and the trace flush after
// the listener stops. Runs still live at the deadline are reconciled as
// orphans on the next start.
const shutdownTimeout = 30 * time.Second

func CmdServer() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "server [flags]",
			Short: "Start the orchestration server",
			Long: `Launch the weft server: run admission and execution, the durable run
registry, and the HTTP control plane with live SSE event streams.

Flags:
  --host string      host address to bind to (default: 127.0.0.1)
  --port int         port number to listen on (default: 8080)
  --data-dir string  directory holding the run registry database
  --debug            enable debug logging

Example:
  weft server --host=0.0.0.0 --port=8080

The process runs in the foreground until interrupted; SIGINT and SIGTERM
drain live runs before exit.
`,
		}, serverFlags, runServer,
	)
}

var serverFlags = []commandLineFlag{hostFlag, portFlag, dataDirFlag, debugFlag, quietFlag}

func runServer(ctx *Context, _ []string) error {
	app, err := newApp(ctx)
	if err != nil {
		return err
	}

	// Interrupts stop admission and the listener. The engine keeps the
	// long-lived context so draining runs can still persist state.
	signalCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.engine.Start(ctx.Context); err != nil {
		app.close(ctx.Context)
		return fmt.Errorf("failed to start engine: %w", err)
	}

	logger.Info(ctx, "Server starting", "addr", ctx.Config.Server.Addr())
	serveErr := app.server.Serve(signalCtx)

	app.close(ctx.Context)
	return serveErr
}

// app bundles the wired components so teardown can release them in reverse
// dependency order once the listener is down.
type app struct {
	store  *store.Store
	tracer *otel.Tracer
	engine *engine.Engine
	server *server.Server
}

func newApp(c *Context) (*app, error) {
	cfg := c.Config

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", cfg.Paths.DataDir, err)
	}
	st, err := store.Open(c.Context, cfg.Paths.DatabaseFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	fail := func(err error) (*app, error) {
		_ = st.Close()
		return nil, err
	}

	providers, err := engine.BuildProviders(cfg.Providers)
	if err != nil {
		return fail(fmt.Errorf("failed to build providers: %w", err))
	}
	gates := engine.BuildGates(cfg.Safety, providers)

	reg, err := examples.Load(cfg.Paths.ExamplesDir)
	if err != nil {
		return fail(fmt.Errorf("failed to load examples: %w", err))
	}
	for _, w := range reg.Warnings {
		logger.Warn(c, w)
	}

	tracer, err := otel.NewTracer(c.Context, cfg.Tracing)
	if err != nil {
		return fail(fmt.Errorf("failed to set up tracing: %w", err))
	}

	promRegistry := prometheus.NewRegistry()
	mtr := metrics.New(promRegistry)
	bus := eventbus.New()

	eng := engine.New(engine.Params{
		Config:    *cfg,
		Runs:      st,
		Queue:     st,
		Bus:       bus,
		Gates:     gates,
		Providers: providers,
		Examples:  reg,
		Metrics:   mtr,
		Tracer:    tracer,
	})

	srv := server.New(server.Params{
		Config:    cfg,
		Engine:    eng,
		Approvals: approval.NewController(st, eng),
		Examples:  reg,
		Bus:       bus,
		Metrics:   mtr,
		Registry:  promRegistry,
	})

	return &app{store: st, tracer: tracer, engine: eng, server: srv}, nil
}

// close drains the engine, flushes spans and releases the store.
func (a *app) close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := a.engine.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "Engine shutdown failed", tag.Error(err))
	}
	if err := a.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "Trace export flush failed", tag.Error(err))
	}
	if err := a.store.Close(); err != nil {
		logger.Error(shutdownCtx, "Store close failed", tag.Error(err))
	}
}
