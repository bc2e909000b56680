package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/leadflow/internal/diagram"
	"github.com/rendis/leadflow/internal/httpapi"
	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/poller"
	"github.com/rendis/leadflow/internal/rules"
	"github.com/rendis/leadflow/internal/worker"
	"github.com/rendis/leadflow/pkg/mcp"
	"github.com/rendis/leadflow/pkg/schema"
)

const shutdownTimeout = 15 * time.Second

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "leadflow",
		Short:        "Multi-tenant lead automation workflows",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ./leadflow.yaml or $HOME/.leadflow/leadflow.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	root.AddCommand(
		longRunning(opts, "serve", "Run the API, worker and poller in one process", runServe),
		longRunning(opts, "worker", "Consume domain events and advance workflows", runWorker),
		longRunning(opts, "poller", "Re-drive stale workflows and send meeting reminders", runPoller),
		longRunning(opts, "api", "Serve the HTTP API", runAPI),
		longRunning(opts, "mcp", "Serve the MCP tools over stdio", runMCP),
		newMigrateCmd(opts),
		newTransitionsCmd(),
		newVersionCmd(),
	)
	return root
}

// setup loads the config and builds the process logger. Logs go to stderr so
// stdout stays free for the MCP transport.
func setup(opts *rootOptions) (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogJSON)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// longRunning builds a command that wires the app, runs fn until the context
// is cancelled, then shuts the app down.
func longRunning(opts *rootOptions, use, short string, fn func(ctx context.Context, a *app) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("leadflow starting",
				slog.String("command", use),
				slog.String("version", version),
				slog.String("store", cfg.Store.Driver),
				slog.Bool("redis", !a.usesMemoryBus()))
			if use != "serve" {
				a.warnLocalBus(use)
			}

			runErr := fn(ctx, a)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			a.close(shutdownCtx)
			logger.Info("leadflow stopped", slog.String("command", use))
			return runErr
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runWorker(gctx, a) })
	g.Go(func() error { return runPoller(gctx, a) })
	g.Go(func() error { return runAPI(gctx, a) })
	return g.Wait()
}

func runWorker(ctx context.Context, a *app) error {
	w, err := worker.New(worker.Config{Engine: a.engine, Actions: a.actions, Logger: a.logger})
	if err != nil {
		return err
	}
	if err := w.Subscribe(a.bus); err != nil {
		return err
	}
	a.logger.Info("worker subscribed")
	<-ctx.Done()
	return nil
}

func runPoller(ctx context.Context, a *app) error {
	p, err := poller.New(poller.Config{
		Store:          a.store,
		Engine:         a.engine,
		Events:         a.bus,
		Actions:        a.actions,
		Schedule:       a.cfg.Poller.Schedule,
		StaleAfter:     a.cfg.Poller.StaleAfter,
		StaleLimit:     a.cfg.Poller.StaleLimit,
		ReminderWindow: a.cfg.Poller.ReminderWindow,
		ReminderLimit:  a.cfg.Poller.ReminderLimit,
		ReminderDedup:  a.cfg.Poller.ReminderDedup,
		Logger:         a.logger,
		Metrics:        a.metrics,
	})
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return p.Stop()
}

func runAPI(ctx context.Context, a *app) error {
	e := httpapi.NewServer(a.intake, a.metrics, a.logger).Echo()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http api listening", slog.String("addr", a.cfg.HTTP.Addr))
		if err := e.Start(a.cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runMCP(ctx context.Context, a *app) error {
	srv := mcp.NewLeadflowServer(mcp.LeadflowServerDeps{
		Intake:  a.intake,
		Version: version,
		Logger:  a.logger,
	})
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate store: %w", err)
			}
			logger.Info("migrations applied", slog.String("driver", cfg.Store.Driver))
			return nil
		},
	}
}

func newTransitionsCmd() *cobra.Command {
	var format, product, current string
	cmd := &cobra.Command{
		Use:   "transitions",
		Short: "Print the workflow state machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := diagram.Options{Title: "leadflow", Current: schema.WorkflowState(current)}
			if product != "" {
				catalog, err := rules.NewCatalog(rules.BuiltinProducts(), rules.Booker.Slug)
				if err != nil {
					return err
				}
				p, ok := catalog.Product(product)
				if !ok {
					return fmt.Errorf("unknown product %q (known: %s)", product, strings.Join(catalog.Slugs(), ", "))
				}
				opts.Title = p.Name()
				opts.Allowed = p.AllowedAgents()
			}

			model := diagram.Build(opts)
			switch format {
			case "mermaid":
				fmt.Fprint(cmd.OutOrStdout(), diagram.RenderMermaid(model))
			case "ascii":
				fmt.Fprint(cmd.OutOrStdout(), diagram.RenderASCII(model))
			default:
				return fmt.Errorf("unknown format %q (want mermaid or ascii)", format)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "mermaid", "output format: mermaid or ascii")
	cmd.Flags().StringVar(&product, "product", "", "limit to the agents a product allows")
	cmd.Flags().StringVar(&current, "current", "", "highlight a state")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
