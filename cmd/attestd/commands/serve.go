package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oktsec/attestd/internal/audit"
	"github.com/oktsec/attestd/internal/config"
	"github.com/oktsec/attestd/internal/dashboard"
	"github.com/oktsec/attestd/internal/metrics"
	"github.com/oktsec/attestd/internal/policy"
	"github.com/oktsec/attestd/internal/server"
	"github.com/oktsec/attestd/internal/telemetry"
	"github.com/oktsec/attestd/internal/worker"
)

const purgeInterval = time.Hour

func newServeCmd() *cobra.Command {
	var port int
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the attestation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg.Server.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "address to bind (default: 127.0.0.1)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(cfg.Telemetry, os.Stderr, logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	var m *metrics.Metrics
	if cfg.Telemetry.Metrics {
		m = metrics.New()
	}

	watcher, err := policy.NewWatcher(cfg.Policies.File, logger)
	if err != nil {
		return fmt.Errorf("loading policies: %w", err)
	}
	watcher.OnLoad(func(*policy.Set) { m.PolicyReloaded() })

	pool := worker.NewPool(cfg.Pipeline.Workers, logger)
	m.WatchPool(pool.Stats)

	sinks := []audit.Sink{audit.LogSink{Logger: logger}}
	var webhooks *audit.WebhookSink
	if len(cfg.Webhooks) > 0 {
		webhooks = audit.NewWebhookSink(cfg.Webhooks, logger)
		defer webhooks.Close()
		sinks = append(sinks, webhooks)
	}

	st, err := buildStack(ctx, cfg, logger, stackOptions{
		executor: pool,
		policies: watcher,
		sinks:    sinks,
		metrics:  m,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.pipeline.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering pending reports: %w", err)
	}
	if n > 0 {
		logger.Info("resumed pending reports", "count", n)
	}

	var limiter *server.RateLimiter
	if cfg.RateLimit.PerDevice > 0 {
		limiter = server.NewRateLimiter(cfg.RateLimit.PerDevice, cfg.RateLimit.WindowS)
	}
	opts := server.Options{Version: version, Limiter: limiter, Tracing: cfg.Telemetry.Tracing}
	if m != nil {
		opts.Metrics = m.Handler()
	}
	accessCode := ""
	if cfg.Server.Dashboard {
		dash := dashboard.NewServer(st.store, logger)
		opts.Dashboard = dash.Handler()
		accessCode = dash.AccessCode()
	}
	srv, err := server.New(cfg.Server.Bind, cfg.Server.Port, server.NewHandler(st.pipeline, opts, logger), logger)
	if err != nil {
		return err
	}

	printBanner(cfg, srv.Port(), len(watcher.Current().Policies), accessCode)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		st.pipeline.RunSweeper(gctx)
		return nil
	})
	if cfg.Policies.Watch {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		purgeLoop(gctx, cfg, st, limiter, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := pool.Close(shutdownCtx); err != nil {
			logger.Warn("worker pool did not drain", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// purgeLoop enforces event retention, expires replay nonces and prunes
// rate limiter state.
func purgeLoop(ctx context.Context, cfg *config.Config, st *stack, limiter *server.RateLimiter, logger *slog.Logger) {
	purge := func() {
		if days := cfg.Storage.RetentionDays; days > 0 {
			if n, err := st.store.PurgeEvents(ctx, days); err != nil {
				logger.Warn("event purge failed", "error", err)
			} else if n > 0 {
				logger.Info("purged security events", "count", n, "retention_days", days)
			}
		}
		if cfg.Replay.Backend == "sql" {
			if n, err := st.store.PurgeNonces(ctx, time.Now()); err != nil {
				logger.Warn("nonce purge failed", "error", err)
			} else if n > 0 {
				logger.Debug("purged expired nonces", "count", n)
			}
		}
		if limiter != nil {
			limiter.Prune()
		}
	}

	purge()
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}

var (
	bannerTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	bannerLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12)
	bannerBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 2)
)

func printBanner(cfg *config.Config, port, policies int, accessCode string) {
	base := fmt.Sprintf("http://%s:%d", cfg.Server.Bind, port)
	rows := [][2]string{
		{"API", base + "/v1"},
		{"Health", base + "/health"},
		{"Storage", cfg.Storage.Driver},
		{"Replay", cfg.Replay.Backend},
		{"Policies", fmt.Sprintf("%d from %s", policies, cfg.Policies.File)},
		{"Workers", fmt.Sprint(cfg.Pipeline.Workers)},
	}
	if cfg.Telemetry.Metrics {
		rows = append(rows, [2]string{"Metrics", base + "/metrics"})
	}
	if accessCode != "" {
		rows = append(rows,
			[2]string{"Dashboard", base + "/dashboard"},
			[2]string{"Access code", accessCode},
		)
	}

	var b strings.Builder
	b.WriteString(bannerTitle.Render("attestd " + version))
	for _, r := range rows {
		b.WriteString("\n" + bannerLabel.Render(r[0]) + r[1])
	}
	fmt.Println()
	fmt.Println(bannerBox.Render(b.String()))
	fmt.Println("  Press Ctrl+C to stop.")
	fmt.Println()
}
