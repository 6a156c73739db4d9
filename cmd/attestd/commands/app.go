package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oktsec/attestd/internal/attest"
	"github.com/oktsec/attestd/internal/audit"
	"github.com/oktsec/attestd/internal/config"
	"github.com/oktsec/attestd/internal/device"
	"github.com/oktsec/attestd/internal/identity"
	"github.com/oktsec/attestd/internal/metrics"
	"github.com/oktsec/attestd/internal/pipeline"
	"github.com/oktsec/attestd/internal/policy"
	"github.com/oktsec/attestd/internal/replay"
	"github.com/oktsec/attestd/internal/store"
	"github.com/oktsec/attestd/internal/worker"
)

// loadConfig reads --config, falling back to defaults when the file does
// not exist.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Defaults()
	} else if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgFile, err)
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// quietLogger is used by one-shot commands whose output is the result.
func quietLogger() *slog.Logger {
	return newLogger("error")
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.SQL, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return store.OpenPostgres(ctx, cfg.Storage.DSN, logger)
	default:
		return store.OpenSQLite(cfg.Storage.Path, logger)
	}
}

// nonceStore selects the replay backend. The returned close func releases
// any client it opened.
func nonceStore(ctx context.Context, cfg *config.Config, sql *store.SQL, logger *slog.Logger) (replay.NonceStore, func(), error) {
	switch cfg.Replay.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Replay.RedisAddr,
			Password: cfg.Replay.RedisPassword,
			DB:       cfg.Replay.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connecting to redis %s: %w", cfg.Replay.RedisAddr, err)
		}
		logger.Info("replay guard using redis", "addr", cfg.Replay.RedisAddr)
		return replay.NewRedisStore(client, "attestd"), func() { _ = client.Close() }, nil
	case "memory":
		logger.Warn("replay guard using in-memory nonces; replays across restarts go undetected")
		return replay.NewMemoryStore(), func() {}, nil
	default:
		return sql, func() {}, nil
	}
}

// staticPolicies loads the policy file once, or an empty set when the file
// is absent. Commands that only administer devices never evaluate it.
func staticPolicies(cfg *config.Config) (policy.Source, error) {
	set, err := policy.LoadSet(cfg.Policies.File)
	if errors.Is(err, fs.ErrNotExist) {
		return policy.NewStatic(&policy.Set{}), nil
	}
	if err != nil {
		return nil, err
	}
	return policy.NewStatic(set), nil
}

func eligibleStatuses(cfg *config.Config) []attest.DeviceStatus {
	out := make([]attest.DeviceStatus, 0, len(cfg.Pipeline.EligibleStatuses))
	for _, s := range cfg.Pipeline.EligibleStatuses {
		out = append(out, attest.DeviceStatus(s))
	}
	return out
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		SignatureTimeout: cfg.Pipeline.SignatureTimeout,
		PendingTTL:       cfg.Pipeline.PendingTTL,
		SweepInterval:    cfg.Pipeline.SweepInterval,
		Retry: pipeline.RetryPolicy{
			Attempts:     cfg.Pipeline.Retry.Attempts,
			InitialDelay: cfg.Pipeline.Retry.InitialDelay,
			MaxDelay:     cfg.Pipeline.Retry.MaxDelay,
		},
		EligibleStatuses: eligibleStatuses(cfg),
	}
}

// stack is a store and the pipeline over it, assembled from config.
type stack struct {
	store    *store.SQL
	pipeline *pipeline.Pipeline
	closers  []func()
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

type stackOptions struct {
	executor worker.Executor
	policies policy.Source
	sinks    []audit.Sink
	metrics  *metrics.Metrics
}

func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts stackOptions) (*stack, error) {
	st := &stack{}

	sql, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	st.store = sql
	st.closers = append(st.closers, func() { _ = sql.Close() })

	nonces, closeNonces, err := nonceStore(ctx, cfg, sql, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.closers = append(st.closers, closeNonces)
	guard := replay.NewGuard(nonces, cfg.Replay.MaxAge, cfg.Replay.ClockSkew)

	policies := opts.policies
	if policies == nil {
		if policies, err = staticPolicies(cfg); err != nil {
			st.Close()
			return nil, err
		}
	}
	executor := opts.executor
	if executor == nil {
		executor = worker.Inline{}
	}

	sinks := append([]audit.Sink{audit.SinkFunc(sql.AppendEvent)}, opts.sinks...)
	if opts.metrics != nil {
		sinks = append(sinks, opts.metrics)
	}

	p, err := pipeline.New(pipeline.Deps{
		Store:    sql,
		Guard:    guard,
		Verifier: identity.NewRegistry(identity.DefaultSchemes()...),
		Policies: policies,
		Engine:   policy.NewEngine(),
		Machine:  device.NewMachine(cfg.Escalation.Threshold, cfg.Escalation.Window),
		Events:   audit.NewRecorder(logger, sinks...),
		Executor: executor,
		Metrics:  opts.metrics,
		Logger:   logger,
	}, pipelineConfig(cfg))
	if err != nil {
		st.Close()
		return nil, err
	}
	st.pipeline = p
	st.closers = append(st.closers, p.Close)
	return st, nil
}

// operatorPipeline builds a pipeline for one-shot admin commands: inline
// execution and no background work.
func operatorPipeline(ctx context.Context) (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return buildStack(ctx, cfg, quietLogger(), stackOptions{})
}

// readStore opens the configured store for read-only commands.
func readStore(ctx context.Context) (*store.SQL, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := openStore(ctx, cfg, quietLogger())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

// keysDir returns the --keys/--out flag when set, else identity.keys_dir
// from config, else the flag default.
func keysDir(cmd *cobra.Command, flag, value string) string {
	if cmd.Flags().Changed(flag) {
		return value
	}
	if cfg, err := loadConfig(); err == nil && cfg.Identity.KeysDir != "" {
		return cfg.Identity.KeysDir
	}
	return value
}
