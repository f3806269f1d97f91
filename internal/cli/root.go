// Package cli is the mart command line: a storefront client that signs in,
// keeps a cart, and can serve a local sandbox backend.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/martlane/storefront/internal/app/cart"
	"github.com/martlane/storefront/internal/app/session"
	"github.com/martlane/storefront/internal/config"
	"github.com/martlane/storefront/internal/infra/observability"
	"github.com/martlane/storefront/internal/infra/sqlite"
)

var (
	cfgPath string
	verbose bool
	baseURL string

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mart",
	Short: "Storefront client",
	Long: `mart talks to the storefront services as a signed-in user or a guest.

Requests carry a correlation id, expired access tokens are refreshed once
for every request waiting on them, and the cart is kept in step with the
server. Run 'mart sandbox' for a local backend to try it against.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if baseURL != "" {
			cfg.API.BaseURL = baseURL
		}

		zc := zap.NewProductionConfig()
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		level, err := zap.ParseAtomicLevel(cfg.Log.Level)
		if err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
		zc.Level = level
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultPath(), "Path to config.toml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Override api.base_url")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// client is one CLI invocation's wired stack.
type client struct {
	db     *sqlite.DB
	sess   *session.Session
	cart   *cart.Manager
	tracer *observability.Tracer
}

// openClient opens local state and restores the session.
func openClient(ctx context.Context) (*client, error) {
	db, err := sqlite.Open(cfg.Storage.Dir)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	tracer := observability.NewTracer(observability.TracerConfig{Enabled: verbose, MaxSpans: cfg.Tracing.MaxSpans})
	sess := session.New(db, cfg, session.Options{Tracer: tracer, Logger: logger})
	if err := sess.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("restore session: %w", err)
	}
	return &client{
		db:   db,
		sess: sess,
		cart: cart.NewManager(sess.Pipeline, sess.Store, sess.Guest,
			cart.WithPolicy(cfg.Cart.DeliveryPolicy),
			cart.WithIdentity(sess.Current),
			cart.WithLogger(logger.Named("cart"))),
		tracer: tracer,
	}, nil
}

// Close logs the invocation's telemetry and closes the store.
// Session-scoped state outlives the process until 'mart forget' ends it.
func (c *client) Close() {
	logTelemetry(logger.Named("telemetry"), c.tracer, prometheus.DefaultGatherer)
	if err := c.db.Close(); err != nil {
		logger.Debug("close state", zap.Error(err))
	}
}
