package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martlane/storefront/internal/api"
)

func init() {
	rootCmd.AddCommand(sandboxCmd)
	sandboxCmd.Flags().String("listen", "", "Listen address (default sandbox.listen)")
}

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Serve an in-memory storefront backend",
	Long: `Serve the identity, catalogue and cart endpoints from memory, mounted
under every configured service prefix. State is lost on exit.

A demo account is seeded: ` + api.DemoEmail + ` / ` + api.DemoPassword + `.
Prometheus metrics are served at /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("listen")
		if addr == "" {
			addr = cfg.Sandbox.Listen
		}

		sb := api.NewServer(api.Config{
			Services:          cfg.API.Services,
			Policy:            cfg.Cart.DeliveryPolicy,
			AccessTTL:         cfg.AccessTTL(),
			GuestHeader:       cfg.Cart.GuestSessionHeader,
			CorrelationHeader: cfg.Tracing.CorrelationHeader,
		}, logger.Named("sandbox"))

		srv := &http.Server{
			Addr:              addr,
			Handler:           sb.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Info("sandbox listening", zap.String("addr", addr))
			errCh <- srv.ListenAndServe()
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "Sandbox on http://%s (Ctrl+C to stop)\n", addr)

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("sandbox shutting down")
		return srv.Shutdown(shutdownCtx)
	},
}
