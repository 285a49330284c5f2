package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/sprucehealth/twibridge/config"
	"github.com/sprucehealth/twibridge/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper, load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("addr", "", "listen address (env LISTEN_ADDR)")
	cmd.Flags().String("backend-url", "", "public URL the carrier posts webhooks to (env BACKEND_URL)")
	cmd.Flags().Bool("validate-webhooks", false, "require a valid X-Twilio-Signature on webhooks (env VALIDATE_WEBHOOKS)")
	bindFlag(v, cmd, config.KeyListenAddr, "addr")
	bindFlag(v, cmd, config.KeyBackendURL, "backend-url")
	bindFlag(v, cmd, config.KeyValidateWebhooks, "validate-webhooks")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(cfg.LogLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.OTELServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	a := newApp(cfg, logger, twilioFactory(logger))
	st := a.selector.StatusSnapshot()
	logger.Info("twibridge starting",
		"addr", cfg.ListenAddr,
		"backend_url", cfg.BackendURL,
		"twilio_configured", cfg.TwilioConfigured(),
		"auth_token_available", st.AuthTokenClientAvailable,
		"api_key_available", st.APIKeyClientAvailable,
		"validate_webhooks", cfg.ValidateWebhooks,
		"version", version,
	)
	if !cfg.TwilioConfigured() {
		logger.Warn("carrier credentials or numbers missing; outbound calls will fail")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("twibridge shutting down")
		// Ends the open event streams so Shutdown does not wait on them.
		a.bus.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Stop(sctx)
	})
	return g.Wait()
}
