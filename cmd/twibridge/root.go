package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sprucehealth/twibridge/carrier"
	"github.com/sprucehealth/twibridge/config"
	"github.com/sprucehealth/twibridge/console"
	"github.com/sprucehealth/twibridge/credential"
	"github.com/sprucehealth/twibridge/engine"
	"github.com/sprucehealth/twibridge/eventbus"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	v := config.New()
	var envFiles []string

	root := &cobra.Command{
		Use:   "twibridge",
		Short: "Two-leg Twilio call bridge",
		Long: `twibridge places an outbound call to an agent and, once the agent
answers, dials the customer and bridges the two legs. Calls to either carrier
number are forwarded to the other. Live call events are streamed to operator
consoles over SSE and WebSocket.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the environment")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error (env LOG_LEVEL)")
	_ = v.BindPFlag(config.KeyLogLevel, root.PersistentFlags().Lookup("log-level"))

	load := func() (config.Config, error) {
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return config.Config{}, err
		}
		cfg := config.FromViper(v)
		return cfg, cfg.Validate()
	}

	root.AddCommand(
		newServeCmd(v, load),
		newCheckAuthCmd(load),
		newSimulateCmd(load),
	)
	return root
}

type loadFunc func() (config.Config, error)

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func credentialsFrom(cfg config.Config) credential.Credentials {
	return credential.Credentials{
		AccountSID:   cfg.AccountSID,
		AuthToken:    cfg.AuthToken,
		APIKeySID:    cfg.APIKeySID,
		APIKeySecret: cfg.APIKeySecret,
		Timeout:      cfg.HTTPTimeout,
	}
}

// app is the wired object graph shared by serve and simulate.
type app struct {
	bus      *eventbus.Bus
	selector *credential.Selector
	engine   *engine.EngineImpl
	server   *console.Server
}

func newApp(cfg config.Config, logger *slog.Logger, factory credential.Factory) *app {
	bus := eventbus.New(eventbus.WithBufferSize(cfg.EventBufferSize), eventbus.WithLogger(logger))
	sel := credential.NewSelector(credentialsFrom(cfg), factory,
		credential.WithLogger(logger), credential.WithPublisher(bus))
	eng := engine.NewEngine(engine.Config{
		BaseURL: cfg.BackendURL,
		NumberA: cfg.NumberA,
		NumberB: cfg.NumberB,
	}, sel, bus, engine.WithLogger(logger), engine.WithMaxSessions(cfg.MaxSessions))
	srv := console.NewServer(eng, sel, bus, console.Options{
		Addr:              cfg.ListenAddr,
		BackendURL:        cfg.BackendURL,
		CORSOrigin:        cfg.CORSOrigin,
		AuthToken:         cfg.AuthToken,
		ValidateWebhooks:  cfg.ValidateWebhooks,
		Keepalive:         cfg.SSEKeepalive,
		NumbersConfigured: cfg.NumberA != "" && cfg.NumberB != "",
		Logger:            logger,
	})
	return &app{bus: bus, selector: sel, engine: eng, server: srv}
}

func twilioFactory(logger *slog.Logger) credential.Factory {
	return credential.TwilioFactory(carrier.WithLogger(logger))
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}
