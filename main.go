package main

import (
	"context"
	"fmt"
	"io"
	"mqtt-link/adapters"
	"mqtt-link/application"
	"mqtt-link/config"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

var Flags = []cli.Flag{
	FlagConfig,
	FlagLogLevel,
	FlagLogWriter,
	FlagMQTTHost,
	FlagMQTTClientID,
	FlagMQTTUsername,
	FlagMQTTPassword,
	FlagMQTTCAFile,
	FlagMQTTCertFile,
	FlagMQTTKeyFile,
	FlagMQTTVerifyHostname,
	FlagRetryInterval,
	FlagErrorPolicy,
	FlagPersistenceBackend,
	FlagPersistencePath,
	FlagStatusTopic,
	FlagReportTopic,
	FlagSubscribe,
}

func main() {
	var logger zerolog.Logger
	var cfg *config.Config

	app := cli.App{
		Name:    "mqtt-link",
		Usage:   "keep a device attached to an MQTT broker",
		Version: "v0.1.0",
		Flags:   Flags,
		Before: func(ctx *cli.Context) error {
			var err error
			cfg, logger, err = setup(ctx, os.Stderr)
			return err
		},
		Action: func(ctx *cli.Context) error {
			logger.Info().Msg("service starting...")

			appCtx, cancel := context.WithCancel(logger.WithContext(context.Background()))
			defer cancel()
			go func() {
				c := make(chan os.Signal, 1)
				signal.Notify(c, os.Interrupt, syscall.SIGTERM)

				<-c

				logger.Warn().Msg("interrupt signal received")
				cancel()
			}()

			return run(appCtx, cfg, logger)
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Err(err).Msg("service terminated")
		os.Exit(1)
	}
}

// setup loads and validates the configuration. The returned logger is usable
// even when an error is returned.
func setup(ctx *cli.Context, out io.Writer) (*config.Config, zerolog.Logger, error) {
	logger := newLogger(out, ctx.String(FlagLogWriter.Name))

	cfg, err := config.Load(ctx.String(FlagConfig.Name))
	if err != nil {
		return nil, logger, err
	}
	if err := applyFlags(ctx, cfg); err != nil {
		return nil, logger, err
	}
	cfg.EnsureClientID()
	if err := cfg.Validate(); err != nil {
		return nil, logger, err
	}

	logger = newLogger(out, cfg.Logging.Writer)

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, logger, err
	}

	zerolog.SetGlobalLevel(level)

	return cfg, logger, nil
}

func newLogger(out io.Writer, writer string) zerolog.Logger {
	var logWriter io.Writer
	if writer == "json" {
		logWriter = out
	} else {
		logWriter = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339Nano,
		}
	}

	return zerolog.New(logWriter).With().Timestamp().
		Str("service", "mqtt-link").
		Str("module", "main").
		Logger()
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	errorPolicy, err := application.ParseErrorPolicy(cfg.MQTT.Reconnect.ErrorPolicy)
	if err != nil {
		return err
	}

	store, err := newPersistenceStore(cfg.Persistence)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close persistence store")
		}
	}()

	clientID := cfg.MQTT.ClientID
	qos := byte(cfg.Gateway.QoS)

	opts := application.NewConnectOptions(cfg.MQTT.Auth.Username, cfg.MQTT.Auth.Password).
		WithTLS(cfg.MQTT.TLS.CAFile, cfg.MQTT.TLS.CertFile, cfg.MQTT.TLS.KeyFile).
		WithWill(cfg.Gateway.StatusTopic,
			application.StatusMessage("offline", clientID, "unexpected_disconnect"), qos, true)
	opts.VerifyHostname = cfg.MQTT.TLS.VerifyHostname

	serverURI := net.JoinHostPort(cfg.MQTT.Host, strconv.Itoa(opts.Port()))
	logger.Info().
		Str("client_id", clientID).
		Str("server", serverURI).
		Str("persistence", cfg.Persistence.Backend).
		Msg("broker endpoint")

	newTransport := adapters.NewPahoTransportFunc(adapters.PahoTransportParams{
		ClientID:       clientID,
		CleanSession:   cfg.MQTT.CleanSession,
		ConnectTimeout: cfg.ConnectTimeout(),
		Store: adapters.NewPahoStore(store, clientID, serverURI,
			logger.With().Str("module", "persistence").Logger()),
		Log: logger.With().Str("module", "paho-transport").Logger(),
	})

	subscriptions := make([]application.Subscription, 0, len(cfg.Gateway.Subscriptions))
	for _, sub := range cfg.Gateway.Subscriptions {
		subscriptions = append(subscriptions, application.Subscription{Topic: sub.Topic, QoS: byte(sub.QoS)})
	}

	gateway, err := application.NewGatewayService(application.GatewayServiceParams{
		ClientID:       clientID,
		StatusTopic:    cfg.Gateway.StatusTopic,
		ReportTopic:    cfg.Gateway.ReportTopic,
		ReportInterval: cfg.ReportInterval(),
		QoS:            qos,
		Subscriptions:  subscriptions,
		NewClientFunc: func(observer application.Observer, onMessage application.MessageHandler) (application.MQTTClient, error) {
			conn, err := application.NewReconnectingConnection(application.ReconnectingConnectionParams{
				Host:     cfg.MQTT.Host,
				ClientID: clientID,
				Options:  opts,
				RetryPolicy: application.RetryPolicy{
					RetryInterval: cfg.RetryInterval(),
					AutoReconnect: cfg.MQTT.Reconnect.AutoReconnect,
				},
				ErrorPolicy:      errorPolicy,
				MaxBackoff:       cfg.MaxBackoff(),
				Observer:         observer,
				OnMessage:        onMessage,
				NewTransportFunc: newTransport,
				PublishTimeout:   cfg.PublishTimeout(),
				Log:              logger.With().Str("module", "connection").Logger(),
			})
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		Log: logger.With().Str("module", "gateway").Logger(),
	})
	if err != nil {
		return err
	}

	logger.Info().Msg("service started")
	if err := gateway.Run(ctx); err != nil {
		return err
	}

	logger.Info().Msg("service terminating...")
	return nil
}

func newPersistenceStore(cfg config.PersistenceConfig) (application.PersistenceStore, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return adapters.NewMemoryStore(), nil
	case config.BackendFile:
		return adapters.NewFileStore(cfg.Path)
	case config.BackendSQLite:
		return adapters.NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}
