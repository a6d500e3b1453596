package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/nimdanitro/sensor-relay-go/pkg/config"
	"github.com/nimdanitro/sensor-relay-go/pkg/control"
	"github.com/nimdanitro/sensor-relay-go/pkg/gate"
	"github.com/nimdanitro/sensor-relay-go/pkg/metrics"
	"github.com/nimdanitro/sensor-relay-go/pkg/mqttsub"
	"github.com/nimdanitro/sensor-relay-go/pkg/recency"
	"github.com/nimdanitro/sensor-relay-go/pkg/relay"
	"github.com/nimdanitro/sensor-relay-go/pkg/sink"
)

const drainTimeout = 15 * time.Second

func newRunCmd(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the relay (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config %s: %w", configPath, err)
			}
			level, err := zapcore.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, level, info)
		},
	}
}

func run(parent context.Context, cfg *config.Config, level zapcore.Level, info BuildInfo) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Setup Otel
	shutdown, err := setupOTelSDK(ctx)
	defer shutdown(context.Background())
	if err != nil {
		return fmt.Errorf("setup opentelemetry: %w", err)
	}

	// Initialize logger
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(os.Stdout), level),
		otelzap.NewCore(instrumentationName, otelzap.WithLoggerProvider(global.GetLoggerProvider())),
	)
	logger := zap.New(core)
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	mqtt.ERROR = zap.NewStdLog(logger.Named("paho"))
	logger.Info("starting up", zap.String("version", info.Version), zap.String("commit", info.Commit), zap.String("buildDate", info.Date))

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gauges, err := newReadingGauges(cfg.MQTTTopic)
	if err != nil {
		return fmt.Errorf("create gauges: %w", err)
	}

	// Storage
	influx := sink.NewInfluxClient(cfg.DBURL, cfg.DBToken, cfg.WriteTimeout)
	defer influx.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	if ok, err := influx.Ping(pingCtx); !ok || err != nil {
		logger.Warn("influxdb is not reachable yet", zap.String("url", cfg.DBURL), zap.Error(err))
	}
	pingCancel()

	dispatcher, err := sink.New(influx.WriteAPIBlocking(cfg.DBOrg, cfg.DBBucket), cfg.DBMeasurement,
		sink.WithLogger(logger.Named("sink")),
		sink.WithMetrics(m),
		sink.WithTimeout(cfg.WriteTimeout),
		sink.WithMaxInflight(cfg.MaxInflightWrites),
		sink.WithRateLimit(cfg.WriteRateLimit),
	)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	// Shared state
	buffer := recency.New(cfg.BufferCapacity)
	writeGate := gate.New(cfg.WritePassword, gate.WithOnChange(m.SetGate))

	r, err := relay.New(buffer, writeGate, dispatcher,
		relay.WithLogger(logger.Named("relay")),
		relay.WithMetrics(m),
		relay.WithObserver(gauges.record),
	)
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}

	subscriber, err := mqttsub.New(mqttsub.Config{
		Broker:         cfg.MQTTBroker,
		Port:           cfg.MQTTPort,
		Topic:          cfg.MQTTTopic,
		Username:       cfg.MQTTUser,
		Password:       cfg.MQTTPassword,
		ClientID:       cfg.MQTTClientID,
		Backoff:        cfg.ReconnectDelay,
		ConnectTimeout: cfg.ConnectTimeout,
	}, r.Handle,
		mqttsub.WithLogger(logger.Named("mqtt")),
		mqttsub.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("create subscriber: %w", err)
	}

	router := control.NewRouter(writeGate, buffer,
		control.WithLogger(logger.Named("http")),
		control.WithMetrics(m),
		control.WithGraphURL(cfg.GraphURL),
	)

	// Server failures are logged only; the relay keeps ingesting.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := control.Serve(gctx, cfg.HTTPAddr, router, logger.Named("http")); err != nil {
			logger.Error("control server error", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if err := control.Serve(gctx, cfg.MetricsAddr, metrics.Handler(reg), logger.Named("metrics")); err != nil {
			logger.Error("metrics server error", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		return subscriber.Run(gctx)
	})

	err = g.Wait()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	if derr := dispatcher.Wait(drainCtx); derr != nil {
		logger.Warn("store writes still in flight at shutdown", zap.Error(derr))
	}
	logger.Info("shut down")
	return err
}
