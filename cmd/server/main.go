package main

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stockflow/cmd/server/config"
	"stockflow/internal/commands"
	"stockflow/internal/inventory"
	"stockflow/internal/observability"
	"stockflow/internal/orders"
	"stockflow/internal/realtime"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()
	app := config.LoadApp()
	logger := observability.NewLogger(os.Stdout, app.LogLevel, app.ServiceName)
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warn().Err(envErr).Msg("load .env")
	}

	if err := run(ctx, app, logger); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func run(ctx context.Context, app config.AppConfig, logger zerolog.Logger) error {
	tracingCfg, err := config.LoadTracing(app.ServiceName)
	if err != nil {
		return err
	}
	shutdownTracing, err := observability.SetupTracing(ctx, tracingCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown tracing")
		}
	}()

	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}
	kafkaCfg, err := config.LoadKafka()
	if err != nil {
		return err
	}
	engineCfg, err := loadEngineConfig(sagaCfg)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer := observability.Observers{metrics, observability.NewPromObserver(reg)}

	hub := realtime.NewHub(sagaCfg.FeedBuffer, logger)

	alerts := orders.AlertSinks{orders.NewLogAlertSink(logger)}
	if kafkaCfg.Enabled() && kafkaCfg.AlertTopic != "" {
		alertWriter := newKafkaWriter(kafkaCfg.Brokers, kafkaCfg.AlertTopic)
		defer closeWith(logger, "alert writer", alertWriter.Close)
		alerts = append(alerts, orders.NewKafkaAlertSink(alertWriter, app.ServiceName))
	}

	eng, cleanup, err := buildEngine(ctx, engineCfg, inventory.NewBroadcastNotifier(hub), alerts, observer, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}
	limiter := orders.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst)
	limiter.OnWait = metrics.AddRateLimitWait

	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(unaryInterceptor(limiter, metrics, logger)),
		grpcpkg.StreamInterceptor(streamInterceptor(limiter, metrics, logger)),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if app.Env != "production" {
		reflection.Register(server)
		logger.Info().Str("app_env", app.Env).Msg("gRPC reflection enabled")
	}

	httpSrv := &http.Server{
		Addr:              obsCfg.Addr,
		Handler:           newHTTPHandler(reg, metrics, hub, eng.journal, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", grpcCfg.Addr).Msg("gRPC server running")
		return server.Serve(lis)
	})
	g.Go(func() error {
		logger.Info().Str("addr", obsCfg.Addr).Msg("http server running")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if kafkaCfg.Enabled() {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  kafkaCfg.Brokers,
			GroupID:  kafkaCfg.GroupID,
			Topic:    kafkaCfg.CommandTopic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
		defer closeWith(logger, "command reader", reader.Close)

		var replies commands.MessageWriter
		if kafkaCfg.ReplyTopic != "" {
			replyWriter := newKafkaWriter(kafkaCfg.Brokers, kafkaCfg.ReplyTopic)
			defer closeWith(logger, "reply writer", replyWriter.Close)
			replies = replyWriter
		}

		consumer := commands.NewConsumer(reader, replies, eng.saga, eng.canceller, sagaCfg.CommandTimeout, logger)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.MarkShutdown(metrics.Snapshot().InFlight)
		server.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown http server")
		}
		return nil
	})

	return g.Wait()
}

func loadEngineConfig(sagaCfg config.SagaConfig) (engineConfig, error) {
	cfg := engineConfig{Saga: sagaCfg}
	var err error
	if cfg.Postgres, err = config.LoadPostgres(); err != nil {
		return cfg, err
	}
	if cfg.Reliability, err = orders.LoadReliabilityConfigFromEnv(); err != nil {
		return cfg, err
	}
	if config.RedisConfigured() {
		redisCfg, err := config.LoadRedis()
		if err != nil {
			return cfg, err
		}
		cfg.Redis = &redisCfg
	}
	return cfg, nil
}

func newKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func closeWith(logger zerolog.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn().Err(err).Str("resource", name).Msg("close")
	}
}
