package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"stockflow/internal/observability"
)

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	KeyPrefix          string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// GRPCConfig holds the listen address and ingress rate limiting settings.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	Env         string
	ServiceName string
	LogLevel    string
}

// PostgresConfig holds the database connection settings. An empty DSN means
// the in-process stores are used.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    *int
	ConnMaxLifetime *time.Duration
	SetupTimeout    time.Duration
}

// KafkaConfig holds the order command and alert topics. No brokers disables
// the consumer and the Kafka alert sink.
type KafkaConfig struct {
	Brokers      []string
	GroupID      string
	CommandTopic string
	ReplyTopic   string
	AlertTopic   string
}

// Enabled reports whether any broker is configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// SagaConfig holds order saga runtime settings.
type SagaConfig struct {
	CommandTimeout time.Duration
	JournalPath    string
	StockSeedFile  string
	FeedBuffer     int
}

// LoadApp reads process settings from env.
func LoadApp() AppConfig {
	cfg := AppConfig{
		Env:         strings.TrimSpace(os.Getenv("APP_ENV")),
		ServiceName: strings.TrimSpace(os.Getenv("SERVICE_NAME")),
		LogLevel:    strings.TrimSpace(os.Getenv("LOG_LEVEL")),
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "stockflow"
	}
	return cfg
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		KeyPrefix: strings.TrimSpace(os.Getenv("REDIS_KEY_PREFIX")),
	}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = requiredDuration("REDIS_HEALTHCHECK_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// RedisConfigured reports whether REDIS_URL is set.
func RedisConfigured() bool {
	return strings.TrimSpace(os.Getenv("REDIS_URL")) != ""
}

// LoadGRPC reads gRPC listen and ingress rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	interval, err := requiredDuration("GRPC_RATE_LIMIT_INTERVAL")
	if err != nil {
		return GRPCConfig{}, err
	}
	burst, err := requiredInt("GRPC_RATE_LIMIT_BURST")
	if err != nil {
		return GRPCConfig{}, err
	}
	return GRPCConfig{
		Addr:              stringOr("GRPC_ADDR", ":50051"),
		RateLimitInterval: interval,
		RateLimitBurst:    burst,
	}, nil
}

// LoadPostgres reads database settings from env.
func LoadPostgres() (PostgresConfig, error) {
	cfg := PostgresConfig{
		DSN: strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}
	var err error
	if cfg.MaxOpenConns, err = optionalInt("DATABASE_MAX_OPEN_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.ConnMaxLifetime, err = optionalDuration("DATABASE_CONN_MAX_LIFETIME"); err != nil {
		return cfg, err
	}
	setup, err := optionalDuration("DATABASE_SETUP_TIMEOUT")
	if err != nil {
		return cfg, err
	}
	cfg.SetupTimeout = 5 * time.Second
	if setup != nil {
		cfg.SetupTimeout = *setup
	}
	return cfg, nil
}

// LoadKafka reads broker and topic settings from env. Topics are required
// once brokers are configured.
func LoadKafka() (KafkaConfig, error) {
	cfg := KafkaConfig{
		ReplyTopic: strings.TrimSpace(os.Getenv("KAFKA_REPLY_TOPIC")),
		AlertTopic: strings.TrimSpace(os.Getenv("KAFKA_ALERT_TOPIC")),
	}
	for _, broker := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.Brokers = append(cfg.Brokers, broker)
		}
	}
	if !cfg.Enabled() {
		return cfg, nil
	}

	var err error
	if cfg.CommandTopic, err = requiredString("KAFKA_COMMAND_TOPIC"); err != nil {
		return cfg, err
	}
	cfg.GroupID = stringOr("KAFKA_GROUP_ID", "stockflow")
	return cfg, nil
}

// LoadSaga reads saga runtime settings from env.
func LoadSaga() (SagaConfig, error) {
	cfg := SagaConfig{
		JournalPath:   stringOr("SAGA_JOURNAL_PATH", "compensations.log"),
		StockSeedFile: strings.TrimSpace(os.Getenv("STOCK_SEED_FILE")),
		FeedBuffer:    256,
	}
	timeout, err := optionalDuration("SAGA_COMMAND_TIMEOUT")
	if err != nil {
		return cfg, err
	}
	cfg.CommandTimeout = 10 * time.Second
	if timeout != nil {
		cfg.CommandTimeout = *timeout
	}
	buffer, err := optionalInt("STOCK_FEED_BUFFER")
	if err != nil {
		return cfg, err
	}
	if buffer != nil && *buffer > 0 {
		cfg.FeedBuffer = *buffer
	}
	return cfg, nil
}

// LoadTracing reads OTLP exporter settings from env. An empty endpoint
// disables export.
func LoadTracing(serviceName string) (observability.TracingConfig, error) {
	cfg := observability.TracingConfig{
		Endpoint:       strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		URLPath:        strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PATH")),
		ServiceName:    serviceName,
		ServiceVersion: stringOr("SERVICE_VERSION", "dev"),
		SampleRatio:    1,
	}
	var err error
	if cfg.Insecure, err = optionalBool("OTEL_EXPORTER_OTLP_INSECURE"); err != nil {
		return cfg, err
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLE_RATIO")); raw != "" {
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return cfg, fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO: %w", err)
		}
		if ratio <= 0 || ratio > 1 {
			return cfg, errors.New("OTEL_TRACES_SAMPLE_RATIO must be within (0, 1]")
		}
		cfg.SampleRatio = ratio
	}
	timeout, err := optionalDuration("OTEL_EXPORT_TIMEOUT")
	if err != nil {
		return cfg, err
	}
	if timeout != nil {
		cfg.ExportTimeout = *timeout
	}
	return cfg, nil
}

// LoadObservability reads metrics HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	addr, err := requiredString("OBS_ADDR")
	if err != nil {
		return ObservabilityConfig{}, err
	}
	return ObservabilityConfig{Addr: addr}, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func stringOr(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func requiredInt(name string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func requiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
