package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Transports understood by BrokerConfig.Transport.
const (
	TransportAMQP  = "amqp"
	TransportKafka = "kafka"
)

// Local path strategies understood by ImportConfig.PathMode.
const (
	PathModeBasename = "basename"
	PathModePreserve = "preserve"
)

// Config captures the full runtime configuration for an importer instance.
type Config struct {
	App     AppConfig
	HTTP    HTTPConfig
	Broker  BrokerConfig
	Kafka   KafkaConfig
	Storage StorageConfig
	Import  ImportConfig
	Tracing TracingConfig
}

type AppConfig struct {
	Name        string `env:"APP_NAME" envDefault:"haydov-importer"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	Version     string `env:"APP_VERSION" envDefault:"0.1.0"`
	LogLevel    string `env:"APP_LOG_LEVEL" envDefault:"info"`
	LogEncoding string `env:"APP_LOG_ENCODING" envDefault:"json"`
}

type HTTPConfig struct {
	Addr         string        `env:"HTTP_ADDR" envDefault:":4000"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10m"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
}

// BrokerConfig describes the subscription: one fanout exchange per source
// domain and one durable queue per service bound to it.
type BrokerConfig struct {
	Transport string        `env:"BROKER_TRANSPORT" envDefault:"amqp"`
	Schema    string        `env:"MESSAGE_BROKER_SCHEMA" envDefault:"amqp"`
	Host      string        `env:"MESSAGE_BROKER_HOST" envDefault:"message"`
	Port      int           `env:"MESSAGE_BROKER_PORT" envDefault:"5672"`
	Username  string        `env:"MESSAGE_BROKER_USERNAME" envDefault:"guest"`
	Password  string        `env:"MESSAGE_BROKER_PASSWORD" envDefault:"guest"`
	VHost     string        `env:"MESSAGE_BROKER_VHOST" envDefault:"/"`
	Exchange  string        `env:"BROKER_EXCHANGE" envDefault:"haydov.maps"`
	Queue     string        `env:"BROKER_QUEUE" envDefault:"dispatch"`
	Prefetch  int           `env:"BROKER_PREFETCH" envDefault:"1"`
	Heartbeat time.Duration `env:"BROKER_HEARTBEAT" envDefault:"10s"`
}

// URL renders the AMQP connection string.
func (b BrokerConfig) URL() string {
	u := url.URL{
		Scheme: b.Schema,
		User:   url.UserPassword(b.Username, b.Password),
		Host:   net.JoinHostPort(b.Host, strconv.Itoa(b.Port)),
		Path:   "/" + strings.TrimPrefix(b.VHost, "/"),
	}
	return u.String()
}

type KafkaConfig struct {
	Brokers          []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Retries          int           `env:"KAFKA_RETRIES" envDefault:"3"`
	CompressionCodec string        `env:"KAFKA_COMPRESSION_CODEC" envDefault:"snappy"`
	BatchTimeout     time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"10ms"`
	DialTimeout      time.Duration `env:"KAFKA_DIAL_TIMEOUT" envDefault:"10s"`
}

type StorageConfig struct {
	Endpoint  string `env:"STORAGE_ENDPOINT" envDefault:"localhost:9000"`
	Region    string `env:"STORAGE_REGION" envDefault:"us-west-2"`
	Bucket    string `env:"STORAGE_BUCKET"`
	AccessKey string `env:"STORAGE_ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey string `env:"STORAGE_SECRET_KEY" envDefault:"minioadmin"`
	UseSSL    bool   `env:"STORAGE_USE_SSL" envDefault:"false"`
}

// ImportConfig parameterizes one source domain: where files land, which
// downstream document gets rewritten and which job is launched.
type ImportConfig struct {
	Source          string        `env:"IMPORT_SOURCE" envDefault:"openstreetmap"`
	LocalDir        string        `env:"IMPORT_LOCAL_DIR" envDefault:"/data"`
	PathMode        string        `env:"IMPORT_PATH_MODE" envDefault:"basename"`
	ConfigPath      string        `env:"IMPORT_CONFIG_PATH" envDefault:"/code/pelias.json"`
	LaunchCommand   string        `env:"IMPORT_LAUNCH_COMMAND" envDefault:"./bin/start"`
	LaunchDir       string        `env:"IMPORT_LAUNCH_DIR" envDefault:"/code/pelias/openstreetmap"`
	LaunchEnv       []string      `env:"IMPORT_LAUNCH_ENV" envSeparator:"," envDefault:"HOME=/code"`
	ResetOnSentinel bool          `env:"IMPORT_RESET_ON_SENTINEL" envDefault:"true"`
	StatePath       string        `env:"IMPORT_STATE_PATH"`
	UniqueFiles     bool          `env:"IMPORT_UNIQUE_FILES" envDefault:"false"`
	RetryAttempts   int           `env:"IMPORT_RETRY_ATTEMPTS" envDefault:"1"`
	RetryBaseDelay  time.Duration `env:"IMPORT_RETRY_BASE_DELAY" envDefault:"500ms"`
	RetryMaxDelay   time.Duration `env:"IMPORT_RETRY_MAX_DELAY" envDefault:"10s"`
	FetchTimeout    time.Duration `env:"IMPORT_FETCH_TIMEOUT" envDefault:"0s"`
}

type TracingConfig struct {
	Endpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1.0"`
	ResourceAttr string  `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:"service.namespace=haydov"`
}

// Load parses environment variables into Config and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Broker.Transport {
	case TransportAMQP:
		if c.Broker.Host == "" {
			errs = append(errs, errors.New("MESSAGE_BROKER_HOST must not be empty"))
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS must not be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported BROKER_TRANSPORT %q", c.Broker.Transport))
	}
	if c.Broker.Exchange == "" {
		errs = append(errs, errors.New("BROKER_EXCHANGE must not be empty"))
	}
	if c.Broker.Queue == "" {
		errs = append(errs, errors.New("BROKER_QUEUE must not be empty"))
	}
	if c.Broker.Prefetch < 1 {
		errs = append(errs, errors.New("BROKER_PREFETCH must be at least 1"))
	}

	if c.Storage.Endpoint == "" {
		errs = append(errs, errors.New("STORAGE_ENDPOINT must not be empty"))
	}

	switch c.Import.PathMode {
	case PathModeBasename, PathModePreserve:
	default:
		errs = append(errs, fmt.Errorf("unsupported IMPORT_PATH_MODE %q", c.Import.PathMode))
	}
	if c.Import.Source == "" {
		errs = append(errs, errors.New("IMPORT_SOURCE must not be empty"))
	}
	if c.Import.LocalDir == "" {
		errs = append(errs, errors.New("IMPORT_LOCAL_DIR must not be empty"))
	}
	if c.Import.ConfigPath == "" {
		errs = append(errs, errors.New("IMPORT_CONFIG_PATH must not be empty"))
	}
	if c.Import.RetryAttempts < 1 {
		errs = append(errs, errors.New("IMPORT_RETRY_ATTEMPTS must be at least 1"))
	}

	return errors.Join(errs...)
}
