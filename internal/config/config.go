// Package config loads the daemon configuration from file and
// environment. Environment variables use the SEQUENT_ prefix with
// dots replaced by underscores, e.g. SEQUENT_STORAGE_PATH.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Storage      StorageConfig      `mapstructure:"storage"`
	Linking      LinkingConfig      `mapstructure:"linking"`
	Publishing   PublishingConfig   `mapstructure:"publishing"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Transport    TransportConfig    `mapstructure:"transport"`
	Ingest       IngestConfig       `mapstructure:"ingest"`
	Admin        AdminConfig        `mapstructure:"admin"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Log          LogConfig          `mapstructure:"log"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type LinkingConfig struct {
	StartWait       time.Duration `mapstructure:"start_wait"`
	Interval        time.Duration `mapstructure:"interval"`
	TimeBetweenRuns time.Duration `mapstructure:"time_between_runs"`
}

type PublishingConfig struct {
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	BackoffMin    time.Duration `mapstructure:"backoff_min"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
}

type SubscriptionConfig struct {
	DiscoveryBatchSize int           `mapstructure:"discovery_batch_size"`
	MaxWorkers         int           `mapstructure:"max_workers"`
	IdleThreshold      time.Duration `mapstructure:"idle_threshold"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	PageSize           int           `mapstructure:"page_size"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	DelayBase   time.Duration `mapstructure:"delay_base"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Interval    time.Duration `mapstructure:"interval"`
}

type TransportConfig struct {
	Kind  string      `mapstructure:"kind"`
	NATS  NATSConfig  `mapstructure:"nats"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type NATSConfig struct {
	URL     string        `mapstructure:"url"`
	Name    string        `mapstructure:"name"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers            []string `mapstructure:"brokers"`
	Topic              string   `mapstructure:"topic"`
	ClientID           string   `mapstructure:"client_id"`
	TLSEnabled         bool     `mapstructure:"tls_enabled"`
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify"`
}

type IngestConfig struct {
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type RabbitMQConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	URL           string   `mapstructure:"url"`
	Endpoints     []string `mapstructure:"endpoints"`
	Exchange      string   `mapstructure:"exchange"`
	Queue         string   `mapstructure:"queue"`
	RoutingKeys   []string `mapstructure:"routing_keys"`
	ConsumerTag   string   `mapstructure:"consumer_tag"`
	PrefetchCount int      `mapstructure:"prefetch_count"`
	Workers       int      `mapstructure:"workers"`
	DeliveryQueue int      `mapstructure:"delivery_queue"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`

	TLS RabbitMQTLSConfig `mapstructure:"tls"`
}

type RabbitMQTLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
}

type AdminConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Network        string `mapstructure:"network"`
	Address        string `mapstructure:"address"`
	UnixSocketPath string `mapstructure:"unix_socket_path"`
	AuthToken      string `mapstructure:"auth_token"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("sequent")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.path", "sequent.db")

	v.SetDefault("linking.start_wait", 7250*time.Millisecond)
	v.SetDefault("linking.interval", 100*time.Millisecond)
	v.SetDefault("linking.time_between_runs", 5*time.Millisecond)

	v.SetDefault("publishing.subject_prefix", "sequent.events")
	v.SetDefault("publishing.backoff_min", 5*time.Millisecond)
	v.SetDefault("publishing.backoff_max", 100*time.Millisecond)
	v.SetDefault("publishing.backoff_factor", 1.5)

	v.SetDefault("subscription.discovery_batch_size", 7250)
	v.SetDefault("subscription.max_workers", 15)
	v.SetDefault("subscription.idle_threshold", time.Second)
	v.SetDefault("subscription.tick_interval", time.Second)
	v.SetDefault("subscription.page_size", 100)

	v.SetDefault("retry.max_attempts", 7)
	v.SetDefault("retry.delay_base", time.Second)
	v.SetDefault("retry.multiplier", 1.0)
	v.SetDefault("retry.interval", time.Second)

	v.SetDefault("transport.kind", "memory")
	v.SetDefault("transport.nats.timeout", 30*time.Second)

	v.SetDefault("ingest.rabbitmq.prefetch_count", 64)
	v.SetDefault("ingest.rabbitmq.workers", 4)
	v.SetDefault("ingest.rabbitmq.delivery_queue", 256)

	v.SetDefault("admin.network", "tcp")
	v.SetDefault("admin.address", "127.0.0.1:7201")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.address", "127.0.0.1:7200")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func (c Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Linking.Interval <= 0 {
		return fmt.Errorf("linking.interval must be positive")
	}
	if c.Publishing.BackoffMin <= 0 || c.Publishing.BackoffMax < c.Publishing.BackoffMin {
		return fmt.Errorf("publishing backoff bounds are invalid")
	}
	if c.Publishing.BackoffFactor < 1 {
		return fmt.Errorf("publishing.backoff_factor must be >= 1")
	}
	if c.Subscription.MaxWorkers < 1 {
		return fmt.Errorf("subscription.max_workers must be >= 1")
	}
	if c.Subscription.DiscoveryBatchSize < 1 {
		return fmt.Errorf("subscription.discovery_batch_size must be >= 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	switch c.Transport.Kind {
	case "memory":
	case "nats":
		if c.Transport.NATS.URL == "" {
			return fmt.Errorf("transport.nats.url is required")
		}
	case "kafka":
		if len(c.Transport.Kafka.Brokers) == 0 {
			return fmt.Errorf("transport.kafka.brokers is required")
		}
		if c.Transport.Kafka.Topic == "" {
			return fmt.Errorf("transport.kafka.topic is required")
		}
	default:
		return fmt.Errorf("unsupported transport.kind %q", c.Transport.Kind)
	}
	return nil
}
