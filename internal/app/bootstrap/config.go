package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
)

// Config is the resolved runtime configuration for M46.
// Sources apply in order: code defaults, YAML file, environment, Vault.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Network    NetworkConfig    `yaml:"network"`
	Keys       KeysConfig       `yaml:"keys"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Protocol   ProtocolConfig   `yaml:"protocol"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Vault      VaultConfig      `yaml:"vault"`
}

type ServiceConfig struct {
	ID       string `yaml:"id" envconfig:"SERVICE_ID"`
	HTTPPort int    `yaml:"http_port" envconfig:"HTTP_PORT"`
	GRPCPort int    `yaml:"grpc_port" envconfig:"GRPC_PORT"`
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// NetworkConfig is this subscriber's registration on the network.
type NetworkConfig struct {
	SubscriberID       string `yaml:"subscriber_id" envconfig:"SUBSCRIBER_ID"`
	SubscriberURI      string `yaml:"subscriber_uri" envconfig:"SUBSCRIBER_URI"`
	Domain             string `yaml:"domain" envconfig:"NETWORK_DOMAIN"`
	City               string `yaml:"city" envconfig:"NETWORK_CITY"`
	Country            string `yaml:"country" envconfig:"NETWORK_COUNTRY"`
	CoreVersion        string `yaml:"core_version" envconfig:"CORE_VERSION"`
	SubscribeRequestID string `yaml:"subscribe_request_id" envconfig:"SUBSCRIBE_REQUEST_ID"`
	UniqueKeyID        string `yaml:"unique_key_id" envconfig:"UNIQUE_KEY_ID"`
	RegistryURL        string `yaml:"registry_url" envconfig:"REGISTRY_URL"`
	GatewayURL         string `yaml:"gateway_url" envconfig:"GATEWAY_URL"`
	// NetworkEncryptionPublicKey is the operator's X25519 key used to agree the
	// challenge secret.
	NetworkEncryptionPublicKey string `yaml:"network_encryption_public_key" envconfig:"NETWORK_ENCRYPTION_PUBLIC_KEY"`
}

// KeysConfig holds base64 key material. In deployed environments these are
// normally left empty in the file and supplied through Vault.
type KeysConfig struct {
	SigningPrivateKey    string `yaml:"signing_private_key" envconfig:"SIGNING_PRIVATE_KEY"`
	SigningPublicKey     string `yaml:"signing_public_key" envconfig:"SIGNING_PUBLIC_KEY"`
	EncryptionPrivateKey string `yaml:"encryption_private_key" envconfig:"ENCRYPTION_PRIVATE_KEY"`
	EncryptionPublicKey  string `yaml:"encryption_public_key" envconfig:"ENCRYPTION_PUBLIC_KEY"`
}

type RedisConfig struct {
	URL string `yaml:"url" envconfig:"REDIS_URL"`
}

// KafkaConfig enables the Kafka event sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers" envconfig:"KAFKA_BROKERS"`
	Topic         string   `yaml:"topic" envconfig:"KAFKA_TOPIC"`
	CallbackTopic string   `yaml:"callback_topic" envconfig:"KAFKA_CALLBACK_TOPIC"`
}

type ProtocolConfig struct {
	HTTPTimeout    time.Duration `yaml:"http_timeout" envconfig:"PROTOCOL_HTTP_TIMEOUT"`
	SearchTTL      time.Duration `yaml:"search_ttl" envconfig:"SEARCH_TTL"`
	EntryRetention time.Duration `yaml:"entry_retention" envconfig:"ENTRY_RETENTION"`
	StreamTick     time.Duration `yaml:"stream_tick" envconfig:"STREAM_TICK"`
	Retry          RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" envconfig:"RETRY_MAX_ATTEMPTS"`
	InitialInterval time.Duration `yaml:"initial_interval" envconfig:"RETRY_INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" envconfig:"RETRY_MAX_INTERVAL"`
}

type DispatcherConfig struct {
	Capacity     int           `yaml:"capacity" envconfig:"EVENT_QUEUE_CAPACITY"`
	RetryDelay   time.Duration `yaml:"retry_delay" envconfig:"EVENT_RETRY_DELAY"`
	MaxRetries   int           `yaml:"max_retries" envconfig:"EVENT_MAX_RETRIES"`
	DrainTimeout time.Duration `yaml:"drain_timeout" envconfig:"EVENT_DRAIN_TIMEOUT"`
}

type MonitorConfig struct {
	Interval time.Duration `yaml:"interval" envconfig:"STORE_MONITOR_INTERVAL"`
}

func defaultConfig() Config {
	return Config{
		Service: ServiceConfig{
			ID:       "M46-Network-Transaction-Service",
			HTTPPort: 8080,
			GRPCPort: 9090,
			LogLevel: "info",
		},
		Network: NetworkConfig{
			Country:     "IND",
			CoreVersion: "1.2.0",
		},
		Redis: RedisConfig{URL: "redis://localhost:6379/0"},
		Kafka: KafkaConfig{Topic: "buyer.transactions"},
		Protocol: ProtocolConfig{
			HTTPTimeout:    10 * time.Second,
			SearchTTL:      30 * time.Second,
			EntryRetention: time.Hour,
			StreamTick:     time.Second,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     2 * time.Second,
			},
		},
		Dispatcher: DispatcherConfig{
			Capacity:     1024,
			RetryDelay:   500 * time.Millisecond,
			MaxRetries:   5,
			DrainTimeout: 5 * time.Second,
		},
		Monitor: MonitorConfig{Interval: time.Minute},
		Vault: VaultConfig{
			Address: "http://localhost:8200",
			Mount:   "secret",
		},
	}
}

// LoadConfig resolves configuration in priority order: defaults -> file -> env -> vault.
// A missing file is not an error; a malformed one is.
func LoadConfig(ctx context.Context, path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	// No default tags: envconfig only touches fields whose variable is set.
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, domain.NewConfigurationError("environment", "could not be parsed", err)
	}

	if cfg.Vault.Enabled {
		vaultClient, err := NewVaultClient(cfg.Vault)
		if err != nil {
			return Config{}, domain.NewConfigurationError("vault", "client could not be created", err)
		}
		if err := ApplyVaultSecrets(ctx, &cfg, vaultClient); err != nil {
			return Config{}, domain.NewConfigurationError("vault", "secrets could not be applied", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return domain.NewConfigurationError("config_file", "could not be opened", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return domain.NewConfigurationError("config_file", "could not be parsed", err)
	}
	return nil
}

// Validate reports the first invalid field. Key material itself is validated
// when the identity is built.
func (c Config) Validate() error {
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		return domain.NewConfigurationError("service.http_port", fmt.Sprintf("invalid port %d", c.Service.HTTPPort), nil)
	}
	if c.Service.GRPCPort <= 0 || c.Service.GRPCPort > 65535 {
		return domain.NewConfigurationError("service.grpc_port", fmt.Sprintf("invalid port %d", c.Service.GRPCPort), nil)
	}
	if _, err := c.LogLevel(); err != nil {
		return domain.NewConfigurationError("service.log_level", "unknown level", err)
	}
	if strings.TrimSpace(c.Network.SubscriberID) == "" {
		return domain.NewConfigurationError("network.subscriber_id", "is required", nil)
	}
	if _, err := domain.ParseDomainCode(c.Network.Domain); err != nil {
		return domain.NewConfigurationError("network.domain", "unknown domain code", err)
	}
	if strings.TrimSpace(c.Network.City) == "" {
		return domain.NewConfigurationError("network.city", "is required", nil)
	}
	if err := requireAbsoluteURL(c.Network.SubscriberURI); err != nil {
		return domain.NewConfigurationError("network.subscriber_uri", "must be an absolute URL", err)
	}
	if err := requireAbsoluteURL(c.Network.GatewayURL); err != nil {
		return domain.NewConfigurationError("network.gateway_url", "must be an absolute URL", err)
	}
	if c.Redis.URL == "" {
		return domain.NewConfigurationError("redis.url", "is required", nil)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return domain.NewConfigurationError("kafka.topic", "is required when brokers are set", nil)
	}
	if c.Protocol.SearchTTL <= 0 {
		return domain.NewConfigurationError("protocol.search_ttl", "must be positive", nil)
	}
	if c.Protocol.Retry.MaxAttempts < 1 {
		return domain.NewConfigurationError("protocol.retry.max_attempts", "must be at least 1", nil)
	}
	if c.Vault.Enabled && c.Vault.Address == "" {
		return domain.NewConfigurationError("vault.address", "is required when vault is enabled", nil)
	}
	return nil
}

// LogLevel parses Service.LogLevel as a slog level name.
func (c Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(strings.TrimSpace(c.Service.LogLevel)))
	return level, err
}

func requireAbsoluteURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("missing scheme or host in %q", raw)
	}
	return nil
}
