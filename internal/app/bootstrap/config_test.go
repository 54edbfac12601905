package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
)

const validYAML = `
service:
  http_port: 8181
  log_level: debug
network:
  subscriber_id: buyer.example.com
  subscriber_uri: https://buyer.example.com/
  domain: ONDC:RET10
  city: std:080
  subscribe_request_id: req-1
  unique_key_id: key-1
  gateway_url: https://gateway.example.com/
protocol:
  search_ttl: 45s
  retry:
    max_attempts: 4
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func validConfig() Config {
	cfg := defaultConfig()
	cfg.Network = NetworkConfig{
		SubscriberID:  "buyer.example.com",
		SubscriberURI: "https://buyer.example.com/",
		Domain:        "ONDC:RET10",
		City:          "std:080",
		GatewayURL:    "https://gateway.example.com/",
	}
	return cfg
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	t.Setenv("GRPC_PORT", "9191")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("RETRY_INITIAL_INTERVAL", "50ms")

	cfg, err := LoadConfig(context.Background(), writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 8181 || cfg.Service.GRPCPort != 9191 {
		t.Fatalf("unexpected ports %d/%d", cfg.Service.HTTPPort, cfg.Service.GRPCPort)
	}
	if cfg.Service.ID != "M46-Network-Transaction-Service" {
		t.Fatalf("default service id lost: %q", cfg.Service.ID)
	}
	if cfg.Protocol.SearchTTL != 45*time.Second || cfg.Protocol.Retry.MaxAttempts != 4 {
		t.Fatalf("file values not applied: %+v", cfg.Protocol)
	}
	if cfg.Protocol.Retry.InitialInterval != 50*time.Millisecond {
		t.Fatalf("env duration not applied: %s", cfg.Protocol.Retry.InitialInterval)
	}
	if cfg.Protocol.Retry.MaxInterval != 2*time.Second {
		t.Fatalf("default kept for unset nested field, got %s", cfg.Protocol.Retry.MaxInterval)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Network.Country != "IND" {
		t.Fatalf("expected default country, got %q", cfg.Network.Country)
	}
	level, err := cfg.LogLevel()
	if err != nil || level != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v err=%v", level, err)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("SUBSCRIBER_ID", "buyer.example.com")
	t.Setenv("SUBSCRIBER_URI", "https://buyer.example.com/")
	t.Setenv("NETWORK_DOMAIN", "ONDC:RET12")
	t.Setenv("NETWORK_CITY", "std:011")
	t.Setenv("GATEWAY_URL", "https://gateway.example.com/")

	cfg, err := LoadConfig(context.Background(), filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("expected defaults, got err=%v", err)
	}
	if cfg.Service.HTTPPort != 8080 || cfg.Protocol.EntryRetention != time.Hour {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Network.Domain != "ONDC:RET12" {
		t.Fatalf("env domain not applied: %q", cfg.Network.Domain)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	_, err := LoadConfig(context.Background(), writeConfig(t, "service:\n  http_prot: 1\n"))
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "config_file" {
		t.Fatalf("expected config_file error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "port", mutate: func(c *Config) { c.Service.HTTPPort = 70000 }, field: "service.http_port"},
		{name: "log level", mutate: func(c *Config) { c.Service.LogLevel = "loud" }, field: "service.log_level"},
		{name: "subscriber", mutate: func(c *Config) { c.Network.SubscriberID = " " }, field: "network.subscriber_id"},
		{name: "domain", mutate: func(c *Config) { c.Network.Domain = "ONDC:XYZ" }, field: "network.domain"},
		{name: "city", mutate: func(c *Config) { c.Network.City = "" }, field: "network.city"},
		{name: "gateway", mutate: func(c *Config) { c.Network.GatewayURL = "gateway" }, field: "network.gateway_url"},
		{name: "kafka topic", mutate: func(c *Config) {
			c.Kafka.Brokers = []string{"kafka:9092"}
			c.Kafka.Topic = ""
		}, field: "kafka.topic"},
		{name: "search ttl", mutate: func(c *Config) { c.Protocol.SearchTTL = 0 }, field: "protocol.search_ttl"},
		{name: "attempts", mutate: func(c *Config) { c.Protocol.Retry.MaxAttempts = 0 }, field: "protocol.retry.max_attempts"},
		{name: "vault", mutate: func(c *Config) {
			c.Vault.Enabled = true
			c.Vault.Address = ""
		}, field: "vault.address"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.field == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			var cfgErr *domain.ConfigurationError
			if !errors.As(err, &cfgErr) || cfgErr.Field != tc.field {
				t.Fatalf("expected error on %s, got %v", tc.field, err)
			}
		})
	}
}

type fakeSecrets struct {
	path string
	data map[string]any
	err  error
}

func (f *fakeSecrets) GetSecret(_ context.Context, path string) (map[string]any, error) {
	f.path = path
	return f.data, f.err
}

func TestApplyVaultSecrets(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Keys.SigningPublicKey = "from-file"
	cfg.Vault.KeysPath = "m46/keys"
	reader := &fakeSecrets{data: map[string]any{
		"signing_private_key":           "sk",
		"encryption_private_key":        "ek",
		"network_encryption_public_key": "nk",
		"encryption_public_key":         42,
	}}

	if err := ApplyVaultSecrets(context.Background(), &cfg, reader); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if reader.path != "m46/keys" {
		t.Fatalf("unexpected secret path %q", reader.path)
	}
	if cfg.Keys.SigningPrivateKey != "sk" || cfg.Keys.EncryptionPrivateKey != "ek" || cfg.Network.NetworkEncryptionPublicKey != "nk" {
		t.Fatalf("secrets not applied: %+v", cfg.Keys)
	}
	if cfg.Keys.SigningPublicKey != "from-file" || cfg.Keys.EncryptionPublicKey != "" {
		t.Fatalf("absent or non-string values must not overwrite: %+v", cfg.Keys)
	}

	reader.err = errors.New("permission denied")
	if err := ApplyVaultSecrets(context.Background(), &cfg, reader); err == nil {
		t.Fatal("expected vault read error")
	}
	cfg.Vault.KeysPath = ""
	if err := ApplyVaultSecrets(context.Background(), &cfg, reader); err != nil {
		t.Fatalf("no keys path should be a no-op, got %v", err)
	}
}

func TestVaultTokenFromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("s.abc\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	token, err := VaultConfig{TokenPath: path}.token()
	if err != nil || token != "s.abc" {
		t.Fatalf("expected trimmed token, got %q err=%v", token, err)
	}
	if _, err := (VaultConfig{}).token(); err == nil {
		t.Fatal("expected error without token")
	}
}
