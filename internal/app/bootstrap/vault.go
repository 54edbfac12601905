package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig points at a KV v2 secret carrying the subscriber key material.
type VaultConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"VAULT_ENABLED"`
	Address   string `yaml:"address" envconfig:"VAULT_ADDR"`
	Token     string `yaml:"token" envconfig:"VAULT_TOKEN"`
	TokenPath string `yaml:"token_path" envconfig:"VAULT_TOKEN_PATH"`
	Namespace string `yaml:"namespace" envconfig:"VAULT_NAMESPACE"`
	Mount     string `yaml:"mount" envconfig:"VAULT_MOUNT"`
	KeysPath  string `yaml:"keys_path" envconfig:"VAULT_KEYS_PATH"`
}

// SecretReader reads one KV secret.
type SecretReader interface {
	GetSecret(ctx context.Context, path string) (map[string]any, error)
}

type VaultClient struct {
	client *vault.Client
	mount  string
}

func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	token, err := cfg.token()
	if err != nil {
		return nil, err
	}
	client.SetToken(token)
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	return &VaultClient{client: client, mount: mount}, nil
}

func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]any, error) {
	secret, err := vc.client.KVv2(vc.mount).Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read vault secret %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault secret not found: %s", path)
	}
	return secret.Data, nil
}

func (c VaultConfig) token() (string, error) {
	if c.Token != "" {
		return c.Token, nil
	}
	if c.TokenPath != "" {
		raw, err := os.ReadFile(c.TokenPath)
		if err != nil {
			return "", fmt.Errorf("read vault token file: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	return "", fmt.Errorf("vault token not configured")
}

// ApplyVaultSecrets copies key material from the KeysPath secret over cfg.Keys.
// Fields absent from the secret keep their current value.
func ApplyVaultSecrets(ctx context.Context, cfg *Config, reader SecretReader) error {
	if reader == nil || cfg.Vault.KeysPath == "" {
		return nil
	}
	secret, err := reader.GetSecret(ctx, cfg.Vault.KeysPath)
	if err != nil {
		return err
	}

	assign := func(key string, dst *string) {
		if value, ok := secret[key].(string); ok && value != "" {
			*dst = value
		}
	}
	assign("signing_private_key", &cfg.Keys.SigningPrivateKey)
	assign("signing_public_key", &cfg.Keys.SigningPublicKey)
	assign("encryption_private_key", &cfg.Keys.EncryptionPrivateKey)
	assign("encryption_public_key", &cfg.Keys.EncryptionPublicKey)
	assign("network_encryption_public_key", &cfg.Network.NetworkEncryptionPublicKey)
	return nil
}
