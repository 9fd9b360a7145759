package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/hashicorp/vault/api"
)

// Secret providers
const (
	SecretProviderEnv   = "env"
	SecretProviderVault = "vault"
	SecretProviderAWS   = "aws"
)

// Secret keys resolved for outbound connections.
const (
	SecretRedisPassword = "redis_password"
	SecretBusToken      = "nats_token"
	SecretRegistryToken = "registry_token"
)

// ErrSecretNotFound is returned when a provider has no value for a key.
var ErrSecretNotFound = errors.New("secret not found")

// SecretsConfig selects where connection credentials come from.
type SecretsConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	Vault    struct {
		Address string `mapstructure:"address" yaml:"address"`
		Token   string `mapstructure:"token" yaml:"-"`
		Path    string `mapstructure:"path" yaml:"path"`
	} `mapstructure:"vault" yaml:"vault"`
	AWS struct {
		Region   string `mapstructure:"region" yaml:"region"`
		SecretID string `mapstructure:"secret_id" yaml:"secret_id"`
	} `mapstructure:"aws" yaml:"aws"`
}

// SecretManager retrieves a single secret value by key.
type SecretManager interface {
	GetSecret(key string) (string, error)
}

// EnvSecretManager reads LOOKOUT_SECRET_<KEY> environment variables.
type EnvSecretManager struct{}

func (e *EnvSecretManager) GetSecret(key string) (string, error) {
	envKey := "LOOKOUT_SECRET_" + strings.ToUpper(key)
	value := os.Getenv(envKey)
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, envKey)
	}
	return value, nil
}

// VaultSecretManager reads keys from one HashiCorp Vault secret. KV v2
// responses (values nested under "data") are handled as well as KV v1.
type VaultSecretManager struct {
	path   string
	client *api.Client
}

func NewVaultSecretManager(cfg SecretsConfig) (*VaultSecretManager, error) {
	client, err := api.NewClient(&api.Config{
		Address: cfg.Vault.Address,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	token := cfg.Vault.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token != "" {
		client.SetToken(token)
	}

	path := cfg.Vault.Path
	if path == "" {
		path = "secret/lookout"
	}
	return &VaultSecretManager{path: path, client: client}, nil
}

func (v *VaultSecretManager) GetSecret(key string) (string, error) {
	secret, err := v.client.Logical().Read(v.path)
	if err != nil {
		return "", fmt.Errorf("failed to read from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: no secret at path %s", ErrSecretNotFound, v.path)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	value, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: key %s not in Vault secret", ErrSecretNotFound, key)
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("secret value for key %s is not a string", key)
	}
	return str, nil
}

// AWSSecretManager reads keys from a JSON object stored in AWS Secrets Manager.
type AWSSecretManager struct {
	secretID string
	client   *secretsmanager.SecretsManager
}

func NewAWSSecretManager(cfg SecretsConfig) (*AWSSecretManager, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.AWS.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	secretID := cfg.AWS.SecretID
	if secretID == "" {
		secretID = "lookout/secrets"
	}
	return &AWSSecretManager{secretID: secretID, client: secretsmanager.New(sess)}, nil
}

func (a *AWSSecretManager) GetSecret(key string) (string, error) {
	result, err := a.client.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(a.secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret from AWS: %w", err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("%w: AWS secret %s has no string value", ErrSecretNotFound, a.secretID)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return "", fmt.Errorf("failed to parse AWS secret JSON: %w", err)
	}

	value, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("%w: key %s not in AWS secret", ErrSecretNotFound, key)
	}
	return value, nil
}

// NewSecretManager creates the manager for the configured provider.
func NewSecretManager(cfg SecretsConfig) (SecretManager, error) {
	switch cfg.Provider {
	case "", SecretProviderEnv:
		return &EnvSecretManager{}, nil
	case SecretProviderVault:
		return NewVaultSecretManager(cfg)
	case SecretProviderAWS:
		return NewAWSSecretManager(cfg)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", cfg.Provider)
	}
}

// ResolveSecrets fills connection credentials that were not set in the
// config file or environment. Keys the provider does not hold are skipped.
func ResolveSecrets(cfg *Config, manager SecretManager) error {
	targets := []struct {
		key   string
		field *string
	}{
		{SecretRedisPassword, &cfg.Redis.Password},
		{SecretBusToken, &cfg.Bus.Token},
		{SecretRegistryToken, &cfg.Registry.APIToken},
	}

	for _, t := range targets {
		if *t.field != "" {
			continue
		}
		value, err := manager.GetSecret(t.key)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load secret %s: %w", t.key, err)
		}
		*t.field = value
	}
	return nil
}
