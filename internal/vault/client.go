// Package vault loads exchange API credentials from HashiCorp Vault (KV v2).
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"listing-sniper-bot/config"

	"github.com/hashicorp/vault/api"
)

var ErrCredentialsNotFound = errors.New("exchange credentials not found")

// Credentials is the secret stored per exchange
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Exchange  string `json:"exchange"`
}

// Client wraps the HashiCorp Vault client. When Vault is disabled it keeps
// credentials in process only, which is enough for dry runs and tests.
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  map[string]*Credentials // exchange -> credentials
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{
		config: cfg,
		cache:  make(map[string]*Credentials),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// StoreExchangeCredentials writes credentials for an exchange
func (c *Client) StoreExchangeCredentials(ctx context.Context, creds Credentials) error {
	if c.config.Enabled {
		secretData := map[string]interface{}{
			"data": map[string]interface{}{
				"api_key":    creds.APIKey,
				"secret_key": creds.SecretKey,
				"exchange":   creds.Exchange,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(creds.Exchange), secretData); err != nil {
			return fmt.Errorf("failed to store credentials in vault: %w", err)
		}
	}

	c.mu.Lock()
	c.cache[creds.Exchange] = &creds
	c.mu.Unlock()
	return nil
}

// GetExchangeCredentials reads credentials for an exchange, cached after the first read
func (c *Client) GetExchangeCredentials(ctx context.Context, exchange string) (*Credentials, error) {
	c.mu.RLock()
	if cached, ok := c.cache[exchange]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("%w: vault is disabled", ErrCredentialsNotFound)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(exchange))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrCredentialsNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		Exchange:  exchange,
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("%w: incomplete secret for %s", ErrCredentialsNotFound, exchange)
	}

	c.mu.Lock()
	c.cache[exchange] = creds
	c.mu.Unlock()
	return creds, nil
}

// ClearCache clears the in-memory cache
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*Credentials)
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// secretPath returns the KV v2 data path for an exchange
func (c *Client) secretPath(exchange string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, exchange)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
