package secrets

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/botgate/botgate/pkg/telemetry"
)

// VaultConfig configures the Vault-backed store.
type VaultConfig struct {
	Address string `yaml:"address" json:"address" validate:"required,url"`
	// Token falls back to VAULT_TOKEN when empty.
	Token string `yaml:"-" json:"-"`
	// Mount is the KV v2 mount path.
	Mount string `yaml:"mount" json:"mount"`
	// Prefix is prepended to every secret name.
	Prefix string `yaml:"prefix" json:"prefix"`

	MaxRetries     int           `yaml:"maxRetries" json:"maxRetries"`
	InitialBackoff time.Duration `yaml:"initialBackoff" json:"initialBackoff"`
}

const (
	defaultMount      = "secret"
	defaultMaxRetries = 3
	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 2 * time.Second
	backoffFactor     = 2.0
)

// Vault stores secrets in a Vault KV v2 engine.
type Vault struct {
	client *api.Client
	cfg    VaultConfig
}

// NewVault creates a Vault store.
func NewVault(cfg VaultConfig) (*Vault, error) {
	if cfg.Mount == "" {
		cfg.Mount = defaultMount
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = initialBackoff
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	// retries are done here so they can be logged and bounded per operation
	vaultConfig.MaxRetries = 0

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}

	return &Vault{client: client, cfg: cfg}, nil
}

func (v *Vault) path(kind, name string) string {
	return fmt.Sprintf("%s/%s/%s%s", strings.Trim(v.cfg.Mount, "/"), kind, v.cfg.Prefix, name)
}

// Ensure implements Store.
func (v *Vault) Ensure(ctx context.Context, name string, data map[string]string) error {
	current, err := v.Read(ctx, name)
	if err != nil {
		return err
	}
	if current != nil && maps.Equal(current, data) {
		return nil
	}

	payload := make(map[string]interface{}, len(data))
	for k, val := range data {
		payload[k] = val
	}
	fullPath := v.path("data", name)
	_, err = retryWithBackoff(ctx, v.cfg, "write "+fullPath, func() (*api.Secret, error) {
		return v.client.Logical().WriteWithContext(ctx, fullPath, map[string]interface{}{"data": payload})
	})
	if err != nil {
		return fmt.Errorf("failed to write secret to %s: %w", fullPath, err)
	}
	return nil
}

// Read implements Store.
func (v *Vault) Read(ctx context.Context, name string) (map[string]string, error) {
	fullPath := v.path("data", name)
	secret, err := retryWithBackoff(ctx, v.cfg, "read "+fullPath, func() (*api.Secret, error) {
		return v.client.Logical().ReadWithContext(ctx, fullPath)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from %s: %w", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	inner, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// deleted versions come back with data: null
		return nil, nil
	}
	out := make(map[string]string, len(inner))
	for k, val := range inner {
		out[k] = fmt.Sprint(val)
	}
	return out, nil
}

// Delete implements Store. All versions and the metadata are removed.
func (v *Vault) Delete(ctx context.Context, name string) error {
	fullPath := v.path("metadata", name)
	_, err := retryWithBackoff(ctx, v.cfg, "delete "+fullPath, func() (*api.Secret, error) {
		return v.client.Logical().DeleteWithContext(ctx, fullPath)
	})
	var respErr *api.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete secret at %s: %w", fullPath, err)
	}
	return nil
}

// retryWithBackoff executes an operation with exponential backoff retry logic.
// It retries transient errors up to MaxRetries times with exponentially increasing delays.
func retryWithBackoff[T any](ctx context.Context, cfg VaultConfig, operation string, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error
	logger := telemetry.FromContext(ctx).NewComponentLogger("secrets")

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}
		if !isRetryableError(lastErr) {
			return result, lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		backoff := time.Duration(float64(cfg.InitialBackoff) * math.Pow(backoffFactor, float64(attempt)))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		logger.WithFields(map[string]interface{}{
			"operation":    operation,
			"attempt":      attempt + 1,
			"max_attempts": cfg.MaxRetries + 1,
			"backoff":      backoff.String(),
		}).WithError(lastErr).Warn("vault operation failed, retrying")

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return result, fmt.Errorf("vault operation %s failed after %d attempts: %w", operation, cfg.MaxRetries+1, lastErr)
}

// isRetryableError retries server errors, throttling and network failures,
// but not auth or permission errors.
func isRetryableError(err error) bool {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.StatusCode
		return code == http.StatusTooManyRequests || (code >= 500 && code < 600)
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"no such host",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
