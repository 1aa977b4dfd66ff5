package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"github.com/QuoineFinancial/vault-migrate/pkg/models"
)

// APIReader reads the source vault through the official vault API client.
type APIReader struct {
	client *api.Client
	logger zerolog.Logger
	retry  models.Retry
}

// NewAPIReader returns a reader backed by github.com/hashicorp/vault/api.
// The client's own retry is disabled; retries follow the configured policy.
func NewAPIReader(
	src models.Source,
	timeout time.Duration,
	retry models.Retry,
	logger zerolog.Logger,
) (*APIReader, error) {
	config := api.DefaultConfig()
	config.Address = src.Addr()
	config.Timeout = timeout
	config.MaxRetries = 0

	if src.Insecure {
		if err := config.ConfigureTLS(&api.TLSConfig{Insecure: true}); err != nil {
			return nil, fmt.Errorf("configuring source vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("creating source vault client: %w", err)
	}
	client.SetToken(src.Token)
	if src.Namespace != "" {
		client.SetNamespace(src.Namespace)
	}

	r := &APIReader{
		client: client,
		retry:  retry,
		logger: logger.With().Str("component", "source").Str("driver", models.DriverVaultAPI).Logger(),
	}

	if src.RenewToken {
		if err := renewToken(context.Background(), retry, r.logger, r.renew); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// ListSecretPaths lists engine/metadata/.
func (r *APIReader) ListSecretPaths(ctx context.Context, engine, metadata string) ([]string, error) {
	p := fmt.Sprintf("%s/%s", engine, metadata)

	var secret *api.Secret
	err := retry(ctx, r.retry, r.logger, func() error {
		var err error
		secret, err = r.client.Logical().ListWithContext(ctx, p)
		return apiPermanent(err)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrList, p, err)
	}

	if secret == nil || secret.Data == nil {
		r.logger.Info().Str("engine", engine).Msg("no secrets found for engine")
		return []string{}, nil
	}

	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: %s: unexpected keys type %T", ErrList, p, secret.Data["keys"])
	}

	paths := make([]string, 0, len(raw))
	for _, k := range raw {
		s, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: unexpected key type %T", ErrList, p, k)
		}
		paths = append(paths, s)
	}

	r.logger.Info().Str("engine", engine).Int("count", len(paths)).Msg("listed secrets")
	return paths, nil
}

// ReadSecret reads engine/data/path.
func (r *APIReader) ReadSecret(ctx context.Context, engine, path string) (map[string]string, error) {
	p := fmt.Sprintf("%s/data/%s", engine, path)

	var secret *api.Secret
	err := retry(ctx, r.retry, r.logger, func() error {
		var err error
		secret, err = r.client.Logical().ReadWithContext(ctx, p)
		return apiPermanent(err)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, p, err)
	}

	if secret == nil || secret.Data == nil {
		return map[string]string{}, nil
	}

	inner, _ := secret.Data["data"].(map[string]interface{})
	data, err := flatten(inner)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, p, err)
	}

	logKeys(r.logger, engine, path, data)
	return data, nil
}

// apiPermanent stops retrying on client errors.
func apiPermanent(err error) error {
	if err == nil {
		return nil
	}
	var respErr *api.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode < http.StatusInternalServerError {
		return backoff.Permanent(err)
	}
	return err
}
