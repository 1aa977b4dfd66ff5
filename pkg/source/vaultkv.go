package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudfoundry-community/vaultkv"
	"github.com/rs/zerolog"

	"github.com/QuoineFinancial/vault-migrate/pkg/models"
)

// KVReader - reads the source vault through vaultkv
type KVReader struct {
	client *vaultkv.Client
	logger zerolog.Logger
	config models.Source
	retry  models.Retry
}

// NewKVReader - returns a vaultkv backed reader for the source vault
func NewKVReader(
	src models.Source,
	timeout time.Duration,
	retry models.Retry,
	logger zerolog.Logger,
) (*KVReader, error) {
	vaultURL, err := url.Parse(src.Addr())
	if err != nil {
		return nil, fmt.Errorf("invalid source vault address: %w", err)
	}

	c := vaultkv.Client{
		VaultURL:  vaultURL,
		AuthToken: src.Token,
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: src.Insecure,
				},
			},
		},
	}

	r := &KVReader{
		client: &c,
		config: src,
		retry:  retry,
		logger: logger.With().Str("component", "source").Str("driver", models.DriverVaultKV).Logger(),
	}

	if src.RenewToken {
		if err := renewToken(context.Background(), retry, r.logger, r.renew); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// ListSecretPaths - lists the secrets of an engine
func (r *KVReader) ListSecretPaths(ctx context.Context, engine, metadata string) ([]string, error) {
	p := fmt.Sprintf("%s/%s/", engine, metadata)

	var paths []string
	err := retry(ctx, r.retry, r.logger, func() error {
		var err error
		paths, err = r.client.List(p)
		if err != nil {
			return kvPermanent(err)
		}
		return nil
	})
	if err != nil {
		if vaultkv.IsNotFound(err) {
			r.logger.Info().Str("engine", engine).Msg("no secrets found for engine")
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrList, p, err)
	}

	r.logger.Info().Str("engine", engine).Int("count", len(paths)).Msg("listed secrets")
	return paths, nil
}

// ReadSecret - reads the current version of a secret
func (r *KVReader) ReadSecret(ctx context.Context, engine, path string) (map[string]string, error) {
	var secret map[string]interface{}
	err := retry(ctx, r.retry, r.logger, func() error {
		secret = nil
		if _, err := r.client.V2Get(engine, path, &secret, nil); err != nil {
			return kvPermanent(err)
		}
		return nil
	})
	if err != nil {
		if vaultkv.IsNotFound(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("%w: %s/data/%s: %w", ErrRead, engine, path, err)
	}

	data, err := flatten(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/data/%s: %w", ErrRead, engine, path, err)
	}

	logKeys(r.logger, engine, path, data)
	return data, nil
}

// kvPermanent stops retrying on answers that will not change by asking again.
func kvPermanent(err error) error {
	if vaultkv.IsNotFound(err) || vaultkv.IsForbidden(err) || vaultkv.IsBadRequest(err) {
		return backoff.Permanent(err)
	}
	return err
}
