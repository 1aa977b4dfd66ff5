package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/QuoineFinancial/vault-migrate/pkg/models"
)

// ErrRenew - the source token could not be renewed.
var ErrRenew = errors.New("renewing source token failed")

// renewToken extends the lease of the source token before the first list,
// so a long migration does not outlive it. renew must classify permanent
// failures with backoff.Permanent.
func renewToken(
	ctx context.Context,
	cfg models.Retry,
	logger zerolog.Logger,
	renew func(ctx context.Context) error,
) error {
	logger.Debug().Msg("attempting renewal of token")

	if err := retry(ctx, cfg, logger, func() error { return renew(ctx) }); err != nil {
		return fmt.Errorf("%w: %w", ErrRenew, err)
	}

	logger.Debug().Msg("successfully renewed token")
	return nil
}

func (r *KVReader) renew(ctx context.Context) error {
	return kvPermanent(r.client.TokenRenewSelf())
}

func (r *APIReader) renew(ctx context.Context) error {
	_, err := r.client.Auth().Token().RenewSelfWithContext(ctx, 0)
	return apiPermanent(err)
}
