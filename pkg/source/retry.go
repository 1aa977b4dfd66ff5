package source

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/QuoineFinancial/vault-migrate/pkg/models"
)

// retry runs op until it succeeds, returns a backoff.Permanent error or the
// configured number of retries is spent.
func retry(
	ctx context.Context,
	cfg models.Retry,
	logger zerolog.Logger,
	op backoff.Operation,
) error {
	eb := backoff.NewExponentialBackOff()
	if cfg.WaitMin > 0 {
		eb.InitialInterval = cfg.WaitMin
	}
	if cfg.WaitMax > 0 {
		eb.MaxInterval = cfg.WaitMax
	}
	eb.MaxElapsedTime = 0

	max := cfg.Max
	if max < 0 {
		max = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max)), ctx)

	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		logger.Warn().Err(err).
			Dur("retry_in", wait).
			Msg("transient source vault failure, retrying")
	})
}
