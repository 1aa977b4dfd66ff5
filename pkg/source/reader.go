// Package source reads secrets out of a HashiCorp Vault KV version 2 engine.
// Two drivers are provided, one on vaultkv and one on the official vault API
// client; both list an engine's metadata and read each secret's current
// version.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/QuoineFinancial/vault-migrate/pkg/models"
)

var (
	// ErrList - the secrets of an engine could not be listed.
	ErrList = errors.New("listing secrets failed")

	// ErrRead - a secret could not be read.
	ErrRead = errors.New("reading secret failed")
)

// Reader - read only access to the source vault
type Reader interface {
	// ListSecretPaths returns the secret names under engine/metadata/ in
	// listing order. An engine without secrets yields an empty slice.
	ListSecretPaths(ctx context.Context, engine, metadata string) ([]string, error)

	// ReadSecret returns the current key/value data at engine/data/path. A
	// missing or empty secret yields an empty map.
	ReadSecret(ctx context.Context, engine, path string) (map[string]string, error)
}

// New - returns the reader for the configured driver
func New(
	src models.Source,
	timeout time.Duration,
	retry models.Retry,
	logger zerolog.Logger,
) (Reader, error) {
	switch src.Driver {
	case models.DriverVaultKV, "":
		return NewKVReader(src, timeout, retry, logger)
	case models.DriverVaultAPI:
		return NewAPIReader(src, timeout, retry, logger)
	default:
		return nil, fmt.Errorf("unsupported source driver %q", src.Driver)
	}
}

// flatten converts the data of a secret into string values. Strings are kept
// as is; anything else is rendered as compact JSON.
func flatten(data map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(data))
	for k, v := range data {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("value of key %q: %w", k, err)
			}
			out[k] = string(b)
		}
	}
	return out, nil
}

// logKeys reports which keys a secret holds without their values.
func logKeys(logger zerolog.Logger, engine, path string, data map[string]string) {
	e := logger.Debug()
	if !e.Enabled() {
		return
	}
	s := make([]string, 0, len(data))
	for k := range data {
		s = append(s, k)
	}
	sort.Strings(s)
	e.Str("engine", engine).
		Str("path", path).
		Strs("secret_keys", s).
		Msg("secret(s) found, value(s) not shown")
}
