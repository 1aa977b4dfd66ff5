// Package destination talks to the privileged access vault secrets are
// migrated into: it obtains a bearer token and the vault public key once per
// run, and creates folders and secrets.
//
// None of the calls are idempotent. Running a migration twice creates
// duplicate folders and secrets unless the destination rejects duplicate
// names itself.
package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/QuoineFinancial/vault-migrate/pkg/config"
	"github.com/QuoineFinancial/vault-migrate/pkg/models"
)

var (
	// ErrAuth - the service account key was not exchanged for a bearer token.
	ErrAuth = errors.New("authentication failed")

	// ErrKeyFetch - the vault public key could not be retrieved.
	ErrKeyFetch = errors.New("fetching vault public key failed")

	// ErrFolderCreate - a folder was not created.
	ErrFolderCreate = errors.New("creating folder failed")

	// ErrSecretCreate - a secret was not created.
	ErrSecretCreate = errors.New("creating secret failed")

	// ErrReveal - a created secret could not be read back.
	ErrReveal = errors.New("revealing secret failed")
)

const (
	contentTypeJSON = "application/json"

	// maxErrorBody bounds how much of an unexpected response ends up in an error.
	maxErrorBody = 512

	maxResponseBody = 1 << 20
)

// StatusError is returned when the destination answers with an unexpected
// HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// FolderHandle identifies a folder created at the destination.
type FolderHandle struct {
	ID   string
	Name string
}

// SecretHandle identifies a secret created at the destination.
type SecretHandle struct {
	ID   string
	Name string
}

// Client performs the destination API calls. It is safe for concurrent use.
type Client struct {
	http      *retryablehttp.Client
	endpoints config.Endpoints
	logger    zerolog.Logger
}

// New returns a Client for the given endpoints. Each attempt is bounded by
// timeout; transient failures are retried with exponential backoff according
// to retry.
func New(
	endpoints config.Endpoints,
	timeout time.Duration,
	retry models.Retry,
	logger zerolog.Logger,
) *Client {
	logger = logger.With().Str("component", "destination").Logger()

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = timeout
	rc.RetryMax = retry.Max
	if retry.WaitMin > 0 {
		rc.RetryWaitMin = retry.WaitMin
	}
	if retry.WaitMax > 0 {
		rc.RetryWaitMax = retry.WaitMax
	}
	rc.Logger = leveledLogger{logger}

	return &Client{
		http:      rc,
		endpoints: endpoints,
		logger:    logger,
	}
}

// Authenticate exchanges the service account key for a bearer token.
func (c *Client) Authenticate(ctx context.Context, clientID, clientSecret string) (BearerToken, error) {
	c.logger.Info().Str("client_id", clientID).Msg("retrieving bearer token")

	var resp models.TokenResponse
	err := c.do(ctx, http.MethodPost, c.endpoints.Token, "",
		models.TokenRequest{KeyID: clientID, KeySecret: clientSecret},
		&resp, http.StatusOK)
	if err != nil {
		return BearerToken{}, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if resp.BearerToken == "" {
		return BearerToken{}, fmt.Errorf("%w: response has no bearer_token", ErrAuth)
	}

	token := BearerToken{Value: resp.BearerToken}
	if resp.ExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339, resp.ExpiresAt)
		if err != nil {
			c.logger.Warn().Err(err).Msg("ignoring unparseable token expiry")
		} else {
			token.ExpiresAt = exp
		}
	}

	c.logger.Info().Time("expires_at", token.ExpiresAt).Msg("bearer token retrieved")
	return token, nil
}

// FetchPublicKey returns the vault public key. The JWKS is expected to hold a
// single active key; when it holds more, the first one is used and the
// multiplicity is reported through the returned count and a warning.
func (c *Client) FetchPublicKey(ctx context.Context, token string) (models.PublicKey, int, error) {
	c.logger.Info().Msg("retrieving vault public key")

	var resp models.JWKSResponse
	err := c.do(ctx, http.MethodGet, c.endpoints.JWKS, token, nil, &resp, http.StatusOK)
	if err != nil {
		return models.PublicKey{}, 0, fmt.Errorf("%w: %w", ErrKeyFetch, err)
	}

	n := len(resp.Keys)
	if n == 0 {
		return models.PublicKey{}, 0, fmt.Errorf("%w: jwks holds no keys", ErrKeyFetch)
	}
	if n > 1 {
		c.logger.Warn().
			Int("keys", n).
			Str("kid", resp.Keys[0].KeyID).
			Msg("jwks holds more than one key, using the first")
	}

	c.logger.Info().Str("kid", resp.Keys[0].KeyID).Msg("vault public key retrieved")
	return resp.Keys[0], n, nil
}

// Handshake authenticates and fetches the public key, producing the
// credentials every later call of the run uses.
func (c *Client) Handshake(ctx context.Context, clientID, clientSecret string) (*SessionCredentials, error) {
	token, err := c.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	key, n, err := c.FetchPublicKey(ctx, token.Value)
	if err != nil {
		return nil, err
	}

	return &SessionCredentials{
		Token:     token,
		PublicKey: key,
		KeyCount:  n,
	}, nil
}

// CreateFolder creates a secret folder under parentFolderID.
func (c *Client) CreateFolder(
	ctx context.Context,
	name, parentFolderID, description, token string,
) (FolderHandle, error) {
	var resp models.ObjectResponse
	err := c.do(ctx, http.MethodPost, c.endpoints.Folder, token,
		models.FolderRequest{
			Name:           name,
			Description:    description,
			ParentFolderID: parentFolderID,
		},
		&resp, http.StatusOK, http.StatusCreated)
	if err != nil {
		return FolderHandle{}, fmt.Errorf("%w: %q: %w", ErrFolderCreate, name, err)
	}
	if resp.ID == "" {
		return FolderHandle{}, fmt.Errorf("%w: %q: response has no id", ErrFolderCreate, name)
	}

	c.logger.Info().Str("folder", name).Str("folder_id", resp.ID).Msg("folder created")
	return FolderHandle{ID: resp.ID, Name: resp.Name}, nil
}

// CreateSecret creates a secret under parentFolderID whose value is the
// given JWE compact serialization.
func (c *Client) CreateSecret(
	ctx context.Context,
	name, parentFolderID, description, secretJWE, token string,
) (SecretHandle, error) {
	var resp models.ObjectResponse
	err := c.do(ctx, http.MethodPost, c.endpoints.Secret, token,
		models.SecretRequest{
			Name:           name,
			Description:    description,
			ParentFolderID: parentFolderID,
			SecretJWE:      secretJWE,
		},
		&resp, http.StatusOK, http.StatusCreated)
	if err != nil {
		return SecretHandle{}, fmt.Errorf("%w: %q: %w", ErrSecretCreate, name, err)
	}

	c.logger.Info().Str("secret", name).Str("secret_id", resp.ID).Msg("secret created")
	return SecretHandle{ID: resp.ID, Name: resp.Name}, nil
}

// RevealSecret asks the destination for a created secret, encrypted to
// publicKey. The returned JWE is only readable with the matching private key.
func (c *Client) RevealSecret(
	ctx context.Context,
	secretID string,
	publicKey models.PublicKey,
	token string,
) (string, error) {
	var resp models.RevealResponse
	err := c.do(ctx, http.MethodPost, c.endpoints.Secret+"/"+url.PathEscape(secretID), token,
		models.RevealRequest{PublicKey: publicKey},
		&resp, http.StatusOK)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrReveal, secretID, err)
	}
	if resp.SecretJWE == "" {
		return "", fmt.Errorf("%w: %q: response has no secret_jwe", ErrReveal, secretID)
	}

	c.logger.Debug().Str("secret_id", secretID).Msg("secret revealed")
	return resp.SecretJWE, nil
}

// do sends a JSON request and decodes a JSON response into out when the
// status is one of want.
func (c *Client) do(
	ctx context.Context,
	method, target, token string,
	body, out interface{},
	want ...int,
) error {
	var payload interface{}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		payload = b
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", target).
		Int("status", resp.StatusCode).
		Msg("destination call completed")

	if !expected(resp.StatusCode, want) {
		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       string(bytes.TrimSpace(truncate(b, maxErrorBody))),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func expected(status int, want []int) bool {
	for _, w := range want {
		if status == w {
			return true
		}
	}
	return false
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
