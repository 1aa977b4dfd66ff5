package destination

import (
	"time"

	"github.com/QuoineFinancial/vault-migrate/pkg/models"
)

// BearerToken is a short lived credential for the destination API.
type BearerToken struct {
	Value string

	// ExpiresAt is zero when the destination did not report an expiry.
	ExpiresAt time.Time
}

// SessionCredentials are produced once by Handshake and only read afterwards.
// They are never written to disk.
type SessionCredentials struct {
	Token     BearerToken
	PublicKey models.PublicKey

	// KeyCount is the number of keys the JWKS held; PublicKey is the first.
	KeyCount int
}

// Expired reports whether the bearer token has expired at now.
func (s *SessionCredentials) Expired(now time.Time) bool {
	return !s.Token.ExpiresAt.IsZero() && !now.Before(s.Token.ExpiresAt)
}
