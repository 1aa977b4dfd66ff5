// Package envelope encrypts secret payloads for the destination vault as JWE
// compact serializations: the content key is wrapped with the vault's RSA
// public key (RSA-OAEP-256) and the payload is sealed with AES-256-GCM.
//
// Nothing in this package logs, and plaintext buffers are cleared once
// encrypted.
package envelope

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"

	"github.com/QuoineFinancial/vault-migrate/pkg/models"
)

var (
	// ErrKeyParse - the vault public key is not a usable RSA encryption key.
	ErrKeyParse = errors.New("parsing vault public key failed")

	// ErrEncrypt - a secret could not be sealed.
	ErrEncrypt = errors.New("encrypting secret failed")
)

const (
	// KeyAlgorithm - wraps the content key with the vault public key.
	KeyAlgorithm = jose.RSA_OAEP_256

	// ContentEncryption - seals the payload.
	ContentEncryption = jose.A256GCM

	// ContentType - the cty header of every envelope.
	ContentType = jose.ContentType("text/plain")

	// MinKeyBits is the smallest RSA modulus accepted.
	MinKeyBits = 2048
)

// Envelope is a JWE in compact serialization,
// header.encryptedKey.iv.ciphertext.tag.
type Envelope string

// EncryptionContext holds the encrypter built from the vault public key. It
// is never modified after Initialize and may be shared between goroutines.
type EncryptionContext struct {
	keyID     string
	encrypter jose.Encrypter
}

// Initialize parses the vault public key and prepares the JWE header.
func Initialize(key models.PublicKey) (*EncryptionContext, error) {
	if key.KeyID == "" {
		return nil, fmt.Errorf("%w: key has no kid", ErrKeyParse)
	}

	raw, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyParse, err)
	}

	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyParse, err)
	}

	pub, ok := jwk.Key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected an RSA public key, got %T", ErrKeyParse, jwk.Key)
	}
	if bits := pub.N.BitLen(); bits < MinKeyBits {
		return nil, fmt.Errorf("%w: RSA modulus of %d bits is below %d", ErrKeyParse, bits, MinKeyBits)
	}

	enc, err := jose.NewEncrypter(
		ContentEncryption,
		jose.Recipient{
			Algorithm: KeyAlgorithm,
			Key:       pub,
			KeyID:     key.KeyID,
		},
		(&jose.EncrypterOptions{}).WithContentType(ContentType),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyParse, err)
	}

	return &EncryptionContext{
		keyID:     key.KeyID,
		encrypter: enc,
	}, nil
}

// KeyID returns the kid every envelope is addressed to.
func (c *EncryptionContext) KeyID() string {
	return c.keyID
}

// Encrypt serializes data to JSON and encrypts it. A fresh content key and IV
// are drawn for every call, so encrypting the same data twice never yields
// the same envelope.
func (c *EncryptionContext) Encrypt(data map[string]string) (Envelope, error) {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncrypt, err)
	}
	defer clear(plaintext)

	obj, err := c.encrypter.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncrypt, err)
	}

	compact, err := obj.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncrypt, err)
	}

	return Envelope(compact), nil
}
