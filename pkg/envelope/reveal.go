package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/QuoineFinancial/vault-migrate/pkg/models"
)

// ErrDecrypt - a revealed secret could not be opened.
var ErrDecrypt = errors.New("decrypting revealed secret failed")

// RevealKey is an ephemeral RSA key pair the destination encrypts revealed
// secrets to. It only lives in memory for the length of a run.
type RevealKey struct {
	private *rsa.PrivateKey
	public  models.PublicKey
}

// NewRevealKey generates a fresh key pair with a random kid.
func NewRevealKey() (*RevealKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, MinKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating reveal key: %w", err)
	}

	pub, err := PublicJWK(&priv.PublicKey, uuid.NewString())
	if err != nil {
		return nil, err
	}

	return &RevealKey{private: priv, public: pub}, nil
}

// PublicKey returns the public half as sent with a reveal request.
func (k *RevealKey) PublicKey() models.PublicKey {
	return k.public
}

// Open decrypts a revealed secret into its key/value data.
func (k *RevealKey) Open(secretJWE string) (map[string]string, error) {
	obj, err := jose.ParseEncrypted(secretJWE,
		[]jose.KeyAlgorithm{jose.RSA_OAEP_256, jose.RSA_OAEP},
		[]jose.ContentEncryption{jose.A256GCM, jose.A128GCM, jose.A256CBC_HS512, jose.A128CBC_HS256},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	plaintext, err := obj.Decrypt(k.private)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	defer clear(plaintext)

	var data map[string]string
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("%w: payload is not a key/value object", ErrDecrypt)
	}
	return data, nil
}

// PublicJWK renders an RSA public key as a JWKS entry for key agreement by
// RSA-OAEP-256.
func PublicJWK(pub *rsa.PublicKey, kid string) (models.PublicKey, error) {
	raw, err := jose.JSONWebKey{
		Key:       pub,
		KeyID:     kid,
		Algorithm: string(KeyAlgorithm),
		Use:       "enc",
	}.MarshalJSON()
	if err != nil {
		return models.PublicKey{}, fmt.Errorf("%w: %w", ErrKeyParse, err)
	}

	var key models.PublicKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return models.PublicKey{}, fmt.Errorf("%w: %w", ErrKeyParse, err)
	}
	return key, nil
}
