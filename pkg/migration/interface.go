package migration

import (
	"context"

	"github.com/QuoineFinancial/vault-migrate/pkg/destination"
	"github.com/QuoineFinancial/vault-migrate/pkg/envelope"
	"github.com/QuoineFinancial/vault-migrate/pkg/models"
)

// Source lists and reads the secrets to migrate.
type Source interface {
	ListSecretPaths(ctx context.Context, engine, metadata string) ([]string, error)
	ReadSecret(ctx context.Context, engine, path string) (map[string]string, error)
}

// Destination receives the migrated folders and secrets.
type Destination interface {
	Handshake(ctx context.Context, clientID, clientSecret string) (*destination.SessionCredentials, error)
	CreateFolder(ctx context.Context, name, parentFolderID, description, token string) (destination.FolderHandle, error)
	CreateSecret(ctx context.Context, name, parentFolderID, description, secretJWE, token string) (destination.SecretHandle, error)
	RevealSecret(ctx context.Context, secretID string, publicKey models.PublicKey, token string) (string, error)
}

// Encrypter seals one secret body into an envelope.
type Encrypter interface {
	Encrypt(data map[string]string) (envelope.Envelope, error)
}

// InitFunc builds the Encrypter for the vault public key.
type InitFunc func(key models.PublicKey) (Encrypter, error)

func initializeEnvelope(key models.PublicKey) (Encrypter, error) {
	return envelope.Initialize(key)
}
