package models

// Destination - configuration for the privileged access vault secrets are
// migrated to
type Destination struct {
	// Host - the base URL of the destination, e.g. https://acme.pam.okta.com.
	Host string `yaml:"host"`

	// Team - the team name substituted for {team} in APIPath.
	Team string `yaml:"team"`

	// APIPath - the path prefix shared by every endpoint.
	APIPath string `yaml:"api_path" split_words:"true"`

	// ClientID - the service account key id.
	ClientID string `yaml:"client_id" split_words:"true"`

	// ClientSecret - the service account key secret.
	ClientSecret string `yaml:"client_secret" split_words:"true"`

	// TokenEndpoint - exchanges the service account key for a bearer token.
	TokenEndpoint string `yaml:"token_endpoint" split_words:"true"`

	// JWKSEndpoint - serves the vault public key.
	JWKSEndpoint string `yaml:"jwks_endpoint" split_words:"true"`

	// SecretEndpoint - creates secrets, relative to the project.
	SecretEndpoint string `yaml:"secret_endpoint" split_words:"true"`

	// FolderEndpoint - creates secret folders, relative to the project.
	FolderEndpoint string `yaml:"folder_endpoint" split_words:"true"`

	// ResourceGroupID - the resource group owning the project.
	ResourceGroupID string `yaml:"resource_group_id" split_words:"true"`

	// ProjectID - the project the secrets are created in.
	ProjectID string `yaml:"project_id" split_words:"true"`

	// ParentFolderID - the folder engine folders are created under.
	ParentFolderID string `yaml:"parent_folder_id" split_words:"true"`

	// Description - description given to created folders and secrets.
	Description string `yaml:"description"`
}

// TokenRequest is the body of the service token call.
type TokenRequest struct {
	KeyID     string `json:"key_id"`
	KeySecret string `json:"key_secret"`
}

// TokenResponse is the answer to the service token call.
type TokenResponse struct {
	BearerToken string `json:"bearer_token"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	TeamName    string `json:"team_name,omitempty"`
}

// PublicKey is one entry of the destination JWKS.
type PublicKey struct {
	KeyID     string `json:"kid"`
	KeyType   string `json:"kty"`
	Algorithm string `json:"alg,omitempty"`
	Modulus   string `json:"n"`
	Exponent  string `json:"e"`
	Use       string `json:"use,omitempty"`
}

// JWKSResponse is the answer to the JWKS call.
type JWKSResponse struct {
	Keys []PublicKey `json:"keys"`
}

// FolderRequest is the body of the folder creation call.
type FolderRequest struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	ParentFolderID string `json:"parent_folder_id"`
}

// SecretRequest is the body of the secret creation call.
type SecretRequest struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	ParentFolderID string `json:"parent_folder_id"`
	SecretJWE      string `json:"secret_jwe"`
}

// PathElement is one ancestor of a created object.
type PathElement struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ObjectResponse is the answer to folder and secret creation.
type ObjectResponse struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	ParentFolderID string        `json:"parent_folder_id,omitempty"`
	Description    string        `json:"description,omitempty"`
	CreatedAt      string        `json:"created_at,omitempty"`
	CreatedBy      string        `json:"created_by,omitempty"`
	UpdatedAt      string        `json:"updated_at,omitempty"`
	UpdatedBy      string        `json:"updated_by,omitempty"`
	Path           []PathElement `json:"path,omitempty"`
}

// RevealRequest asks the destination to hand a secret back encrypted to
// PublicKey.
type RevealRequest struct {
	PublicKey PublicKey `json:"public_key"`
}

// RevealResponse carries a revealed secret.
type RevealResponse struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	SecretJWE string `json:"secret_jwe"`
}
