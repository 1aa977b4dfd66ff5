// Package destinationtest provides an in-memory destination vault for tests.
package destinationtest

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"

	"github.com/go-jose/go-jose/v4"

	"github.com/QuoineFinancial/vault-migrate/pkg/config"
	"github.com/QuoineFinancial/vault-migrate/pkg/envelope"
	"github.com/QuoineFinancial/vault-migrate/pkg/models"
)

// Well known values accepted by the fake.
const (
	ClientID     = "test-key-id"
	ClientSecret = "test-key-secret"
	BearerToken  = "test-bearer-token"
	Team         = "acme"
	ProjectID    = "p-1"
	ResourceGrp  = "rg-1"
	ParentFolder = "f-root"
)

// Server is a fake destination vault. Requests are recorded in order.
type Server struct {
	*httptest.Server

	// Keys is served by the JWKS endpoint.
	Keys []models.PublicKey

	// ExpiresAt is returned by the token endpoint when set.
	ExpiresAt string

	// FailFolders and FailSecrets name objects whose creation is rejected.
	FailFolders map[string]bool
	FailSecrets map[string]bool

	// VaultKey opens stored secrets for reveal. Reveal is refused without it.
	VaultKey *rsa.PrivateKey

	// Tamper replaces the revealed data of the named secrets.
	Tamper map[string]map[string]string

	mu      sync.Mutex
	calls   []string
	folders []models.FolderRequest
	secrets []models.SecretRequest
	byID    map[string]models.SecretRequest
	nextID  int
}

// NewServer starts a fake serving the given keys.
func NewServer(keys ...models.PublicKey) *Server {
	s := &Server{
		Keys:        keys,
		FailFolders: map[string]bool{},
		FailSecrets: map[string]bool{},
		Tamper:      map[string]map[string]string{},
		byID:        map[string]models.SecretRequest{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// NewVault starts a fake holding the private half of its only key, so that
// created secrets can be revealed.
func NewVault(priv *rsa.PrivateKey, kid string) *Server {
	s := NewServer(PublicKey(&priv.PublicKey, kid))
	s.VaultKey = priv
	return s
}

// Destination returns a destination configuration pointing at the fake.
func (s *Server) Destination() models.Destination {
	d := config.Defaults().Destination
	d.Host = s.URL
	d.Team = Team
	d.ClientID = ClientID
	d.ClientSecret = ClientSecret
	d.ResourceGroupID = ResourceGrp
	d.ProjectID = ProjectID
	d.ParentFolderID = ParentFolder
	return d
}

// Endpoints returns the fake's endpoint URLs.
func (s *Server) Endpoints() config.Endpoints {
	e, err := config.BuildEndpoints(s.Destination())
	if err != nil {
		panic(err)
	}
	return e
}

// Calls returns the names of the calls received so far.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Folders returns the folder creation requests received so far.
func (s *Server) Folders() []models.FolderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.FolderRequest(nil), s.folders...)
}

// Secrets returns the secret creation requests received so far.
func (s *Server) Secrets() []models.SecretRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SecretRequest(nil), s.secrets...)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	switch {
	case strings.HasSuffix(r.URL.Path, "/service_token") && r.Method == http.MethodPost:
		s.calls = append(s.calls, "token")
		var req models.TokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
			req.KeyID != ClientID || req.KeySecret != ClientSecret {
			writeError(w, http.StatusUnauthorized, "invalid service account key")
			return
		}
		writeJSON(w, http.StatusOK, models.TokenResponse{
			BearerToken: BearerToken,
			ExpiresAt:   s.ExpiresAt,
			TeamName:    Team,
		})

	case !s.authorized(r):
		s.calls = append(s.calls, "unauthorized")
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")

	case strings.HasSuffix(r.URL.Path, "/vault/jwks.json") && r.Method == http.MethodGet:
		s.calls = append(s.calls, "jwks")
		writeJSON(w, http.StatusOK, models.JWKSResponse{Keys: s.Keys})

	case strings.HasSuffix(r.URL.Path, "/secret_folders") && r.Method == http.MethodPost:
		var req models.FolderRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.calls = append(s.calls, "folder:"+req.Name)
		if s.FailFolders[req.Name] {
			writeError(w, http.StatusBadRequest, "folder rejected")
			return
		}
		s.folders = append(s.folders, req)
		writeJSON(w, http.StatusCreated, s.object(req.Name, req.ParentFolderID))

	case strings.HasSuffix(r.URL.Path, "/secrets") && r.Method == http.MethodPost:
		var req models.SecretRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.calls = append(s.calls, "secret:"+req.Name)
		if s.FailSecrets[req.Name] {
			writeError(w, http.StatusBadRequest, "secret rejected")
			return
		}
		s.secrets = append(s.secrets, req)
		obj := s.object(req.Name, req.ParentFolderID)
		s.byID[obj.ID] = req
		writeJSON(w, http.StatusCreated, obj)

	case strings.Contains(r.URL.Path, "/secrets/") && r.Method == http.MethodPost:
		id := path.Base(r.URL.Path)
		s.calls = append(s.calls, "reveal:"+id)
		s.reveal(w, r, id)

	default:
		writeError(w, http.StatusNotFound, "no route")
	}
}

func (s *Server) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+BearerToken
}

func (s *Server) object(name, parent string) models.ObjectResponse {
	s.nextID++
	return models.ObjectResponse{
		ID:             fmt.Sprintf("obj-%d", s.nextID),
		Name:           name,
		ParentFolderID: parent,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"type": "error", "message": msg})
}

// reveal opens a stored secret with the vault key and seals it again for the
// public key of the request.
func (s *Server) reveal(w http.ResponseWriter, r *http.Request, id string) {
	stored, ok := s.byID[id]
	if !ok {
		writeError(w, http.StatusNotFound, "no such secret")
		return
	}
	if s.VaultKey == nil {
		writeError(w, http.StatusNotImplemented, "reveal not supported")
		return
	}

	var req models.RevealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid reveal request")
		return
	}

	obj, err := jose.ParseEncrypted(stored.SecretJWE,
		[]jose.KeyAlgorithm{envelope.KeyAlgorithm},
		[]jose.ContentEncryption{envelope.ContentEncryption})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stored secret is not a JWE")
		return
	}
	plaintext, err := obj.Decrypt(s.VaultKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stored secret does not open")
		return
	}
	var data map[string]string
	if err := json.Unmarshal(plaintext, &data); err != nil {
		writeError(w, http.StatusInternalServerError, "stored secret is not key/value")
		return
	}
	if tampered, ok := s.Tamper[stored.Name]; ok {
		data = tampered
	}

	enc, err := envelope.Initialize(req.PublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unusable public_key")
		return
	}
	sealed, err := enc.Encrypt(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sealing failed")
		return
	}

	writeJSON(w, http.StatusOK, models.RevealResponse{
		ID:        id,
		Name:      stored.Name,
		SecretJWE: string(sealed),
	})
}

// PublicKey renders an RSA public key as a JWKS entry.
func PublicKey(pub *rsa.PublicKey, kid string) models.PublicKey {
	key, err := envelope.PublicJWK(pub, kid)
	if err != nil {
		panic(err)
	}
	return key
}
