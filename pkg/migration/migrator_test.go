package migration

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuoineFinancial/vault-migrate/pkg/config"
	"github.com/QuoineFinancial/vault-migrate/pkg/destination"
	"github.com/QuoineFinancial/vault-migrate/pkg/destination/destinationtest"
	"github.com/QuoineFinancial/vault-migrate/pkg/envelope"
	"github.com/QuoineFinancial/vault-migrate/pkg/metrics"
	"github.com/QuoineFinancial/vault-migrate/pkg/models"
)

type testSource struct {
	paths   map[string][]string
	secrets map[string]map[string]string
	listErr map[string]error
	readErr map[string]error

	reads []string
}

func (s *testSource) ListSecretPaths(ctx context.Context, engine, metadata string) ([]string, error) {
	if err := s.listErr[engine]; err != nil {
		return nil, err
	}
	return s.paths[engine], nil
}

func (s *testSource) ReadSecret(ctx context.Context, engine, path string) (map[string]string, error) {
	s.reads = append(s.reads, engine+"/"+path)
	if err := s.readErr[engine+"/"+path]; err != nil {
		return nil, err
	}
	out := map[string]string{}
	for k, v := range s.secrets[engine+"/"+path] {
		out[k] = v
	}
	return out, nil
}

type folderCall struct {
	name, parent, description, token string
}

type secretCall struct {
	name, parent, description, jwe, token string
}

type testDestination struct {
	keyCount     int
	expiresAt    time.Time
	handshakeErr error
	failFolders  map[string]bool
	failSecrets  map[string]bool

	// reveals holds what the vault returns for a secret id.
	reveals   map[string]map[string]string
	revealErr error

	handshakes      int
	lastCallFolders []folderCall
	lastCallSecrets []secretCall
	lastCallReveals []string
}

func (d *testDestination) Handshake(ctx context.Context, clientID, clientSecret string) (*destination.SessionCredentials, error) {
	d.handshakes++
	if d.handshakeErr != nil {
		return nil, d.handshakeErr
	}
	count := d.keyCount
	if count == 0 {
		count = 1
	}
	return &destination.SessionCredentials{
		Token:     destination.BearerToken{Value: "tok", ExpiresAt: d.expiresAt},
		PublicKey: models.PublicKey{KeyID: "kid-1"},
		KeyCount:  count,
	}, nil
}

func (d *testDestination) CreateFolder(ctx context.Context, name, parentFolderID, description, token string) (destination.FolderHandle, error) {
	d.lastCallFolders = append(d.lastCallFolders, folderCall{name, parentFolderID, description, token})
	if d.failFolders[name] {
		return destination.FolderHandle{}, errors.New("folder rejected")
	}
	return destination.FolderHandle{ID: "folder-" + name, Name: name}, nil
}

func (d *testDestination) CreateSecret(ctx context.Context, name, parentFolderID, description, secretJWE, token string) (destination.SecretHandle, error) {
	d.lastCallSecrets = append(d.lastCallSecrets, secretCall{name, parentFolderID, description, secretJWE, token})
	if d.failSecrets[name] {
		return destination.SecretHandle{}, errors.New("secret rejected")
	}
	return destination.SecretHandle{ID: "secret-" + name, Name: name}, nil
}

func (d *testDestination) RevealSecret(ctx context.Context, secretID string, publicKey models.PublicKey, token string) (string, error) {
	d.lastCallReveals = append(d.lastCallReveals, secretID)
	if d.revealErr != nil {
		return "", d.revealErr
	}
	data, ok := d.reveals[secretID]
	if !ok {
		return "", destination.ErrReveal
	}
	sealer, err := envelope.Initialize(publicKey)
	if err != nil {
		return "", err
	}
	env, err := sealer.Encrypt(data)
	return string(env), err
}

// testEncrypter records what it was asked to seal and returns a marker.
type testEncrypter struct {
	fail   bool
	sealed []map[string]string
}

func (e *testEncrypter) Encrypt(data map[string]string) (envelope.Envelope, error) {
	if e.fail {
		return "", envelope.ErrEncrypt
	}
	c := map[string]string{}
	for k, v := range data {
		c[k] = v
	}
	e.sealed = append(e.sealed, c)
	return envelope.Envelope("jwe-" + data["user"]), nil
}

func testConfig(engines ...string) models.Config {
	cfg := config.Defaults()
	cfg.Source.Engines = engines
	cfg.Destination.ClientID = "id"
	cfg.Destination.ClientSecret = "secret"
	cfg.Destination.ParentFolderID = "f-root"
	return cfg
}

func newTestMigrator(cfg models.Config, src Source, dest Destination, enc *testEncrypter) *Migrator {
	m := New(cfg, src, dest, metrics.New(), zerolog.Nop())
	m.initialize = func(models.PublicKey) (Encrypter, error) { return enc, nil }
	return m
}

func TestRunMigratesEngine(t *testing.T) {
	src := &testSource{
		paths: map[string][]string{"svc-a": {"db", "api"}},
		secrets: map[string]map[string]string{
			"svc-a/db": {"user": "u", "pass": "p"},
		},
	}
	dest := &testDestination{}
	enc := &testEncrypter{}
	m := newTestMigrator(testConfig("svc-a"), src, dest, enc)

	summary, err := m.Run(context.Background(), "run-1")
	require.NoError(t, err)
	require.NoError(t, summary.Err())

	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, 1, summary.EnginesProcessed)
	assert.Equal(t, 1, summary.FoldersCreated)
	assert.Equal(t, 1, summary.Migrated)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, StateDone, m.State())

	require.Len(t, dest.lastCallFolders, 1)
	assert.Equal(t, folderCall{"svc-a", "f-root", "Migrated from HashiCorp Vault", "tok"}, dest.lastCallFolders[0])

	require.Len(t, dest.lastCallSecrets, 1)
	assert.Equal(t, secretCall{"db", "folder-svc-a", "Migrated from HashiCorp Vault", "jwe-u", "tok"}, dest.lastCallSecrets[0])

	require.Len(t, enc.sealed, 1)
	assert.Equal(t, map[string]string{"user": "u", "pass": "p"}, enc.sealed[0])
}

func TestRunEmptyEngine(t *testing.T) {
	src := &testSource{paths: map[string][]string{}}
	dest := &testDestination{}
	m := newTestMigrator(testConfig("empty"), src, dest, &testEncrypter{})

	summary, err := m.Run(context.Background(), "run-1")
	require.NoError(t, err)

	assert.Len(t, dest.lastCallFolders, 1, "the folder is created even for an empty engine")
	assert.Empty(t, dest.lastCallSecrets)
	assert.Equal(t, 1, summary.EnginesProcessed)
	assert.Zero(t, summary.Migrated)
}

func TestRunSkipsEmptySecrets(t *testing.T) {
	src := &testSource{
		paths: map[string][]string{"svc-a": {"one", "two", "three"}},
		secrets: map[string]map[string]string{
			"svc-a/one":   {"user": "1"},
			"svc-a/three": {"user": "3"},
		},
	}
	dest := &testDestination{}
	m := newTestMigrator(testConfig("svc-a"), src, dest, &testEncrypter{})

	summary, err := m.Run(context.Background(), "run-1")
	require.NoError(t, err)

	require.Len(t, dest.lastCallSecrets, 2)
	assert.Equal(t, "one", dest.lastCallSecrets[0].name)
	assert.Equal(t, "three", dest.lastCallSecrets[1].name)
	assert.Equal(t, 2, summary.Migrated)
	assert.Equal(t, 1, summary.Skipped)
}

func TestRunFolderFailureSkipsEngine(t *testing.T) {
	src := &testSource{
		paths: map[string][]string{
			"db-creds": {"pg"},
			"api-keys": {"stripe"},
		},
		secrets: map[string]map[string]string{
			"db-creds/pg":     {"user": "pg"},
			"api-keys/stripe": {"user": "stripe"},
		},
	}
	dest := &testDestination{failFolders: map[string]bool{"db-creds": true}}
	m := newTestMigrator(testConfig("db-creds", "api-keys"), src, dest, &testEncrypter{})

	summary, err := m.Run(context.Background(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"api-keys/stripe"}, src.reads, "no secret of the failed engine is read")
	require.Len(t, dest.lastCallSecrets, 1)
	assert.Equal(t, "folder-api-keys", dest.lastCallSecrets[0].parent)

	assert.Equal(t, 1, summary.EnginesFailed)
	assert.Equal(t, 1, summary.EnginesProcessed)
	assert.Equal(t, 1, summary.Migrated)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, Failure{Engine: "db-creds", Stage: StageFolder, Err: summary.Failures[0].Err}, summary.Failures[0])
	assert.Error(t, summary.Err())
}

func TestRunListFailureSkipsEngine(t *testing.T) {
	src := &testSource{
		paths:   map[string][]string{"api-keys": {"stripe"}},
		secrets: map[string]map[string]string{"api-keys/stripe": {"user": "s"}},
		listErr: map[string]error{"db-creds": errors.New("permission denied")},
	}
	dest := &testDestination{}
	m := newTestMigrator(testConfig("db-creds", "api-keys"), src, dest, &testEncrypter{})

	summary, err := m.Run(context.Background(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.EnginesFailed)
	assert.Equal(t, 2, summary.FoldersCreated)
	assert.Equal(t, 1, summary.Migrated)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, StageList, summary.Failures[0].Stage)
}

func TestRunSecretFailuresContinue(t *testing.T) {
	src := &testSource{
		paths: map[string][]string{"svc-a": {"bad-read", "bad-push", "good"}},
		secrets: map[string]map[string]string{
			"svc-a/bad-push": {"user": "x"},
			"svc-a/good":     {"user": "g"},
		},
		readErr: map[string]error{"svc-a/bad-read": errors.New("boom")},
	}
	dest := &testDestination{failSecrets: map[string]bool{"bad-push": true}}
	m := newTestMigrator(testConfig("svc-a"), src, dest, &testEncrypter{})

	summary, err := m.Run(context.Background(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Migrated)
	assert.Equal(t, 2, summary.Failed)
	require.Len(t, summary.Failures, 2)
	assert.Equal(t, StageRead, summary.Failures[0].Stage)
	assert.Equal(t, "bad-read", summary.Failures[0].Path)
	assert.Equal(t, StagePush, summary.Failures[1].Stage)
	assert.Equal(t, "bad-push", summary.Failures[1].Path)
	assert.Contains(t, summary.Err().Error(), `secret "bad-push"`)
}

func TestRunEncryptFailure(t *testing.T) {
	src := &testSource{
		paths:   map[string][]string{"svc-a": {"db"}},
		secrets: map[string]map[string]string{"svc-a/db": {"user": "u"}},
	}
	dest := &testDestination{}
	m := newTestMigrator(testConfig("svc-a"), src, dest, &testEncrypter{fail: true})

	summary, err := m.Run(context.Background(), "run-1")
	require.NoError(t, err)

	assert.Empty(t, dest.lastCallSecrets)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, StageEncrypt, summary.Failures[0].Stage)
	assert.ErrorIs(t, summary.Failures[0], envelope.ErrEncrypt)
}

func TestRunHandshakeFailure(t *testing.T) {
	src := &testSource{paths: map[string][]string{"svc-a": {"db"}}}
	dest := &testDestination{handshakeErr: destination.ErrAuth}
	m := newTestMigrator(testConfig("svc-a"), src, dest, &testEncrypter{})

	_, err := m.Run(context.Background(), "run-1")
	assert.ErrorIs(t, err, destination.ErrAuth)
	assert.Equal(t, 1, dest.handshakes)
	assert.Empty(t, dest.lastCallFolders)
	assert.Empty(t, src.reads)
	assert.Equal(t, StateStart, m.State())
}

func TestRunKeyFailure(t *testing.T) {
	src := &testSource{paths: map[string][]string{"svc-a": {"db"}}}
	dest := &testDestination{}
	m := New(testConfig("svc-a"), src, dest, metrics.New(), zerolog.Nop())

	// the fake destination hands out a key without key material
	_, err := m.Run(context.Background(), "run-1")
	assert.ErrorIs(t, err, envelope.ErrKeyParse)
	assert.Empty(t, dest.lastCallFolders)
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestRunRecordsMetrics(t *testing.T) {
	src := &testSource{
		paths:   map[string][]string{"svc-a": {"db", "empty"}},
		secrets: map[string]map[string]string{"svc-a/db": {"user": "u"}},
	}
	dest := &testDestination{keyCount: 2, failFolders: map[string]bool{"svc-b": true}}
	met := metrics.New()
	m := New(testConfig("svc-a", "svc-b"), src, dest, met, zerolog.Nop())
	m.initialize = func(models.PublicKey) (Encrypter, error) { return &testEncrypter{}, nil }

	_, err := m.Run(context.Background(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(met.JWKSKeys))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.FoldersCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.EnginesTotal.WithLabelValues(metrics.OutcomeMigrated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.EnginesTotal.WithLabelValues(metrics.OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.SecretsTotal.WithLabelValues("svc-a", metrics.OutcomeMigrated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.SecretsTotal.WithLabelValues("svc-a", metrics.OutcomeSkipped)))
}

func TestRunWarnsOnceOnExpiredToken(t *testing.T) {
	src := &testSource{
		paths: map[string][]string{"svc-a": {"a", "b"}},
		secrets: map[string]map[string]string{
			"svc-a/a": {"user": "a"},
			"svc-a/b": {"user": "b"},
		},
	}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	dest := &testDestination{expiresAt: now.Add(-time.Minute)}
	m := newTestMigrator(testConfig("svc-a"), src, dest, &testEncrypter{})
	m.now = func() time.Time { return now }

	_, err := m.Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.True(t, m.expiryWarned)
	assert.Len(t, dest.lastCallSecrets, 2, "the run carries on; the destination decides")
}

func TestRunCancelled(t *testing.T) {
	src := &testSource{paths: map[string][]string{"svc-a": {"db"}}}
	dest := &testDestination{}
	m := newTestMigrator(testConfig("svc-a", "svc-b"), src, dest, &testEncrypter{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Run(ctx, "run-1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, dest.lastCallFolders)
}

func TestRunSkipsNestedFolders(t *testing.T) {
	src := &testSource{
		paths: map[string][]string{"svc-a": {"db", "team/"}},
		secrets: map[string]map[string]string{
			"svc-a/db": {"user": "u"},
		},
	}
	dest := &testDestination{}
	met := metrics.New()
	m := New(testConfig("svc-a"), src, dest, met, zerolog.Nop())
	m.initialize = func(models.PublicKey) (Encrypter, error) { return &testEncrypter{}, nil }

	summary, err := m.Run(context.Background(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"svc-a/db"}, src.reads, "a nested folder is never read")
	require.Len(t, dest.lastCallSecrets, 1)
	assert.Equal(t, 1, summary.Migrated)
	assert.Equal(t, 1, summary.Nested)
	assert.Zero(t, summary.Skipped)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.SecretsTotal.WithLabelValues("svc-a", metrics.OutcomeNested)))
}

func TestRunVerify(t *testing.T) {
	tests := []struct {
		name      string
		reveals   map[string]map[string]string
		revealErr error
		wantErr   error
		wantKeys  string
	}{
		{
			name: "matching",
			reveals: map[string]map[string]string{
				"secret-db": {"user": "u", "pass": "p"},
			},
		},
		{
			name: "changed value",
			reveals: map[string]map[string]string{
				"secret-db": {"user": "u", "pass": "other"},
			},
			wantErr:  ErrMismatch,
			wantKeys: "keys pass",
		},
		{
			name: "missing and extra keys",
			reveals: map[string]map[string]string{
				"secret-db": {"user": "u", "token": "t"},
			},
			wantErr:  ErrMismatch,
			wantKeys: "keys pass, token",
		},
		{
			name:      "reveal refused",
			revealErr: destination.ErrReveal,
			wantErr:   destination.ErrReveal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &testSource{
				paths:   map[string][]string{"svc-a": {"db"}},
				secrets: map[string]map[string]string{"svc-a/db": {"user": "u", "pass": "p"}},
			}
			dest := &testDestination{reveals: tt.reveals, revealErr: tt.revealErr}
			cfg := testConfig("svc-a")
			cfg.Verify = true
			m := newTestMigrator(cfg, src, dest, &testEncrypter{})

			summary, err := m.Run(context.Background(), "run-1")
			require.NoError(t, err)
			assert.Equal(t, []string{"secret-db"}, dest.lastCallReveals)

			if tt.wantErr == nil {
				assert.Equal(t, 1, summary.Migrated)
				assert.NoError(t, summary.Err())
				return
			}

			assert.Zero(t, summary.Migrated)
			assert.Equal(t, 1, summary.Failed)
			require.Len(t, summary.Failures, 1)
			assert.Equal(t, StageVerify, summary.Failures[0].Stage)
			assert.ErrorIs(t, summary.Failures[0], tt.wantErr)
			if tt.wantKeys != "" {
				assert.Contains(t, summary.Failures[0].Error(), tt.wantKeys)
				assert.NotContains(t, summary.Failures[0].Error(), "other")
			}
		})
	}
}

func TestRunWithoutVerifyNeverReveals(t *testing.T) {
	src := &testSource{
		paths:   map[string][]string{"svc-a": {"db"}},
		secrets: map[string]map[string]string{"svc-a/db": {"user": "u"}},
	}
	dest := &testDestination{}
	m := newTestMigrator(testConfig("svc-a"), src, dest, &testEncrypter{})

	summary, err := m.Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Migrated)
	assert.Empty(t, dest.lastCallReveals)
}

func TestRunEndToEndVerify(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := destinationtest.NewVault(priv, "kid-1")
	defer srv.Close()
	srv.Tamper["api"] = map[string]string{"key": "changed"}

	cfg := testConfig("svc-a")
	cfg.Destination = srv.Destination()
	cfg.Retry = models.Retry{Max: 0}
	cfg.Verify = true

	src := &testSource{
		paths: map[string][]string{"svc-a": {"db", "api"}},
		secrets: map[string]map[string]string{
			"svc-a/db":  {"user": "u", "pass": "p"},
			"svc-a/api": {"key": "k"},
		},
	}
	dest := destination.New(srv.Endpoints(), 5*time.Second, cfg.Retry, zerolog.Nop())

	summary, err := New(cfg, src, dest, nil, zerolog.Nop()).Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Migrated)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "api", summary.Failures[0].Path)
	assert.Equal(t, StageVerify, summary.Failures[0].Stage)
	assert.ErrorIs(t, summary.Failures[0], ErrMismatch)

	assert.Equal(t, []string{
		"token", "jwks", "folder:svc-a",
		"secret:db", "reveal:obj-2",
		"secret:api", "reveal:obj-3",
	}, srv.Calls())
}

func TestRunEndToEnd(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	second, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := destinationtest.NewServer(
		destinationtest.PublicKey(&priv.PublicKey, "kid-1"),
		destinationtest.PublicKey(&second.PublicKey, "kid-2"),
	)
	defer srv.Close()

	cfg := testConfig("svc-a")
	cfg.Destination = srv.Destination()
	cfg.Retry = models.Retry{Max: 0}

	src := &testSource{
		paths: map[string][]string{"svc-a": {"db", "empty"}},
		secrets: map[string]map[string]string{
			"svc-a/db": {"user": "u", "pass": "p"},
		},
	}
	dest := destination.New(srv.Endpoints(), 5*time.Second, cfg.Retry, zerolog.Nop())

	summary, err := New(cfg, src, dest, nil, zerolog.Nop()).Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Migrated)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)

	assert.Equal(t, []string{"token", "jwks", "folder:svc-a", "secret:db"}, srv.Calls())

	folders := srv.Folders()
	require.Len(t, folders, 1)
	assert.Equal(t, destinationtest.ParentFolder, folders[0].ParentFolderID)

	secrets := srv.Secrets()
	require.Len(t, secrets, 1)
	assert.Equal(t, "db", secrets[0].Name)
	assert.Equal(t, "obj-1", secrets[0].ParentFolderID)

	// only the first key of the JWKS can open the envelope
	obj, err := jose.ParseEncrypted(secrets[0].SecretJWE,
		[]jose.KeyAlgorithm{jose.RSA_OAEP_256},
		[]jose.ContentEncryption{jose.A256GCM})
	require.NoError(t, err)
	assert.Equal(t, "kid-1", obj.Header.KeyID)

	plain, err := obj.Decrypt(priv)
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(plain, &got))
	assert.Equal(t, map[string]string{"user": "u", "pass": "p"}, got)
}
