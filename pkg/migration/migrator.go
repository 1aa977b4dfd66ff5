// Package migration drives a one time migration of secrets out of a KV
// version 2 vault into a privileged access vault.
//
// A run authenticates against the destination and fetches its public key
// once. Then, for every configured engine in order, it creates a destination
// folder named after the engine and copies each secret of the engine into
// it, encrypted for the destination. Engines and secrets are processed one
// at a time. A failing secret never stops the engine and a failing engine
// never stops the run; failures are counted in the Summary instead.
package migration

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/QuoineFinancial/vault-migrate/pkg/destination"
	"github.com/QuoineFinancial/vault-migrate/pkg/envelope"
	"github.com/QuoineFinancial/vault-migrate/pkg/metrics"
	"github.com/QuoineFinancial/vault-migrate/pkg/models"
)

// ErrMismatch - a revealed secret does not hold what was read from the source.
var ErrMismatch = errors.New("revealed secret differs from source")

// State is the position of a run in the pipeline.
type State string

const (
	StateStart         State = "start"
	StateAuthenticated State = "authenticated"
	StateKeyAcquired   State = "key_acquired"
	StateMigrating     State = "migrating"
	StateDone          State = "done"
)

// Migrator runs the migration. A Migrator is good for a single Run.
type Migrator struct {
	config  models.Config
	source  Source
	dest    Destination
	metrics *metrics.Metrics
	logger  zerolog.Logger

	initialize InitFunc
	now        func() time.Time

	// revealKey is set when created secrets are verified.
	revealKey *envelope.RevealKey

	state        State
	expiryWarned bool
}

// New constructs a Migrator.
func New(
	config models.Config,
	src Source,
	dest Destination,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Migrator {
	if m == nil {
		m = metrics.New()
	}
	return &Migrator{
		config:     config,
		source:     src,
		dest:       dest,
		metrics:    m,
		logger:     logger.With().Str("component", "migration").Logger(),
		initialize: initializeEnvelope,
		now:        time.Now,
		state:      StateStart,
	}
}

// State returns where the run currently is.
func (m *Migrator) State() State {
	return m.state
}

func (m *Migrator) transition(s State) {
	m.logger.Debug().Str("from", string(m.state)).Str("to", string(s)).Msg("state change")
	m.state = s
}

// Run performs the migration. An error is returned only when the handshake
// fails, in which case nothing was migrated, or when ctx is cancelled.
// Failures of individual engines and secrets are reported by the Summary.
func (m *Migrator) Run(ctx context.Context, runID string) (*Summary, error) {
	summary := &Summary{
		RunID:   runID,
		Started: m.now(),
	}
	defer func() {
		summary.Finished = m.now()
		m.metrics.Finish(summary.Started, summary.Finished)
	}()

	d := m.config.Destination
	creds, err := m.dest.Handshake(ctx, d.ClientID, d.ClientSecret)
	if err != nil {
		m.logger.Error().Err(err).Msg("destination handshake failed")
		return summary, err
	}
	m.transition(StateAuthenticated)

	m.metrics.JWKSKeys.Set(float64(creds.KeyCount))
	enc, err := m.initialize(creds.PublicKey)
	if err != nil {
		m.logger.Error().Err(err).Str("kid", creds.PublicKey.KeyID).Msg("vault public key unusable")
		return summary, err
	}
	m.transition(StateKeyAcquired)

	if m.config.Verify {
		m.revealKey, err = envelope.NewRevealKey()
		if err != nil {
			m.logger.Error().Err(err).Msg("verification key unavailable")
			return summary, err
		}
		m.logger.Info().Msg("created secrets will be revealed and compared")
	}

	m.transition(StateMigrating)
	for _, engine := range m.config.Source.Engines {
		if err := ctx.Err(); err != nil {
			m.logger.Warn().Err(err).Msg("migration interrupted")
			return summary, err
		}
		m.migrateEngine(ctx, engine, creds, enc, summary)
	}
	m.transition(StateDone)

	summary.Finished = m.now()
	m.logger.Info().EmbedObject(summary).Msg("migration finished")
	return summary, ctx.Err()
}

// migrateEngine creates the folder of an engine and migrates its secrets.
func (m *Migrator) migrateEngine(
	ctx context.Context,
	engine string,
	creds *destination.SessionCredentials,
	enc Encrypter,
	summary *Summary,
) {
	logger := m.logger.With().Str("engine", engine).Logger()
	logger.Info().Msg("migrating engine")

	d := m.config.Destination
	folder, err := m.dest.CreateFolder(ctx, engine, d.ParentFolderID, d.Description, creds.Token.Value)
	if err != nil {
		m.engineFailed(logger, summary, engine, StageFolder, err)
		return
	}
	summary.FoldersCreated++
	m.metrics.FoldersCreated.Inc()

	paths, err := m.source.ListSecretPaths(ctx, engine, m.config.Source.Metadata)
	if err != nil {
		m.engineFailed(logger, summary, engine, StageList, err)
		return
	}

	summary.EnginesProcessed++
	m.metrics.EnginesTotal.WithLabelValues(metrics.OutcomeMigrated).Inc()

	if len(paths) == 0 {
		logger.Info().Msg("engine has no secrets")
		return
	}

	for _, path := range paths {
		if ctx.Err() != nil {
			return
		}
		m.warnOnExpiry(creds)

		if strings.HasSuffix(path, "/") {
			summary.Nested++
			m.metrics.SecretsTotal.WithLabelValues(engine, metrics.OutcomeNested).Inc()
			logger.Warn().Str("path", path).Msg("nested folder is not migrated")
			continue
		}

		stage, err := m.migrateSecret(ctx, engine, path, folder, creds, enc)
		switch {
		case err != nil:
			summary.Failed++
			summary.Failures = append(summary.Failures, Failure{Engine: engine, Path: path, Stage: stage, Err: err})
			m.metrics.SecretsTotal.WithLabelValues(engine, metrics.OutcomeFailed).Inc()
			logger.Error().Err(err).Str("path", path).Str("stage", string(stage)).Msg("secret not migrated")
		case stage == "":
			summary.Skipped++
			m.metrics.SecretsTotal.WithLabelValues(engine, metrics.OutcomeSkipped).Inc()
			logger.Info().Str("path", path).Msg("secret is empty, skipped")
		default:
			summary.Migrated++
			m.metrics.SecretsTotal.WithLabelValues(engine, metrics.OutcomeMigrated).Inc()
		}
	}
}

// migrateSecret copies one secret. It returns the stage reached: the failing
// stage with an error, StagePush on success, or "" when the secret was empty.
func (m *Migrator) migrateSecret(
	ctx context.Context,
	engine, path string,
	folder destination.FolderHandle,
	creds *destination.SessionCredentials,
	enc Encrypter,
) (Stage, error) {
	data, err := m.source.ReadSecret(ctx, engine, path)
	if err != nil {
		return StageRead, err
	}
	if len(data) == 0 {
		return "", nil
	}

	var want map[string]string
	if m.revealKey != nil {
		want = maps.Clone(data)
		defer clear(want)
	}

	env, err := enc.Encrypt(data)
	clear(data)
	if err != nil {
		return StageEncrypt, err
	}

	created, err := m.dest.CreateSecret(ctx, path, folder.ID, m.config.Destination.Description, string(env), creds.Token.Value)
	if err != nil {
		return StagePush, err
	}

	if m.revealKey != nil {
		if err := m.verify(ctx, created.ID, want, creds); err != nil {
			return StageVerify, err
		}
	}
	return StagePush, nil
}

// verify reveals a created secret and compares it with the source data.
// Only the names of differing keys are reported.
func (m *Migrator) verify(
	ctx context.Context,
	secretID string,
	want map[string]string,
	creds *destination.SessionCredentials,
) error {
	sealed, err := m.dest.RevealSecret(ctx, secretID, m.revealKey.PublicKey(), creds.Token.Value)
	if err != nil {
		return err
	}

	got, err := m.revealKey.Open(sealed)
	if err != nil {
		return err
	}
	defer clear(got)

	if diff := differingKeys(want, got); len(diff) > 0 {
		return fmt.Errorf("%w: keys %s", ErrMismatch, strings.Join(diff, ", "))
	}
	return nil
}

func differingKeys(a, b map[string]string) []string {
	var diff []string
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			diff = append(diff, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			diff = append(diff, k)
		}
	}
	sort.Strings(diff)
	return diff
}

func (m *Migrator) engineFailed(
	logger zerolog.Logger,
	summary *Summary,
	engine string,
	stage Stage,
	err error,
) {
	summary.EnginesFailed++
	summary.Failures = append(summary.Failures, Failure{Engine: engine, Stage: stage, Err: err})
	m.metrics.EnginesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
	logger.Error().Err(err).Str("stage", string(stage)).Msg("engine skipped")
}

// warnOnExpiry logs once when the bearer token runs out mid run; the
// destination will reject the remaining calls.
func (m *Migrator) warnOnExpiry(creds *destination.SessionCredentials) {
	if m.expiryWarned || !creds.Expired(m.now()) {
		return
	}
	m.expiryWarned = true
	m.logger.Warn().Time("expires_at", creds.Token.ExpiresAt).Msg("destination bearer token has expired")
}
