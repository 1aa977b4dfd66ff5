package migration

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/QuoineFinancial/vault-migrate/pkg/errors"
)

// Stage names the step of the pipeline a failure happened in.
type Stage string

const (
	StageFolder  Stage = "create_folder"
	StageList    Stage = "list"
	StageRead    Stage = "read"
	StageEncrypt Stage = "encrypt"
	StagePush    Stage = "create_secret"
	StageVerify  Stage = "verify"
)

// Failure is one engine or secret that could not be migrated. Path is empty
// when the whole engine was skipped.
type Failure struct {
	Engine string
	Path   string
	Stage  Stage
	Err    error
}

func (f Failure) Error() string {
	if f.Path == "" {
		return fmt.Sprintf("engine %q: %s: %v", f.Engine, f.Stage, f.Err)
	}
	return fmt.Sprintf("engine %q secret %q: %s: %v", f.Engine, f.Path, f.Stage, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Summary counts what a run did.
type Summary struct {
	RunID string

	// EnginesProcessed counts engines whose folder was created and whose
	// secrets were listed; EnginesFailed counts engines skipped entirely.
	EnginesProcessed int
	EnginesFailed    int
	FoldersCreated   int

	Migrated int
	Skipped  int
	Failed   int

	// Nested counts listed sub-folders, which are not descended into.
	Nested int

	Failures []Failure

	Started  time.Time
	Finished time.Time
}

// Err returns every recorded failure as one error, or nil.
func (s *Summary) Err() error {
	if len(s.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(s.Failures))
	for i, f := range s.Failures {
		errs[i] = f
	}
	return errors.NewAggregate(errs)
}

// MarshalZerologObject writes the counts of the summary.
func (s *Summary) MarshalZerologObject(e *zerolog.Event) {
	e.Int("engines_processed", s.EnginesProcessed).
		Int("engines_failed", s.EnginesFailed).
		Int("folders_created", s.FoldersCreated).
		Int("migrated", s.Migrated).
		Int("skipped", s.Skipped).
		Int("failed", s.Failed).
		Int("nested", s.Nested).
		Dur("duration", s.Finished.Sub(s.Started))
}
