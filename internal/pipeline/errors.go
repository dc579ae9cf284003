package pipeline

import "fmt"

type Stage string

const (
	// StageNothingSaved means the database write failed and nothing changed.
	StageNothingSaved Stage = "nothing-saved"
	// StageArtifacts means content was saved but preview or PDF generation failed.
	StageArtifacts Stage = "artifacts"
)

// PersistenceError reports how far a save got before failing.
type PersistenceError struct {
	Stage         Stage
	MetadataSaved bool
	Cause         error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist markup (%s): %v", e.Stage, e.Cause)
}

func (e *PersistenceError) Unwrap() error {
	return e.Cause
}
