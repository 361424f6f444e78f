package scanner

import (
	"errors"
	"fmt"

	"github.com/perimetra/asm/internal/models"
)

// Result is a scanner execution's structured output after parsing.
type Result struct {
	Scanner  string
	Target   string
	Status   models.ScanStatus
	Batch    models.ArtifactBatch
	Findings []models.FindingArtifact
	Warnings []string
}

// ErrScopeDenied is fatal: the job is failed without retry and the denial is
// audited.
var ErrScopeDenied = errors.New("scan target out of scope")

// ExecError classifies a scanner execution failure for the retry policy.
type ExecError struct {
	Reason    string // "timeout", "scanner_error" or "dependency_unreachable"
	Retryable bool
	Err       error
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ExecError) Unwrap() error { return e.Err }
