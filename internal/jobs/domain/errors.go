package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrEmptyUniverse is returned when a submission resolves to zero symbols
	ErrEmptyUniverse = errors.New("no symbols to analyze")

	// ErrJobCreationFailed is returned when job creation exhausted its
	// retries. Distinct from a duplicate attach: the caller must never
	// conflate "already running" with "could not start".
	ErrJobCreationFailed = errors.New("job creation failed")

	// ErrAnalysisUnavailable marks a fatal pre-loop condition: the analysis
	// collaborator cannot serve any symbol (e.g. price source unreachable).
	ErrAnalysisUnavailable = errors.New("analysis source unavailable")
)

// TransientError wraps storage contention errors (lock wait, serialization
// conflict) that are expected to resolve on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient storage error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err was marked as transient contention.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
