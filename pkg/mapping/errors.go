package mapping

import (
	"errors"
	"fmt"
)

// ProcessingError is a failure in extraction, identifier resolution, or
// template writing, scoped to one (message, mapping) pair. It is recorded in
// the processing context and must never abort sibling mappings matched to
// the same message.
type ProcessingError struct {
	MappingID string
	Stage     string
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("mapping %s: %s failed: %v", e.MappingID, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// NewProcessingError wraps err with the mapping and pipeline stage it
// occurred in.
func NewProcessingError(mappingID, stage string, err error) *ProcessingError {
	return &ProcessingError{MappingID: mappingID, Stage: stage, Err: err}
}

// IsProcessingError reports whether err is (or wraps) a ProcessingError.
func IsProcessingError(err error) bool {
	var pe *ProcessingError
	return errors.As(err, &pe)
}
