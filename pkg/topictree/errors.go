package topictree

import (
	"errors"
	"fmt"
)

// ErrorCode classifies topic-tree failures.
type ErrorCode string

const (
	CodeInvalidTopicPattern   ErrorCode = "INVALID_TOPIC_PATTERN"
	CodeTreeTraversalError    ErrorCode = "TREE_TRAVERSAL_ERROR"
	CodeDuplicateMapping      ErrorCode = "DUPLICATE_MAPPING"
	CodeFilterEvaluationError ErrorCode = "FILTER_EVALUATION_ERROR"
	CodeNoMappingsFound       ErrorCode = "NO_MAPPINGS_FOUND"
	CodeTreeNotInitialized    ErrorCode = "TREE_NOT_INITIALIZED"
	CodeCircularReference     ErrorCode = "CIRCULAR_REFERENCE"
	CodeMaxDepthExceeded      ErrorCode = "MAX_DEPTH_EXCEEDED"
)

// ResolveError is returned by tree operations. Mutation errors reject the
// configuration change that caused them; NoMappingsFound is an expected
// condition on resolve, not a fault.
type ResolveError struct {
	Code  ErrorCode
	Topic string
	msg   string
}

func (e *ResolveError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("%s: %s (topic %q)", e.Code, e.msg, e.Topic)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

// NewResolveError builds a classified error. The engine uses this for
// failures that belong to the resolution taxonomy but happen outside the
// tree itself, e.g. an outbound filter that does not evaluate.
func NewResolveError(code ErrorCode, topic, format string, args ...any) *ResolveError {
	return &ResolveError{Code: code, Topic: topic, msg: fmt.Sprintf(format, args...)}
}

// ErrNoMappingsFound is the soft miss returned when a topic resolves to
// nothing. Callers treat it as "no match" and must not log it as an error.
var ErrNoMappingsFound = &ResolveError{Code: CodeNoMappingsFound, msg: "no mappings found for topic"}

// IsNoMappingsFound reports whether err is the soft resolve miss.
func IsNoMappingsFound(err error) bool {
	var re *ResolveError
	return errors.As(err, &re) && re.Code == CodeNoMappingsFound
}

// CodeOf extracts the error code, or an empty code for foreign errors.
func CodeOf(err error) ErrorCode {
	var re *ResolveError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
