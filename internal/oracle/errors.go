package oracle

import (
	"errors"
	"fmt"

	"github.com/docsight/docsight/internal/resilience"
)

// TransportError marks an infrastructure fault between the engine and the
// oracle: network failure, timeout, or a response whose JSON could not be
// recovered. Transport failures are retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("oracle %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SemanticError marks the oracle explicitly declining to assess the
// document (illegible scan, unsupported content). Retrying cannot change
// an explicit refusal, so these are terminal.
type SemanticError struct {
	Op     string
	Reason string
}

func (e *SemanticError) Error() string {
	return fmt.Sprintf("oracle %s refused: %s", e.Op, e.Reason)
}

// IsTransport reports whether the error chain contains a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsSemantic reports whether the error chain contains a SemanticError.
func IsSemantic(err error) bool {
	var se *SemanticError
	return errors.As(err, &se)
}

// Retryable reports whether an oracle call failure is worth retrying.
// Semantic refusals never are; every transport fault is, including a
// malformed response, since a fresh completion may well decode cleanly.
func Retryable(err error) bool {
	if IsSemantic(err) {
		return false
	}
	return IsTransport(err) || resilience.IsTransient(err)
}
