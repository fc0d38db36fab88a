package binpattern

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the diagnostic kinds evaluation can fail with.
type ErrorCode string

const (
	// CodeUnsupportedAttribute reports use of a removed direction attribute.
	CodeUnsupportedAttribute ErrorCode = "unsupported_attribute"
	// CodeAttributeArity reports an attribute called with the wrong number
	// of arguments.
	CodeAttributeArity ErrorCode = "attribute_arity"
	// CodeInvalidAttributeValue reports an attribute argument that did not
	// reduce to an acceptable literal.
	CodeInvalidAttributeValue ErrorCode = "invalid_attribute_value"
	// CodeSizeOverflow reports fields exceeding a declared fixed bit size.
	CodeSizeOverflow ErrorCode = "size_overflow"
	// CodeOutOfBounds reports a read past the end of the source buffer.
	CodeOutOfBounds ErrorCode = "out_of_bounds"
	// CodeUnknownType reports a reference to an undefined template type.
	CodeUnknownType ErrorCode = "unknown_type"
	// CodeBadExpression reports an expression that failed to compile or
	// evaluate.
	CodeBadExpression ErrorCode = "bad_expression"
)

// EvalError is a structured, non-recoverable diagnostic attributed to a
// specific template construct. Evaluation aborts on the first one.
type EvalError struct {
	Code    ErrorCode
	Message string
	Subject string // the template construct the diagnostic is attributed to
}

func (e *EvalError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s: %s (at %s)", e.Code, e.Message, e.Subject)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// failf builds an EvalError attributed to subject.
func failf(code ErrorCode, subject string, format string, args ...any) error {
	return &EvalError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Subject: subject,
	}
}

// IsCode reports whether err carries the given diagnostic code.
func IsCode(err error, code ErrorCode) bool {
	var evalErr *EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Code == code
	}
	return false
}
