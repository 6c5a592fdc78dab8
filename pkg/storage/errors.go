package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error kind codes. Every error crossing a component boundary carries
// exactly one of these.
const (
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeUnavailable = "UNAVAILABLE"
	ErrCodeTransient   = "TRANSIENT"
	ErrCodeCapacity    = "CAPACITY"
	ErrCodeAuth        = "UNAUTHORIZED"
	ErrCodeUnsupported = "UNSUPPORTED"
	ErrCodeCorruption  = "CORRUPTION"
	ErrCodeCancelled   = "CANCELLED"
	ErrCodeDeadline    = "DEADLINE"
)

// StorageError is the error type shared by all tiers and the
// coordinator. Code identifies the kind; Tier attributes the failure.
type StorageError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Tier    string                 `json:"tier,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewError builds a StorageError for a tier.
func NewError(code, tier, message string, cause error) *StorageError {
	return &StorageError{Code: code, Message: message, Tier: tier, Cause: cause}
}

// ErrNotFound builds the canonical NOT_FOUND error for a tier.
func ErrNotFound(tier string) *StorageError {
	return &StorageError{Code: ErrCodeNotFound, Message: "content not found", Tier: tier}
}

// ErrUnsupported builds the canonical UNSUPPORTED error for a tier.
func ErrUnsupported(tier, operation string) *StorageError {
	return &StorageError{
		Code:    ErrCodeUnsupported,
		Message: fmt.Sprintf("%s not supported", operation),
		Tier:    tier,
	}
}

// CodeOf extracts the error kind from any error, classifying context
// errors on the way.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrCodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeDeadline
	default:
		return ErrCodeTransient
	}
}

// IsNotFound reports whether an error is the NOT_FOUND kind.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsRetryable reports whether the placement engine may retry the
// failed tier. Cancellation and deadlines are never retried.
func IsRetryable(err error) bool {
	return CodeOf(err) == ErrCodeTransient
}

// ErrorClassifier folds backend/SDK errors into the error taxonomy.
// Each adapter owns one, tagged with its tier name.
type ErrorClassifier struct {
	tier string
}

// NewErrorClassifier creates a classifier for a tier.
func NewErrorClassifier(tier string) *ErrorClassifier {
	return &ErrorClassifier{tier: tier}
}

// Classify analyzes an error from a backend operation and returns a
// standardized StorageError.
func (ec *ErrorClassifier) Classify(err error, operation string) *StorageError {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se
	}

	code := ErrCodeTransient
	switch {
	case errors.Is(err, context.Canceled):
		code = ErrCodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeDeadline
	case isNotFoundError(err):
		code = ErrCodeNotFound
	case isAuthError(err):
		code = ErrCodeAuth
	case isCapacityError(err):
		code = ErrCodeCapacity
	case isIntegrityError(err):
		code = ErrCodeCorruption
	case isTimeoutError(err), isConnectionError(err):
		code = ErrCodeTransient
	}

	return &StorageError{
		Code:    code,
		Message: fmt.Sprintf("%s failed", operation),
		Tier:    ec.tier,
		Cause:   err,
		Details: map[string]interface{}{"operation": operation},
	}
}

func isNotFoundError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "not found") ||
		strings.Contains(s, "no such") ||
		strings.Contains(s, "does not exist") ||
		strings.Contains(s, "nosuchkey") ||
		strings.Contains(s, "404")
}

func isConnectionError(err error) bool {
	if _, ok := err.(net.Error); ok {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "connection") ||
		strings.Contains(s, "dial") ||
		strings.Contains(s, "unreachable") ||
		strings.Contains(s, "reset by peer")
}

func isTimeoutError(err error) bool {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "timeout") || strings.Contains(s, "timed out")
}

func isCapacityError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "quota") ||
		strings.Contains(s, "no space") ||
		strings.Contains(s, "storage full") ||
		strings.Contains(s, "insufficient")
}

func isAuthError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "unauthorized") ||
		strings.Contains(s, "forbidden") ||
		strings.Contains(s, "access denied") ||
		strings.Contains(s, "401") ||
		strings.Contains(s, "403")
}

func isIntegrityError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "checksum") ||
		strings.Contains(s, "integrity") ||
		strings.Contains(s, "corrupt") ||
		strings.Contains(s, "hash mismatch")
}

// ErrorAggregator collects per-tier failures on the read path and
// reduces them to the single error kind the caller sees: NOT_FOUND only
// if every tier reported NOT_FOUND, otherwise UNAVAILABLE with per-tier
// attribution attached.
type ErrorAggregator struct {
	operation string
	errors    []*StorageError
}

// NewErrorAggregator creates an aggregator for one operation.
func NewErrorAggregator(operation string) *ErrorAggregator {
	return &ErrorAggregator{operation: operation}
}

// Add records a tier failure.
func (ea *ErrorAggregator) Add(err error) {
	if err == nil {
		return
	}
	var se *StorageError
	if errors.As(err, &se) {
		ea.errors = append(ea.errors, se)
		return
	}
	ea.errors = append(ea.errors, &StorageError{
		Code:    CodeOf(err),
		Message: err.Error(),
		Cause:   err,
	})
}

// Empty reports whether no failures were recorded.
func (ea *ErrorAggregator) Empty() bool {
	return len(ea.errors) == 0
}

// Resolve reduces the collected failures to the caller-visible error.
func (ea *ErrorAggregator) Resolve() error {
	if len(ea.errors) == 0 {
		return nil
	}

	allNotFound := true
	perTier := make(map[string]interface{}, len(ea.errors))
	var tiers []string
	for _, se := range ea.errors {
		if se.Code != ErrCodeNotFound {
			allNotFound = false
		}
		perTier[se.Tier] = se.Code
		tiers = append(tiers, se.Tier)
	}

	if allNotFound {
		return &StorageError{
			Code:    ErrCodeNotFound,
			Message: fmt.Sprintf("%s: content not found on any tier", ea.operation),
			Details: perTier,
		}
	}
	return &StorageError{
		Code:    ErrCodeUnavailable,
		Message: fmt.Sprintf("%s failed on tiers %s", ea.operation, strings.Join(tiers, ",")),
		Details: perTier,
		Cause:   ea.errors[0],
	}
}
