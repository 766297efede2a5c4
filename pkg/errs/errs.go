// Package errs defines the typed failure taxonomy shared by every engine in
// the venue core. Callers branch on the code, never on error strings.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a failure class across the core/API boundary.
type Code string

const (
	CodeNotFound              Code = "NOT_FOUND"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeInvalidState          Code = "INVALID_STATE"
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeInsufficientFunds     Code = "INSUFFICIENT_FUNDS"
	CodeInsufficientLiquidity Code = "INSUFFICIENT_LIQUIDITY"
	CodeConvergence           Code = "CONVERGENCE_ERROR"
	CodeOracleUnavailable     Code = "ORACLE_UNAVAILABLE"
	CodeInsuranceFundDeficit  Code = "INSURANCE_FUND_DEFICIT"
)

// Error carries a failure code plus a human-readable detail. It wraps an
// optional cause for errors.Is/As chains.
type Error struct {
	Code   Code
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same code, so sentinel-style comparisons
// like errors.Is(err, errs.NotFound("")) work without exact detail matches.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown option/order/position id.
func NotFound(format string, args ...interface{}) *Error {
	return newError(CodeNotFound, format, args...)
}

// Unauthorized reports a caller that does not own the target entity.
func Unauthorized(format string, args ...interface{}) *Error {
	return newError(CodeUnauthorized, format, args...)
}

// InvalidState reports an operation that is illegal for the entity's current
// lifecycle state (double-buy, double-exercise, cancel of a filled order,
// liquidation of a closed position). Always propagated, never swallowed.
func InvalidState(format string, args ...interface{}) *Error {
	return newError(CodeInvalidState, format, args...)
}

// Validation reports malformed or out-of-range input.
func Validation(format string, args ...interface{}) *Error {
	return newError(CodeValidation, format, args...)
}

// InsufficientFunds reports a balance or margin shortfall.
func InsufficientFunds(format string, args ...interface{}) *Error {
	return newError(CodeInsufficientFunds, format, args...)
}

// InsufficientLiquidity reports a book that cannot satisfy the request.
func InsufficientLiquidity(format string, args ...interface{}) *Error {
	return newError(CodeInsufficientLiquidity, format, args...)
}

// Convergence reports a numerical solver that exhausted its iteration
// budget. Always propagated, never swallowed.
func Convergence(format string, args ...interface{}) *Error {
	return newError(CodeConvergence, format, args...)
}

// OracleUnavailable reports a price fetch that failed with no cached quote
// inside the staleness tolerance.
func OracleUnavailable(format string, args ...interface{}) *Error {
	return newError(CodeOracleUnavailable, format, args...)
}

// InsuranceFundDeficit reports a liquidation shortfall the insurance fund
// could not absorb. Reported rather than clamped so operators can halt
// further liquidations.
func InsuranceFundDeficit(format string, args ...interface{}) *Error {
	return newError(CodeInsuranceFundDeficit, format, args...)
}

// Wrap attaches a cause to a coded error.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	e := newError(code, format, args...)
	e.cause = cause
	return e
}

// CodeOf extracts the failure code, or empty string for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool { return CodeOf(err) == code }
