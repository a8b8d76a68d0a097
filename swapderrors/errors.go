// Package swapderrors defines the stable error taxonomy surfaced by the
// swap coordination core. Every condition is identified by a wire-stable
// Code so callers can pattern-match on it regardless of the underlying
// cause, mirroring the way the teacher wraps its own FSM/config errors.
package swapderrors

import "fmt"

// Code is a stable, wire-safe error identifier. Values are never renamed
// once shipped, since they cross the external API boundary verbatim.
type Code string

// Validation errors.
const (
	CodeCurrencyNotFound    Code = "CURRENCY_NOT_FOUND"
	CodePairNotFound        Code = "PAIR_NOT_FOUND"
	CodeOrderSideNotFound   Code = "ORDER_SIDE_NOT_FOUND"
	CodeInvalidPreimageHash Code = "INVALID_PREIMAGE_HASH"
	CodeScriptTypeNotFound  Code = "SCRIPT_TYPE_NOT_FOUND"
)

// Policy errors.
const (
	CodeReverseSwapsDisabled Code = "REVERSE_SWAPS_DISABLED"
	CodeExceedMaximalAmount  Code = "EXCEED_MAXIMAL_AMOUNT"
	CodeBeneathMinimalAmount Code = "BENEATH_MINIMAL_AMOUNT"
	CodeOnchainAmountTooLow  Code = "ONCHAIN_AMOUNT_TOO_LOW"
	CodeMinExpiryTooBig      Code = "MIN_EXPIRY_TOO_BIG"
)

// Uniqueness errors.
const (
	CodeSwapWithInvoiceExists  Code = "SWAP_WITH_INVOICE_EXISTS"
	CodeSwapWithPreimageExists Code = "SWAP_WITH_PREIMAGE_EXISTS"
)

// Capability errors.
const (
	CodeNoLndClient             Code = "NO_LND_CLIENT"
	CodeCurrencyNotUtxoBased    Code = "CURRENCY_NOT_UTXO_BASED"
	CodeInvalidTimeoutBlockDelta Code = "INVALID_TIMEOUT_BLOCK_DELTA"
)

// Resource errors.
const (
	CodeNotEnoughFunds Code = "NOT_ENOUGH_FUNDS"
)

// Cooperative signing errors.
const (
	CodeNotEligibleForCooperativeRefund Code = "NOT_ELIGIBLE_FOR_COOPERATIVE_REFUND"
	CodeNotEligibleForCooperativeClaim  Code = "NOT_ELIGIBLE_FOR_COOPERATIVE_CLAIM"
	CodeIncorrectPreimage               Code = "INCORRECT_PREIMAGE"
	CodeSwapNotFound                    Code = "SWAP_NOT_FOUND"
)

// Error is a typed, wrapped error carrying a stable Code alongside a
// human-readable message and, optionally, the underlying cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}

	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}

	return string(e.Code)
}

// Unwrap exposes the underlying cause, if any, for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an *Error with no underlying cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap creates an *Error wrapping an underlying cause.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// Is reports whether err carries the given Code, unwrapping as needed.
func Is(err error, code Code) bool {
	var swapErr *Error
	for err != nil {
		if se, ok := err.(*Error); ok {
			swapErr = se
			break
		}

		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}

	return swapErr != nil && swapErr.Code == code
}
