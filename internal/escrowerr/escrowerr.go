// Package escrowerr centralizes the stable numeric error taxonomy every
// instruction in the settlement core reports. Codes are part of the
// external contract and must never be renumbered.
package escrowerr

import "errors"

// Code is a stable numeric error code, part of the wire contract.
type Code int

const (
	InvalidAmount          Code = 1000
	InvalidTimeLock        Code = 1001
	TransactionIdTooLong   Code = 1002
	DuplicateTransactionId Code = 1003
	InvalidSignature       Code = 1004
	RefundMismatch         Code = 1005
	ArithmeticOverflow     Code = 1006
	InvalidFeedOwner       Code = 1007
	RateLimitExceeded      Code = 1010
	InvalidStatus          Code = 1011
	UnauthorizedRelease    Code = 1012
	UnauthorizedDispute    Code = 1013
	DisputeWindowExpired   Code = 1014
	InsufficientRentReserve Code = 1015
	StaleAttestation       Code = 1016
	ValueOutOfRange        Code = 1017

	// InsufficientFunds and NotFound are not part of the numbered taxonomy
	// in the external contract but are needed internally; they surface as
	// plain errors rather than coded ones.
	InsufficientFunds Code = 0
	NotFound          Code = 0
)

var messages = map[Code]string{
	InvalidAmount:           "invalid amount",
	InvalidTimeLock:         "invalid time lock",
	TransactionIdTooLong:    "transaction id too long",
	DuplicateTransactionId:  "duplicate transaction id",
	InvalidSignature:        "invalid signature",
	RefundMismatch:          "refund percentage does not match refund_pct(quality_score)",
	ArithmeticOverflow:      "arithmetic overflow",
	InvalidFeedOwner:        "invalid feed owner",
	RateLimitExceeded:       "rate limit exceeded",
	InvalidStatus:           "invalid escrow status for this operation",
	UnauthorizedRelease:     "not authorized to release this escrow",
	UnauthorizedDispute:     "not authorized to dispute this escrow",
	DisputeWindowExpired:    "dispute window expired",
	InsufficientRentReserve: "insufficient rent reserve",
	StaleAttestation:        "stale attestation",
	ValueOutOfRange:         "attested value out of range",
}

// Error is a coded error surfaced by the settlement core.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New constructs a coded error for the given code, using its canonical
// message.
func New(code Code) *Error {
	return &Error{Code: code, Message: messages[code]}
}

// Wrap constructs a coded error carrying additional context.
func Wrap(code Code, detail string) *Error {
	return &Error{Code: code, Message: messages[code] + ": " + detail}
}

// CodeOf extracts the Code from err, if err is (or wraps) an *Error.
// Returns (0, false) otherwise.
func CodeOf(err error) (Code, bool) {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code, true
	}
	return 0, false
}

// Is reports whether err is a coded error with the given code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// Sentinel errors for failure modes that are not part of the numbered
// external taxonomy but are returned by internal stores.
var (
	ErrNotFound          = errors.New("record not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
)
