package remit

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors so transports can map them without string
// matching.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindAuthorization
	KindState
	KindUnavailable
	KindCustody
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindUnavailable:
		return "unavailable"
	case KindCustody:
		return "custody"
	default:
		return "unknown"
	}
}

// Error is a typed engine failure. Code is stable and safe to expose to
// clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return "remit: " + e.Message
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrPhoneRequired          = newError(KindValidation, "PhoneRequired", "phone number required")
	ErrInvalidDisplayName     = newError(KindValidation, "InvalidDisplayName", "invalid display name")
	ErrInvalidAmount          = newError(KindValidation, "InvalidAmount", "amount must be positive")
	ErrInvalidExchangeRate    = newError(KindValidation, "InvalidExchangeRate", "invalid exchange rate")
	ErrInvalidRecipient       = newError(KindValidation, "InvalidRecipient", "invalid recipient")
	ErrRateTooHigh            = newError(KindValidation, "RateTooHigh", "fee rate exceeds protocol maximum")
	ErrPhoneAlreadyRegistered = newError(KindConflict, "PhoneAlreadyRegistered", "phone number already registered")
	ErrAccountRegistered      = newError(KindConflict, "AccountAlreadyRegistered", "account already registered")
	ErrNotFound               = newError(KindNotFound, "NotFound", "remittance not found")
	ErrPhoneNotFound          = newError(KindNotFound, "PhoneNotFound", "phone number not registered")
	ErrProfileNotFound        = newError(KindNotFound, "ProfileNotFound", "profile not found")
	ErrUnauthorized           = newError(KindAuthorization, "Unauthorized", "caller not authorized")
	ErrSenderNotRegistered    = newError(KindAuthorization, "SenderNotRegistered", "sender not registered")
	ErrKycRequired            = newError(KindAuthorization, "KycRequired", "kyc verification required for amount")
	ErrInvalidState           = newError(KindState, "InvalidState", "remittance not pending")
	ErrAlreadyPaused          = newError(KindState, "AlreadyPaused", "system already paused")
	ErrNotPaused              = newError(KindState, "NotPaused", "system not paused")
	ErrSystemPaused           = newError(KindUnavailable, "SystemPaused", "system paused")
	ErrTokenNotSupported      = newError(KindUnavailable, "TokenNotSupported", "token not supported")
	ErrCustodyTransferFailed  = newError(KindCustody, "CustodyTransferFailed", "custody transfer failed")
)

// KindOf reports the kind of the first *Error found in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf reports the stable code of the first *Error in err's chain, or an
// empty string.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func custodyErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCustodyTransferFailed, op, err)
}
