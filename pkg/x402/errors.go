package x402

import (
	"errors"
	"fmt"

	apierrors "github.com/CedrosPay/x402gate/internal/errors"
)

// VerificationError is what the introspector and the verify/settle engine
// raise internally. It is never allowed to escape to the wire as a raw
// message: callers convert it to an ErrorKind at the verify/settle
// boundary: the engine never throws, it reports reasons.
type VerificationError struct {
	Kind    apierrors.ErrorKind
	Message string
	Err     error
}

func (e *VerificationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// NewVerificationError wraps a low-level cause with the wire-facing kind
// that the introspector or settle engine determined applies.
func NewVerificationError(kind apierrors.ErrorKind, err error) *VerificationError {
	return &VerificationError{Kind: kind, Message: string(kind), Err: err}
}

// KindOf extracts the ErrorKind from err if it is (or wraps) a
// *VerificationError, otherwise falls back to one of the two catch-alls.
// settle controls which catch-all applies: unexpected_verify_error
// for the verify pipeline, unexpected_settle_error for settlement.
func KindOf(err error, settle bool) apierrors.ErrorKind {
	if err == nil {
		return ""
	}
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Kind
	}
	if settle {
		return apierrors.ErrUnexpectedSettleError
	}
	return apierrors.ErrUnexpectedVerifyError
}
