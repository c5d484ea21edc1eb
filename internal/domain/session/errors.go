package session

import "errors"

var (
	// ErrPolicyUserFacing marks a disallowed flag combination that is safe to
	// explain to the caller.
	ErrPolicyUserFacing = errors.New("session policy violation")
	// ErrPolicyInternal marks a combination that correct calling code never
	// requests. Details are logged, never returned to the caller.
	ErrPolicyInternal = errors.New("internal session policy violation")

	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrStaleSessionParameters = errors.New("token parameters invalid for refresh")

	ErrNotFound        = errors.New("not found")
	ErrSessionNotFound = errors.New("session not found")
)

// PolicyViolationError carries the rejected parameters and the reason.
type PolicyViolationError struct {
	Params   Params
	Reason   string
	Internal bool
}

func (e *PolicyViolationError) Error() string {
	return e.Reason
}

func (e *PolicyViolationError) Unwrap() error {
	if e.Internal {
		return ErrPolicyInternal
	}
	return ErrPolicyUserFacing
}

func userFacing(p Params, reason string) error {
	return &PolicyViolationError{Params: p, Reason: reason}
}

func internal(p Params, reason string) error {
	return &PolicyViolationError{Params: p, Reason: reason, Internal: true}
}

// PublicMessage returns the text that may be shown to the caller for err.
func PublicMessage(err error) string {
	var pv *PolicyViolationError
	switch {
	case errors.As(err, &pv) && !pv.Internal:
		return pv.Reason
	case errors.Is(err, ErrStaleSessionParameters):
		return "Token parameters invalid for refresh. Please get a new token."
	case errors.Is(err, ErrAuthenticationFailed):
		return "Invalid token."
	default:
		return "internal server error"
	}
}
