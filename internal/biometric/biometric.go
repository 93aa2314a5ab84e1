// Package biometric defines the authenticator the signing flows talk to and
// ships a software sensor that stands in for platform biometrics and the
// device credential.
package biometric

import (
	"context"

	"biosign/go-backend/internal/authpolicy"
	"biosign/go-backend/internal/enclave"
	"biosign/go-backend/internal/prompt"
)

// Outcome is the terminal result of one authentication prompt.
type Outcome int

const (
	Succeeded Outcome = iota + 1
	Cancelled
	LockedOut
	Failed
	NoneEnrolled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Cancelled:
		return "cancelled"
	case LockedOut:
		return "locked_out"
	case Failed:
		return "failed"
	case NoneEnrolled:
		return "none_enrolled"
	default:
		return "unknown"
	}
}

// Verdict is delivered by the authenticator exactly once per prompt. Token is
// set only on success.
type Verdict struct {
	Outcome       Outcome
	Message       string
	Authenticator authpolicy.Set
	Token         *enclave.AuthToken
}

// Availability is the sensor's answer to "could the user authenticate now".
type Availability int

const (
	Ready Availability = iota
	NoHardware
	HardwareUnavailable
	NotEnrolled
	SecurityUpdateRequired
)

// WireError returns the error string reported to callers, empty when Ready.
func (a Availability) WireError() string {
	switch a {
	case Ready:
		return ""
	case NoHardware:
		return "BIOMETRIC_ERROR_NO_HARDWARE"
	case HardwareUnavailable:
		return "BIOMETRIC_ERROR_HW_UNAVAILABLE"
	case NotEnrolled:
		return "BIOMETRIC_ERROR_NONE_ENROLLED"
	case SecurityUpdateRequired:
		return "BIOMETRIC_ERROR_SECURITY_UPDATE_REQUIRED"
	default:
		return "BIOMETRIC_ERROR_UNKNOWN"
	}
}

// Sensor reports whether authentication with a given authenticator set is
// currently possible.
type Sensor interface {
	CanAuthenticate(allowed authpolicy.Set) Availability
}

// Request is what a prompt surface is asked to show.
type Request struct {
	SessionID string
	Spec      prompt.Spec
	Challenge uint64
	Crypto    bool
}

// Surface is the host UI able to show a prompt. The returned channel yields
// at most one verdict; a channel closed without a verdict means the host UI
// went away.
type Surface interface {
	Show(ctx context.Context, req Request) (<-chan Verdict, error)
}

// SilentAuthorizer authorizes an operation without showing a prompt, relying
// on a recent successful authentication.
type SilentAuthorizer interface {
	AuthorizeSilently(ctx context.Context, challenge uint64) Verdict
}

// Presenter evaluates one user attempt against a challenge.
type Presenter interface {
	Present(challenge uint64, allowed authpolicy.Set, attempt Attempt) Verdict
}

type AttemptKind int

const (
	AttemptBiometric AttemptKind = iota + 1
	AttemptPasscode
	AttemptCancel
)

// Attempt is what the user did in front of the prompt. An empty Finger picks
// any enrolled biometric acceptable for the request.
type Attempt struct {
	Kind     AttemptKind
	Finger   string
	Passcode string
}
