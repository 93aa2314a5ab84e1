// Package prompt turns caller prompt options into a resolved prompt spec.
package prompt

import (
	"strings"

	"biosign/go-backend/internal/authpolicy"
	"biosign/go-backend/internal/platform/version"
)

// DefaultCancelButtonText is what client facades fill in when the caller
// leaves cancel text unset.
const DefaultCancelButtonText = "Cancel"

// Options carries caller-supplied prompt fields. Nil means "not supplied".
type Options struct {
	Title                  *string `json:"title,omitempty"`
	Subtitle               *string `json:"subTitle,omitempty"`
	Description            *string `json:"description,omitempty"`
	ConfirmationRequired   *bool   `json:"confirmationRequired,omitempty"`
	CancelButtonText       *string `json:"cancelButtonText,omitempty"`
	AllowDeviceCredentials *bool   `json:"allowDeviceCredentials,omitempty"`
}

func (o Options) allowDeviceCredential() bool {
	return o.AllowDeviceCredentials != nil && *o.AllowDeviceCredentials
}

// WithDefaultCancelText returns a copy of o with cancel text set to
// DefaultCancelButtonText when it was not supplied.
func (o Options) WithDefaultCancelText() Options {
	if o.CancelButtonText == nil {
		text := DefaultCancelButtonText
		o.CancelButtonText = &text
	}
	return o
}

// Spec is a fully resolved prompt configuration. It is immutable once built.
type Spec struct {
	title                string
	subtitle             string
	description          string
	cancelText           string
	hasTitle             bool
	hasSubtitle          bool
	hasDescription       bool
	hasCancelText        bool
	confirmationRequired *bool
	allowDeviceCred      bool
	biometricOnly        bool
	authenticators       authpolicy.Set
}

// Build resolves opts into a Spec. It never fails: contradictory input is
// normalized away.
func Build(opts Options, biometricOnly bool, caps version.Capabilities) Spec {
	spec := Spec{biometricOnly: biometricOnly}
	if opts.Title != nil {
		spec.title, spec.hasTitle = *opts.Title, true
	}
	if opts.Subtitle != nil {
		spec.subtitle, spec.hasSubtitle = *opts.Subtitle, true
	}
	if opts.Description != nil {
		spec.description, spec.hasDescription = *opts.Description, true
	}
	if opts.ConfirmationRequired != nil {
		v := *opts.ConfirmationRequired
		spec.confirmationRequired = &v
	}

	spec.allowDeviceCred = opts.allowDeviceCredential()
	// With credential fallback active the platform UI owns dismissal; a
	// negative button alongside it is invalid configuration.
	if opts.CancelButtonText != nil && (!spec.allowDeviceCred || !caps.CredentialFallback) {
		spec.cancelText, spec.hasCancelText = *opts.CancelButtonText, true
	}

	spec.authenticators = authpolicy.Resolve(spec.allowDeviceCred, biometricOnly, caps)
	return spec
}

func (s Spec) Title() (string, bool) { return s.title, s.hasTitle }
func (s Spec) Subtitle() (string, bool) { return s.subtitle, s.hasSubtitle }
func (s Spec) Description() (string, bool) { return s.description, s.hasDescription }
func (s Spec) CancelText() (string, bool) { return s.cancelText, s.hasCancelText }

func (s Spec) ConfirmationRequired() (bool, bool) {
	if s.confirmationRequired == nil {
		return false, false
	}
	return *s.confirmationRequired, true
}

func (s Spec) AllowDeviceCredential() bool { return s.allowDeviceCred }
func (s Spec) BiometricOnly() bool { return s.biometricOnly }
func (s Spec) Authenticators() authpolicy.Set { return s.authenticators }

// Heading returns the best available single-line label for the prompt.
func (s Spec) Heading() string {
	for _, candidate := range []struct {
		v  string
		ok bool
	}{{s.title, s.hasTitle}, {s.subtitle, s.hasSubtitle}, {s.description, s.hasDescription}} {
		if candidate.ok && strings.TrimSpace(candidate.v) != "" {
			return strings.TrimSpace(candidate.v)
		}
	}
	return "Authenticate"
}
