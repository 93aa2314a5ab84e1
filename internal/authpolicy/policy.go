// Package authpolicy maps a request's declarative options to the concrete set
// of authenticators the platform may accept for it.
package authpolicy

import (
	"strings"

	"biosign/go-backend/internal/platform/version"
)

// Set is a bitset of acceptable authenticators.
type Set uint8

const (
	BiometricStrong Set = 1 << iota
	BiometricWeak
	DeviceCredential
)

var setNames = []struct {
	bit  Set
	name string
}{
	{BiometricStrong, "BIOMETRIC_STRONG"},
	{BiometricWeak, "BIOMETRIC_WEAK"},
	{DeviceCredential, "DEVICE_CREDENTIAL"},
}

// Has reports whether every bit of other is present in s.
func (s Set) Has(other Set) bool {
	return other != 0 && s&other == other
}

// Intersects reports whether s and other share at least one authenticator.
func (s Set) Intersects(other Set) bool {
	return s&other != 0
}

func (s Set) String() string {
	if s == 0 {
		return "NONE"
	}
	parts := make([]string, 0, len(setNames))
	for _, n := range setNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Resolve returns the authenticators acceptable for a request.
//
// The biometric-only branch is used whenever the result gates a cryptographic
// operation and never includes BIOMETRIC_WEAK. Device credential is added only
// when it was asked for and the platform can combine it with strong biometrics.
func Resolve(allowDeviceCredential, biometricOnly bool, caps version.Capabilities) Set {
	set := BiometricStrong
	if !biometricOnly {
		set |= BiometricWeak
	}
	if allowDeviceCredential && caps.CredentialFallback {
		set |= DeviceCredential
	}
	return set
}

// CryptoCapable reports whether an authentication by one of the authenticators
// in s may authorize a key operation.
func CryptoCapable(s Set) bool {
	return s.Intersects(BiometricStrong | DeviceCredential)
}
