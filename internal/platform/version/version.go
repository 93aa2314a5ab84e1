// Package version describes the host platform level and the capabilities
// that depend on it. Callers branch on Capabilities, never on raw levels.
package version

const (
	// MinSupportedLevel is the first level with a hardware-backed keystore
	// and per-use authentication bound keys.
	MinSupportedLevel = 23
	// CredentialFallbackLevel is the first level that accepts
	// BIOMETRIC_STRONG combined with DEVICE_CREDENTIAL.
	CredentialFallbackLevel = 30
)

type Level int

type Capabilities struct {
	Level              Level
	Supported          bool
	CredentialFallback bool
}

func ForLevel(level Level) Capabilities {
	return Capabilities{
		Level:              level,
		Supported:          level >= MinSupportedLevel,
		CredentialFallback: level >= CredentialFallbackLevel,
	}
}
