package models

const BiometryTypeBiometrics = "Biometrics"

// PlatformUnsupported is the availability error reported below the minimum
// supported platform level.
const PlatformUnsupported = "PLATFORM_UNSUPPORTED"

type Availability struct {
	Available    bool   `json:"available"`
	BiometryType string `json:"biometryType,omitempty"`
	Error        string `json:"error,omitempty"`
}

type PublicKey struct {
	PublicKey string `json:"publicKey"`
	KeyID     string `json:"keyId"`
}

type KeysDeleted struct {
	KeysDeleted bool `json:"keysDeleted"`
}

type KeysExist struct {
	KeysExist bool `json:"keysExist"`
}

// PromptResult is the outcome of an authentication or signing request.
// Authentication failures are results with Success false, not errors.
type PromptResult struct {
	Success   bool   `json:"success"`
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type SensorStatus struct {
	Biometrics        []string `json:"biometrics"`
	PasscodeSet       bool     `json:"passcodeSet"`
	HardwarePresent   bool     `json:"hardwarePresent"`
	HardwareAvailable bool     `json:"hardwareAvailable"`
	PendingScripted   int      `json:"pendingScripted"`
}

// PasscodeResult carries the generated passcode when the caller asked the
// sensor to generate one.
type PasscodeResult struct {
	PasscodeSet bool   `json:"passcodeSet"`
	Generated   string `json:"generatedPasscode,omitempty"`
}

type HealthStatus struct {
	Status string `json:"status"`
	Level  int    `json:"platformLevel"`
}

// PendingSession is returned for prompts started asynchronously.
type PendingSession struct {
	SessionID string `json:"sessionId"`
	Pending   bool   `json:"pending"`
}

type ScriptQueued struct {
	Pending int `json:"pending"`
}
