package models

import "strings"

const (
	AttemptBiometric = "biometric"
	AttemptPasscode  = "passcode"
	AttemptCancel    = "cancel"
	AttemptDrop      = "drop"
	AttemptError     = "error"
	AttemptLockout   = "lockout"
)

// ScriptStep is one scripted sensor interaction queued over RPC.
type ScriptStep struct {
	Attempt  string `json:"attempt"`
	Finger   string `json:"finger,omitempty"`
	Passcode string `json:"passcode,omitempty"`
	DelayMs  int    `json:"delayMs,omitempty"`
}

func NormalizeAttempt(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case AttemptPasscode:
		return AttemptPasscode
	case AttemptCancel:
		return AttemptCancel
	case AttemptDrop:
		return AttemptDrop
	case AttemptError:
		return AttemptError
	case AttemptLockout:
		return AttemptLockout
	default:
		return AttemptBiometric
	}
}

func NormalizeScriptStep(step ScriptStep) ScriptStep {
	step.Attempt = NormalizeAttempt(step.Attempt)
	step.Finger = strings.TrimSpace(step.Finger)
	if step.Attempt != AttemptPasscode {
		step.Passcode = ""
	}
	if step.DelayMs < 0 {
		step.DelayMs = 0
	}
	return step
}
