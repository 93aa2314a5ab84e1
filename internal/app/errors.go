package app

import "errors"

var (
	ErrUnsupportedPlatform  = errors.New("platform unsupported")
	ErrDeletionFailed       = errors.New("error deleting biometric key from keystore")
	ErrSilentUnsupported    = errors.New("silent signing is not available")
	ErrSessionNotFound      = errors.New("session not found")
	ErrServiceMisconfigured = errors.New("service is missing a dependency")
	ErrScriptUnavailable    = errors.New("sensor is not scripted")
)
