package rpc

import (
	"errors"

	"biosign/go-backend/internal/app"
	"biosign/go-backend/internal/biometric"
	"biosign/go-backend/internal/keyvault"
)

const (
	codeInternal            = -32000
	codePlatformUnsupported = -32010
	codeKeyGenerationFailed = -32011
	codeDeletionFailed      = -32012
	codeKeyNotFound         = -32013
	codeKeyUnusable         = -32014
	codeSilentUnsupported   = -32015
	codeSessionNotFound     = -32016
	codeSensorRejected      = -32020
	codeRateLimited         = -32029
	codeIdempotencyConflict = -32040
)

func rpcInvalidParams() *rpcError {
	return &rpcError{Code: -32602, Message: "invalid params"}
}

func rpcServiceError(code int, err error) *rpcError {
	return &rpcError{Code: code, Message: err.Error()}
}

// mapServiceError is the single place service errors become JSON-RPC codes.
// Authentication outcomes never reach it: they are results, not errors.
func mapServiceError(err error) *rpcError {
	switch {
	case errors.Is(err, app.ErrUnsupportedPlatform):
		return rpcServiceError(codePlatformUnsupported, err)
	case errors.Is(err, keyvault.ErrKeyGenerationFailed):
		return rpcServiceError(codeKeyGenerationFailed, err)
	case errors.Is(err, app.ErrDeletionFailed):
		return rpcServiceError(codeDeletionFailed, err)
	case errors.Is(err, keyvault.ErrKeyNotFound):
		return rpcServiceError(codeKeyNotFound, err)
	case errors.Is(err, keyvault.ErrKeyUnusable):
		return rpcServiceError(codeKeyUnusable, err)
	case errors.Is(err, app.ErrSilentUnsupported):
		return rpcServiceError(codeSilentUnsupported, err)
	case errors.Is(err, app.ErrSessionNotFound):
		return rpcServiceError(codeSessionNotFound, err)
	default:
		return rpcServiceError(codeInternal, err)
	}
}

func mapSensorError(err error) *rpcError {
	switch {
	case errors.Is(err, biometric.ErrInvalidFingerName),
		errors.Is(err, biometric.ErrUnknownBiometric),
		errors.Is(err, biometric.ErrInvalidPasscode),
		errors.Is(err, app.ErrScriptUnavailable):
		return rpcServiceError(codeSensorRejected, err)
	default:
		return rpcServiceError(codeInternal, err)
	}
}
