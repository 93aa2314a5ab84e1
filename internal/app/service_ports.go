package app

import (
	"log/slog"
	"time"

	"biosign/go-backend/internal/biometric"
	"biosign/go-backend/internal/keyvault"
	"biosign/go-backend/internal/metrics"
	"biosign/go-backend/internal/platform/version"
	"biosign/go-backend/internal/signing"
	"biosign/go-backend/pkg/models"
)

// KeyVault is the single-alias key lifecycle the service drives.
// *keyvault.Vault satisfies it.
type KeyVault interface {
	Exists() bool
	Create() (keyvault.PublicKeyMaterial, error)
	Delete() (bool, error)
	ObtainSigningCapability(algorithm string) (*keyvault.Capability, error)
}

// SensorAdmin manages the simulated sensor behind the daemon.
type SensorAdmin interface {
	EnrollBiometric(name string, strong bool) error
	RemoveBiometric(name string) error
	ClearBiometrics() error
	SetPasscode(passcode string) (models.PasscodeResult, error)
	SetHardware(present, available bool)
	Script(steps []models.ScriptStep) (int, error)
	Status() models.SensorStatus
}

type ServiceOptions struct {
	Vault         KeyVault
	Sensor        biometric.Sensor
	Surface       biometric.Surface
	Silent        biometric.SilentAuthorizer
	Admin         SensorAdmin
	Capabilities  version.Capabilities
	PromptSlot    *signing.PromptSlot
	PromptTimeout time.Duration
	Metrics       *metrics.Recorder
	Logger        *slog.Logger
}

const (
	DefaultPromptTimeout = 60 * time.Second
	sessionRetention     = 5 * time.Minute
	maxTrackedSessions   = 256
)
