package app

import (
	"strings"
	"time"

	"biosign/go-backend/internal/biometric"
	"biosign/go-backend/pkg/models"
)

// SimulatorAdmin exposes the software sensor for operators and integration
// tests. Scripted is nil unless the daemon runs a scripted prompt surface.
type SimulatorAdmin struct {
	Simulator *biometric.Simulator
	Scripted  *biometric.ScriptedSurface
}

var _ SensorAdmin = (*SimulatorAdmin)(nil)

func (a *SimulatorAdmin) EnrollBiometric(name string, strong bool) error {
	return a.Simulator.EnrollBiometric(name, strong)
}

func (a *SimulatorAdmin) RemoveBiometric(name string) error {
	return a.Simulator.RemoveBiometric(name)
}

func (a *SimulatorAdmin) ClearBiometrics() error {
	return a.Simulator.ClearBiometrics()
}

// SetPasscode sets the device credential; an empty passcode asks the sensor
// to generate one, which is returned once.
func (a *SimulatorAdmin) SetPasscode(passcode string) (models.PasscodeResult, error) {
	generated, err := a.Simulator.SetPasscode(passcode)
	if err != nil {
		return models.PasscodeResult{}, err
	}
	out := models.PasscodeResult{PasscodeSet: true}
	if strings.TrimSpace(passcode) == "" {
		out.Generated = generated
	}
	return out, nil
}

func (a *SimulatorAdmin) SetHardware(present, available bool) {
	a.Simulator.SetHardware(present, available)
}

// Script queues steps for the next prompts and returns the queue length.
func (a *SimulatorAdmin) Script(steps []models.ScriptStep) (int, error) {
	if a.Scripted == nil {
		return 0, ErrScriptUnavailable
	}
	converted := make([]biometric.Step, 0, len(steps))
	for _, raw := range steps {
		converted = append(converted, scriptStep(raw))
	}
	a.Scripted.Push(converted...)
	return a.Scripted.Pending(), nil
}

func (a *SimulatorAdmin) Status() models.SensorStatus {
	present, available := a.Simulator.Hardware()
	status := models.SensorStatus{
		Biometrics:        a.Simulator.Biometrics(),
		PasscodeSet:       a.Simulator.HasPasscode(),
		HardwarePresent:   present,
		HardwareAvailable: available,
	}
	if a.Scripted != nil {
		status.PendingScripted = a.Scripted.Pending()
	}
	return status
}

func scriptStep(raw models.ScriptStep) biometric.Step {
	step := models.NormalizeScriptStep(raw)
	out := biometric.Step{Delay: time.Duration(step.DelayMs) * time.Millisecond}
	switch step.Attempt {
	case models.AttemptPasscode:
		out.Attempt = biometric.Attempt{Kind: biometric.AttemptPasscode, Passcode: step.Passcode}
	case models.AttemptCancel:
		out.Attempt = biometric.Attempt{Kind: biometric.AttemptCancel}
	case models.AttemptDrop:
		out.Drop = true
	case models.AttemptError:
		out.Verdict = &biometric.Verdict{Outcome: biometric.Failed, Message: "Sensor error"}
	case models.AttemptLockout:
		out.Verdict = &biometric.Verdict{Outcome: biometric.LockedOut, Message: "Too many attempts"}
	default:
		out.Attempt = biometric.Attempt{Kind: biometric.AttemptBiometric, Finger: step.Finger}
	}
	return out
}
