package biometric

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"biosign/go-backend/internal/authpolicy"
	"biosign/go-backend/internal/enclave"
	"biosign/go-backend/internal/securestore"
)

const (
	DefaultSilentWindow          = 10 * time.Second
	DefaultMaxCredentialAttempts = 10
	maxBiometricFailures         = 5
	biometricLockout             = 30 * time.Second
	stateAAD                     = "biosign/sensor-state/v1"
)

var (
	ErrInvalidFingerName    = errors.New("biometric name is required")
	ErrUnknownBiometric     = errors.New("biometric is not enrolled")
	ErrNoPasscode           = errors.New("device credential is not set")
	ErrInvalidPasscode      = errors.New("invalid device credential")
	ErrCredentialLocked     = errors.New("device credential attempts are temporarily locked")
	ErrCredentialLockedHard = errors.New("device credential is locked until it is reset")
)

type SimulatorOption func(*Simulator)

func WithClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) {
		if now != nil {
			s.now = now
		}
	}
}

func WithSilentWindow(d time.Duration) SimulatorOption {
	return func(s *Simulator) {
		if d >= 0 {
			s.silentWindow = d
		}
	}
}

func WithMaxCredentialAttempts(n int) SimulatorOption {
	return func(s *Simulator) {
		if n > 0 {
			s.maxCredentialAttempts = n
		}
	}
}

// WithStateFile persists enrollment and credential state sealed under secret,
// so keys bound to an enrollment survive restarts.
func WithStateFile(path, secret string) SimulatorOption {
	return func(s *Simulator) {
		s.statePath = path
		s.stateSecret = secret
	}
}

// Simulator is a software biometric sensor with a device credential. It
// implements Sensor, Presenter, SilentAuthorizer and enclave.Enrollment.
type Simulator struct {
	mu sync.Mutex

	pairingKey            []byte
	now                   func() time.Time
	silentWindow          time.Duration
	maxCredentialAttempts int
	statePath             string
	stateSecret           string

	hwPresent   bool
	hwAvailable bool
	biometrics  map[string]bool
	bioSID      uint64
	credSID     uint64
	credential  *passcodeHash

	credFailures    int
	credLockedUntil time.Time
	credHardLocked  bool
	bioFailures     int
	bioLockedUntil  time.Time
	lastStrongAuth  time.Time
}

func NewSimulator(pairingKey []byte, opts ...SimulatorOption) (*Simulator, error) {
	s := &Simulator{
		pairingKey:            append([]byte(nil), pairingKey...),
		now:                   time.Now,
		silentWindow:          DefaultSilentWindow,
		maxCredentialAttempts: DefaultMaxCredentialAttempts,
		hwPresent:             true,
		hwAvailable:           true,
		biometrics:            make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.statePath != "" {
		if err := s.loadState(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetHardware toggles the simulated sensor hardware.
func (s *Simulator) SetHardware(present, available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hwPresent = present
	s.hwAvailable = present && available
}

func (s *Simulator) Hardware() (present, available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hwPresent, s.hwAvailable
}

func (s *Simulator) HasPasscode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential != nil
}

// EnrollBiometric adds or replaces a biometric. Any enrollment change rotates
// the biometric secure user id.
func (s *Simulator) EnrollBiometric(name string, strong bool) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidFingerName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.biometrics[name] = strong
	s.bioSID = newSID()
	return s.saveStateLocked()
}

func (s *Simulator) RemoveBiometric(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.biometrics[name]; !ok {
		return ErrUnknownBiometric
	}
	delete(s.biometrics, name)
	s.bioSID = 0
	if len(s.biometrics) > 0 {
		s.bioSID = newSID()
	}
	return s.saveStateLocked()
}

func (s *Simulator) ClearBiometrics() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.biometrics = make(map[string]bool)
	s.bioSID = 0
	s.lastStrongAuth = time.Time{}
	return s.saveStateLocked()
}

// Biometrics lists enrolled biometric names in order.
func (s *Simulator) Biometrics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.biometrics))
	for name := range s.biometrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Simulator) BiometricSID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bioSID
}

func (s *Simulator) CredentialSID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credSID
}

// CanAuthenticate reports whether a prompt restricted to allowed could
// currently succeed.
func (s *Simulator) CanAuthenticate(allowed authpolicy.Set) Availability {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hwPresent {
		return NoHardware
	}
	if !s.hwAvailable {
		return HardwareUnavailable
	}
	if s.firstFingerLocked(allowed) != "" {
		return Ready
	}
	if allowed.Has(authpolicy.DeviceCredential) && s.credential != nil {
		return Ready
	}
	return NotEnrolled
}

// Present evaluates one attempt and mints an auth token for challenge on
// success.
func (s *Simulator) Present(challenge uint64, allowed authpolicy.Set, attempt Attempt) Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hwPresent || !s.hwAvailable {
		return Verdict{Outcome: Failed, Message: "Biometric hardware unavailable"}
	}
	switch attempt.Kind {
	case AttemptCancel:
		return Verdict{Outcome: Cancelled, Message: "Authentication cancelled by user"}
	case AttemptBiometric:
		return s.presentBiometricLocked(challenge, allowed, attempt.Finger)
	case AttemptPasscode:
		return s.presentPasscodeLocked(challenge, allowed, attempt.Passcode)
	default:
		return Verdict{Outcome: Failed, Message: "Unknown authentication attempt"}
	}
}

func (s *Simulator) presentBiometricLocked(challenge uint64, allowed authpolicy.Set, finger string) Verdict {
	now := s.now()
	if now.Before(s.bioLockedUntil) {
		return Verdict{Outcome: LockedOut, Message: "Too many attempts. Try again later."}
	}
	if finger == "" {
		finger = s.firstFingerLocked(allowed)
		if finger == "" {
			return Verdict{Outcome: NoneEnrolled, Message: "No biometrics enrolled"}
		}
	}
	strong, ok := s.biometrics[finger]
	if !ok {
		s.bioFailures++
		if s.bioFailures >= maxBiometricFailures {
			s.bioFailures = 0
			s.bioLockedUntil = now.Add(biometricLockout)
			return Verdict{Outcome: LockedOut, Message: "Too many attempts. Try again later."}
		}
		return Verdict{Outcome: Failed, Message: "Biometric not recognized"}
	}
	if !fingerAccepted(strong, allowed) {
		return Verdict{Outcome: Failed, Message: "Biometric is not strong enough for this request"}
	}
	class := authpolicy.BiometricWeak
	if strong {
		class = authpolicy.BiometricStrong
	}
	s.bioFailures = 0
	v := Verdict{Outcome: Succeeded, Authenticator: class}
	if strong {
		s.lastStrongAuth = now
		v.Token = enclave.MintToken(s.pairingKey, challenge, s.bioSID, class, now)
	}
	return v
}

func (s *Simulator) presentPasscodeLocked(challenge uint64, allowed authpolicy.Set, passcode string) Verdict {
	if !allowed.Has(authpolicy.DeviceCredential) {
		return Verdict{Outcome: Failed, Message: "Device credential is not allowed for this request"}
	}
	err := s.verifyPasscodeLocked(passcode)
	switch {
	case err == nil:
		now := s.now()
		return Verdict{
			Outcome:       Succeeded,
			Authenticator: authpolicy.DeviceCredential,
			Token:         enclave.MintToken(s.pairingKey, challenge, s.credSID, authpolicy.DeviceCredential, now),
		}
	case errors.Is(err, ErrNoPasscode):
		return Verdict{Outcome: NoneEnrolled, Message: "No device credential set"}
	case errors.Is(err, ErrCredentialLocked), errors.Is(err, ErrCredentialLockedHard):
		return Verdict{Outcome: LockedOut, Message: err.Error()}
	default:
		return Verdict{Outcome: Failed, Message: err.Error()}
	}
}

// AuthorizeSilently succeeds only shortly after a strong biometric success.
func (s *Simulator) AuthorizeSilently(ctx context.Context, challenge uint64) Verdict {
	if err := ctx.Err(); err != nil {
		return Verdict{Outcome: Failed, Message: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bioSID == 0 {
		return Verdict{Outcome: NoneEnrolled, Message: "No biometrics enrolled"}
	}
	now := s.now()
	if s.lastStrongAuth.IsZero() || now.Sub(s.lastStrongAuth) > s.silentWindow {
		return Verdict{Outcome: Failed, Message: "User not authenticated recently"}
	}
	return Verdict{
		Outcome:       Succeeded,
		Authenticator: authpolicy.BiometricStrong,
		Token:         enclave.MintToken(s.pairingKey, challenge, s.bioSID, authpolicy.BiometricStrong, now),
	}
}

func (s *Simulator) firstFingerLocked(allowed authpolicy.Set) string {
	names := make([]string, 0, len(s.biometrics))
	for name, strong := range s.biometrics {
		if fingerAccepted(strong, allowed) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0]
}

// A strong biometric also satisfies requests that accept weak ones.
func fingerAccepted(strong bool, allowed authpolicy.Set) bool {
	if strong {
		return allowed.Intersects(authpolicy.BiometricStrong | authpolicy.BiometricWeak)
	}
	return allowed.Has(authpolicy.BiometricWeak)
}

type simulatorState struct {
	Biometrics map[string]bool `json:"biometrics"`
	BioSID     uint64          `json:"bio_sid"`
	CredSID    uint64          `json:"cred_sid"`
	Credential *passcodeHash   `json:"credential,omitempty"`
}

func (s *Simulator) loadState() error {
	plain, err := securestore.ReadSealedFile(s.statePath, s.stateSecret, []byte(stateAAD))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer securestore.ZeroBytes(plain)
	var st simulatorState
	if err := json.Unmarshal(plain, &st); err != nil {
		return err
	}
	if st.Biometrics != nil {
		s.biometrics = st.Biometrics
	}
	s.bioSID = st.BioSID
	s.credSID = st.CredSID
	s.credential = st.Credential
	return nil
}

func (s *Simulator) saveStateLocked() error {
	if s.statePath == "" {
		return nil
	}
	st := simulatorState{
		Biometrics: s.biometrics,
		BioSID:     s.bioSID,
		CredSID:    s.credSID,
		Credential: s.credential,
	}
	return securestore.WriteSealedJSON(s.statePath, s.stateSecret, []byte(stateAAD), st)
}

func newSID() uint64 {
	var buf [8]byte
	for {
		_, _ = rand.Read(buf[:])
		if v := binary.BigEndian.Uint64(buf[:]); v != 0 {
			return v
		}
	}
}
