package biometric

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"biosign/go-backend/internal/authpolicy"
	"biosign/go-backend/internal/enclave"
	"biosign/go-backend/internal/platform/version"
	"biosign/go-backend/internal/prompt"

	"github.com/tyler-smith/go-bip39"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testPairingKey(t *testing.T) []byte {
	t.Helper()
	key, err := enclave.DerivePairingKey([]byte("sensor-test-device-secret-00000"))
	if err != nil {
		t.Fatalf("derive pairing key: %v", err)
	}
	return key
}

func newTestSimulator(t *testing.T, opts ...SimulatorOption) *Simulator {
	t.Helper()
	sim, err := NewSimulator(testPairingKey(t), opts...)
	if err != nil {
		t.Fatalf("new simulator: %v", err)
	}
	return sim
}

func TestEnrollmentRotatesBiometricSID(t *testing.T) {
	sim := newTestSimulator(t)
	if sim.BiometricSID() != 0 {
		t.Fatal("fresh simulator must have no biometric sid")
	}
	if err := sim.EnrollBiometric("thumb", true); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	first := sim.BiometricSID()
	if first == 0 {
		t.Fatal("expected biometric sid after enrollment")
	}
	if err := sim.EnrollBiometric("index", true); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if sim.BiometricSID() == first {
		t.Fatal("new enrollment must rotate the biometric sid")
	}
	if err := sim.RemoveBiometric("missing"); !errors.Is(err, ErrUnknownBiometric) {
		t.Fatalf("expected ErrUnknownBiometric, got %v", err)
	}
	if err := sim.ClearBiometrics(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if sim.BiometricSID() != 0 || len(sim.Biometrics()) != 0 {
		t.Fatal("clear must drop every biometric")
	}
	if err := sim.EnrollBiometric("  ", true); !errors.Is(err, ErrInvalidFingerName) {
		t.Fatalf("expected ErrInvalidFingerName, got %v", err)
	}
}

func TestCanAuthenticate(t *testing.T) {
	sim := newTestSimulator(t)
	strongOnly := authpolicy.BiometricStrong
	withCredential := authpolicy.BiometricStrong | authpolicy.DeviceCredential

	if got := sim.CanAuthenticate(strongOnly); got != NotEnrolled {
		t.Fatalf("expected NotEnrolled, got %v", got)
	}
	if _, err := sim.SetPasscode("1234"); err != nil {
		t.Fatalf("set passcode: %v", err)
	}
	if got := sim.CanAuthenticate(withCredential); got != Ready {
		t.Fatalf("expected Ready with credential, got %v", got)
	}
	if got := sim.CanAuthenticate(strongOnly); got != NotEnrolled {
		t.Fatalf("expected NotEnrolled for biometric only, got %v", got)
	}
	if err := sim.EnrollBiometric("face", false); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if got := sim.CanAuthenticate(strongOnly); got != NotEnrolled {
		t.Fatalf("weak biometric must not satisfy strong only, got %v", got)
	}
	if got := sim.CanAuthenticate(strongOnly | authpolicy.BiometricWeak); got != Ready {
		t.Fatalf("expected Ready for weak request, got %v", got)
	}

	sim.SetHardware(true, false)
	if got := sim.CanAuthenticate(withCredential); got != HardwareUnavailable {
		t.Fatalf("expected HardwareUnavailable, got %v", got)
	}
	sim.SetHardware(false, true)
	if got := sim.CanAuthenticate(withCredential); got != NoHardware {
		t.Fatalf("expected NoHardware, got %v", got)
	}
	if NoHardware.WireError() != "BIOMETRIC_ERROR_NO_HARDWARE" || Ready.WireError() != "" {
		t.Fatal("unexpected wire errors")
	}
}

func TestPresentMintsVerifiableToken(t *testing.T) {
	sim := newTestSimulator(t)
	if err := sim.EnrollBiometric("thumb", true); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	key := testPairingKey(t)
	e := enclave.New(enclave.NewMemoryStore(), sim, key)
	if _, err := e.Generate("biometric_key", enclave.DefaultKeyParams()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	op, err := e.BeginSign("biometric_key")
	if err != nil {
		t.Fatalf("begin sign: %v", err)
	}
	v := sim.Present(op.Challenge(), authpolicy.BiometricStrong, Attempt{Kind: AttemptBiometric})
	if v.Outcome != Succeeded || v.Token == nil {
		t.Fatalf("expected success with token, got %+v", v)
	}
	if _, err := op.Finish(v.Token, []byte("payload")); err != nil {
		t.Fatalf("finish with sensor token: %v", err)
	}
}

func TestPresentOutcomes(t *testing.T) {
	sim := newTestSimulator(t)
	allowed := authpolicy.BiometricStrong | authpolicy.DeviceCredential

	if v := sim.Present(1, allowed, Attempt{Kind: AttemptBiometric}); v.Outcome != NoneEnrolled {
		t.Fatalf("expected NoneEnrolled, got %v", v.Outcome)
	}
	if v := sim.Present(1, allowed, Attempt{Kind: AttemptCancel}); v.Outcome != Cancelled {
		t.Fatalf("expected Cancelled, got %v", v.Outcome)
	}
	if err := sim.EnrollBiometric("thumb", true); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if v := sim.Present(1, allowed, Attempt{Kind: AttemptBiometric, Finger: "pinky"}); v.Outcome != Failed {
		t.Fatalf("expected Failed for unknown finger, got %v", v.Outcome)
	}
	if v := sim.Present(1, authpolicy.BiometricStrong, Attempt{Kind: AttemptPasscode, Passcode: "x"}); v.Outcome != Failed {
		t.Fatalf("expected Failed when credential is not allowed, got %v", v.Outcome)
	}
	if v := sim.Present(1, allowed, Attempt{Kind: AttemptPasscode, Passcode: "x"}); v.Outcome != NoneEnrolled {
		t.Fatalf("expected NoneEnrolled without passcode, got %v", v.Outcome)
	}
	sim.SetHardware(true, false)
	if v := sim.Present(1, allowed, Attempt{Kind: AttemptBiometric}); v.Outcome != Failed {
		t.Fatalf("expected Failed with hardware unavailable, got %v", v.Outcome)
	}
}

func TestBiometricLockoutAfterRepeatedMismatch(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	sim := newTestSimulator(t, WithClock(clock.Now))
	if err := sim.EnrollBiometric("thumb", true); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	var last Verdict
	for i := 0; i < maxBiometricFailures; i++ {
		last = sim.Present(1, authpolicy.BiometricStrong, Attempt{Kind: AttemptBiometric, Finger: "stranger"})
	}
	if last.Outcome != LockedOut {
		t.Fatalf("expected LockedOut after %d mismatches, got %v", maxBiometricFailures, last.Outcome)
	}
	if v := sim.Present(1, authpolicy.BiometricStrong, Attempt{Kind: AttemptBiometric}); v.Outcome != LockedOut {
		t.Fatalf("expected LockedOut during lockout, got %v", v.Outcome)
	}
	clock.Advance(biometricLockout + time.Second)
	if v := sim.Present(1, authpolicy.BiometricStrong, Attempt{Kind: AttemptBiometric}); v.Outcome != Succeeded {
		t.Fatalf("expected success after lockout, got %v", v.Outcome)
	}
}

func TestPasscodeLockoutBackoff(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	sim := newTestSimulator(t, WithClock(clock.Now), WithMaxCredentialAttempts(3))
	if _, err := sim.SetPasscode("2468"); err != nil {
		t.Fatalf("set passcode: %v", err)
	}
	if err := sim.VerifyPasscode("0000"); !errors.Is(err, ErrInvalidPasscode) {
		t.Fatalf("expected ErrInvalidPasscode, got %v", err)
	}
	if err := sim.VerifyPasscode("2468"); !errors.Is(err, ErrCredentialLocked) {
		t.Fatalf("expected ErrCredentialLocked, got %v", err)
	}
	clock.Advance(1100 * time.Millisecond)
	if err := sim.VerifyPasscode("2468"); err != nil {
		t.Fatalf("expected success after backoff, got %v", err)
	}

	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		_ = sim.VerifyPasscode("bad")
	}
	clock.Advance(time.Hour)
	if err := sim.VerifyPasscode("2468"); !errors.Is(err, ErrCredentialLockedHard) {
		t.Fatalf("expected ErrCredentialLockedHard, got %v", err)
	}
	v := sim.Present(1, authpolicy.DeviceCredential, Attempt{Kind: AttemptPasscode, Passcode: "2468"})
	if v.Outcome != LockedOut {
		t.Fatalf("expected LockedOut verdict, got %v", v.Outcome)
	}
	if _, err := sim.SetPasscode("1357"); err != nil {
		t.Fatalf("reset passcode: %v", err)
	}
	if err := sim.VerifyPasscode("1357"); err != nil {
		t.Fatalf("verify after reset: %v", err)
	}
}

func TestFailedAttemptBackoff(t *testing.T) {
	cases := map[int]time.Duration{0: 0, 1: time.Second, 2: 2 * time.Second, 6: 32 * time.Second, 20: 32 * time.Second}
	for attempt, want := range cases {
		if got := failedAttemptBackoff(attempt); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestGeneratedPasscodeIsMnemonic(t *testing.T) {
	sim := newTestSimulator(t)
	passcode, err := sim.SetPasscode("")
	if err != nil {
		t.Fatalf("set passcode: %v", err)
	}
	if !bip39.IsMnemonicValid(passcode) || len(strings.Fields(passcode)) != 12 {
		t.Fatalf("expected 12-word mnemonic, got %q", passcode)
	}
	sid := sim.CredentialSID()
	if _, err := sim.SetPasscode("changed"); err != nil {
		t.Fatalf("change passcode: %v", err)
	}
	if sim.CredentialSID() != sid {
		t.Fatal("changing the passcode must keep the credential sid")
	}
}

func TestSilentAuthorizationWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	sim := newTestSimulator(t, WithClock(clock.Now), WithSilentWindow(5*time.Second))
	ctx := context.Background()
	if v := sim.AuthorizeSilently(ctx, 1); v.Outcome != NoneEnrolled {
		t.Fatalf("expected NoneEnrolled, got %v", v.Outcome)
	}
	if err := sim.EnrollBiometric("thumb", true); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if v := sim.AuthorizeSilently(ctx, 1); v.Outcome != Failed {
		t.Fatalf("expected Failed without recent auth, got %v", v.Outcome)
	}
	if v := sim.Present(2, authpolicy.BiometricStrong, Attempt{Kind: AttemptBiometric}); v.Outcome != Succeeded {
		t.Fatalf("present: %v", v.Outcome)
	}
	clock.Advance(3 * time.Second)
	v := sim.AuthorizeSilently(ctx, 3)
	if v.Outcome != Succeeded || v.Token == nil || v.Token.Challenge != 3 {
		t.Fatalf("expected silent success bound to challenge, got %+v", v)
	}
	clock.Advance(10 * time.Second)
	if v := sim.AuthorizeSilently(ctx, 4); v.Outcome != Failed {
		t.Fatalf("expected Failed after window, got %v", v.Outcome)
	}
}

func TestStateFilePersistsEnrollment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensor.state")
	sim := newTestSimulator(t, WithStateFile(path, "state-secret"))
	if err := sim.EnrollBiometric("thumb", true); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if _, err := sim.SetPasscode("9999"); err != nil {
		t.Fatalf("set passcode: %v", err)
	}

	reloaded := newTestSimulator(t, WithStateFile(path, "state-secret"))
	if reloaded.BiometricSID() != sim.BiometricSID() || reloaded.CredentialSID() != sim.CredentialSID() {
		t.Fatal("secure user ids must survive reload")
	}
	if err := reloaded.VerifyPasscode("9999"); err != nil {
		t.Fatalf("passcode after reload: %v", err)
	}
	if _, err := NewSimulator(testPairingKey(t), WithStateFile(path, "wrong")); err == nil {
		t.Fatal("expected wrong state secret to fail")
	}
}

func TestScriptedSurfaceSteps(t *testing.T) {
	sim := newTestSimulator(t)
	if err := sim.EnrollBiometric("thumb", true); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	surface := NewScriptedSurface(sim, Step{Attempt: Attempt{Kind: AttemptCancel}})
	surface.Push(
		Step{Attempt: Attempt{Kind: AttemptBiometric}},
		Step{Drop: true},
		Step{Verdict: &Verdict{Outcome: LockedOut, Message: "locked"}},
	)
	spec := prompt.Build(prompt.Options{}, true, version.ForLevel(33))
	ctx := context.Background()

	want := []Outcome{Succeeded, 0, LockedOut, Cancelled}
	for i, outcome := range want {
		ch, err := surface.Show(ctx, Request{Spec: spec, Challenge: uint64(i + 1)})
		if err != nil {
			t.Fatalf("show %d: %v", i, err)
		}
		v, ok := <-ch
		if outcome == 0 {
			if ok {
				t.Fatalf("step %d: expected closed channel, got %+v", i, v)
			}
			continue
		}
		if !ok || v.Outcome != outcome {
			t.Fatalf("step %d: expected %v, got %+v (ok=%v)", i, outcome, v, ok)
		}
	}
	if len(surface.Shown()) != 4 || surface.Pending() != 0 {
		t.Fatalf("unexpected surface bookkeeping: shown=%d pending=%d", len(surface.Shown()), surface.Pending())
	}
}

func TestAutoSurfaceRequiresPresenter(t *testing.T) {
	var s *AutoSurface
	if _, err := s.Show(context.Background(), Request{}); !errors.Is(err, ErrNoPresenter) {
		t.Fatalf("expected ErrNoPresenter, got %v", err)
	}
}

func TestConsoleSurfaceReadsChoice(t *testing.T) {
	sim := newTestSimulator(t)
	if err := sim.EnrollBiometric("thumb", true); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	var out strings.Builder
	surface := NewConsoleSurface(sim, strings.NewReader("f thumb\ny\n"), &out)
	confirm := true
	title := "Sign transfer"
	spec := prompt.Build(prompt.Options{Title: &title, ConfirmationRequired: &confirm}, true, version.ForLevel(33))
	ch, err := surface.Show(context.Background(), Request{Spec: spec, Challenge: 9})
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	v := <-ch
	if v.Outcome != Succeeded {
		t.Fatalf("expected success, got %+v", v)
	}
	if !strings.Contains(out.String(), "Sign transfer") {
		t.Fatalf("prompt title not shown: %q", out.String())
	}
}

func TestConsoleSurfaceLeavesLateInputForNextPrompt(t *testing.T) {
	sim := newTestSimulator(t)
	if err := sim.EnrollBiometric("thumb", true); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	in, typed := io.Pipe()
	defer typed.Close()
	surface := NewConsoleSurface(sim, in, io.Discard)
	spec := prompt.Build(prompt.Options{}, true, version.ForLevel(33))

	ctx, cancel := context.WithCancel(context.Background())
	expired, err := surface.Show(ctx, Request{Spec: spec, Challenge: 1})
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	cancel()
	if v, ok := <-expired; ok {
		t.Fatalf("expired prompt must close without a verdict, got %+v", v)
	}

	go func() { _, _ = io.WriteString(typed, "f thumb\n") }()
	next, err := surface.Show(context.Background(), Request{Spec: spec, Challenge: 2})
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	select {
	case v, ok := <-next:
		if !ok || v.Outcome != Succeeded {
			t.Fatalf("expected the next prompt to get the typed line, got %+v (ok=%v)", v, ok)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("next prompt never received the typed line")
	}
}
