package signing

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"biosign/go-backend/internal/biometric"
	"biosign/go-backend/internal/enclave"
	"biosign/go-backend/internal/keyvault"
	"biosign/go-backend/internal/platform/version"
	"biosign/go-backend/internal/prompt"
)

type fixture struct {
	sim      *biometric.Simulator
	vault    *keyvault.Vault
	material keyvault.PublicKeyMaterial
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := enclave.DerivePairingKey([]byte("signing-test-device-secret-0000"))
	if err != nil {
		t.Fatalf("derive pairing key: %v", err)
	}
	sim, err := biometric.NewSimulator(key)
	if err != nil {
		t.Fatalf("new simulator: %v", err)
	}
	if err := sim.EnrollBiometric("thumb", true); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	vault := keyvault.New(enclave.New(enclave.NewMemoryStore(), sim, key))
	material, err := vault.Create()
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	return &fixture{sim: sim, vault: vault, material: material}
}

func (f *fixture) capability(t *testing.T) *keyvault.Capability {
	t.Helper()
	c, err := f.vault.ObtainSigningCapability(keyvault.Algorithm)
	if err != nil {
		t.Fatalf("obtain capability: %v", err)
	}
	return c
}

func signingSpec() prompt.Spec {
	return prompt.Build(prompt.Options{}, true, version.ForLevel(33))
}

func verifySignature(t *testing.T, encodedKey, signature string, payload []byte) error {
	t.Helper()
	der, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	digest := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(parsed.(*rsa.PublicKey), crypto.SHA256, digest[:], sig)
}

func wait(t *testing.T, p *Pending) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("session did not resolve: %v", err)
	}
	return r
}

func TestSigningRoundTrip(t *testing.T) {
	f := newFixture(t)
	surface := &biometric.AutoSurface{Presenter: f.sim, Attempt: biometric.Attempt{Kind: biometric.AttemptBiometric}}
	payload := []byte("hello")

	r := wait(t, NewSigningSession(signingSpec(), payload, f.capability(t), surface).Start(context.Background()))
	if !r.Success || r.Signature == "" {
		t.Fatalf("expected signature, got %+v", r)
	}
	if strings.ContainsAny(r.Signature, "\r\n") {
		t.Fatalf("signature contains line breaks: %q", r.Signature)
	}
	if err := verifySignature(t, f.material.Encoded, r.Signature, payload); err != nil {
		t.Fatalf("signature must verify: %v", err)
	}
	if err := verifySignature(t, f.material.Encoded, r.Signature, []byte("hellp")); err == nil {
		t.Fatal("signature must not verify against another payload")
	}
}

func TestVerdictMapping(t *testing.T) {
	cases := []struct {
		name    string
		verdict biometric.Verdict
		state   State
		code    string
	}{
		{"cancelled", biometric.Verdict{Outcome: biometric.Cancelled}, Cancelled, CodeUserCancelled},
		{"locked out", biometric.Verdict{Outcome: biometric.LockedOut}, LockedOut, CodeLockout},
		{"none enrolled", biometric.Verdict{Outcome: biometric.NoneEnrolled}, Rejected, CodeAuthError},
		{"failed", biometric.Verdict{Outcome: biometric.Failed, Message: "sensor error"}, Errored, CodeAuthError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict := tc.verdict
			surface := biometric.NewScriptedSurface(nil, biometric.Step{Verdict: &verdict})
			var mu sync.Mutex
			var seen []State
			obs := func(_ string, _, to State) {
				mu.Lock()
				seen = append(seen, to)
				mu.Unlock()
			}
			r := wait(t, NewPresenceSession(signingSpec(), surface, WithObserver(obs)).Start(context.Background()))
			if r.Success || r.Code != tc.code || r.Message == "" {
				t.Fatalf("unexpected result: %+v", r)
			}
			mu.Lock()
			defer mu.Unlock()
			want := []State{PromptShown, tc.state, Resolved}
			if len(seen) != len(want) {
				t.Fatalf("expected transitions %v, got %v", want, seen)
			}
			for i := range want {
				if seen[i] != want[i] {
					t.Fatalf("expected transitions %v, got %v", want, seen)
				}
			}
		})
	}
}

func TestPresenceSuccess(t *testing.T) {
	f := newFixture(t)
	surface := &biometric.AutoSurface{Presenter: f.sim, Attempt: biometric.Attempt{Kind: biometric.AttemptBiometric}}
	s := NewPresenceSession(prompt.Build(prompt.Options{}, false, version.ForLevel(33)), surface)
	r := wait(t, s.Start(context.Background()))
	if !r.Success || r.Signature != "" {
		t.Fatalf("expected bare success, got %+v", r)
	}
	if s.State() != Resolved {
		t.Fatalf("expected Resolved, got %v", s.State())
	}
}

func TestMissingSurfaceResolvesErrored(t *testing.T) {
	s := NewPresenceSession(signingSpec(), nil)
	r := wait(t, s.Start(context.Background()))
	if r.Success || r.Code != CodeAuthError || !errors.Is(r.Err, ErrNoSurface) {
		t.Fatalf("expected AUTH_ERROR for missing surface, got %+v", r)
	}
}

func TestClosedPromptResolvesErrored(t *testing.T) {
	surface := biometric.NewScriptedSurface(nil, biometric.Step{Drop: true})
	r := wait(t, NewPresenceSession(signingSpec(), surface).Start(context.Background()))
	if r.Code != CodeAuthError || !errors.Is(r.Err, ErrPromptClosed) {
		t.Fatalf("expected AUTH_ERROR for closed prompt, got %+v", r)
	}
}

func TestTimeoutResolvesErrored(t *testing.T) {
	surface := biometric.NewScriptedSurface(nil, biometric.Step{Delay: time.Hour, Verdict: &biometric.Verdict{Outcome: biometric.Succeeded}})
	s := NewPresenceSession(signingSpec(), surface, WithTimeout(50*time.Millisecond))
	r := wait(t, s.Start(context.Background()))
	if r.Code != CodeAuthError || !errors.Is(r.Err, context.DeadlineExceeded) {
		t.Fatalf("expected AUTH_ERROR on timeout, got %+v", r)
	}
}

func TestSigningFailureIsDistinct(t *testing.T) {
	f := newFixture(t)
	capability := f.capability(t)
	if deleted, err := f.vault.Delete(); err != nil || !deleted {
		t.Fatal("delete failed")
	}
	surface := &biometric.AutoSurface{Presenter: f.sim, Attempt: biometric.Attempt{Kind: biometric.AttemptBiometric}}
	s := NewSigningSession(signingSpec(), []byte("x"), capability, surface)
	r := wait(t, s.Start(context.Background()))
	if r.Success || r.Code != CodeSigningFailed || !errors.Is(r.Err, ErrSigningFailed) {
		t.Fatalf("expected SIGNING_FAILED, got %+v", r)
	}
}

func TestStartTwiceResolvesOnce(t *testing.T) {
	surface := biometric.NewScriptedSurface(nil, biometric.Step{Verdict: &biometric.Verdict{Outcome: biometric.Succeeded}})
	s := NewPresenceSession(signingSpec(), surface)
	first := s.Start(context.Background())
	second := s.Start(context.Background())
	if r := wait(t, second); !errors.Is(r.Err, ErrSessionStarted) {
		t.Fatalf("expected ErrSessionStarted, got %+v", r)
	}
	if r := wait(t, first); !r.Success {
		t.Fatalf("expected first start to succeed, got %+v", r)
	}
	if len(surface.Shown()) != 1 {
		t.Fatalf("expected one prompt, got %d", len(surface.Shown()))
	}
}

func TestPendingResolvesExactlyOnce(t *testing.T) {
	p := newPending("id")
	if _, ok := p.Result(); ok {
		t.Fatal("fresh pending must be unresolved")
	}
	if !p.resolve(Result{Success: true}) {
		t.Fatal("first resolve must win")
	}
	if p.resolve(Result{Code: CodeAuthError}) {
		t.Fatal("second resolve must be ignored")
	}
	r, ok := p.Result()
	if !ok || !r.Success {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestPromptSlotAdmitsOnePrompt(t *testing.T) {
	slot := NewPromptSlot()
	gate := make(chan struct{})
	var mu sync.Mutex
	visible, maxVisible := 0, 0
	surface := surfaceFunc(func(ctx context.Context, _ biometric.Request) (<-chan biometric.Verdict, error) {
		mu.Lock()
		visible++
		maxVisible = max(maxVisible, visible)
		mu.Unlock()
		ch := make(chan biometric.Verdict, 1)
		go func() {
			<-gate
			mu.Lock()
			visible--
			mu.Unlock()
			ch <- biometric.Verdict{Outcome: biometric.Succeeded}
		}()
		return ch, nil
	})

	pendings := make([]*Pending, 3)
	for i := range pendings {
		pendings[i] = NewPresenceSession(signingSpec(), surface, WithPromptSlot(slot)).Start(context.Background())
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	for _, p := range pendings {
		if r := wait(t, p); !r.Success {
			t.Fatalf("expected success, got %+v", r)
		}
	}
	if maxVisible != 1 {
		t.Fatalf("expected at most one visible prompt, saw %d", maxVisible)
	}
}

func TestSilentSigning(t *testing.T) {
	f := newFixture(t)
	payload := []byte("silent")

	r := wait(t, NewSilentSigningSession(payload, f.capability(t), f.sim).Start(context.Background()))
	if r.Success || r.Code != CodeAuthError {
		t.Fatalf("expected AUTH_ERROR without recent auth, got %+v", r)
	}

	surface := &biometric.AutoSurface{Presenter: f.sim, Attempt: biometric.Attempt{Kind: biometric.AttemptBiometric}}
	if r := wait(t, NewPresenceSession(signingSpec(), surface).Start(context.Background())); !r.Success {
		t.Fatalf("presence: %+v", r)
	}
	r = wait(t, NewSilentSigningSession(payload, f.capability(t), f.sim).Start(context.Background()))
	if !r.Success {
		t.Fatalf("expected silent signature, got %+v", r)
	}
	if err := verifySignature(t, f.material.Encoded, r.Signature, payload); err != nil {
		t.Fatalf("silent signature must verify: %v", err)
	}
	if r := wait(t, NewSilentSigningSession(payload, f.capability(t), nil).Start(context.Background())); !errors.Is(r.Err, ErrNoSurface) {
		t.Fatalf("expected ErrNoSurface without authorizer, got %+v", r)
	}
}

type surfaceFunc func(ctx context.Context, req biometric.Request) (<-chan biometric.Verdict, error)

func (f surfaceFunc) Show(ctx context.Context, req biometric.Request) (<-chan biometric.Verdict, error) {
	return f(ctx, req)
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{Authenticated, Rejected, Cancelled, LockedOut, Errored} {
		if !s.Terminal() {
			t.Fatalf("%v must be terminal", s)
		}
	}
	for _, s := range []State{Idle, PromptShown, Resolved} {
		if s.Terminal() {
			t.Fatalf("%v must not be terminal", s)
		}
	}
}
