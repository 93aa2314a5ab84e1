// Package signing runs one authentication prompt per request and, for signing
// requests, turns the authenticator's verdict into a signature over the
// caller's payload.
package signing

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"biosign/go-backend/internal/biometric"
	"biosign/go-backend/internal/enclave"
	"biosign/go-backend/internal/prompt"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	CodeUserCancelled = "USER_CANCELLED"
	CodeLockout       = "LOCKOUT"
	CodeAuthError     = "AUTH_ERROR"
	CodeSigningFailed = "SIGNING_FAILED"
)

var (
	ErrSigningFailed  = errors.New("signing failed after authentication")
	ErrNoSurface      = errors.New("no prompt surface available")
	ErrPromptClosed   = errors.New("prompt closed without a verdict")
	ErrSessionStarted = errors.New("session already started")
)

// Capability is a single-use signing handle bound to the vault key.
type Capability interface {
	Challenge() uint64
	Sign(token *enclave.AuthToken, data []byte) ([]byte, error)
}

// Observer is notified of every state transition, in order.
type Observer func(sessionID string, from, to State)

// PromptSlot admits one visible prompt at a time.
type PromptSlot struct {
	sem *semaphore.Weighted
}

func NewPromptSlot() *PromptSlot {
	return &PromptSlot{sem: semaphore.NewWeighted(1)}
}

func (s *PromptSlot) acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

func (s *PromptSlot) release() {
	s.sem.Release(1)
}

type Option func(*Session)

func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

func WithPromptSlot(slot *PromptSlot) Option {
	return func(s *Session) { s.slot = slot }
}

// WithTimeout bounds how long the session waits for a verdict. A session
// that times out resolves as Errored.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Session is one authentication request. It is started once and resolves
// exactly once.
type Session struct {
	id         string
	spec       prompt.Spec
	payload    []byte
	capability Capability
	signing    bool
	surface    biometric.Surface
	slot       *PromptSlot
	observer   Observer
	timeout    time.Duration

	mu      sync.Mutex
	state   State
	started bool
}

// NewPresenceSession creates a session that only proves user presence.
func NewPresenceSession(spec prompt.Spec, surface biometric.Surface, opts ...Option) *Session {
	return newSession(spec, nil, nil, false, surface, opts)
}

// NewSigningSession creates a session that signs payload with capability
// once the user authenticates.
func NewSigningSession(spec prompt.Spec, payload []byte, capability Capability, surface biometric.Surface, opts ...Option) *Session {
	return newSession(spec, payload, capability, true, surface, opts)
}

// NewSilentSigningSession signs payload without showing a prompt; the
// authorizer supplies the proof of presence from a recent authentication.
func NewSilentSigningSession(payload []byte, capability Capability, authorizer biometric.SilentAuthorizer, opts ...Option) *Session {
	var surface biometric.Surface
	if authorizer != nil {
		surface = silentSurface{authorizer: authorizer}
	}
	s := newSession(prompt.Spec{}, payload, capability, true, surface, opts)
	s.slot = nil
	return s
}

func newSession(spec prompt.Spec, payload []byte, capability Capability, signing bool, surface biometric.Surface, opts []Option) *Session {
	s := &Session{
		id:         uuid.NewString(),
		spec:       spec,
		payload:    append([]byte(nil), payload...),
		capability: capability,
		signing:    signing,
		surface:    surface,
		state:      Idle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the session and returns immediately. A second Start returns
// an already failed Pending and leaves the running session alone.
func (s *Session) Start(ctx context.Context) *Pending {
	p := newPending(s.id)
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		p.resolve(failure(CodeAuthError, ErrSessionStarted))
		return p
	}
	s.started = true
	s.mu.Unlock()

	go s.run(ctx, p)
	return p
}

func (s *Session) run(ctx context.Context, p *Pending) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if s.slot != nil {
		if err := s.slot.acquire(ctx); err != nil {
			s.transition(Errored)
			s.finish(p, failure(CodeAuthError, err))
			return
		}
	}
	s.transition(PromptShown)
	verdict, err := s.await(ctx)
	if s.slot != nil {
		s.slot.release()
	}
	if err != nil {
		s.transition(Errored)
		s.finish(p, failure(CodeAuthError, err))
		return
	}

	state, result := verdictResult(verdict)
	s.transition(state)
	if state == Authenticated && s.signing {
		signature, err := SignPayload(s.capability, verdict.Token, s.payload)
		if err != nil {
			result = failure(CodeSigningFailed, err)
		} else {
			result.Signature = signature
		}
	}
	s.finish(p, result)
}

func (s *Session) await(ctx context.Context) (biometric.Verdict, error) {
	if s.surface == nil {
		return biometric.Verdict{}, ErrNoSurface
	}
	req := biometric.Request{
		SessionID: s.id,
		Spec:      s.spec,
		Crypto:    s.signing,
	}
	if s.signing {
		if s.capability == nil {
			return biometric.Verdict{}, fmt.Errorf("%w: no signing capability", ErrSigningFailed)
		}
		req.Challenge = s.capability.Challenge()
	}
	ch, err := s.surface.Show(ctx, req)
	if err != nil {
		return biometric.Verdict{}, err
	}
	select {
	case v, ok := <-ch:
		if !ok {
			if err := ctx.Err(); err != nil {
				return biometric.Verdict{}, err
			}
			return biometric.Verdict{}, ErrPromptClosed
		}
		return v, nil
	case <-ctx.Done():
		return biometric.Verdict{}, ctx.Err()
	}
}

func (s *Session) finish(p *Pending, result Result) {
	s.transition(Resolved)
	p.resolve(result)
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		return
	}
	s.state = to
	observer := s.observer
	s.mu.Unlock()
	if observer != nil {
		observer(s.id, from, to)
	}
}

func verdictResult(v biometric.Verdict) (State, Result) {
	switch v.Outcome {
	case biometric.Succeeded:
		return Authenticated, Result{Success: true}
	case biometric.NoneEnrolled:
		return Rejected, outcomeFailure(CodeAuthError, v.Message, "No biometrics enrolled")
	case biometric.Cancelled:
		return Cancelled, outcomeFailure(CodeUserCancelled, v.Message, "Authentication cancelled")
	case biometric.LockedOut:
		return LockedOut, outcomeFailure(CodeLockout, v.Message, "Too many attempts")
	default:
		return Errored, outcomeFailure(CodeAuthError, v.Message, "Authentication failed")
	}
}

// SignPayload finishes an authorized capability over payload and returns
// the signature as standard base64 without line breaks.
func SignPayload(capability Capability, token *enclave.AuthToken, payload []byte) (string, error) {
	if capability == nil {
		return "", fmt.Errorf("%w: no signing capability", ErrSigningFailed)
	}
	sig, err := capability.Sign(token, payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	encoded := base64.StdEncoding.EncodeToString(sig)
	return strings.NewReplacer("\r", "", "\n", "").Replace(encoded), nil
}

type silentSurface struct {
	authorizer biometric.SilentAuthorizer
}

func (s silentSurface) Show(ctx context.Context, req biometric.Request) (<-chan biometric.Verdict, error) {
	ch := make(chan biometric.Verdict, 1)
	ch <- s.authorizer.AuthorizeSilently(ctx, req.Challenge)
	close(ch)
	return ch, nil
}
