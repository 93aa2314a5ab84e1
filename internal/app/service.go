package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"biosign/go-backend/internal/authpolicy"
	"biosign/go-backend/internal/biometric"
	"biosign/go-backend/internal/keyvault"
	"biosign/go-backend/internal/metrics"
	"biosign/go-backend/internal/platform/version"
	"biosign/go-backend/internal/prompt"
	"biosign/go-backend/internal/signing"
	"biosign/go-backend/pkg/models"
)

const (
	opAvailability = "biometry.available"
	opCreateKey    = "keys.create"
	opDeleteKey    = "keys.delete"
	opKeyExists    = "keys.exists"
	opAuthenticate = "prompt.authenticate"
	opSign         = "prompt.sign"
	opSignSilent   = "prompt.sign_silent"
)

type Service struct {
	vault    KeyVault
	sensor   biometric.Sensor
	surface  biometric.Surface
	silent   biometric.SilentAuthorizer
	admin    SensorAdmin
	caps     version.Capabilities
	slot     *signing.PromptSlot
	timeout  time.Duration
	metrics  *metrics.Recorder
	logger   *slog.Logger
	sessions *sessionRegistry
}

var _ CoreAPI = (*Service)(nil)

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Vault == nil {
		return nil, fmt.Errorf("%w: key vault", ErrServiceMisconfigured)
	}
	s := &Service{
		vault:    opts.Vault,
		sensor:   opts.Sensor,
		surface:  opts.Surface,
		silent:   opts.Silent,
		admin:    opts.Admin,
		caps:     opts.Capabilities,
		slot:     opts.PromptSlot,
		timeout:  opts.PromptTimeout,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		sessions: newSessionRegistry(time.Now),
	}
	if s.logger == nil {
		s.logger = DefaultLogger()
	}
	if s.slot == nil {
		s.slot = signing.NewPromptSlot()
	}
	if s.timeout <= 0 {
		s.timeout = DefaultPromptTimeout
	}
	return s, nil
}

func (s *Service) Capabilities() version.Capabilities {
	return s.caps
}

// Admin returns the sensor administration port, nil when the daemon is not
// backed by the simulator.
func (s *Service) Admin() SensorAdmin {
	return s.admin
}

func (s *Service) Health() models.HealthStatus {
	return models.HealthStatus{Status: "ok", Level: int(s.caps.Level)}
}

// CheckAvailability never fails; problems are reported in the result.
func (s *Service) CheckAvailability(allowDeviceCredential bool) models.Availability {
	done := s.observe(opAvailability)
	if !s.caps.Supported {
		done("unsupported")
		return models.Availability{Error: models.PlatformUnsupported}
	}
	if s.sensor == nil {
		done("unavailable")
		return models.Availability{Error: biometric.NoHardware.WireError()}
	}
	allowed := authpolicy.Resolve(allowDeviceCredential, true, s.caps)
	availability := s.sensor.CanAuthenticate(allowed)
	if availability != biometric.Ready {
		done("unavailable")
		s.logInfo(opAvailability, "", "biometry unavailable", "authenticators", allowed.String(), "reason", availability.WireError())
		return models.Availability{Error: availability.WireError()}
	}
	done("ok")
	return models.Availability{Available: true, BiometryType: models.BiometryTypeBiometrics}
}

func (s *Service) CreateKey() (models.PublicKey, error) {
	if err := s.supported(opCreateKey); err != nil {
		return models.PublicKey{}, err
	}
	done := s.observe(opCreateKey)
	material, err := s.vault.Create()
	if err != nil {
		if errors.Is(err, keyvault.ErrUnsupportedPlatform) {
			err = fmt.Errorf("%w: %w", ErrUnsupportedPlatform, err)
		}
		s.recordError("keys", err, opCreateKey, "")
		done("error")
		return models.PublicKey{}, err
	}
	s.logInfo(opCreateKey, "", "key created", "key_id", material.KeyID)
	done("ok")
	return models.PublicKey{PublicKey: material.Encoded, KeyID: material.KeyID}, nil
}

// DeleteKey reports KeysDeleted false without error when no key exists.
func (s *Service) DeleteKey() (models.KeysDeleted, error) {
	if err := s.supported(opDeleteKey); err != nil {
		return models.KeysDeleted{}, err
	}
	done := s.observe(opDeleteKey)
	deleted, err := s.vault.Delete()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDeletionFailed, err)
		s.recordError("keys", err, opDeleteKey, "")
		done("error")
		return models.KeysDeleted{}, err
	}
	if !deleted {
		done("absent")
		return models.KeysDeleted{KeysDeleted: false}, nil
	}
	s.logInfo(opDeleteKey, "", "key deleted")
	done("ok")
	return models.KeysDeleted{KeysDeleted: true}, nil
}

func (s *Service) KeyExists() (models.KeysExist, error) {
	if err := s.supported(opKeyExists); err != nil {
		return models.KeysExist{}, err
	}
	done := s.observe(opKeyExists)
	exists := s.vault.Exists()
	done("ok")
	return models.KeysExist{KeysExist: exists}, nil
}

// Authenticate starts a presence-only session. The returned Pending resolves
// exactly once; the caller's ctx bounds nothing but the returned error path.
func (s *Service) Authenticate(ctx context.Context, opts prompt.Options) (*signing.Pending, error) {
	if err := s.supported(opAuthenticate); err != nil {
		return nil, err
	}
	spec := prompt.Build(opts.WithDefaultCancelText(), false, s.caps)
	session := signing.NewPresenceSession(spec, s.surface, s.sessionOptions()...)
	return s.start(ctx, opAuthenticate, session), nil
}

// AuthenticateAndSign starts a session that signs payload with a fresh
// signing capability once the user authenticates.
func (s *Service) AuthenticateAndSign(ctx context.Context, opts prompt.Options, payload string) (*signing.Pending, error) {
	if err := s.supported(opSign); err != nil {
		return nil, err
	}
	capability, err := s.capability(opSign)
	if err != nil {
		return nil, err
	}
	spec := prompt.Build(opts.WithDefaultCancelText(), true, s.caps)
	session := signing.NewSigningSession(spec, []byte(payload), capability, s.surface, s.sessionOptions()...)
	return s.start(ctx, opSign, session), nil
}

// SignWithRecentAuthentication signs without a prompt, relying on an
// authentication the user completed shortly before.
func (s *Service) SignWithRecentAuthentication(ctx context.Context, payload string) (*signing.Pending, error) {
	if err := s.supported(opSignSilent); err != nil {
		return nil, err
	}
	if s.silent == nil {
		return nil, ErrSilentUnsupported
	}
	capability, err := s.capability(opSignSilent)
	if err != nil {
		return nil, err
	}
	session := signing.NewSilentSigningSession([]byte(payload), capability, s.silent, s.sessionOptions()...)
	return s.start(ctx, opSignSilent, session), nil
}

// SessionResult reports a tracked session's result and whether it resolved.
func (s *Service) SessionResult(sessionID string) (models.PromptResult, bool, error) {
	p, ok := s.sessions.get(sessionID)
	if !ok {
		return models.PromptResult{}, false, ErrSessionNotFound
	}
	r, resolved := p.Result()
	if !resolved {
		return models.PromptResult{SessionID: p.ID()}, false, nil
	}
	return PromptResultFrom(p.ID(), r), true, nil
}

// AwaitSession blocks until the tracked session resolves or ctx ends.
func (s *Service) AwaitSession(ctx context.Context, sessionID string) (models.PromptResult, error) {
	p, ok := s.sessions.get(sessionID)
	if !ok {
		return models.PromptResult{}, ErrSessionNotFound
	}
	r, err := p.Wait(ctx)
	if err != nil {
		return models.PromptResult{}, err
	}
	return PromptResultFrom(p.ID(), r), nil
}

func PromptResultFrom(sessionID string, r signing.Result) models.PromptResult {
	return models.PromptResult{
		Success:   r.Success,
		Signature: r.Signature,
		Error:     r.Message,
		Code:      r.Code,
		SessionID: sessionID,
	}
}

// supported is the pre-flight platform gate. Nothing past it runs below the
// minimum level.
func (s *Service) supported(operation string) error {
	if s.caps.Supported {
		return nil
	}
	s.metrics.ObserveOperation(operation, "unsupported", 0)
	s.logWarn(operation, "", "platform below minimum level",
		"platform_level", int(s.caps.Level),
		"min_level", version.MinSupportedLevel,
	)
	return fmt.Errorf("%w: level %d is below %d", ErrUnsupportedPlatform, s.caps.Level, version.MinSupportedLevel)
}

func (s *Service) capability(operation string) (*keyvault.Capability, error) {
	capability, err := s.vault.ObtainSigningCapability(keyvault.Algorithm)
	if err != nil {
		if errors.Is(err, keyvault.ErrKeyUnusable) {
			s.logWarn(operation, "", "key invalidated by enrollment change, caller must recreate it")
		}
		s.recordError("keys", err, operation, "")
		s.metrics.ObserveOperation(operation, "key_error", 0)
		return nil, err
	}
	return capability, nil
}

func (s *Service) sessionOptions() []signing.Option {
	return []signing.Option{
		signing.WithPromptSlot(s.slot),
		signing.WithTimeout(s.timeout),
		signing.WithObserver(s.observeTransition),
	}
}

func (s *Service) observeTransition(sessionID string, from, to signing.State) {
	s.metrics.SessionTransition(to.String())
	level, msg := slog.LevelDebug, "session transition"
	if to.Terminal() {
		level, msg = slog.LevelInfo, "session verdict"
	}
	s.logger.Log(context.Background(), level, msg,
		"component", serviceComponentName,
		"correlation_id", sessionID,
		"from", from.String(),
		"to", to.String(),
	)
}

// start detaches the session from the caller's cancellation: only the user,
// the platform or the prompt timeout end a session.
func (s *Service) start(ctx context.Context, kind string, session *signing.Session) *signing.Pending {
	s.metrics.SessionStarted()
	s.logInfo(kind, session.ID(), "session started")
	started := time.Now()
	p := session.Start(context.WithoutCancel(ctx))
	s.sessions.add(p)
	go s.awaitResolution(kind, p, started)
	return p
}

func (s *Service) awaitResolution(kind string, p *signing.Pending, started time.Time) {
	<-p.Done()
	r, _ := p.Result()
	s.metrics.SessionResolved(kind, r.Code)
	s.metrics.ObserveOperation(kind, resultLabel(r), time.Since(started))
	switch {
	case r.Success:
		s.logInfo(kind, p.ID(), "session resolved", "success", true)
	case r.Err != nil:
		s.recordError("session", r.Err, kind, p.ID(), "code", r.Code)
	default:
		s.logInfo(kind, p.ID(), "session resolved", "success", false, "code", r.Code)
	}
}

func (s *Service) observe(operation string) func(result string) {
	started := time.Now()
	return func(result string) {
		s.metrics.ObserveOperation(operation, result, time.Since(started))
	}
}

func resultLabel(r signing.Result) string {
	if r.Success {
		return "ok"
	}
	return r.Code
}
