// Package enclave is a software stand-in for a hardware-backed keystore.
//
// Private keys are generated inside the enclave and only ever used through
// single-use Operations. When a key requires user authentication, every
// Operation must be finished with an AuthToken minted for that Operation's
// challenge by an authenticator holding the shared pairing key. Keys are bound
// to the secure user ids of the enrollment present at generation time and
// become permanently unusable when biometric enrollment changes.
package enclave

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"biosign/go-backend/internal/authpolicy"
	"biosign/go-backend/internal/securestore"
)

var (
	ErrUnavailable         = errors.New("enclave is unavailable")
	ErrKeyNotFound         = errors.New("key not found")
	ErrKeyInvalidated      = errors.New("key permanently invalidated by enrollment change")
	ErrNoSecureUser        = errors.New("no secure lock screen or biometric enrolled")
	ErrInvalidParams       = errors.New("unsupported key parameters")
	ErrNotAuthorized       = errors.New("operation is not authorized")
	ErrOperationConsumed   = errors.New("operation already finished")
	ErrTokenExpired        = errors.New("auth token expired")
	ErrAuthenticatorDenied = errors.New("authenticator not allowed for key")
)

// Enrollment reports the secure user ids of the current enrollment. An id of
// zero means nothing is enrolled for that factor.
type Enrollment interface {
	BiometricSID() uint64
	CredentialSID() uint64
}

type Option func(*Enclave)

func WithClock(now func() time.Time) Option {
	return func(e *Enclave) {
		if now != nil {
			e.now = now
		}
	}
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(e *Enclave) {
		if ttl > 0 {
			e.tokenTTL = ttl
		}
	}
}

type Enclave struct {
	store      RecordStore
	enrollment Enrollment
	pairingKey []byte
	now        func() time.Time
	tokenTTL   time.Duration
}

func New(store RecordStore, enrollment Enrollment, pairingKey []byte, opts ...Option) *Enclave {
	e := &Enclave{
		store:      store,
		enrollment: enrollment,
		pairingKey: append([]byte(nil), pairingKey...),
		now:        time.Now,
		tokenTTL:   DefaultTokenTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Available reports whether the enclave can generate and use keys.
func (e *Enclave) Available() bool {
	return e != nil && e.store != nil && e.enrollment != nil && len(e.pairingKey) == pairingKeySize
}

func (e *Enclave) Contains(alias string) (bool, error) {
	if !e.Available() {
		return false, ErrUnavailable
	}
	_, ok, err := e.store.Get(alias)
	return ok, err
}

// Generate creates a fresh keypair under alias, replacing any previous one.
func (e *Enclave) Generate(alias string, params KeyParams) (*rsa.PublicKey, error) {
	if !e.Available() {
		return nil, ErrUnavailable
	}
	if !validAlias(alias) {
		return nil, ErrInvalidAlias
	}
	if params.Bits < 2048 || params.Digest != crypto.SHA256 || params.Padding != PaddingPKCS1 {
		return nil, ErrInvalidParams
	}
	if params.UserAuthRequired && !authpolicy.CryptoCapable(params.Authenticators) {
		return nil, ErrInvalidParams
	}

	bioSID, credSID := e.enrollment.BiometricSID(), e.enrollment.CredentialSID()
	if params.UserAuthRequired && bioSID == 0 && credSID == 0 {
		return nil, ErrNoSecureUser
	}

	priv, err := rsa.GenerateKey(rand.Reader, params.Bits)
	if err != nil {
		return nil, err
	}
	generation, err := newChallenge()
	if err != nil {
		return nil, err
	}
	der := x509.MarshalPKCS1PrivateKey(priv)
	defer securestore.ZeroBytes(der)

	rec := Record{
		Alias:      alias,
		PrivateKey: der,
		Params:     params,
		Generation: generation,
		CreatedAt:  e.now().UTC(),
	}
	if params.UserAuthRequired {
		if params.Authenticators.Has(authpolicy.BiometricStrong) {
			rec.BiometricSID = bioSID
		}
		if params.Authenticators.Has(authpolicy.DeviceCredential) {
			rec.CredentialSID = credSID
		}
		if rec.BiometricSID == 0 && rec.CredentialSID == 0 {
			return nil, ErrNoSecureUser
		}
	}
	if err := e.store.Put(rec); err != nil {
		return nil, err
	}
	return &priv.PublicKey, nil
}

func (e *Enclave) Delete(alias string) error {
	if !e.Available() {
		return ErrUnavailable
	}
	ok, err := e.store.Delete(alias)
	if err != nil {
		return err
	}
	if !ok {
		return ErrKeyNotFound
	}
	return nil
}

func (e *Enclave) PublicKey(alias string) (*rsa.PublicKey, error) {
	rec, err := e.load(alias)
	if err != nil {
		return nil, err
	}
	priv, err := x509.ParsePKCS1PrivateKey(rec.PrivateKey)
	securestore.ZeroBytes(rec.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &priv.PublicKey, nil
}

// BeginSign starts a single-use signing operation on alias. The returned
// Operation is initialized but not authorized.
func (e *Enclave) BeginSign(alias string) (*Operation, error) {
	rec, err := e.load(alias)
	if err != nil {
		return nil, err
	}
	defer securestore.ZeroBytes(rec.PrivateKey)
	if e.invalidated(rec) {
		return nil, ErrKeyInvalidated
	}
	priv, err := x509.ParsePKCS1PrivateKey(rec.PrivateKey)
	if err != nil {
		return nil, err
	}
	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}
	return &Operation{
		enclave:    e,
		alias:      alias,
		generation: rec.Generation,
		challenge:  challenge,
		priv:       priv,
		params:     rec.Params,
		bioSID:     rec.BiometricSID,
		credSID:    rec.CredentialSID,
	}, nil
}

func (e *Enclave) load(alias string) (Record, error) {
	if !e.Available() {
		return Record{}, ErrUnavailable
	}
	rec, ok, err := e.store.Get(alias)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrKeyNotFound
	}
	return rec, nil
}

func (e *Enclave) invalidated(rec Record) bool {
	if !rec.Params.UserAuthRequired || !rec.Params.InvalidatedByEnrollment {
		return false
	}
	if rec.BiometricSID != 0 {
		return e.enrollment.BiometricSID() != rec.BiometricSID
	}
	return rec.CredentialSID != 0 && e.enrollment.CredentialSID() != rec.CredentialSID
}

// Operation is one pending use of a private key.
type Operation struct {
	enclave    *Enclave
	alias      string
	generation uint64
	challenge  uint64
	params     KeyParams
	bioSID     uint64
	credSID    uint64

	mu       sync.Mutex
	priv     *rsa.PrivateKey
	consumed bool
}

func (o *Operation) Challenge() uint64 {
	return o.challenge
}

// Finish authorizes the operation with token and signs data. The operation is
// consumed whatever the outcome.
func (o *Operation) Finish(token *AuthToken, data []byte) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.consumed {
		return nil, ErrOperationConsumed
	}
	o.consumed = true
	priv := o.priv
	o.priv = nil

	if o.params.UserAuthRequired {
		if err := o.authorize(token); err != nil {
			return nil, err
		}
	}
	// The key may have been deleted or superseded since BeginSign.
	rec, err := o.enclave.load(o.alias)
	if err != nil {
		return nil, err
	}
	securestore.ZeroBytes(rec.PrivateKey)
	if rec.Generation != o.generation {
		return nil, ErrKeyNotFound
	}
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
}

func (o *Operation) authorize(token *AuthToken) error {
	e := o.enclave
	if token == nil || !token.validMAC(e.pairingKey) {
		return ErrNotAuthorized
	}
	if token.Challenge != o.challenge {
		return ErrNotAuthorized
	}
	now := e.now()
	if token.IssuedAt.After(now.Add(maxTokenSkew)) || now.Sub(token.IssuedAt) > e.tokenTTL {
		return ErrTokenExpired
	}
	if !singleAuthenticator(token.Authenticator) || !o.params.Authenticators.Has(token.Authenticator) {
		return ErrAuthenticatorDenied
	}
	switch token.Authenticator {
	case authpolicy.BiometricStrong:
		if o.bioSID == 0 || token.SecureUserID != o.bioSID {
			return ErrNotAuthorized
		}
	case authpolicy.DeviceCredential:
		if o.credSID == 0 || token.SecureUserID != o.credSID {
			return ErrNotAuthorized
		}
	default:
		return ErrAuthenticatorDenied
	}
	return nil
}

func newChallenge() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		if v := binary.BigEndian.Uint64(buf[:]); v != 0 {
			return v, nil
		}
	}
}
