// Package keyvault manages the single authentication-bound signing key of the
// system. The private half never leaves the keystore; callers only ever get
// the encoded public key and single-use signing capabilities.
package keyvault

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"biosign/go-backend/internal/enclave"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	Alias     = "biometric_key"
	Algorithm = "SHA256withRSA"

	keyIDPrefix = "bk1_"
	keyIDBytes  = 16
)

var (
	ErrUnsupportedPlatform  = errors.New("secure key storage is not supported on this platform")
	ErrKeyGenerationFailed  = errors.New("key generation failed")
	ErrKeyNotFound          = errors.New("signing key not found")
	ErrKeyUnusable          = errors.New("signing key is permanently unusable, regenerate it")
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrKeystore             = errors.New("keystore operation failed")
)

// Keystore is the part of the secure enclave the vault depends on.
type Keystore interface {
	Available() bool
	Contains(alias string) (bool, error)
	Generate(alias string, params enclave.KeyParams) (*rsa.PublicKey, error)
	Delete(alias string) error
	BeginSign(alias string) (*enclave.Operation, error)
}

// PublicKeyMaterial is the exported half of the vault key.
type PublicKeyMaterial struct {
	// Encoded is standard base64 of the X.509 SubjectPublicKeyInfo DER, without
	// line breaks.
	Encoded string
	KeyID   string
}

type Vault struct {
	mu     sync.Mutex
	ks     Keystore
	alias  string
	params enclave.KeyParams
}

func New(ks Keystore) *Vault {
	return &Vault{
		ks:     ks,
		alias:  Alias,
		params: enclave.DefaultKeyParams(),
	}
}

// Exists reports whether a key is present. Keystore failures count as absent.
func (v *Vault) Exists() bool {
	if v == nil || v.ks == nil || !v.ks.Available() {
		return false
	}
	ok, err := v.ks.Contains(v.alias)
	return err == nil && ok
}

// Create replaces any existing key with a freshly generated one.
func (v *Vault) Create() (PublicKeyMaterial, error) {
	if v == nil || v.ks == nil || !v.ks.Available() {
		return PublicKeyMaterial{}, ErrUnsupportedPlatform
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	_ = v.ks.Delete(v.alias)
	pub, err := v.ks.Generate(v.alias, v.params)
	if err != nil {
		if errors.Is(err, enclave.ErrUnavailable) {
			return PublicKeyMaterial{}, ErrUnsupportedPlatform
		}
		return PublicKeyMaterial{}, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	material, err := EncodePublicKey(pub)
	if err != nil {
		return PublicKeyMaterial{}, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	return material, nil
}

// Delete removes the key and reports whether anything was removed. A key
// that is already gone, including one removed by a concurrent Delete, is not
// an error.
func (v *Vault) Delete() (bool, error) {
	if v == nil || v.ks == nil || !v.ks.Available() {
		return false, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	err := v.ks.Delete(v.alias)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, enclave.ErrKeyNotFound), errors.Is(err, enclave.ErrUnavailable):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrKeystore, err)
	}
}

// ObtainSigningCapability returns a capability bound to the vault key. It is
// initialized for signing but not authorized; the caller must finish it with
// an auth token minted for its challenge.
func (v *Vault) ObtainSigningCapability(algorithm string) (*Capability, error) {
	if algorithm != Algorithm {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
	if v == nil || v.ks == nil || !v.ks.Available() {
		return nil, ErrUnsupportedPlatform
	}
	op, err := v.ks.BeginSign(v.alias)
	if err != nil {
		switch {
		case errors.Is(err, enclave.ErrKeyNotFound):
			return nil, ErrKeyNotFound
		case errors.Is(err, enclave.ErrKeyInvalidated):
			return nil, ErrKeyUnusable
		case errors.Is(err, enclave.ErrUnavailable):
			return nil, ErrUnsupportedPlatform
		default:
			return nil, fmt.Errorf("%w: %v", ErrKeystore, err)
		}
	}
	return &Capability{op: op, algorithm: algorithm}, nil
}

// Capability is a single-use signing handle.
type Capability struct {
	op        *enclave.Operation
	algorithm string
}

func (c *Capability) Challenge() uint64 {
	return c.op.Challenge()
}

func (c *Capability) Algorithm() string {
	return c.algorithm
}

// Sign authorizes the underlying operation with token and signs data.
func (c *Capability) Sign(token *enclave.AuthToken, data []byte) ([]byte, error) {
	return c.op.Finish(token, data)
}

func EncodePublicKey(pub *rsa.PublicKey) (PublicKeyMaterial, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return PublicKeyMaterial{}, err
	}
	encoded := base64.StdEncoding.EncodeToString(der)
	encoded = strings.NewReplacer("\r", "", "\n", "").Replace(encoded)
	return PublicKeyMaterial{Encoded: encoded, KeyID: KeyID(der)}, nil
}

// KeyID derives the short stable identifier of a public key from its DER.
func KeyID(der []byte) string {
	sum := blake2b.Sum256(der)
	return keyIDPrefix + base58.Encode(sum[:keyIDBytes])
}
