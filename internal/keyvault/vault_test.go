package keyvault

import (
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

	"biosign/go-backend/internal/authpolicy"
	"biosign/go-backend/internal/enclave"
)

type testEnrollment struct {
	mu  sync.Mutex
	bio uint64
}

func (e *testEnrollment) BiometricSID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bio
}

func (e *testEnrollment) CredentialSID() uint64 { return 7 }

func (e *testEnrollment) rotate() {
	e.mu.Lock()
	e.bio++
	e.mu.Unlock()
}

func newTestVault(t *testing.T) (*Vault, *testEnrollment, []byte) {
	t.Helper()
	key, err := enclave.DerivePairingKey([]byte("vault-test-device-secret-000000"))
	if err != nil {
		t.Fatalf("derive pairing key: %v", err)
	}
	enr := &testEnrollment{bio: 100}
	return New(enclave.New(enclave.NewMemoryStore(), enr, key)), enr, key
}

func decodePublicKey(t *testing.T, encoded string) *rsa.PublicKey {
	t.Helper()
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		t.Fatalf("expected RSA public key, got %T", parsed)
	}
	return pub
}

func TestCreateReplacesKey(t *testing.T) {
	v, _, _ := newTestVault(t)
	if v.Exists() {
		t.Fatal("fresh vault must be empty")
	}
	first, err := v.Create()
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := v.Create()
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.Encoded == second.Encoded || first.KeyID == second.KeyID {
		t.Fatal("expected a fresh keypair on every create")
	}
	if !v.Exists() {
		t.Fatal("key must exist after create")
	}
	if strings.ContainsAny(second.Encoded, "\r\n ") {
		t.Fatalf("encoded public key contains whitespace: %q", second.Encoded)
	}
	if pub := decodePublicKey(t, second.Encoded); pub.N.BitLen() != 2048 {
		t.Fatalf("expected 2048-bit key, got %d", pub.N.BitLen())
	}
	if !strings.HasPrefix(second.KeyID, keyIDPrefix) {
		t.Fatalf("unexpected key id: %s", second.KeyID)
	}
}

func TestDeleteReportsRemoval(t *testing.T) {
	v, _, _ := newTestVault(t)
	if deleted, err := v.Delete(); err != nil || deleted {
		t.Fatalf("delete without key must report false, got %v err=%v", deleted, err)
	}
	if _, err := v.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	if deleted, err := v.Delete(); err != nil || !deleted {
		t.Fatalf("delete after create must report true, got %v err=%v", deleted, err)
	}
	if v.Exists() {
		t.Fatal("key must be gone after delete")
	}
}

func TestObtainSigningCapability(t *testing.T) {
	v, _, key := newTestVault(t)
	if _, err := v.ObtainSigningCapability(Algorithm); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	material, err := v.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := v.ObtainSigningCapability("SHA1withRSA"); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}

	capability, err := v.ObtainSigningCapability(Algorithm)
	if err != nil {
		t.Fatalf("obtain capability: %v", err)
	}
	if capability.Algorithm() != Algorithm {
		t.Fatalf("unexpected algorithm: %s", capability.Algorithm())
	}
	token := enclave.MintToken(key, capability.Challenge(), 100, authpolicy.BiometricStrong, time.Now())
	sig, err := capability.Sign(token, []byte("hello"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	digest := sha256.Sum256([]byte("hello"))
	if err := rsa.VerifyPKCS1v15(decodePublicKey(t, material.Encoded), crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := capability.Sign(token, []byte("again")); !errors.Is(err, enclave.ErrOperationConsumed) {
		t.Fatalf("expected capability reuse to fail, got %v", err)
	}
}

func TestEnrollmentChangeMakesKeyUnusable(t *testing.T) {
	v, enr, key := newTestVault(t)
	if _, err := v.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	enr.rotate()
	if _, err := v.ObtainSigningCapability(Algorithm); !errors.Is(err, ErrKeyUnusable) {
		t.Fatalf("expected ErrKeyUnusable, got %v", err)
	}
	if !v.Exists() {
		t.Fatal("unusable key is still present until regenerated")
	}

	if _, err := v.Create(); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	capability, err := v.ObtainSigningCapability(Algorithm)
	if err != nil {
		t.Fatalf("obtain after recreate: %v", err)
	}
	token := enclave.MintToken(key, capability.Challenge(), 101, authpolicy.BiometricStrong, time.Now())
	if _, err := capability.Sign(token, []byte("x")); err != nil {
		t.Fatalf("sign after recreate: %v", err)
	}
}

func TestUnavailableKeystore(t *testing.T) {
	v := New(enclave.New(enclave.NewMemoryStore(), &testEnrollment{bio: 1}, nil))
	if _, err := v.Create(); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("expected ErrUnsupportedPlatform, got %v", err)
	}
	if deleted, err := v.Delete(); v.Exists() || deleted || err != nil {
		t.Fatalf("unavailable keystore must report no key, got %v err=%v", deleted, err)
	}
	if _, err := v.ObtainSigningCapability(Algorithm); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("expected ErrUnsupportedPlatform, got %v", err)
	}
}

func TestCreateWithoutEnrollmentFails(t *testing.T) {
	key, err := enclave.DerivePairingKey([]byte("vault-test-device-secret-000000"))
	if err != nil {
		t.Fatalf("derive pairing key: %v", err)
	}
	v := New(enclave.New(enclave.NewMemoryStore(), noEnrollment{}, key))
	if _, err := v.Create(); !errors.Is(err, ErrKeyGenerationFailed) {
		t.Fatalf("expected ErrKeyGenerationFailed, got %v", err)
	}
}

type noEnrollment struct{}

func (noEnrollment) BiometricSID() uint64 { return 0 }
func (noEnrollment) CredentialSID() uint64 { return 0 }

func TestConcurrentCreateDeleteLeavesConsistentState(t *testing.T) {
	v, _, _ := newTestVault(t)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = v.Create()
		}()
		go func() {
			defer wg.Done()
			_, _ = v.Delete()
		}()
	}
	wg.Wait()

	_, err := v.ObtainSigningCapability(Algorithm)
	if v.Exists() {
		if err != nil {
			t.Fatalf("present key must be usable, got %v", err)
		}
	} else if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("absent key must report ErrKeyNotFound, got %v", err)
	}
}

func TestKeyIDIsStable(t *testing.T) {
	der := []byte("public key der")
	if KeyID(der) != KeyID(append([]byte(nil), der...)) {
		t.Fatal("key id must be deterministic")
	}
	if KeyID(der) == KeyID([]byte("other")) {
		t.Fatal("distinct keys must have distinct ids")
	}
}

// faultyKeystore fails the way a broken disk or a concurrent remover would.
type faultyKeystore struct {
	deleteErr error
	signErr   error
}

func (faultyKeystore) Available() bool { return true }
func (faultyKeystore) Contains(string) (bool, error) { return true, nil }
func (faultyKeystore) Generate(string, enclave.KeyParams) (*rsa.PublicKey, error) {
	return nil, errors.New("not used")
}
func (k faultyKeystore) Delete(string) error { return k.deleteErr }
func (k faultyKeystore) BeginSign(string) (*enclave.Operation, error) {
	return nil, k.signErr
}

func TestDeleteOfVanishedKeyIsNotAnError(t *testing.T) {
	v := New(faultyKeystore{deleteErr: enclave.ErrKeyNotFound})
	deleted, err := v.Delete()
	if err != nil || deleted {
		t.Fatalf("expected false without error, got %v err=%v", deleted, err)
	}

	v = New(faultyKeystore{deleteErr: errors.New("read-only file system")})
	if _, err := v.Delete(); !errors.Is(err, ErrKeystore) {
		t.Fatalf("expected ErrKeystore, got %v", err)
	}
}

func TestTransientKeystoreFaultIsNotKeyUnusable(t *testing.T) {
	v := New(faultyKeystore{signErr: errors.New("open key record: input/output error")})
	_, err := v.ObtainSigningCapability(Algorithm)
	if !errors.Is(err, ErrKeystore) {
		t.Fatalf("expected ErrKeystore, got %v", err)
	}
	if errors.Is(err, ErrKeyUnusable) {
		t.Fatal("a store fault must not tell the caller to regenerate the key")
	}

	v = New(faultyKeystore{signErr: enclave.ErrKeyInvalidated})
	if _, err := v.ObtainSigningCapability(Algorithm); !errors.Is(err, ErrKeyUnusable) {
		t.Fatalf("expected ErrKeyUnusable for an invalidated key, got %v", err)
	}
}
