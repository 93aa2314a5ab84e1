package enclave

import (
	"crypto"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"biosign/go-backend/internal/authpolicy"
	"biosign/go-backend/internal/securestore"
)

const recordFileSuffix = ".key"

var (
	ErrInvalidAlias = errors.New("invalid key alias")
	ErrStoreLocked  = errors.New("key store passphrase is required")

	aliasPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
)

// Record is the enclave-private representation of one keypair. It never
// leaves this package through the Enclave API.
type Record struct {
	Alias         string    `json:"alias"`
	PrivateKey    []byte    `json:"private_key"`
	Params        KeyParams `json:"params"`
	BiometricSID  uint64    `json:"biometric_sid"`
	CredentialSID uint64    `json:"credential_sid"`
	Generation    uint64    `json:"generation"`
	CreatedAt     time.Time `json:"created_at"`
}

// KeyParams fixes the algorithm and the authorization rules of a key at
// generation time.
type KeyParams struct {
	Bits                    int            `json:"bits"`
	Digest                  crypto.Hash    `json:"digest"`
	Padding                 string         `json:"padding"`
	UserAuthRequired        bool           `json:"user_auth_required"`
	InvalidatedByEnrollment bool           `json:"invalidated_by_enrollment"`
	Authenticators          authpolicy.Set `json:"authenticators"`
}

const PaddingPKCS1 = "PKCS1"

func DefaultKeyParams() KeyParams {
	return KeyParams{
		Bits:                    2048,
		Digest:                  crypto.SHA256,
		Padding:                 PaddingPKCS1,
		UserAuthRequired:        true,
		InvalidatedByEnrollment: true,
		Authenticators:          authpolicy.BiometricStrong | authpolicy.DeviceCredential,
	}
}

// RecordStore persists key records by alias.
type RecordStore interface {
	Get(alias string) (Record, bool, error)
	Put(rec Record) error
	Delete(alias string) (bool, error)
}

func validAlias(alias string) bool {
	return aliasPattern.MatchString(alias)
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(alias string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[alias]
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (s *MemoryStore) Put(rec Record) error {
	if !validAlias(rec.Alias) {
		return ErrInvalidAlias
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Alias] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Delete(alias string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[alias]
	if !ok {
		return false, nil
	}
	securestore.ZeroBytes(rec.PrivateKey)
	delete(s.records, alias)
	return true, nil
}

// FileStore keeps one sealed file per alias under dir. The alias is bound
// into each file as associated data so files cannot be swapped between
// aliases.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	secret string
}

func NewFileStore(dir, passphrase string) (*FileStore, error) {
	if passphrase == "" {
		return nil, ErrStoreLocked
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, secret: passphrase}, nil
}

func (s *FileStore) path(alias string) string {
	return filepath.Join(s.dir, alias+recordFileSuffix)
}

func (s *FileStore) Get(alias string) (Record, bool, error) {
	if !validAlias(alias) {
		return Record{}, false, ErrInvalidAlias
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	plain, err := securestore.ReadSealedFile(s.path(alias), s.secret, []byte(alias))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	defer securestore.ZeroBytes(plain)
	var rec Record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return Record{}, false, err
	}
	if rec.Alias != alias {
		return Record{}, false, securestore.ErrInvalid
	}
	return rec, true, nil
}

func (s *FileStore) Put(rec Record) error {
	if !validAlias(rec.Alias) {
		return ErrInvalidAlias
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return securestore.WriteSealedJSON(s.path(rec.Alias), s.secret, []byte(rec.Alias), rec)
}

func (s *FileStore) Delete(alias string) (bool, error) {
	if !validAlias(alias) {
		return false, ErrInvalidAlias
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(alias))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func cloneRecord(rec Record) Record {
	rec.PrivateKey = append([]byte(nil), rec.PrivateKey...)
	return rec
}
