package biometric

import (
	"crypto/rand"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"
)

const (
	passcodeSaltSize = 16
	passcodeKeySize  = 32
	passcodeTime     = 2
	passcodeMemoryKB = 19 * 1024
	passcodeThreads  = 1
)

type passcodeHash struct {
	Salt    []byte `json:"salt"`
	Hash    []byte `json:"hash"`
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory_kb"`
	Threads uint8  `json:"threads"`
}

func hashPasscode(passcode string) (*passcodeHash, error) {
	salt := make([]byte, passcodeSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return &passcodeHash{
		Salt:    salt,
		Hash:    argon2.IDKey([]byte(passcode), salt, passcodeTime, passcodeMemoryKB, passcodeThreads, passcodeKeySize),
		Time:    passcodeTime,
		Memory:  passcodeMemoryKB,
		Threads: passcodeThreads,
	}, nil
}

func (h *passcodeHash) matches(passcode string) bool {
	got := argon2.IDKey([]byte(passcode), h.Salt, h.Time, h.Memory, h.Threads, uint32(len(h.Hash)))
	return subtle.ConstantTimeCompare(got, h.Hash) == 1
}

// SetPasscode sets or replaces the device credential. An empty passcode
// generates a mnemonic one, which is returned. Setting the first credential
// assigns a new credential secure user id; replacing it keeps the id.
func (s *Simulator) SetPasscode(passcode string) (string, error) {
	passcode = strings.TrimSpace(passcode)
	if passcode == "" {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return "", err
		}
		passcode, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return "", err
		}
	}
	hash, err := hashPasscode(passcode)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credential == nil || s.credSID == 0 {
		s.credSID = newSID()
	}
	s.credential = hash
	s.resetCredentialAttemptsLocked()
	if err := s.saveStateLocked(); err != nil {
		return "", err
	}
	return passcode, nil
}

// VerifyPasscode checks passcode against the device credential, applying
// the lockout policy.
func (s *Simulator) VerifyPasscode(passcode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyPasscodeLocked(passcode)
}

func (s *Simulator) verifyPasscodeLocked(passcode string) error {
	if s.credential == nil {
		return ErrNoPasscode
	}
	if s.credHardLocked {
		return ErrCredentialLockedHard
	}
	if !s.credLockedUntil.IsZero() && s.now().Before(s.credLockedUntil) {
		return ErrCredentialLocked
	}
	if !s.credential.matches(strings.TrimSpace(passcode)) {
		s.onFailedCredentialAttemptLocked()
		return ErrInvalidPasscode
	}
	s.resetCredentialAttemptsLocked()
	return nil
}

func (s *Simulator) onFailedCredentialAttemptLocked() {
	s.credFailures++
	if s.credFailures >= s.maxCredentialAttempts {
		s.credHardLocked = true
		return
	}
	s.credLockedUntil = s.now().Add(failedAttemptBackoff(s.credFailures))
}

func (s *Simulator) resetCredentialAttemptsLocked() {
	s.credFailures = 0
	s.credLockedUntil = time.Time{}
	s.credHardLocked = false
}

func failedAttemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// 1s, 2s, 4s... up to 32s max.
	shift := min(attempt-1, 5)
	return time.Second * time.Duration(1<<shift)
}
