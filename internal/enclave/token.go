package enclave

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"biosign/go-backend/internal/authpolicy"

	"golang.org/x/crypto/hkdf"
)

const (
	tokenVersion    = 1
	pairingKeySize  = 32
	pairingKeyInfo  = "biosign/auth-token/v1"
	DefaultTokenTTL = 30 * time.Second
	maxTokenSkew    = 2 * time.Second
	minDeviceSecret = 16
)

var ErrWeakDeviceSecret = errors.New("device secret is too short")

// AuthToken is the proof an authenticator hands to the enclave after a
// successful authentication. It is bound to one operation challenge and MACed
// with the key shared between the authenticator and the enclave.
type AuthToken struct {
	Challenge     uint64         `json:"challenge"`
	SecureUserID  uint64         `json:"sid"`
	Authenticator authpolicy.Set `json:"authenticator"`
	IssuedAt      time.Time      `json:"issued_at"`
	MAC           []byte         `json:"mac"`
}

// DerivePairingKey derives the token MAC key from the device master secret.
func DerivePairingKey(deviceSecret []byte) ([]byte, error) {
	if len(deviceSecret) < minDeviceSecret {
		return nil, ErrWeakDeviceSecret
	}
	reader := hkdf.New(sha256.New, deviceSecret, nil, []byte(pairingKeyInfo))
	out := make([]byte, pairingKeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// MintToken issues a token for challenge on behalf of the secure user sid.
// authenticator must be exactly one authenticator bit.
func MintToken(pairingKey []byte, challenge, sid uint64, authenticator authpolicy.Set, now time.Time) *AuthToken {
	t := &AuthToken{
		Challenge:     challenge,
		SecureUserID:  sid,
		Authenticator: authenticator,
		IssuedAt:      now.UTC(),
	}
	t.MAC = t.computeMAC(pairingKey)
	return t
}

func (t *AuthToken) computeMAC(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	var buf [1 + 8 + 8 + 1 + 8]byte
	buf[0] = tokenVersion
	binary.BigEndian.PutUint64(buf[1:9], t.Challenge)
	binary.BigEndian.PutUint64(buf[9:17], t.SecureUserID)
	buf[17] = byte(t.Authenticator)
	binary.BigEndian.PutUint64(buf[18:26], uint64(t.IssuedAt.UnixNano()))
	mac.Write(buf[:])
	return mac.Sum(nil)
}

func (t *AuthToken) validMAC(key []byte) bool {
	if t == nil || len(t.MAC) != sha256.Size {
		return false
	}
	return hmac.Equal(t.MAC, t.computeMAC(key))
}

func singleAuthenticator(s authpolicy.Set) bool {
	return s != 0 && s&(s-1) == 0
}
