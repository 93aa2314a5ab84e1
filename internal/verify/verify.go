// Package verify checks signatures produced by the daemon without access to
// the daemon or its key store.
package verify

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"biosign/go-backend/internal/keyvault"
)

var (
	ErrInvalidPublicKey  = errors.New("invalid public key")
	ErrInvalidSignature  = errors.New("invalid signature encoding")
	ErrSignatureMismatch = errors.New("signature does not match payload")
)

// PublicKey decodes standard base64 X.509 SubjectPublicKeyInfo DER and
// returns the RSA key with its key id.
func PublicKey(encoded string) (*rsa.PublicKey, string, error) {
	der, err := decodeBase64(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, "", fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
	}
	return pub, keyvault.KeyID(der), nil
}

// Signature verifies an SHA256withRSA signature over payload and returns the
// id of the key that produced it.
func Signature(publicKey, signature string, payload []byte) (string, error) {
	pub, keyID, err := PublicKey(publicKey)
	if err != nil {
		return "", err
	}
	sig, err := decodeBase64(signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return "", ErrSignatureMismatch
	}
	return keyID, nil
}

// decodeBase64 tolerates line breaks some tools insert into long values.
func decodeBase64(raw string) ([]byte, error) {
	cleaned := strings.NewReplacer("\r", "", "\n", "", " ", "").Replace(raw)
	if cleaned == "" {
		return nil, errors.New("empty value")
	}
	return base64.StdEncoding.DecodeString(cleaned)
}
