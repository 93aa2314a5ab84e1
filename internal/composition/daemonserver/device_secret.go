package daemonserver

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	deviceSecretFile    = "device.secret"
	deviceSecretEnv     = "BIOSIGN_DEVICE_SECRET"
	deviceSecretWrapEnv = "BIOSIGN_DEVICE_SECRET_WRAPPED"
	environmentEnv      = "BIOSIGN_ENV"
)

var ErrInsecureDeviceSecret = errors.New("insecure device secret mode is forbidden in production")

// DeviceSecret returns the configured secret, or the one persisted under
// dataDir, generating and persisting a fresh one on first start.
func DeviceSecret(dataDir, configured string) (string, error) {
	if secret := strings.TrimSpace(configured); secret != "" {
		return secret, nil
	}
	keyPath := filepath.Join(dataDir, deviceSecretFile)
	existing, err := os.ReadFile(keyPath)
	if err == nil {
		if secret := strings.TrimSpace(string(existing)); secret != "" {
			if policyErr := enforceDeviceSecretPolicy("file"); policyErr != nil {
				return "", policyErr
			}
			return secret, nil
		}
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if policyErr := enforceDeviceSecretPolicy("auto-generate"); policyErr != nil {
		return "", policyErr
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := base64.RawStdEncoding.EncodeToString(buf)
	if err := WriteDeviceSecret(dataDir, secret); err != nil {
		return "", err
	}
	return secret, nil
}

func WriteDeviceSecret(dataDir, secret string) error {
	keyPath := filepath.Join(dataDir, deviceSecretFile)
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(keyPath, []byte(secret), 0o600)
}

// purposeKey derives an independent secret for one use of the device
// secret, so the key store and the sensor state never share a passphrase.
func purposeKey(deviceSecret, purpose string) (string, error) {
	r := hkdf.New(sha256.New, []byte(deviceSecret), nil, []byte("biosign/"+purpose))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return base64.RawStdEncoding.EncodeToString(out), nil
}

func enforceDeviceSecretPolicy(source string) error {
	if !isProductionEnv() {
		return nil
	}
	if source == "auto-generate" {
		return fmt.Errorf(
			"%w: production requires %s; generating device.secret is disabled",
			ErrInsecureDeviceSecret,
			deviceSecretEnv,
		)
	}
	if wrapped, _ := parseBoolEnv(deviceSecretWrapEnv); wrapped {
		return nil
	}
	return fmt.Errorf(
		"%w: raw device.secret is forbidden in production; set %s or enable the wrapped flow (%s=true)",
		ErrInsecureDeviceSecret,
		deviceSecretEnv,
		deviceSecretWrapEnv,
	)
}

func isProductionEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(environmentEnv))) {
	case "prod", "production":
		return true
	default:
		return false
	}
}

func parseBoolEnv(name string) (bool, bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
