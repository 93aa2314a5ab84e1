package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadSealedFile reads a sealed file and opens it with secret and aad.
func ReadSealedFile(path, secret string, aad []byte) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Open(secret, raw, aad)
}

// WriteSealedJSON marshals v, seals it and replaces path atomically.
func WriteSealedJSON(path, secret string, aad []byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	defer zeroBytes(payload)
	sealed, err := Seal(secret, payload, aad)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, sealed)
}

// WriteFileAtomic writes data to a temp file in the same directory and renames
// it over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
