package securestore

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestSealOpenRoundtrip(t *testing.T) {
	data, err := Seal("pass", []byte("secret"), []byte("biometric_key"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	plain, err := Open("pass", data, []byte("biometric_key"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(plain) != "secret" {
		t.Fatalf("unexpected plaintext: %q", string(plain))
	}
}

func TestOpenWithDifferentAssociatedDataFails(t *testing.T) {
	data, err := Seal("pass", []byte("secret"), []byte("alias-a"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := Open("pass", data, []byte("alias-b")); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestOpenTamperedFailsDeterministically(t *testing.T) {
	data, err := Seal("pass", []byte("secret"), nil)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	data[len(data)-2] ^= 0xFF
	_, err = Open("pass", data, nil)
	if !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrAuthFailed or ErrInvalid, got %v", err)
	}
}

func TestSealRejectsEmptyPassphrase(t *testing.T) {
	if _, err := Seal("  ", []byte("x"), nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestOpenRejectsForeignData(t *testing.T) {
	if _, err := Open("pass", []byte(`{"version":2}`), nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestWriteSealedJSONAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "record.sealed")
	if err := WriteSealedJSON(path, "pass", []byte("aad"), map[string]string{"k": "v"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	plain, err := ReadSealedFile(path, "pass", []byte("aad"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(plain) != `{"k":"v"}` {
		t.Fatalf("unexpected plaintext: %s", plain)
	}
	if runtime.GOOS == "windows" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected file perm 0600, got %04o", perm)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}
