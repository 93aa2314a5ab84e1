package authpolicy

import (
	"testing"

	"biosign/go-backend/internal/platform/version"
)

func TestResolveTable(t *testing.T) {
	legacy := version.ForLevel(29)
	modern := version.ForLevel(30)
	cases := []struct {
		name          string
		allow         bool
		biometricOnly bool
		caps          version.Capabilities
		want          Set
	}{
		{"bio-only legacy no fallback", false, true, legacy, BiometricStrong},
		{"bio-only legacy fallback requested", true, true, legacy, BiometricStrong},
		{"bio-only modern no fallback", false, true, modern, BiometricStrong},
		{"bio-only modern fallback", true, true, modern, BiometricStrong | DeviceCredential},
		{"presence legacy", false, false, legacy, BiometricStrong | BiometricWeak},
		{"presence legacy fallback requested", true, false, legacy, BiometricStrong | BiometricWeak},
		{"presence modern", false, false, modern, BiometricStrong | BiometricWeak},
		{"presence modern fallback", true, false, modern, BiometricStrong | BiometricWeak | DeviceCredential},
	}
	for _, tc := range cases {
		if got := Resolve(tc.allow, tc.biometricOnly, tc.caps); got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestResolveBiometricOnlyNeverIncludesWeak(t *testing.T) {
	for level := version.Level(20); level <= 35; level++ {
		for _, allow := range []bool{false, true} {
			if Resolve(allow, true, version.ForLevel(level)).Has(BiometricWeak) {
				t.Fatalf("level %d allow=%v: biometric-only set includes weak", level, allow)
			}
		}
	}
}

func TestResolveFallbackRequestIgnoredBeforeSupport(t *testing.T) {
	caps := version.ForLevel(version.CredentialFallbackLevel - 1)
	if Resolve(true, true, caps) != Resolve(false, true, caps) {
		t.Fatal("credential fallback must degrade to biometric-only on legacy levels")
	}
}

func TestSetStringAndCryptoCapable(t *testing.T) {
	s := BiometricStrong | DeviceCredential
	if s.String() != "BIOMETRIC_STRONG|DEVICE_CREDENTIAL" {
		t.Fatalf("unexpected string: %s", s.String())
	}
	if Set(0).String() != "NONE" {
		t.Fatalf("unexpected empty string: %s", Set(0).String())
	}
	if !CryptoCapable(BiometricStrong) || !CryptoCapable(DeviceCredential) {
		t.Fatal("strong biometric and credential must be crypto capable")
	}
	if CryptoCapable(BiometricWeak) {
		t.Fatal("weak biometric must not authorize key use")
	}
	if !s.Has(DeviceCredential) || s.Has(BiometricWeak) {
		t.Fatal("Has mismatch")
	}
}
