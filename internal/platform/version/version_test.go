package version

import "testing"

func TestForLevelBoundaries(t *testing.T) {
	cases := []struct {
		level    Level
		support  bool
		fallback bool
	}{
		{21, false, false},
		{22, false, false},
		{23, true, false},
		{29, true, false},
		{30, true, true},
		{34, true, true},
	}
	for _, tc := range cases {
		caps := ForLevel(tc.level)
		if caps.Supported != tc.support {
			t.Fatalf("level %d: supported=%v, want %v", tc.level, caps.Supported, tc.support)
		}
		if caps.CredentialFallback != tc.fallback {
			t.Fatalf("level %d: fallback=%v, want %v", tc.level, caps.CredentialFallback, tc.fallback)
		}
		if caps.Level != tc.level {
			t.Fatalf("level not carried: %d", caps.Level)
		}
	}
}
