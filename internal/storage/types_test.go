package storage

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key, err := GenerateAPIKey("search-frontend")
	if err != nil {
		t.Fatalf("GenerateAPIKey() failed: %v", err)
	}

	if !strings.HasPrefix(key, "entitler_ak_") {
		t.Errorf("expected entitler_ak_ prefix, got %q", key)
	}

	if len(key) != apiKeyLength {
		t.Errorf("expected key length %d, got %d", apiKeyLength, len(key))
	}

	// Keys must be unique
	other, err := GenerateAPIKey("search-frontend")
	if err != nil {
		t.Fatalf("GenerateAPIKey() failed: %v", err)
	}

	if key == other {
		t.Error("expected two generated keys to differ")
	}
}

func TestGenerateAPIKey_EmptyClientID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := GenerateAPIKey("")
	if !errors.Is(err, ErrClientIDEmpty) {
		t.Errorf("expected ErrClientIDEmpty, got %v", err)
	}
}

func TestParseAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid, err := GenerateAPIKey("test-client")
	if err != nil {
		t.Fatalf("GenerateAPIKey() failed: %v", err)
	}

	tests := []struct {
		name      string
		input     string
		expectErr error
	}{
		{"valid key", valid, nil},
		{"valid key with Bearer prefix", "Bearer " + valid, nil},
		{"empty string", "", ErrKeyStringEmpty},
		{"wrong prefix", "other_ak_" + strings.Repeat("a", 64), ErrInvalidKeyFormat},
		{"truncated key", valid[:40], ErrInvalidKeyLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseAPIKey(tt.input)

			if tt.expectErr != nil {
				if !errors.Is(err, tt.expectErr) {
					t.Errorf("ParseAPIKey() error = %v, want %v", err, tt.expectErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("ParseAPIKey() unexpected error: %v", err)
			}

			if parsed != valid {
				t.Errorf("ParseAPIKey() = %q, want %q", parsed, valid)
			}
		})
	}
}

func TestMaskKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key, err := GenerateAPIKey("test-client")
	if err != nil {
		t.Fatalf("GenerateAPIKey() failed: %v", err)
	}

	masked := MaskKey(key)

	if masked == key {
		t.Error("masked key must differ from original")
	}

	if !strings.HasPrefix(masked, key[:maskPrefixLen]) {
		t.Errorf("expected masked key to keep prefix, got %q", masked)
	}

	if !strings.HasSuffix(masked, key[len(key)-maskSuffixLen:]) {
		t.Errorf("expected masked key to keep suffix, got %q", masked)
	}

	if !strings.Contains(masked, "****") {
		t.Errorf("expected masked middle section, got %q", masked)
	}

	// Non-standard lengths are masked completely
	if MaskKey("short") != "*****" {
		t.Errorf("expected full mask for short key, got %q", MaskKey("short"))
	}

	if MaskKey("") != "" {
		t.Error("expected empty mask for empty key")
	}
}

func TestAPIKey_ValidateKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	expired := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name     string
		key      *APIKey
		provided string
		want     bool
	}{
		{
			name:     "valid active key",
			key:      &APIKey{Key: "entitler_ak_abc", Active: true},
			provided: "entitler_ak_abc",
			want:     true,
		},
		{
			name:     "inactive key rejected",
			key:      &APIKey{Key: "entitler_ak_abc", Active: false},
			provided: "entitler_ak_abc",
			want:     false,
		},
		{
			name:     "expired key rejected",
			key:      &APIKey{Key: "entitler_ak_abc", Active: true, ExpiresAt: &expired},
			provided: "entitler_ak_abc",
			want:     false,
		},
		{
			name:     "unexpired key accepted",
			key:      &APIKey{Key: "entitler_ak_abc", Active: true, ExpiresAt: &future},
			provided: "entitler_ak_abc",
			want:     true,
		},
		{
			name:     "mismatched key rejected",
			key:      &APIKey{Key: "entitler_ak_abc", Active: true},
			provided: "entitler_ak_xyz",
			want:     false,
		},
		{
			name:     "empty provided key rejected",
			key:      &APIKey{Key: "entitler_ak_abc", Active: true},
			provided: "",
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.ValidateKey(tt.provided); got != tt.want {
				t.Errorf("ValidateKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAPIKey_HasPermission(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key := &APIKey{Permissions: []string{"ingest", "search"}}

	if !key.HasPermission("search") {
		t.Error("expected search permission")
	}

	if key.HasPermission("refresh") {
		t.Error("did not expect refresh permission")
	}

	if (&APIKey{}).HasPermission("search") {
		t.Error("key without permissions must deny everything")
	}
}
