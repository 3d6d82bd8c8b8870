package storage

import (
	"errors"
	"strings"
	"testing"
)

func TestHashAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key, err := GenerateAPIKey("test-client")
	if err != nil {
		t.Fatalf("GenerateAPIKey() failed: %v", err)
	}

	hash, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("HashAPIKey() failed: %v", err)
	}

	if hash == key {
		t.Error("hash must not equal the plaintext key")
	}

	if !strings.HasPrefix(hash, "$2") {
		t.Errorf("expected bcrypt hash format, got %q", hash)
	}

	// Same key hashes to different values (random salt)
	hash2, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("HashAPIKey() failed: %v", err)
	}

	if hash == hash2 {
		t.Error("expected different hashes for the same key (salted)")
	}
}

func TestHashAPIKey_EmptyKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := HashAPIKey("")
	if !errors.Is(err, ErrKeyNil) {
		t.Errorf("expected ErrKeyNil, got %v", err)
	}
}

func TestCompareAPIKeyHash(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key, err := GenerateAPIKey("test-client")
	if err != nil {
		t.Fatalf("GenerateAPIKey() failed: %v", err)
	}

	hash, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("HashAPIKey() failed: %v", err)
	}

	if !CompareAPIKeyHash(hash, key) {
		t.Error("expected hash to match original key")
	}

	if CompareAPIKeyHash(hash, key+"x") {
		t.Error("expected hash mismatch for altered key")
	}

	if CompareAPIKeyHash("", key) {
		t.Error("empty hash must not match")
	}

	if CompareAPIKeyHash(hash, "") {
		t.Error("empty key must not match")
	}

	if CompareAPIKeyHash("not-a-bcrypt-hash", key) {
		t.Error("invalid hash format must not match")
	}
}

func TestCompareAPIKeyHash_LongKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Keys beyond bcrypt's 72-byte limit go through SHA-256 preparation;
	// hashing and comparison must agree on it.
	longKey := strings.Repeat("k", 100)

	hash, err := HashAPIKey(longKey)
	if err != nil {
		t.Fatalf("HashAPIKey() failed: %v", err)
	}

	if !CompareAPIKeyHash(hash, longKey) {
		t.Error("expected long key to match its own hash")
	}

	if CompareAPIKeyHash(hash, strings.Repeat("k", 101)) {
		t.Error("expected different long key to mismatch")
	}
}
