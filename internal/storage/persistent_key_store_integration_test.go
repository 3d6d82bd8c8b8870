package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPersistentKeyStoreAddAndFind(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewPersistentKeyStore(conn, nil)
	if err != nil {
		t.Fatalf("NewPersistentKeyStore() error = %v", err)
	}

	plaintext, err := GenerateAPIKey("search-frontend")
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}

	apiKey := &APIKey{
		ID:          "key-integration-1",
		Key:         plaintext,
		ClientID:    "search-frontend",
		Name:        "integration test key",
		Permissions: []string{"search"},
		CreatedAt:   time.Now().UTC(),
		Active:      true,
	}

	if err := store.Add(ctx, apiKey); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	found, ok := store.FindByKey(ctx, plaintext)
	if !ok {
		t.Fatal("expected to find key by plaintext lookup")
	}

	if found.ID != apiKey.ID || found.ClientID != apiKey.ClientID {
		t.Errorf("found wrong key: %+v", found)
	}

	// The stored key value is never returned in plaintext.
	if found.Key == plaintext {
		t.Error("FindByKey must not return the plaintext key")
	}

	if !found.HasPermission("search") {
		t.Error("expected search permission to round-trip")
	}

	// Re-adding the same plaintext key is rejected.
	dup := *apiKey
	dup.ID = "key-integration-2"

	if err := store.Add(ctx, &dup); !errors.Is(err, ErrKeyAlreadyExists) {
		t.Errorf("expected ErrKeyAlreadyExists, got %v", err)
	}
}

func TestPersistentKeyStoreUpdateAndDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store, err := NewPersistentKeyStore(conn, nil)
	if err != nil {
		t.Fatalf("NewPersistentKeyStore() error = %v", err)
	}

	plaintext, err := GenerateAPIKey("ops-team")
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}

	apiKey := &APIKey{
		ID:          "key-integration-3",
		Key:         plaintext,
		ClientID:    "ops-team",
		Name:        "ops key",
		Permissions: []string{"refresh"},
		CreatedAt:   time.Now().UTC(),
		Active:      true,
	}

	if err := store.Add(ctx, apiKey); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	apiKey.Name = "ops key renamed"
	apiKey.Permissions = []string{"refresh", "ingest"}

	if err := store.Update(ctx, apiKey); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	keys, err := store.ListByClient(ctx, "ops-team")
	if err != nil {
		t.Fatalf("ListByClient() error = %v", err)
	}

	if len(keys) != 1 || keys[0].Name != "ops key renamed" {
		t.Errorf("unexpected keys after update: %+v", keys)
	}

	// Soft delete: key disappears from lookups but the row survives for audit.
	if err := store.Delete(ctx, apiKey.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, ok := store.FindByKey(ctx, plaintext); ok {
		t.Error("expected deleted key to be unfindable")
	}

	var total int
	if err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE id = $1`, apiKey.ID).Scan(&total); err != nil {
		t.Fatalf("count query failed: %v", err)
	}

	if total != 1 {
		t.Errorf("expected soft-deleted row to remain, got %d rows", total)
	}

	if err := store.Delete(ctx, "no-such-key"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}
