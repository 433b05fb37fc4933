package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryCredentialRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.GetCredential(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := m.PutCredential(ctx, &Credential{
		Username: "alice", UserID: "u-1", Secret: "$2b$x", UpdatedAt: now,
	}); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}

	cred, err := m.GetCredential(ctx, "alice")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if cred.UserID != "u-1" || cred.Secret != "$2b$x" {
		t.Fatalf("unexpected credential: %+v", cred)
	}

	// Callers get a copy, not a handle into the map.
	cred.Secret = "tampered"
	again, err := m.GetCredential(ctx, "alice")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if again.Secret != "$2b$x" {
		t.Fatalf("stored credential mutated through returned copy")
	}
}

func TestMemoryCredentialUpsert(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.PutCredential(ctx, &Credential{Username: "bob", UserID: "u-2", Secret: "old"}); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	if err := m.PutCredential(ctx, &Credential{Username: "bob", UserID: "u-2", Secret: "new"}); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}

	cred, err := m.GetCredential(ctx, "bob")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if cred.Secret != "new" {
		t.Fatalf("expected upsert to overwrite, got %q", cred.Secret)
	}
}

func TestMemoryProfileAttributesAreCopied(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.GetProfile(ctx, "u-3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := m.PutProfile(ctx, &Profile{
		UserID: "u-3", Username: "carol", Attributes: map[string]string{"tier": "gold"},
	}); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}

	p, err := m.GetProfile(ctx, "u-3")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	p.Attributes["tier"] = "tampered"

	again, err := m.GetProfile(ctx, "u-3")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if again.Attributes["tier"] != "gold" {
		t.Fatalf("stored profile mutated through returned copy")
	}
}
