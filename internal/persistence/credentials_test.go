package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/lumenhq/fanlane/internal/persistence"
)

func TestCredentials_UpsertOverwrites(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	rec := persistence.CredentialRecord{
		PlatformID: "acct-1",
		Key:        "access_token",
		Ciphertext: "aabbcc",
		IV:         "0102030405060708090a0b0c",
		AuthTag:    "ddeeff",
	}
	if err := store.UpsertCredential(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec.Ciphertext = "112233"
	rec.AuthTag = "445566"
	if err := store.UpsertCredential(ctx, rec); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	recs, err := store.ListCredentials(ctx, "acct-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("len = %d, want exactly one row per (platform_id, key)", len(recs))
	}
	if recs[0].Ciphertext != "112233" {
		t.Fatalf("ciphertext = %q, want latest value", recs[0].Ciphertext)
	}
}

func TestCredentials_DeleteRemovesAll(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	for _, key := range []string{"access_token", "refresh_token", "session_blob"} {
		err := store.UpsertCredential(ctx, persistence.CredentialRecord{
			PlatformID: "acct-1", Key: key, Ciphertext: "00", IV: "00", AuthTag: "00",
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", key, err)
		}
	}
	// Another account's rows must survive the delete.
	err := store.UpsertCredential(ctx, persistence.CredentialRecord{
		PlatformID: "acct-2", Key: "api_key", Ciphertext: "00", IV: "00", AuthTag: "00",
	})
	if err != nil {
		t.Fatalf("upsert acct-2: %v", err)
	}

	if err := store.DeleteCredentials(ctx, "acct-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	recs, _ := store.ListCredentials(ctx, "acct-1")
	if len(recs) != 0 {
		t.Fatalf("acct-1 rows remain: %d", len(recs))
	}
	recs, _ = store.ListCredentials(ctx, "acct-2")
	if len(recs) != 1 {
		t.Fatalf("acct-2 rows = %d, want 1", len(recs))
	}
}

func TestCursor_RoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	_, ok, err := store.GetCursor(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("cursor exists before first advance")
	}

	first := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := store.AdvanceCursor(ctx, "acct-1", first); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, ok, err := store.GetCursor(ctx, "acct-1")
	if err != nil || !ok {
		t.Fatalf("get after advance: ok=%v err=%v", ok, err)
	}
	if !got.Equal(first) {
		t.Fatalf("cursor = %v, want %v", got, first)
	}

	second := first.Add(15 * time.Minute)
	if err := store.AdvanceCursor(ctx, "acct-1", second); err != nil {
		t.Fatalf("advance again: %v", err)
	}
	got, _, _ = store.GetCursor(ctx, "acct-1")
	if !got.Equal(second) {
		t.Fatalf("cursor = %v, want %v", got, second)
	}
}
