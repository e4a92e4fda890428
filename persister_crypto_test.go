package kinvey

import (
	"bytes"
	"context"
	"testing"
)

func TestEncryptedPersisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryPersister()
	enc, err := NewEncryptedPersister(inner, EncryptionConfig{KeyPassword: "hunter2"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	plaintext := []byte(`[{"_id":"1","title":"A"}]`)
	if err := enc.Set(ctx, "app.books", plaintext); err != nil {
		t.Fatalf("set: %v", err)
	}

	sealed, err := inner.Get(ctx, "app.books")
	if err != nil {
		t.Fatalf("inner get: %v", err)
	}
	if bytes.Contains(sealed, []byte("title")) {
		t.Fatal("value stored in the clear")
	}

	got, err := enc.Get(ctx, "app.books")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %q", got)
	}

	// A new persister over the same storage derives the same key from the
	// persisted salt.
	enc2, err := NewEncryptedPersister(inner, EncryptionConfig{KeyPassword: "hunter2"})
	if err != nil {
		t.Fatalf("new second: %v", err)
	}
	got, err = enc2.Get(ctx, "app.books")
	if err != nil || !bytes.Equal(got, plaintext) {
		t.Fatalf("cross-instance decrypt failed: %q %v", got, err)
	}
}

func TestEncryptedPersisterHidesSaltFromKeys(t *testing.T) {
	ctx := context.Background()
	enc, err := NewEncryptedPersister(NewMemoryPersister(), EncryptionConfig{KeyPassword: "pw"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := enc.Set(ctx, "app.books", []byte("[]")); err != nil {
		t.Fatalf("set: %v", err)
	}
	keys, err := enc.Keys(ctx, "")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	for _, k := range keys {
		if k == encryptionSaltKey {
			t.Fatal("salt slot leaked into Keys")
		}
	}
}

func TestEncryptedPersisterRejectsBadConfig(t *testing.T) {
	if _, err := NewEncryptedPersister(NewMemoryPersister(), EncryptionConfig{}); err == nil {
		t.Fatal("config without key material must be rejected")
	}
	if _, err := NewEncryptedPersister(NewMemoryPersister(), EncryptionConfig{Key: []byte("short")}); err == nil {
		t.Fatal("short key must be rejected")
	}
}

func TestCompressedPersisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryPersister()
	comp := NewCompressedPersister(inner)

	value := bytes.Repeat([]byte(`{"title":"A"},`), 100)
	if err := comp.Set(ctx, "app.books", value); err != nil {
		t.Fatalf("set: %v", err)
	}

	stored, _ := inner.Get(ctx, "app.books")
	if len(stored) >= len(value) {
		t.Fatalf("repetitive payload did not compress: %d >= %d", len(stored), len(value))
	}

	got, err := comp.Get(ctx, "app.books")
	if err != nil || !bytes.Equal(got, value) {
		t.Fatalf("round trip mismatch: %v", err)
	}

	if missing, err := comp.Get(ctx, "nope"); err != nil || missing != nil {
		t.Fatalf("missing key: %v %v", missing, err)
	}
}

func TestMemoryPersisterIsolation(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPersister()

	value := []byte("abc")
	if err := p.Set(ctx, "k", value); err != nil {
		t.Fatalf("set: %v", err)
	}
	value[0] = 'z'

	got, _ := p.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("persister must copy on write, got %q", got)
	}
	got[0] = 'z'
	again, _ := p.Get(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("persister must copy on read, got %q", again)
	}
}
