package auth

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func newTestHasher(t *testing.T, pepper string) *Hasher {
	t.Helper()
	h, err := NewHasher(pepper)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	return h
}

func TestPasswordRoundTrip(t *testing.T) {
	h := newTestHasher(t, testPepper)
	hash, err := h.HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=2,p=1$") {
		t.Fatalf("unexpected PHC string %s", hash)
	}
	other, _ := h.HashPassword("correct horse")
	if other == hash {
		t.Fatal("hashes must be salted")
	}
	ok, err := h.VerifyPassword(hash, "correct horse")
	if err != nil || !ok {
		t.Fatalf("VerifyPassword: ok=%v err=%v", ok, err)
	}
	for _, wrong := range []string{"Correct horse", " correct horse", "correct horse ", ""} {
		if ok, _ := h.VerifyPassword(hash, wrong); ok {
			t.Fatalf("password %q must not match", wrong)
		}
	}
	if NeedsRehash(hash) {
		t.Fatal("argon2id hash should not need rehash")
	}
}

func TestPasswordHashIsBoundToPepper(t *testing.T) {
	hash, err := newTestHasher(t, "pepper-a").HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	ok, err := newTestHasher(t, "pepper-b").VerifyPassword(hash, "correct horse")
	if err != nil || ok {
		t.Fatalf("a different pepper must not verify: ok=%v err=%v", ok, err)
	}
	if ok, _ := newTestHasher(t, "pepper-a").VerifyPassword(hash, "correct horse"); !ok {
		t.Fatal("same pepper must verify")
	}
}

func TestVerifyLegacyBcrypt(t *testing.T) {
	h := newTestHasher(t, testPepper)
	legacy, err := bcrypt.GenerateFromPassword([]byte("old secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	ok, err := h.VerifyPassword(string(legacy), "old secret")
	if err != nil || !ok {
		t.Fatalf("legacy verify: ok=%v err=%v", ok, err)
	}
	if ok, err := h.VerifyPassword(string(legacy), "new secret"); ok || err != nil {
		t.Fatalf("mismatch should be false without error: ok=%v err=%v", ok, err)
	}
	if !NeedsRehash(string(legacy)) {
		t.Fatal("bcrypt hash should need rehash")
	}
}

func TestVerifyRejectsMalformedHashes(t *testing.T) {
	h := newTestHasher(t, testPepper)
	for _, encoded := range []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=65536,t=2,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=2,p=1$c2FsdA",
		"$argon2id$v=18$m=65536,t=2,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=2,p=1$!!$aGFzaA",
		"$argon2id$v=19$m=65536,t=2,p=0$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=0,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=4,t=2,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=4294967295,t=2,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=100000,p=1$c2FsdA$aGFzaA",
	} {
		if ok, err := h.VerifyPassword(encoded, "pw"); ok || err == nil {
			t.Fatalf("%q: expected error, got ok=%v err=%v", encoded, ok, err)
		}
	}
	if _, err := h.HashPassword(""); err == nil {
		t.Fatal("expected error for empty password")
	}
}
