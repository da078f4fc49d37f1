package auth

import (
	"strings"
	"testing"
)

func TestHashCodeCanonicalizes(t *testing.T) {
	h, err := NewHasher(testPepper)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	digest := h.HashCode("ab3kmn7q")
	if digest != h.HashCode("  AB3KMN7Q\n") {
		t.Fatal("codes differing only in case and whitespace must hash equally")
	}
	if len(digest) != 64 {
		t.Fatalf("expected hex sha256 digest, got %d chars", len(digest))
	}
	if !h.CompareCode(" ab3kmn7q ", digest) {
		t.Fatal("CompareCode rejected matching code")
	}
	if h.CompareCode("AB3KMN7R", digest) {
		t.Fatal("CompareCode accepted different code")
	}
}

func TestPepperChangesDigest(t *testing.T) {
	a, _ := NewHasher("pepper-a")
	b, _ := NewHasher("pepper-b")
	if a.HashCode("AB3KMN7Q") == b.HashCode("AB3KMN7Q") {
		t.Fatal("digest must depend on the pepper")
	}
	if a.hashRefresh("value") == b.hashRefresh("value") {
		t.Fatal("refresh digest must depend on the pepper")
	}
	if _, err := NewHasher(""); err == nil {
		t.Fatal("expected error for empty pepper")
	}
}

func TestCompareUsesFixedLengthDigests(t *testing.T) {
	h, _ := NewHasher(testPepper)
	digest := h.HashCode("AB3KMN7Q")
	// Wrong first byte and wrong last byte both reach the same fixed-length
	// comparison of two 64-character digests.
	for _, candidate := range []string{"XB3KMN7Q", "AB3KMN7X", "A", strings.Repeat("A", 500)} {
		if got := len(h.HashCode(candidate)); got != len(digest) {
			t.Fatalf("digest length for %q = %d, want %d", candidate, got, len(digest))
		}
		if h.CompareCode(candidate, digest) {
			t.Fatalf("CompareCode accepted %q", candidate)
		}
	}
	if constantTimeEqual(digest, digest[:10]) {
		t.Fatal("length mismatch must be rejected")
	}
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("GenerateCode: %v", err)
		}
		if len(code) != CodeLength {
			t.Fatalf("unexpected length %d", len(code))
		}
		for _, r := range code {
			if !strings.ContainsRune(CodeAlphabet, r) {
				t.Fatalf("code %q contains %q outside alphabet", code, r)
			}
		}
		seen[code] = struct{}{}
	}
	if len(seen) < 195 {
		t.Fatalf("too many duplicate codes: %d unique of 200", len(seen))
	}
	for _, ambiguous := range "01ILO" {
		if strings.ContainsRune(CodeAlphabet, ambiguous) {
			t.Fatalf("alphabet contains ambiguous %q", ambiguous)
		}
	}
}

func TestRefreshValuesAreOpaque(t *testing.T) {
	a, err := generateRefreshValue()
	if err != nil {
		t.Fatalf("generateRefreshValue: %v", err)
	}
	b, _ := generateRefreshValue()
	if a == b {
		t.Fatal("refresh values must be random")
	}
	if len(a) != 43 || strings.ContainsAny(a, "+/=") {
		t.Fatalf("expected unpadded base64url of 32 bytes, got %q", a)
	}
}
