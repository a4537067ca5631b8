package auth

import (
	"strings"
	"testing"
)

func TestPasswordHashes(t *testing.T) {
	bcryptHash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	argonHash, err := hashArgon2id("s3cret-pass")
	if err != nil {
		t.Fatalf("hashArgon2id: %v", err)
	}
	if !strings.HasPrefix(argonHash, "$argon2id$") {
		t.Fatalf("unexpected argon2 encoding %s", argonHash)
	}
	for name, hash := range map[string]string{"bcrypt": bcryptHash, "argon2id": argonHash} {
		if err := VerifyPassword(hash, "s3cret-pass"); err != nil {
			t.Fatalf("%s: expected match: %v", name, err)
		}
		if err := VerifyPassword(hash, "wrong"); err == nil {
			t.Fatalf("%s: expected mismatch", name)
		}
	}
	if err := VerifyPassword("", "x"); err == nil {
		t.Fatalf("expected empty hash to fail")
	}
	if _, err := HashPassword(""); err == nil {
		t.Fatalf("expected empty password to fail")
	}
}
