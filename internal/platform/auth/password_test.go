package auth

import (
	"errors"
	"testing"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash == "s3cret!" {
		t.Fatal("hash must not equal the plaintext")
	}
	if err := CheckPassword(hash, "s3cret!"); err != nil {
		t.Errorf("expected match, got %v", err)
	}
	if err := CheckPassword(hash, "wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestHashPassword_Empty(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Fatal("expected error for empty password")
	}
}

func TestCheckPassword_MalformedHash(t *testing.T) {
	err := CheckPassword("not-a-bcrypt-hash", "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrInvalidPassword) {
		t.Error("malformed stored hash is an internal failure, not a caller error")
	}
}
