package auth

import "testing"

// bcryptTestCost keeps test runs fast; production uses config.BcryptCost (default 12).
const bcryptTestCost = 4

func TestHashAndVerifyPassword(t *testing.T) {
	t.Parallel()
	password := "testPassword123!"

	hash, err := HashPassword(password, bcryptTestCost)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	if hash == "" {
		t.Fatal("HashPassword() returned empty hash")
	}

	match, err := VerifyPassword(password, hash)
	if err != nil {
		t.Fatalf("VerifyPassword() error = %v", err)
	}
	if !match {
		t.Error("VerifyPassword() = false, want true for correct password")
	}
}

func TestVerifyPasswordWrong(t *testing.T) {
	t.Parallel()
	hash, err := HashPassword("correctPassword", bcryptTestCost)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	match, err := VerifyPassword("wrongPassword!", hash)
	if err != nil {
		t.Fatalf("VerifyPassword() error = %v", err)
	}
	if match {
		t.Error("VerifyPassword() = true, want false for wrong password")
	}
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	t.Parallel()
	_, err := VerifyPassword("anything", "not-a-bcrypt-hash")
	if err == nil {
		t.Fatal("VerifyPassword() with malformed hash should return error")
	}
}
