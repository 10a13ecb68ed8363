package auth

import (
	"errors"
	"testing"
	"time"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "correct horse battery staple" {
		t.Fatalf("hash must not equal the password")
	}
	if !CheckPassword("correct horse battery staple", hash) {
		t.Fatalf("expected password to verify")
	}
	if CheckPassword("wrong password", hash) {
		t.Fatalf("wrong password must not verify")
	}
}

func TestSessionIssueAndVerify(t *testing.T) {
	signer, err := NewSessionSigner("0123456789abcdef0123", "", time.Hour)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	token, err := signer.Issue("c-1", "仁先生")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.CounselorID != "c-1" || claims.Name != "仁先生" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestSessionRejectsTamperedToken(t *testing.T) {
	signer, err := NewSessionSigner("0123456789abcdef0123", "", time.Hour)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	other, err := NewSessionSigner("fedcba9876543210fedc", "", time.Hour)
	if err != nil {
		t.Fatalf("new other signer: %v", err)
	}
	token, err := other.Issue("c-1", "x")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := signer.Verify(token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestSessionSignerRequiresSecret(t *testing.T) {
	if _, err := NewSessionSigner("short", "", time.Hour); err == nil {
		t.Fatalf("expected error for weak secret")
	}
}
