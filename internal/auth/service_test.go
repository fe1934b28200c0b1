package auth

import (
	"context"
	"errors"
	"testing"
)

func newTestService() Service {
	return NewService(NewMemoryRepository(), "test-secret")
}

// --- register / login ---

func TestRegisterAndLogin(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	u, err := svc.Register(ctx, "ada@example.com", "hunter22", "Ada")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Role != "user" {
		t.Fatalf("role = %q, want user", u.Role)
	}

	token, err := svc.Login(ctx, "ada@example.com", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	userID, role, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if userID != u.ID.String() {
		t.Fatalf("token subject = %q, want %q", userID, u.ID.String())
	}
	if role != "user" {
		t.Fatalf("token role = %q, want user", role)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Register(ctx, "ada@example.com", "hunter22", "Ada"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := svc.Register(ctx, "ada@example.com", "other", "Ada Again")
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("err = %v, want ErrDuplicateEmail", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Register(ctx, "ada@example.com", "hunter22", "Ada"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Login(ctx, "ada@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "hunter22"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

// --- tokens ---

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, "secret-a")
	other := NewService(repo, "secret-b")
	ctx := context.Background()

	if _, err := svc.Register(ctx, "ada@example.com", "hunter22", "Ada"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, err := svc.Login(ctx, "ada@example.com", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, _, err := other.ValidateToken(ctx, token); err == nil {
		t.Fatal("expected validation failure with wrong secret")
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc := newTestService()
	if _, _, err := svc.ValidateToken(context.Background(), "not-a-jwt"); err == nil {
		t.Fatal("expected validation failure")
	}
}
