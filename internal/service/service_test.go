package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/basket/webcli/internal/auth"
	"github.com/basket/webcli/internal/persistence"
)

func newTestService(t *testing.T) (*Service, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})

	authenticator, err := auth.New(privatePEM, publicPEM, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	return New(store, authenticator), store
}

func TestCreateUserAndLogin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, "u@example.com", "pw")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if user.PasswordHash == "pw" {
		t.Fatal("password stored in plaintext")
	}

	got, err := svc.LoginUser(ctx, "u@example.com", "pw")
	if err != nil {
		t.Fatalf("LoginUser failed: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("logged-in id = %d, want %d", got.ID, user.ID)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateUser(ctx, "u@example.com", "pw"); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	if _, err := svc.LoginUser(ctx, "u@example.com", "nope"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("err = %v, want ErrWrongPassword", err)
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.LoginUser(context.Background(), "ghost@example.com", "pw"); !persistence.IsNotFound(err) {
		t.Fatalf("err = %v, want ObjectNotFound", err)
	}
}

func TestTokenRoundTripThroughStore(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user, err := svc.CreateUser(ctx, "u@example.com", "pw")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	token, err := svc.GenerateToken(user)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	got, err := svc.UserFromToken(ctx, token)
	if err != nil {
		t.Fatalf("UserFromToken failed: %v", err)
	}
	if got.ID != user.ID || got.Email != user.Email {
		t.Fatalf("user = %+v", got)
	}
}

func TestUserFromTokenGarbage(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.UserFromToken(context.Background(), "junk"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestThreadPassthrough(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user, err := svc.CreateUser(ctx, "u@example.com", "pw")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	thread, err := svc.CreateThread(ctx, "title", "desc", user)
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	threads, err := svc.ListThreads(ctx, user)
	if err != nil {
		t.Fatalf("ListThreads failed: %v", err)
	}
	if len(threads) != 1 || threads[0].ID != thread.ID {
		t.Fatalf("threads = %+v", threads)
	}

	title := "new title"
	patched, err := svc.PatchThread(ctx, thread.ID, user, &title, nil)
	if err != nil {
		t.Fatalf("PatchThread failed: %v", err)
	}
	if patched.Title != "new title" {
		t.Fatalf("title = %q", patched.Title)
	}

	if err := svc.DeleteThread(ctx, thread.ID, user); err != nil {
		t.Fatalf("DeleteThread failed: %v", err)
	}
	if _, err := svc.GetThread(ctx, thread.ID, user); !persistence.IsNotFound(err) {
		t.Fatalf("err = %v, want ObjectNotFound", err)
	}
}
