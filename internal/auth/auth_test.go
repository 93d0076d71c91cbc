package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/basket/webcli/internal/persistence"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
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
	publicPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicDER,
	})

	a, err := New(privatePEM, publicPEM, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func TestPasswordRoundTrip(t *testing.T) {
	a := newTestAuthenticator(t)

	hash, err := a.HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if hash == "s3cret" {
		t.Fatal("hash equals the plaintext")
	}
	if !a.VerifyPassword("s3cret", hash) {
		t.Fatal("correct password did not verify")
	}
	if a.VerifyPassword("wrong", hash) {
		t.Fatal("wrong password verified")
	}
}

func TestPasswordHashesAreSalted(t *testing.T) {
	a := newTestAuthenticator(t)
	h1, _ := a.HashPassword("same")
	h2, _ := a.HashPassword("same")
	if h1 == h2 {
		t.Fatal("two hashes of the same password are identical")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	a := newTestAuthenticator(t)
	user := &persistence.User{ID: 42, Email: "u@example.com", PasswordVersion: 3}

	token, err := a.GenerateToken(user)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	claims, err := a.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if claims.Email != "u@example.com" {
		t.Fatalf("email = %q", claims.Email)
	}
	if claims.PasswordVersion != 3 {
		t.Fatalf("password_version = %d", claims.PasswordVersion)
	}
	if claims.UUID == "" {
		t.Fatal("uuid claim is empty")
	}
	id, err := claims.SubjectID()
	if err != nil {
		t.Fatalf("SubjectID failed: %v", err)
	}
	if id != 42 {
		t.Fatalf("subject id = %d, want 42", id)
	}
}

func TestTokenNoncesDiffer(t *testing.T) {
	a := newTestAuthenticator(t)
	user := &persistence.User{ID: 1, Email: "u@example.com", PasswordVersion: 1}

	t1, _ := a.GenerateToken(user)
	t2, _ := a.GenerateToken(user)
	if t1 == t2 {
		t.Fatal("two tokens for the same user are identical")
	}
}

func TestTokenTamperDetected(t *testing.T) {
	a := newTestAuthenticator(t)
	user := &persistence.User{ID: 7, Email: "u@example.com", PasswordVersion: 1}
	token, err := a.GenerateToken(user)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	// Flip a byte in the payload segment.
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments", len(parts))
	}
	payload := []byte(parts[1])
	if payload[3] == 'A' {
		payload[3] = 'B'
	} else {
		payload[3] = 'A'
	}
	tampered := parts[0] + "." + string(payload) + "." + parts[2]

	if _, err := a.ParseToken(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestTokenFromOtherKeyRejected(t *testing.T) {
	a := newTestAuthenticator(t)
	b := newTestAuthenticator(t)
	user := &persistence.User{ID: 1, Email: "u@example.com", PasswordVersion: 1}

	token, err := b.GenerateToken(user)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if _, err := a.ParseToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestParseGarbageToken(t *testing.T) {
	a := newTestAuthenticator(t)
	if _, err := a.ParseToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}
