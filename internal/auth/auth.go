// Package auth provides the password hashing and signed bearer token
// primitives. Tokens are RS256-signed JWTs carrying the user's email,
// password version, subject id, and a per-issuance nonce.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/basket/webcli/internal/persistence"
)

// ErrInvalidToken reports a token that failed parsing or signature
// verification.
var ErrInvalidToken = errors.New("invalid token")

// TokenClaims is the bearer token payload. The uuid claim is a fresh nonce
// per issuance so two tokens for the same user are distinguishable.
type TokenClaims struct {
	Email           string `json:"email"`
	PasswordVersion int    `json:"password_version"`
	UUID            string `json:"uuid"`
	jwt.RegisteredClaims
}

// Authenticator hashes passwords and mints/verifies bearer tokens.
type Authenticator struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	bcryptCost int
}

// New builds an Authenticator from PEM-encoded RSA keys. bcryptCost <= 0
// selects the bcrypt default.
func New(privateKeyPEM, publicKeyPEM []byte, bcryptCost int) (*Authenticator, error) {
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	if bcryptCost <= 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Authenticator{
		privateKey: privateKey,
		publicKey:  publicKey,
		bcryptCost: bcryptCost,
	}, nil
}

// LoadFromFiles reads the PEM key pair from disk.
func LoadFromFiles(privateKeyFile, publicKeyFile string, bcryptCost int) (*Authenticator, error) {
	privateKeyPEM, err := os.ReadFile(privateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	publicKeyPEM, err := os.ReadFile(publicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return New(privateKeyPEM, publicKeyPEM, bcryptCost)
}

// HashPassword produces a salted bcrypt hash.
func (a *Authenticator) HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), a.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether plain matches the stored hash.
func (a *Authenticator) VerifyPassword(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// GenerateToken mints a signed bearer token for the user.
func (a *Authenticator) GenerateToken(user *persistence.User) (string, error) {
	claims := TokenClaims{
		Email:           user.Email,
		PasswordVersion: user.PasswordVersion,
		UUID:            uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: strconv.FormatInt(user.ID, 10),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// ParseToken verifies the signature and returns the claims. Any parse or
// signature failure surfaces as ErrInvalidToken.
func (a *Authenticator) ParseToken(tokenString string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return a.publicKey, nil
		},
		jwt.WithValidMethods([]string{"RS256"}),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// SubjectID extracts the numeric user id from the sub claim.
func (c *TokenClaims) SubjectID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return id, nil
}
