// Package auth issues and verifies the bearer tokens the API requires, and
// hashes member passwords.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/adeyinka/coopledger/pkg/models"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is the payload carried inside every issued token.
type Claims struct {
	MemberID uuid.UUID   `json:"member_id"`
	Role     models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Manager signs and validates tokens with a shared HMAC secret.
type Manager struct {
	secret []byte
	issuer string
	expiry time.Duration
}

func NewManager(secret, issuer string, expiry time.Duration) *Manager {
	return &Manager{secret: []byte(secret), issuer: issuer, expiry: expiry}
}

func (m *Manager) IssueToken(memberID uuid.UUID, role models.Role) (string, error) {
	now := time.Now()
	claims := Claims{
		MemberID: memberID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   memberID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *Manager) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether the plaintext matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
