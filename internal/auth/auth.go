// SPDX-License-Identifier: MIT

// Package auth issues and verifies bearer tokens for operators and
// enrolled devices, and owns password and enrollment code handling.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Subject roles carried in token claims.
const (
	RoleAdmin  = "admin"
	RoleUser   = "user"
	RoleDevice = "device"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
)

// Claims is the verified identity extracted from a bearer token.
type Claims struct {
	Subject  string // user id or device id
	Username string
	Role     string
	TokenID  string
}

// IsOperator reports whether the claims belong to a human operator.
func (c Claims) IsOperator() bool {
	return c.Role == RoleAdmin || c.Role == RoleUser
}

type wireClaims struct {
	Username string `json:"username,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Manager signs and verifies HS256 tokens.
type Manager struct {
	secret       []byte
	userExpiry   time.Duration
	deviceExpiry time.Duration
	now          func() time.Time
}

// NewManager builds a Manager. Device tokens outlive user tokens so an
// enrolled device does not need to re-enroll daily.
func NewManager(secret string, userExpiry time.Duration) *Manager {
	if userExpiry <= 0 {
		userExpiry = 24 * time.Hour
	}
	return &Manager{
		secret:       []byte(secret),
		userExpiry:   userExpiry,
		deviceExpiry: 30 * 24 * time.Hour,
		now:          time.Now,
	}
}

// IssueUserToken signs a token for an operator account.
func (m *Manager) IssueUserToken(userID, username, role string) (string, error) {
	return m.sign(userID, username, role, m.userExpiry)
}

// IssueDeviceToken signs a long-lived token for an enrolled device.
// The token id is returned so it can be recorded against the device.
func (m *Manager) IssueDeviceToken(deviceID string) (token, tokenID string, err error) {
	tokenID = uuid.NewString()
	token, err = m.signWithID(deviceID, "", RoleDevice, m.deviceExpiry, tokenID)
	return token, tokenID, err
}

func (m *Manager) sign(subject, username, role string, expiry time.Duration) (string, error) {
	return m.signWithID(subject, username, role, expiry, uuid.NewString())
}

func (m *Manager) signWithID(subject, username, role string, expiry time.Duration, tokenID string) (string, error) {
	now := m.now()
	claims := wireClaims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a bearer token.
func (m *Manager) Verify(tokenString string) (Claims, error) {
	var claims wireClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" || claims.Role == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{
		Subject:  claims.Subject,
		Username: claims.Username,
		Role:     claims.Role,
		TokenID:  claims.ID,
	}, nil
}

// HashPassword hashes a password with bcrypt at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// NewEnrollCode returns the 6-digit code typed by hand on the device
// during enrollment.
func NewEnrollCode() (string, error) {
	const digits = "0123456789"
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("enroll code: %w", err)
	}
	for i, b := range buf {
		buf[i] = digits[int(b)%len(digits)]
	}
	return string(buf), nil
}

// NewNonce returns a URL-safe single-use nonce for the socket auth
// handshake.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
