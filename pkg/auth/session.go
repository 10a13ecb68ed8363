package auth

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTTL is the counselor session lifetime when none is set.
const DefaultSessionTTL = 8 * time.Hour

// ErrInvalidSession is returned for expired or malformed session tokens.
var ErrInvalidSession = errors.New("auth: invalid session token")

// CounselorClaims identify the counselor behind an admin session.
type CounselorClaims struct {
	CounselorID string
	Name        string
}

// SessionSigner issues and verifies HS256 counselor session tokens.
type SessionSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewSessionSigner builds a signer from a shared secret.
func NewSessionSigner(secret, issuer string, ttl time.Duration) (*SessionSigner, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: session secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if issuer == "" {
		issuer = "kanjounikki"
	}
	return &SessionSigner{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// Issue signs a session token for a counselor.
func (s *SessionSigner) Issue(counselorID, name string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":  s.issuer,
		"sub":  counselorID,
		"name": name,
		"iat":  now.Unix(),
		"exp":  now.Add(s.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses a session token and returns the counselor claims.
func (s *SessionSigner) Verify(tokenString string) (CounselorClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return CounselorClaims{}, ErrInvalidSession
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return CounselorClaims{}, ErrInvalidSession
	}
	sub, _ := claims["sub"].(string)
	name, _ := claims["name"].(string)
	if sub == "" {
		return CounselorClaims{}, ErrInvalidSession
	}
	return CounselorClaims{CounselorID: sub, Name: name}, nil
}
