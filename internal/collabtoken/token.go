// Package collabtoken signs and verifies the short-lived bearer tokens exchanged
// between the flipbook service and its rendering collaborator.
package collabtoken

import (
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"crmflipbook/internal/util"
)

const (
	// DefaultTokenTTL is the lifetime of a signed token.
	DefaultTokenTTL = 60 * time.Second
	// DefaultLeeway is the clock skew tolerated during verification.
	DefaultLeeway = 15 * time.Second
	// minSecretLen rejects secrets too short for HS256.
	minSecretLen = 32
)

var ErrInvalidToken = errors.New("invalid collaborator token")

// Signer issues HS256 tokens for a fixed issuer.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner builds a signer. ttl <= 0 uses DefaultTokenTTL.
func NewSigner(secret, issuer string, ttl time.Duration) (*Signer, error) {
	if len(secret) < minSecretLen {
		return nil, errors.New("collaborator token secret must be at least 32 bytes")
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("collaborator token issuer is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Signer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Sign issues a token for audience.
func (s *Signer) Sign(audience string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("collaborator token audience is required")
	}
	now := s.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        util.NewID(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verifier checks signature, expiry, audience and issuer allowlist.
type Verifier struct {
	secret   []byte
	audience string
	issuers  map[string]struct{}
	leeway   time.Duration
}

// NewVerifier builds a verifier accepting tokens for audience from allowedIssuers.
func NewVerifier(secret, audience string, allowedIssuers []string) (*Verifier, error) {
	if len(secret) < minSecretLen {
		return nil, errors.New("collaborator token secret must be at least 32 bytes")
	}
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return nil, errors.New("collaborator token audience is required")
	}
	issuers := make(map[string]struct{}, len(allowedIssuers))
	for _, issuer := range allowedIssuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			issuers[issuer] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	return &Verifier{secret: []byte(secret), audience: audience, issuers: issuers, leeway: DefaultLeeway}, nil
}

// Verify returns the claims of a valid token.
func (v *Verifier) Verify(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil || !parsed.Valid {
		return claims, ErrInvalidToken
	}
	if _, ok := v.issuers[claims.Issuer]; !ok {
		return claims, ErrInvalidToken
	}
	if claims.ID == "" {
		return claims, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts a bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return token, token != ""
}
