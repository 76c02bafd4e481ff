package usertoken

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer   = "library-auth"
	defaultAudience = "library-api"
	defaultLeeway   = 30 * time.Second
	defaultTTL      = time.Hour
	minSecretLength = 16
)

// Config configures member access-token signing and verification.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
	TTL      time.Duration
}

// Verifier validates member access tokens (HS256) and extracts the member ID.
// The session layer that issues tokens to end users lives outside this service;
// Issue exists for operators and tests.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	ttl      time.Duration
	now      func() time.Time
}

// NewVerifier creates a token verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if len(secret) < minSecretLength {
		return nil, errors.New("token verifier requires a secret of at least 16 characters")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Issue signs a token whose subject is memberID.
func (v *Verifier) Issue(memberID string) (string, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return "", errors.New("member id required")
	}
	now := v.now().UTC()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   memberID,
		Issuer:    v.issuer,
		Audience:  jwt.ClaimStrings{v.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Claims is the verified part of a member access token.
type Claims struct {
	MemberID  string
	TokenID   string
	ExpiresAt time.Time
}

// Verify validates the token and returns its claims.
func (v *Verifier) Verify(token string) (Claims, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return Claims{}, err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Claims{}, errors.New("token subject missing")
	}
	return Claims{
		MemberID:  subject,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// VerifySubject validates the token and returns the subject member ID.
func (v *Verifier) VerifySubject(token string) (string, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.MemberID, nil
}

// Remaining reports how long a token with these claims stays valid, including
// leeway. Revocations only need to outlive this.
func (v *Verifier) Remaining(c Claims) time.Duration {
	return c.ExpiresAt.Add(v.leeway).Sub(v.now())
}
