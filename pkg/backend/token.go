package backend

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenSource mints bearer tokens for a remote signer.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// SignerClaims identify the bridge to an enterprise remote signer.
type SignerClaims struct {
	WalletID string `json:"wallet_id"`
	jwt.RegisteredClaims
}

// ES256TokenSource signs short-lived ES256 JWTs with the bridge key.
type ES256TokenSource struct {
	key      *ecdsa.PrivateKey
	issuer   string
	audience string
	walletID string
	ttl      time.Duration
	now      func() time.Time
}

func NewES256TokenSource(key *ecdsa.PrivateKey, issuer, audience, walletID string, ttl time.Duration) *ES256TokenSource {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ES256TokenSource{
		key:      key,
		issuer:   issuer,
		audience: audience,
		walletID: walletID,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *ES256TokenSource) Token(_ context.Context) (string, error) {
	now := s.now()
	claims := SignerClaims{
		WalletID: s.walletID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign remote signer token: %w", err)
	}
	return token, nil
}

// VerifySignerToken is the remote signer side of ES256TokenSource.
func VerifySignerToken(token string, pub *ecdsa.PublicKey, audience string) (*SignerClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &SignerClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}), jwt.WithAudience(audience))
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*SignerClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid signer token claims")
	}
	return claims, nil
}
