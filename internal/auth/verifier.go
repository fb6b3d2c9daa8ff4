// Package auth verifies the access tokens issued by the marketplace's identity
// service. Issuing is only used by tooling and tests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketchat/internal/kv"
	marketchat_errors "marketchat/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const revokedKeyPrefix = "revoked:"

type AccessClaims struct {
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HMAC-signed access tokens and the revocation list.
type Verifier struct {
	secret  []byte
	issuer  string
	revoked kv.Store
	now     func() time.Time
}

// NewVerifier builds a Verifier. revoked may be nil when revocation is not used.
func NewVerifier(secret, issuer string, revoked kv.Store) *Verifier {
	return &Verifier{
		secret:  []byte(secret),
		issuer:  issuer,
		revoked: revoked,
		now:     time.Now,
	}
}

// VerifyAccessToken returns the user the token was issued to. Every failure
// maps to ErrUnauthorized except a revocation lookup that cannot reach its
// store, which is reported as ErrServiceUnavailable.
func (v *Verifier) VerifyAccessToken(ctx context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, marketchat_errors.ErrUnauthorized
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", marketchat_errors.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return uuid.Nil, marketchat_errors.ErrUnauthorized
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil || userID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", marketchat_errors.ErrUnauthorized)
	}

	if v.revoked != nil && claims.ID != "" {
		_, revoked, err := v.revoked.Get(ctx, revokedKeyPrefix+claims.ID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("revocation lookup: %w: %w", marketchat_errors.ErrServiceUnavailable, err)
		}
		if revoked {
			return uuid.Nil, fmt.Errorf("%w: token revoked", marketchat_errors.ErrUnauthorized)
		}
	}
	return userID, nil
}

// Issue signs a token for userID valid for ttl. It returns the token and its id.
func (v *Verifier) Issue(userID uuid.UUID, ttl time.Duration) (string, string, error) {
	if userID == uuid.Nil {
		return "", "", errors.New("issue token: empty user id")
	}
	now := v.now()
	jti := uuid.NewString()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID.String(),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// Revoke blocks the token with id jti. ttl should cover the token's remaining
// lifetime; after that the token is rejected by expiry anyway.
func (v *Verifier) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if v.revoked == nil {
		return errors.New("revoke token: no revocation store configured")
	}
	return v.revoked.Set(ctx, revokedKeyPrefix+jti, "1", ttl)
}

// Subject reads the user id from a token without checking its signature.
// Clients use it to recognise their own messages; servers must verify.
func Subject(token string) (uuid.UUID, error) {
	var claims AccessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", marketchat_errors.ErrUnauthorized, err)
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", marketchat_errors.ErrUnauthorized)
	}
	return id, nil
}
