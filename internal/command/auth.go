package command

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"civicledger/internal/apperr"
	"civicledger/internal/model"
)

// Authenticator issues and verifies the HS256 tokens that carry a caller's identity.
// The identity travels in the subject claim.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for identity valid for ttl.
func (a *Authenticator) Issue(identity model.Identity, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   identity.String(),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Authenticate validates token and returns the identity it was issued to.
func (a *Authenticator) Authenticate(token string) (model.Identity, error) {
	if token == "" {
		return model.NoIdentity, apperr.New(apperr.KindUnauthorized, "authenticate", "missing token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return model.NoIdentity, apperr.New(apperr.KindUnauthorized, "authenticate", "invalid token: %v", err)
	}

	id := model.NormalizeIdentity(claims.Subject)
	if id.IsZero() {
		return model.NoIdentity, apperr.New(apperr.KindUnauthorized, "authenticate", "token has no subject")
	}
	return id, nil
}
