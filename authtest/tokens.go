package authtest

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims are the claims of an access token issued by Server.
type AccessClaims struct {
	UID string `json:"uid"`
	// SID ties the access token to the refresh token that minted it.
	SID string `json:"sid"`
	jwt.RegisteredClaims
}

// tokenIssuer signs and verifies HS256 access tokens.
type tokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	leeway time.Duration
}

func newTokenIssuer(secret []byte, issuer string, ttl time.Duration) (*tokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("hs256 requires a secret")
	}
	if ttl <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	return &tokenIssuer{secret: secret, issuer: issuer, ttl: ttl, leeway: time.Second}, nil
}

func (i *tokenIssuer) issue(uid, sid string, now time.Time) (string, string, error) {
	jti := uuid.NewString()
	claims := AccessClaims{
		UID: uid,
		SID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   uid,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

func (i *tokenIssuer) parse(token string) (*AccessClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(i.leeway),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
	)
	parsed, err := parser.ParseWithClaims(token, &AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
