package jwt

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Issuer is stamped into every caller token.
const Issuer = "preview-provisioner"

// Claims defines JWT payload.
type Claims struct {
	Caller string `json:"caller"`
	jwtlib.RegisteredClaims
}

// GenerateToken issues a signed JWT for caller with provided secret and ttl.
func GenerateToken(caller, secret string, ttl time.Duration) (string, error) {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return "", errors.New("caller required")
	}
	if secret == "" {
		return "", errors.New("signing secret required")
	}
	now := time.Now()
	claims := Claims{
		Caller: caller,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   caller,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithIssuer(Issuer),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Caller == "" {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
