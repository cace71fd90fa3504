package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// clockSkew is the leeway allowed on exp/nbf/iat checks.
const clockSkew = 30 * time.Second

var (
	hmacMethods = []string{"HS256", "HS384", "HS512"}
	jwksMethods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512", "EdDSA"}
)

// Claims represents the JWT claims for terminal access.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTValidator validates bearer JWTs against either a shared HMAC secret or
// a remote JWKS endpoint.
type JWTValidator struct {
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
}

// NewHMACValidator creates a validator for tokens signed with secret.
func NewHMACValidator(secret []byte, audience, issuer string) (*JWTValidator, error) {
	if len(secret) == 0 {
		return nil, errors.New("JWT secret is empty")
	}
	return &JWTValidator{
		keyfunc: func(*jwt.Token) (any, error) { return secret, nil },
		parser:  newParser(hmacMethods, audience, issuer),
	}, nil
}

// NewJWKSValidator creates a validator that fetches and caches signing keys
// from jwksURL. Keys are refreshed in the background until ctx is done.
func NewJWKSValidator(ctx context.Context, jwksURL, audience, issuer string) (*JWTValidator, error) {
	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}
	return &JWTValidator{
		keyfunc: k.Keyfunc,
		parser:  newParser(jwksMethods, audience, issuer),
	}, nil
}

func newParser(methods []string, audience, issuer string) *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return jwt.NewParser(opts...)
}

// Validate validates a JWT token and returns the claims if valid.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	token, err := v.parser.ParseWithClaims(tokenString, &Claims{}, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Authorize implements Authorizer. The subject claim identifies the caller.
func (v *JWTValidator) Authorize(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	claims, err := v.Validate(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims.Subject, nil
}
