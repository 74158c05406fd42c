package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ClaimsConfig holds the registered-claim checks shared by every validator.
type ClaimsConfig struct {
	// ExpectedIssuer is the required value for the 'iss' claim. (Optional)
	ExpectedIssuer string
	// ExpectedAudience is the required value for the 'aud' claim. (Optional)
	ExpectedAudience string
	// ClockSkew is the leeway applied to 'exp' and 'nbf'.
	ClockSkew time.Duration
}

func (c ClaimsConfig) parserOptions(methods ...string) []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
	if c.ExpectedIssuer != "" {
		opts = append(opts, jwt.WithIssuer(c.ExpectedIssuer))
	}
	if c.ExpectedAudience != "" {
		opts = append(opts, jwt.WithAudience(c.ExpectedAudience))
	}
	if c.ClockSkew > 0 {
		opts = append(opts, jwt.WithLeeway(c.ClockSkew))
	}
	return opts
}

// jwtPrincipal implements the Principal interface for JWT claims.
type jwtPrincipal struct {
	claims jwt.MapClaims
}

func (p *jwtPrincipal) GetClaims() map[string]any {
	return p.claims
}

func (p *jwtPrincipal) GetSubject() string {
	sub, _ := p.claims.GetSubject()
	return sub
}

func parseToken(tokenString string, keyFunc jwt.Keyfunc, opts []jwt.ParserOption) (Principal, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return &jwtPrincipal{claims: claims}, nil
}

// HMACTokenValidator validates HS256 tokens signed with a shared secret.
type HMACTokenValidator struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewHMACTokenValidator creates a validator for the given secret.
func NewHMACTokenValidator(secret string, claims ClaimsConfig) (*HMACTokenValidator, error) {
	if secret == "" {
		return nil, errors.New("auth: HMAC secret is required")
	}
	return &HMACTokenValidator{
		secret: []byte(secret),
		opts:   claims.parserOptions(jwt.SigningMethodHS256.Alg()),
	}, nil
}

// ValidateToken implements the TokenValidator interface.
func (v *HMACTokenValidator) ValidateToken(_ context.Context, tokenString string) (Principal, error) {
	return parseToken(tokenString, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, v.opts)
}

// JWKSConfig holds configuration for the JWKS-based validator.
type JWKSConfig struct {
	ClaimsConfig
	// JWKSURL is the URL of the JSON Web Key Set endpoint. (Required)
	JWKSURL string
	// RefreshInterval defines how often the key set is refreshed. Defaults to 1 hour.
	RefreshInterval time.Duration
}

// JWKSTokenValidator validates RS256/ES256 tokens against keys served by a JWKS
// endpoint. Keys are cached and refreshed in the background.
type JWKSTokenValidator struct {
	config   JWKSConfig
	jwkCache *jwk.Cache
	opts     []jwt.ParserOption
}

// NewJWKSTokenValidator registers the key set URL and performs the initial fetch. The
// background refresh stops when ctx is cancelled.
func NewJWKSTokenValidator(ctx context.Context, config JWKSConfig, client *http.Client) (*JWKSTokenValidator, error) {
	if config.JWKSURL == "" {
		return nil, errors.New("auth: JWKSURL is required in JWKSConfig")
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = time.Hour
	}
	if client == nil {
		client = http.DefaultClient
	}

	cache := jwk.NewCache(ctx)
	err := cache.Register(config.JWKSURL, jwk.WithMinRefreshInterval(config.RefreshInterval), jwk.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL %s with cache: %w", config.JWKSURL, err)
	}
	if _, err := cache.Refresh(ctx, config.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch from %s: %w", config.JWKSURL, err)
	}

	return &JWKSTokenValidator{
		config:   config,
		jwkCache: cache,
		opts:     config.parserOptions("RS256", "RS384", "RS512", "ES256", "ES384", "ES512"),
	}, nil
}

// ValidateToken implements the TokenValidator interface.
func (v *JWKSTokenValidator) ValidateToken(ctx context.Context, tokenString string) (Principal, error) {
	return parseToken(tokenString, func(token *jwt.Token) (any, error) {
		return v.keyFor(ctx, token)
	}, v.opts)
}

// keyFor looks the token's 'kid' up in the cached key set, refreshing once when the
// key is unknown.
func (v *JWKSTokenValidator) keyFor(ctx context.Context, token *jwt.Token) (any, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("JWT header missing 'kid' field")
	}

	keySet, err := v.jwkCache.Get(ctx, v.config.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWK set for %s: %w", v.config.JWKSURL, err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		keySet, err = v.jwkCache.Refresh(ctx, v.config.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("key %q not found and refresh failed: %w", kid, err)
		}
		if key, found = keySet.LookupKeyID(kid); !found {
			return nil, fmt.Errorf("key %q not found in JWKS at %s", kid, v.config.JWKSURL)
		}
	}

	var rawKey any
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("failed to get raw key material for %q: %w", kid, err)
	}
	return rawKey, nil
}

var (
	_ TokenValidator = (*HMACTokenValidator)(nil)
	_ TokenValidator = (*JWKSTokenValidator)(nil)
)
