package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Roles known to the clinic.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

// Claims are the access token claims issued by the clinic's identity
// provider. The subject is the patient or staff member id.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 verification for development and tests.
	SigningKey []byte
}

// JWKSKey is a single JSON Web Key from a JWKS endpoint.
type JWKSKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type JWKSResponse struct {
	Keys []JWKSKey `json:"keys"`
}

// JWKSCache caches RSA keys fetched from a JWKS endpoint.
type JWKSCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	jwksURL   string
	ttl       time.Duration
	fetchedAt time.Time
	client    *http.Client
}

func NewJWKSCache(jwksURL string, ttl time.Duration) *JWKSCache {
	return &JWKSCache{
		keys:    make(map[string]*rsa.PublicKey),
		jwksURL: jwksURL,
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetKey returns the key for kid, refetching on miss or expiry.
func (c *JWKSCache) GetKey(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	expired := time.Since(c.fetchedAt) > c.ttl
	c.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}
	if err := c.fetch(); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %q not found in JWKS", kid)
	}
	return key, nil
}

func (c *JWKSCache) fetch() error {
	resp, err := c.client.Get(c.jwksURL)
	if err != nil {
		return fmt.Errorf("GET %s: %w", c.jwksURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKSResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func parseRSAPublicKey(k JWKSKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

const defaultJWKSCacheTTL = 5 * time.Minute

// JWTMiddleware authenticates bearer tokens and stores the subject and
// roles on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	var keyFunc jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
		keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
		cache := NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL)
		keyFunc = func(t *jwt.Token) (interface{}, error) {
			kid, ok := t.Header["kid"].(string)
			if !ok || kid == "" {
				return nil, fmt.Errorf("token has no kid header")
			}
			return cache.GetKey(kid)
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenStr), claims, keyFunc, opts...)
			if err != nil || !token.Valid || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), claims.Subject, claims.Roles)))
			return next(c)
		}
	}
}

// Dev headers let a local caller act as any user without a token.
const (
	DevUserHeader = "X-Dev-User"
	DevRoleHeader = "X-Dev-Role"
)

// DevAuthMiddleware is a permissive middleware for development. The
// identity comes from X-Dev-User / X-Dev-Role and defaults to an admin.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := c.Request().Header.Get(DevUserHeader)
			if user == "" {
				user = "dev-user"
			}
			role := c.Request().Header.Get(DevRoleHeader)
			if role == "" {
				role = RoleAdmin
			}
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), user, []string{role})))
			return next(c)
		}
	}
}

// WithIdentity returns ctx carrying the given user id and roles.
func WithIdentity(ctx context.Context, userID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRolesKey, roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
