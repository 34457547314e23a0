// Package auth validates operator JWTs issued by an OIDC provider and scopes
// each operator to the businesses they may see.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// RoleAdmin may see every business and reload rules
const RoleAdmin = "admin"

// businessGroupPrefix marks group paths that grant access to one business
const businessGroupPrefix = "/businesses/"

type Claims struct {
	Email      string   `json:"email"`
	Name       string   `json:"name"`
	Role       string   `json:"role"`
	Groups     []string `json:"groups"`
	Businesses []string `json:"businesses"` // extracted from groups, empty for admins
	jwt.RegisteredClaims
}

type contextKey string

const UserContextKey contextKey = "user"

// Options controls token verification
type Options struct {
	SkipAuth        bool   // development only: every request is an admin
	VerifySignature bool   // verify against the issuer's JWKS
	Issuer          string // OIDC issuer URL (Keycloak realm)
}

// JWKSManager handles JWKS fetching and caching
type JWKSManager struct {
	jwks       keyfunc.Keyfunc
	issuerURL  string
	mu         sync.RWMutex
	lastUpdate time.Time
}

// NewJWKSManager fetches the issuer's signing keys.
func NewJWKSManager(issuerURL string) (*JWKSManager, error) {
	m := &JWKSManager{issuerURL: issuerURL}
	if err := m.refresh(); err != nil {
		return nil, err
	}
	return m, nil
}

// refresh fetches the JWKS from the OIDC provider
func (m *JWKSManager) refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Keycloak layout
	jwksURL := strings.TrimSuffix(m.issuerURL, "/") + "/protocol/openid-connect/certs"
	k, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return fmt.Errorf("failed to create keyfunc: %w", err)
	}
	m.jwks = k
	m.lastUpdate = time.Now()
	return nil
}

func (m *JWKSManager) getKeyfunc() jwt.Keyfunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.jwks == nil {
		return nil
	}
	return m.jwks.Keyfunc
}

// Authenticator validates bearer tokens on operator routes
type Authenticator struct {
	opts   Options
	logger zerolog.Logger

	once    sync.Once
	jwks    *JWKSManager
	jwksErr error
}

// New creates an Authenticator. Signing keys are fetched on first use.
func New(opts Options, logger zerolog.Logger) *Authenticator {
	return &Authenticator{opts: opts, logger: logger.With().Str("component", "auth").Logger()}
}

// Middleware validates the JWT and stores the claims in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		if a.opts.SkipAuth {
			ctx := context.WithValue(r.Context(), UserContextKey, &Claims{
				Email:  "dev@callcore.local",
				Name:   "Dev User",
				Role:   RoleAdmin,
				Groups: []string{"developers"},
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tokenString := extractToken(r)
		if tokenString == "" {
			http.Error(w, "Unauthorized: Missing token", http.StatusUnauthorized)
			return
		}

		claims, err := a.validateToken(tokenString)
		if err != nil {
			a.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Token validation failed")
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		a.logger.Debug().Str("email", claims.Email).Str("role", claims.Role).Msg("User authenticated")
		ctx := context.WithValue(r.Context(), UserContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects requests whose claims are not admin.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetUserFromContext(r.Context())
		if !ok || !HasRole(claims, RoleAdmin) {
			http.Error(w, "Forbidden: admin role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractToken gets the token from the Authorization header or, for
// websocket upgrades, the token query parameter.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString != authHeader {
			return tokenString
		}
	}
	return r.URL.Query().Get("token")
}

func (a *Authenticator) validateToken(tokenString string) (*Claims, error) {
	var (
		token *jwt.Token
		err   error
	)
	if a.opts.VerifySignature {
		token, err = a.parseAndVerifyToken(tokenString)
		if err != nil {
			return nil, err
		}
	} else {
		token, _, err = new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse token: %w", err)
		}
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}
	claims := ClaimsFromMap(mapClaims)

	// verified tokens have exp checked by the parser
	if !a.opts.VerifySignature {
		if exp, ok := mapClaims["exp"].(float64); ok {
			expTime := time.Unix(int64(exp), 0)
			claims.ExpiresAt = jwt.NewNumericDate(expTime)
			if expTime.Before(time.Now()) {
				return nil, errors.New("token expired")
			}
		}
	}
	return claims, nil
}

func (a *Authenticator) parseAndVerifyToken(tokenString string) (*jwt.Token, error) {
	a.once.Do(func() {
		if a.opts.Issuer == "" {
			a.jwksErr = errors.New("OIDC_ISSUER not configured for JWT verification")
			return
		}
		a.jwks, a.jwksErr = NewJWKSManager(a.opts.Issuer)
	})
	if a.jwksErr != nil {
		return nil, fmt.Errorf("failed to initialize JWKS: %w", a.jwksErr)
	}

	kf := a.jwks.getKeyfunc()
	if kf == nil {
		return nil, errors.New("JWKS not available")
	}
	token, err := jwt.Parse(tokenString, kf, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}))
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return token, nil
}

// ClaimsFromMap builds operator claims from raw token claims.
func ClaimsFromMap(mapClaims jwt.MapClaims) *Claims {
	claims := &Claims{}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if name, ok := mapClaims["name"].(string); ok {
		claims.Name = name
	} else if preferred, ok := mapClaims["preferred_username"].(string); ok {
		claims.Name = preferred
	}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	claims.Role = extractRoleFromMapClaims(mapClaims)
	claims.Groups = extractGroupsFromMapClaims(mapClaims)
	if claims.Role != RoleAdmin {
		claims.Businesses = extractBusinesses(claims.Groups)
	}
	return claims
}

// extractRoleFromMapClaims extracts role from various possible token claim locations
func extractRoleFromMapClaims(mapClaims jwt.MapClaims) string {
	// Keycloak
	if realmAccess, ok := mapClaims["realm_access"].(map[string]interface{}); ok {
		if roles, ok := realmAccess["roles"].([]interface{}); ok {
			for _, priority := range []string{RoleAdmin, "operator", "viewer"} {
				for _, role := range roles {
					if roleStr, ok := role.(string); ok && roleStr == priority {
						return roleStr
					}
				}
			}
		}
	}

	// Cognito
	if cognitoGroups, ok := mapClaims["cognito:groups"].([]interface{}); ok {
		for _, group := range cognitoGroups {
			if groupStr, ok := group.(string); ok {
				if strings.Contains(groupStr, RoleAdmin) {
					return RoleAdmin
				}
				if strings.Contains(groupStr, "operator") {
					return "operator"
				}
			}
		}
	}

	return "viewer"
}

func extractGroupsFromMapClaims(mapClaims jwt.MapClaims) []string {
	var groups []string
	for _, key := range []string{"groups", "cognito:groups"} {
		if list, ok := mapClaims[key].([]interface{}); ok {
			for _, group := range list {
				if groupStr, ok := group.(string); ok {
					groups = append(groups, groupStr)
				}
			}
		}
	}
	return groups
}

// extractBusinesses parses business IDs from group paths such as
// /businesses/acme-dental.
func extractBusinesses(groups []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range groups {
		if !strings.HasPrefix(group, businessGroupPrefix) {
			continue
		}
		id := strings.TrimPrefix(group, businessGroupPrefix)
		if idx := strings.Index(id, "/"); idx > 0 {
			id = id[:idx]
		}
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// GetUserFromContext retrieves user claims from request context
func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*Claims)
	return claims, ok
}

// HasRole checks if user has specific role
func HasRole(claims *Claims, role string) bool {
	return claims.Role == role
}

// IsBusinessAllowed reports whether the operator may see businessID.
// Admins see everything; operators without business groups see nothing.
func (c *Claims) IsBusinessAllowed(businessID string) bool {
	if c.Role == RoleAdmin {
		return true
	}
	for _, b := range c.Businesses {
		if b == businessID {
			return true
		}
	}
	return false
}
