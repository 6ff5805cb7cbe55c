// Package auth authenticates API callers from HS256 bearer tokens.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing authorization")
	ErrInvalidToken = errors.New("invalid token")
)

// Roles carried in the token's role claim. An empty role is treated as an
// unprivileged caller.
const (
	RoleCustomer = "customer"
	RoleRider    = "rider"
	RoleOps      = "ops"
)

var ErrForbidden = errors.New("forbidden")

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   string
}

// CanReportDelivery reports whether the caller may mark orders picked up or
// delivered. Customers only ever cancel.
func (p *Principal) CanReportDelivery() bool {
	return p.Role != RoleCustomer
}

// ActsFor reports whether the caller may act as riderID: the rider itself
// or an ops user.
func (p *Principal) ActsFor(riderID string) bool {
	return p.UserID == riderID || p.Role == RoleOps
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

type claims struct {
	UserID    string `json:"user_id,omitempty"`
	UserIDAlt string `json:"userId,omitempty"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ParseBearer validates an Authorization header value.
func ParseBearer(header, secret string) (*Principal, error) {
	if header == "" {
		return nil, ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, ErrInvalidToken
	}
	return parseJWT(strings.TrimSpace(parts[1]), secret)
}

func parseJWT(tokenStr, secret string) (*Principal, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	tok, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	// sub wins, then user_id, then the legacy userId claim
	id := c.Subject
	if id == "" {
		id = c.UserID
	}
	if id == "" {
		id = c.UserIDAlt
	}
	if id == "" {
		return nil, errors.Join(ErrInvalidToken, errors.New("no user claim"))
	}
	return &Principal{UserID: id, Role: strings.ToLower(c.Role)}, nil
}

// Issue signs a token for userID. ttl <= 0 means no expiry.
func Issue(secret, userID, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	c := claims{Role: role, RegisteredClaims: jwt.RegisteredClaims{Subject: userID, IssuedAt: jwt.NewNumericDate(time.Now())}}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}

// Middleware rejects requests without a valid bearer token: 401 when the
// header is missing, 403 when the token does not verify.
//
// With an empty secret authentication is off and the caller is taken from
// the X-User-ID and X-User-Role headers. Only meant for local runs.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				id := r.Header.Get("X-User-ID")
				if id == "" {
					id = "anonymous"
				}
				p := &Principal{UserID: id, Role: strings.ToLower(r.Header.Get("X-User-Role"))}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}
			p, err := ParseBearer(r.Header.Get("Authorization"), secret)
			if err != nil {
				status := http.StatusForbidden
				if errors.Is(err, ErrMissingToken) {
					status = http.StatusUnauthorized
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"error":"` + http.StatusText(status) + `"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
