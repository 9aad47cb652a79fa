// Package session authenticates bidders from HMAC-signed bearer tokens. The
// token subject is the bidder and the "tid" claim is the tenant; both are the
// only source of caller identity for the bid endpoints.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jensholdgaard/leilao/internal/clock"
	"github.com/jensholdgaard/leilao/internal/config"
)

// ErrUnauthenticated is returned for a missing, malformed or invalid token.
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the authenticated caller.
type Principal struct {
	TenantID string
	BidderID string
}

// Claims is the token payload.
type Claims struct {
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// Verifier issues and checks session tokens.
type Verifier struct {
	secret []byte
	issuer string
	clock  clock.Clock
	logger *slog.Logger
}

// NewVerifier returns a Verifier for the auth configuration block.
func NewVerifier(cfg config.AuthConfig, logger *slog.Logger, clk clock.Clock) *Verifier {
	return &Verifier{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		clock:  clk,
		logger: logger,
	}
}

// Issue signs a token for p valid for ttl.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := v.clock.Now()
	claims := Claims{
		TenantID: p.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.BidderID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses token and returns its principal.
func (v *Verifier) Verify(token string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock.Now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...); err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return Principal{}, fmt.Errorf("%w: token lacks subject or tenant", ErrUnauthenticated)
	}
	return Principal{TenantID: claims.TenantID, BidderID: claims.Subject}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// principal in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			unauthorized(w)
			return
		}
		p, err := v.Verify(strings.TrimSpace(raw))
		if err != nil {
			v.logger.WarnContext(r.Context(), "rejected session token",
				slog.String("path", r.URL.Path),
				slog.Any("error", err),
			)
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="leilao"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"errorKind": "Unauthenticated"})
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
