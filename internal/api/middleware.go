/**
 * @description
 * Custom middleware for the HTTP router: bearer-token authentication that resolves the
 * calling account, and per-caller throttling of ledger writes.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: HS256 token verification.
 */

package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/transfa/crowdfunding-service/internal/app"
	"github.com/transfa/crowdfunding-service/internal/domain"
)

// CallerContextKey is a custom type for the context key to avoid collisions.
type CallerContextKey string

const callerKey CallerContextKey = "caller"

// AuthOptions configures token verification.
type AuthOptions struct {
	SigningKey string
	Issuer     string
	Audience   string
}

// AuthMiddleware validates HS256 bearer tokens and stores the `sub` claim as the caller.
func AuthMiddleware(opts AuthOptions) func(http.Handler) http.Handler {
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	key := []byte(opts.SigningKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}
			if len(key) == 0 {
				writeError(w, http.StatusUnauthorized, "Authentication is not configured")
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return key, nil
			}, parserOpts...)
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, fmt.Sprintf("Invalid token: %v", err))
				return
			}

			subject, err := claims.GetSubject()
			caller := domain.NormalizeAddress(subject)
			if err != nil || caller.IsZero() {
				writeError(w, http.StatusUnauthorized, "Caller not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), callerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCaller retrieves the authenticated caller from the request context.
func GetCaller(ctx context.Context) (domain.Address, bool) {
	caller, ok := ctx.Value(callerKey).(domain.Address)
	return caller, ok
}

// WriteRateLimitMiddleware throttles state-changing requests per caller and write kind.
// Limiter errors admit the request.
func WriteRateLimitMiddleware(limiter app.WriteLimiter, limits app.WriteLimits) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || !limits.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			caller, ok := GetCaller(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			kind := writeKind(r.URL.Path)
			quota, err := limiter.ConsumeWrite(r.Context(), caller, kind, time.Minute)
			if err != nil {
				log.Printf("level=warn component=api msg=\"write rate limiter unavailable; admitting request\" caller=%s kind=%s err=%v", caller, kind, err)
				next.ServeHTTP(w, r)
				return
			}
			if limits.Exceeded(kind, quota) {
				w.Header().Set("Retry-After", strconv.Itoa(quota.RetryAfterSeconds))
				writeError(w, http.StatusTooManyRequests, "Too many requests. Please wait and try again.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeKind classifies a write by its route: POST /campaigns launches, /admin/* is
// admin, and campaign actions are named by their last path segment.
func writeKind(path string) app.WriteKind {
	path = strings.Trim(path, "/")
	switch {
	case path == "campaigns":
		return app.WriteLaunch
	case path == "admin" || strings.HasPrefix(path, "admin/"):
		return app.WriteAdmin
	}
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	return app.WriteKind(path)
}
