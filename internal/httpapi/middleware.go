package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/halyard-io/halyard/internal/apperr"
	"github.com/halyard-io/halyard/internal/auth"
	"github.com/halyard-io/halyard/internal/idempotency"
	"github.com/halyard-io/halyard/internal/logging"
	"github.com/halyard-io/halyard/internal/telemetry"
)

type ctxKey int

const (
	ctxRequestID ctxKey = iota
	ctxPrincipal
)

// RequestIDFrom returns the request id injected by the middleware, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxRequestID).(string)
	return id
}

// PrincipalFrom returns the authenticated principal, or nil for anonymous
// requests.
func PrincipalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(ctxPrincipal).(*auth.Principal)
	return p
}

// requestID respects an inbound X-Request-ID and generates one otherwise.
// The id is echoed on the response and carried in the request context for
// the life of the request.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestID, id)))
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// logCapture attaches a request-scoped logger and emits one line per
// request with status and duration.
func logCapture(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := logging.Component("http").With().
			Str("request_id", RequestIDFrom(r.Context())).
			Logger()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(logging.WithContext(r.Context(), log)))
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// tracing opens a span per request.
func tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.Tracer("").Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
		if sw.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// recoverPanics turns handler panics into a normalized 500.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.writeError(w, r, apperr.E(apperr.Internal, "internal error"))
				log := logging.FromContext(r.Context())
				log.Error().
					Interface("panic", rec).Msg("handler panicked")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// metrics records a request duration histogram by method, route pattern
// and status.
func (s *Server) metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.tm.HTTPDuration.WithLabelValues(r.Method, route, fmt.Sprint(sw.status)).
			Observe(time.Since(start).Seconds())
	})
}

// peekClaims verifies a bearer token without loading the account. The
// rate-limit and idempotency layers run before auth but still need the
// caller's identity for scoping.
func (s *Server) peekClaims(r *http.Request) *auth.Claims {
	token := bearerToken(r)
	if token == "" {
		return nil
	}
	claims, err := s.auth.Issuer().Verify(token, auth.TokenAccess)
	if err != nil {
		return nil
	}
	return claims
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimit applies the tiered sliding window. The scope is the user id
// when a valid token is presented, the client address otherwise. Every
// response carries the window headers; a rejected request gets 429.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := s.peekClaims(r)
		scope := "ip:" + clientIP(r)
		authed, admin := false, false
		if claims != nil {
			scope = "user:" + claims.Subject
			authed = true
			admin = claims.Role == auth.RoleAdmin
		}

		tier := s.limiter.TierFor(authed, admin)
		res, err := s.limiter.Allow(r.Context(), scope, tier)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		h := w.Header()
		h.Set("X-RateLimit-Limit", fmt.Sprint(res.Limit))
		h.Set("X-RateLimit-Remaining", fmt.Sprint(res.Remaining))
		h.Set("X-RateLimit-Reset", fmt.Sprint(res.ResetAt.Unix()))
		if !res.Allowed {
			s.writeError(w, r, apperr.E(apperr.RateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// idempotencyReplay serves a cached response for a repeated Idempotency-Key
// and records successful responses for future replays. Only mutating
// methods participate; excluded paths (streaming) are passed through.
func (s *Server) idempotencyReplay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if !s.idem.Enabled() || key == "" || s.idem.Excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		principalID := ""
		if claims := s.peekClaims(r); claims != nil {
			principalID = claims.Subject
		}
		scope := idempotency.Scope(principalID, key)

		if stored, ok := s.idem.Get(r.Context(), scope); ok {
			for name, vals := range stored.Header {
				for _, v := range vals {
					w.Header().Add(name, v)
				}
			}
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Body)
			return
		}

		rec := newRecorder(w)
		next.ServeHTTP(rec, r)
		s.idem.Store(r.Context(), scope, idempotency.StoredResponse{
			Status: rec.status,
			Header: rec.Header().Clone(),
			Body:   rec.body.Bytes(),
		})
	})
}

// authenticate resolves a bearer token to a live principal. A missing
// token passes through as anonymous; the route guards decide whether that
// is acceptable. A present but invalid token fails here.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxPrincipal, principal)))
	})
}

// requireUser rejects anonymous requests.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if PrincipalFrom(r.Context()) == nil {
			s.writeError(w, r, apperr.E(apperr.Unauthenticated, "authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin rejects everyone but global admins.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFrom(r.Context())
		if p == nil {
			s.writeError(w, r, apperr.E(apperr.Unauthenticated, "authentication required"))
			return
		}
		if !p.IsAdmin() {
			s.writeError(w, r, apperr.E(apperr.Forbidden, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
