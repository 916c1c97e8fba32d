package handlers

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prudhvinik1/devicepair/internal/models"
	"github.com/prudhvinik1/devicepair/internal/services"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	userContextKey     contextKey = "user"
	identityContextKey contextKey = "identity"

	sessionCookieName = "session"
)

// SessionManager resolves a web session token to the signed-in user and ends
// sessions on sign-out.
type SessionManager interface {
	Verify(ctx context.Context, token string) (*services.Identity, error)
	Revoke(ctx context.Context, token string) error
}

func UserFromContext(ctx context.Context) *models.UserContext {
	user, _ := ctx.Value(userContextKey).(*models.UserContext)
	return user
}

func identityFromContext(ctx context.Context) *services.Identity {
	identity, _ := ctx.Value(identityContextKey).(*services.Identity)
	return identity
}

func (h *Handler) logger(r *http.Request) logrus.FieldLogger {
	return h.log.WithField("request_id", middleware.GetReqID(r.Context()))
}

// requestLogger writes one access line per request. The query string is left
// out since pairing codes may travel in it.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		h.logger(r).WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"duration": time.Since(start).String(),
			"ip":       h.clientIP(r),
		}).Info("request")
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func (h *Handler) requireDeviceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		user, err := h.tokens.Validate(r.Context(), raw)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// webSessionToken prefers the session cookie over a bearer header.
func webSessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return bearerToken(r)
}

// requireWebSession accepts the browser session either from the session
// cookie or from a bearer header.
func (h *Handler) requireWebSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := webSessionToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		identity, err := h.sessions.Verify(r.Context(), token)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) rateLimitByIP(scope string) func(http.Handler) http.Handler {
	return h.rateLimit(scope, h.clientIP)
}

// clientIP returns the peer address. Forwarding headers are only believed
// when the peer itself is a trusted proxy; X-Forwarded-For is then walked
// from the right and the first untrusted hop wins.
func (h *Handler) clientIP(r *http.Request) string {
	remote := remoteHost(r.RemoteAddr)
	addr, err := netip.ParseAddr(remote)
	if err != nil || !h.trusted(addr) {
		return remote
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if !h.trusted(hop) {
				return hop.String()
			}
		}
	}

	if realIP, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return realIP.String()
	}
	return remote
}

func (h *Handler) trusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range h.trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) rateLimitByUser(scope string) func(http.Handler) http.Handler {
	return h.rateLimit(scope, func(r *http.Request) string {
		if identity := identityFromContext(r.Context()); identity != nil {
			return "user:" + identity.UserID
		}
		return r.RemoteAddr
	})
}

func (h *Handler) rateLimit(scope string, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := h.limiter.Allow(r.Context(), scope+":"+keyFn(r))
			if err != nil {
				// fail open, the limiter backend is not the source of truth
				h.logger(r).WithError(err).Warn("rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
