package handlers

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prudhvinik1/devicepair/internal/ratelimit"
	"github.com/prudhvinik1/devicepair/internal/services"
	"github.com/sirupsen/logrus"
)

const requestTimeout = 15 * time.Second

type Handler struct {
	pairing        *services.PairingService
	tokens         *services.TokenService
	sessions       SessionManager
	limiter        ratelimit.Limiter
	log            logrus.FieldLogger
	validate       *validator.Validate
	trustedProxies []netip.Prefix
}

type Option func(*Handler)

// WithTrustedProxies lets requests arriving from these networks name the
// real client in X-Forwarded-For or X-Real-IP.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(h *Handler) {
		h.trustedProxies = prefixes
	}
}

func New(
	pairing *services.PairingService,
	tokens *services.TokenService,
	sessions SessionManager,
	limiter ratelimit.Limiter,
	log logrus.FieldLogger,
	opts ...Option,
) *Handler {
	h := &Handler{
		pairing:  pairing,
		tokens:   tokens,
		sessions: sessions,
		limiter:  limiter,
		log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router wires the pairing API. Extra routes that should require a device
// token can be mounted through protected.
func (h *Handler) Router(protected ...func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/devices", func(r chi.Router) {
			r.With(h.rateLimitByIP("register")).Post("/register", h.register)
			r.With(h.rateLimitByIP("exchange")).Post("/exchange", h.exchange)
			r.With(h.requireWebSession, h.rateLimitByUser("link")).Post("/link", h.link)

			r.Group(func(r chi.Router) {
				r.Use(h.requireDeviceToken)
				r.Post("/refresh", h.refresh)
				r.Post("/logout", h.logout)
			})
		})

		r.With(h.requireWebSession).Post("/session/logout", h.sessionLogout)

		r.Group(func(r chi.Router) {
			r.Use(h.requireDeviceToken)
			r.Get("/me", h.me)
			for _, mount := range protected {
				mount(r)
			}
		})
	})

	return r
}
