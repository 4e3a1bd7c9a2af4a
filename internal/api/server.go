package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/wirepbx/wirepbx/internal/api/middleware"
	"github.com/wirepbx/wirepbx/internal/call"
	"github.com/wirepbx/wirepbx/internal/config"
	"github.com/wirepbx/wirepbx/internal/database"
	"github.com/wirepbx/wirepbx/internal/media"
	sipcore "github.com/wirepbx/wirepbx/internal/sip"
)

// Server is the operational HTTP API: extension provisioning, voicemail
// access, live call and registration visibility, CDRs, the brute-force
// block list and the metrics endpoint.
type Server struct {
	router *chi.Mux
	cfg    *config.Config
	logger *slog.Logger

	repos     *database.Repositories
	calls     *call.Manager
	registrar *sipcore.Registrar
	guard     *sipcore.BruteForceGuard
	allocator *media.PortAllocator
	relays    *media.RelayManager
	metrics   http.Handler

	limiter   *middleware.IPRateLimiter
	startTime time.Time
}

// NewServer creates the HTTP handler with all routes mounted. metrics
// may be nil to leave the /metrics endpoint unmounted.
func NewServer(
	cfg *config.Config,
	repos *database.Repositories,
	calls *call.Manager,
	registrar *sipcore.Registrar,
	guard *sipcore.BruteForceGuard,
	allocator *media.PortAllocator,
	relays *media.RelayManager,
	metrics http.Handler,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		logger:    logger.With("subsystem", "api"),
		repos:     repos,
		calls:     calls,
		registrar: registrar,
		guard:     guard,
		allocator: allocator,
		relays:    relays,
		metrics:   metrics,
		limiter:   middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		startTime: time.Now(),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter's background cleanup.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures the middleware stack and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RateLimit(s.limiter))

	// Health stays open for load balancer probes.
	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKey(s.cfg.APIKey))

		if s.metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.metrics)
		}

		r.Route("/v1", func(r chi.Router) {
			r.Get("/status", s.handleStatus)

			r.Route("/extensions", func(r chi.Router) {
				r.Get("/", s.handleListExtensions)
				r.Post("/", s.handleCreateExtension)
				r.Route("/{extension}", func(r chi.Router) {
					r.Get("/", s.handleGetExtension)
					r.Put("/", s.handleUpdateExtension)
					r.Delete("/", s.handleDeleteExtension)
					r.Get("/voicemail", s.handleListVoicemail)
				})
			})

			r.Route("/voicemail/{id}", func(r chi.Router) {
				r.Put("/read", s.handleMarkVoicemailRead)
				r.Put("/unread", s.handleMarkVoicemailUnread)
				r.Get("/audio", s.handleVoicemailAudio)
				r.Delete("/", s.handleDeleteVoicemail)
			})

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleActiveCalls)
				r.Get("/history", s.handleCallHistory)
				r.Post("/{callID}/hangup", s.handleHangup)
			})

			r.Get("/registrations", s.handleListRegistrations)

			r.Route("/cdrs", func(r chi.Router) {
				r.Get("/", s.handleListCDRs)
				r.Get("/stats", s.handleCDRStats)
			})

			r.Route("/security", func(r chi.Router) {
				r.Get("/blocked", s.handleListBlocked)
				r.Delete("/blocked/{ip}", s.handleUnblock)
			})
		})
	})
}
