package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/authgate/authgate-go/internal/audit"
	"github.com/authgate/authgate-go/internal/middleware"
	"github.com/authgate/authgate-go/internal/ratelimit"
	"github.com/authgate/authgate-go/internal/service"
)

// RouterOptions configure NewRouter.
type RouterOptions struct {
	RegisterPerMinute int
	// RegisterCounter shares the registration throttle between instances.
	// Nil keeps it in process memory.
	RegisterCounter ratelimit.Counter
	TrustProxy      bool
	Audit           audit.Sink
	Logger          *slog.Logger
	Now             func() time.Time
}

// NewRouter mounts the auth endpoints and their middleware.
func NewRouter(auth *AuthHandler, opts RouterOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	sink := audit.Safe(orNop(opts.Audit), opts.Logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if opts.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.Logger(opts.Logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(middleware.ThrottleOptions{
			PerMinute: opts.RegisterPerMinute,
			Action:    "register",
			Shared:    opts.RegisterCounter,
			Logger:    opts.Logger,
			Now:       opts.Now,
			OnReject: func(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
				rlErr := &service.RateLimitError{RetryAfter: retryAfter}
				sink.Record(r.Context(), audit.Event{
					Name:             audit.RegisterThrottled,
					Timestamp:        opts.Now().UTC(),
					RequesterAddress: middleware.ClientIP(r),
					UserAgent:        r.UserAgent(),
					Detail:           map[string]any{"retry_after": rlErr.RetryAfterSeconds()},
				})
				writeTooManyAttempts(w, rlErr)
			},
		}))
		r.Post("/register", auth.HandleRegister)
	})

	r.Post("/login", auth.HandleLogin)

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerToken)
		r.Get("/profile", auth.HandleProfile)
		r.Get("/user", auth.HandleUser)
		r.Post("/logout", auth.HandleLogout)
		r.Post("/refresh", auth.HandleRefresh)
	})

	return r
}

func orNop(s audit.Sink) audit.Sink {
	if s == nil {
		return audit.Nop{}
	}
	return s
}
