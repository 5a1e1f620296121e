package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hairswap/internal/http/handlers"
	"hairswap/internal/infra"
	"hairswap/internal/middleware"
)

// Options configures the router beyond the handler set.
type Options struct {
	Logger         infra.Logger
	AllowedOrigins []string
	DefaultLocale  string
	CountryLookup  middleware.CountryLookup
	// SubmitLimit caps job submissions per client IP per minute. Zero disables it.
	SubmitLimit int
	AdminSecret string
	// AllowInsecureAdmin opens admin routes when AdminSecret is empty.
	AllowInsecureAdmin bool
	// StaticDir is served under /static when set.
	StaticDir string
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
	)

	r.Get("/health", app.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.With(middleware.RateLimit(opts.SubmitLimit, time.Minute)).Post("/", app.SubmitJob)
		r.Get("/{id}", app.GetJob)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin(opts.AdminSecret, opts.AllowInsecureAdmin))
			r.Get("/", app.ListJobs)
			r.Delete("/{id}", app.DeleteJob)
		})
	})

	if opts.StaticDir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(opts.StaticDir))))
	}

	return r
}
