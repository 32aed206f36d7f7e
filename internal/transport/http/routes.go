package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "knock-pipeline/docs"
	"knock-pipeline/internal/logging"
)

// Routes builds the API router. Generated room images under assetDir are
// served from /static when assetDir is set.
func Routes(h *Handler, logger *logging.Logger, assetDir string) http.Handler {
	if logger == nil {
		l := logging.Nop()
		logger = &l
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/pipeline/jobs", func(r chi.Router) {
		r.Post("/", h.CreateJob)
		r.Get("/{id}", h.GetJob)
		r.Get("/{id}/result", h.GetJobResult)
		r.Post("/{id}/retry", h.RetryJob)
		r.Post("/{id}/cancel", h.CancelJob)
	})
	r.Get("/users/{userId}/jobs", h.ListUserJobs)

	if assetDir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(assetDir))))
	}

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
