package ratelimit

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// AdminHandler serves limiter stats and per-key resets:
//
//	GET    /       stats per limiter
//	DELETE /{key}  forget an IP or operator id
func AdminHandler(m *Middleware) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		render.Status(r, http.StatusOK)
		render.JSON(w, r, m.GetStats())
	})
	r.Delete("/{key}", func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		m.Reset(key)
		slog.Info("Throttle reset", "key", key, "path", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}
