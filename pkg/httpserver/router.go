package httpserver

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Get("/h/{fileid}/{additional}/{filename}", s.handleImageServe)
	r.Get("/servercmd/{command}/{additional}/{time}/{key}", s.handleServerCommand)
	r.Get("/t/{size}/{time}/{key}/{rand}", s.handleSpeedTestResponder)
	r.NotFound(s.handleDefault)
	r.MethodNotAllowed(s.handleDefault)

	return s.responseShaping(r)
}

// responseShaping applies the headers every response carries regardless
// of route: Connection: Close (some legacy clients require it) and
// camel-cased header names.
func (s *Server) responseShaping(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "Close")
		w.Header().Set("Server", serverBanner())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleDefault(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusForbidden)
}

// parseAdditional splits a "k=v;k=v" additional field into a map. Empty
// or malformed pairs are skipped rather than rejecting the whole request,
// matching the network's tolerance for extra/unknown keys.
func parseAdditional(raw string) map[string]string {
	m := make(map[string]string)
	if raw == "" || raw == "-" {
		return m
	}
	for _, pair := range strings.Split(raw, ";") {
		k, v, ok := strings.Cut(pair, "=")
		if ok && k != "" {
			m[k] = v
		}
	}
	return m
}
