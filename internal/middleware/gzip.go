package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// GzipMiddleware распаковывает тела запросов с Content-Encoding: gzip и
// сжимает ответы для клиентов, которые принимают gzip.
func GzipMiddleware(next http.Handler) http.Handler {
	compress := chimiddleware.Compress(gzip.DefaultCompression)

	return compress(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		gr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		defer gr.Close()

		r.Body = io.NopCloser(gr)
		r.Header.Del("Content-Encoding")
		r.ContentLength = -1
		next.ServeHTTP(w, r)
	}))
}
