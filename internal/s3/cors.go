package s3

import (
	"net/http"

	"github.com/rs/cors"
)

// CORSMiddleware wraps next with a permissive cross-origin policy: any
// origin, the S3 verbs, and the full set of headers an SDK signs, mirroring
// the teacher's hand-rolled allow-everything CORS handler but through
// rs/cors so preflight semantics (Vary, max-age caching) come from a
// maintained implementation rather than a bespoke OPTIONS branch.
func CORSMiddleware(next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet, http.MethodPut, http.MethodPost,
			http.MethodDelete, http.MethodHead, http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{
			"ETag", "x-amz-request-id", "x-amz-version-id",
		},
		MaxAge: 3600,
	})
	return c.Handler(next)
}
