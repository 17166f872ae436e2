package s3

import "net/http"

// MaxClientsMiddleware bounds the number of concurrently in-flight
// requests using a buffered-channel semaphore, protecting file descriptor
// and goroutine limits under load.
func MaxClientsMiddleware(maxClients int) func(http.Handler) http.Handler {
	semaphore := make(chan struct{}, maxClients)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()
			next.ServeHTTP(w, r)
		})
	}
}
