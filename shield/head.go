package shield

import "net/http"

// HeadToGet serves HEAD through GET routes. chi answers 405 for a HEAD on a
// route registered with Get; net/http drops the body on the way out.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		r2 := r.Clone(r.Context())
		r2.Method = http.MethodGet
		next.ServeHTTP(w, r2)
	})
}
