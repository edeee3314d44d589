package server

import (
	"log/slog"
	"net"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/rosterly/calconnect/internal/config"
)

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// AdminAuth returns middleware that guards administrative endpoints
// with HTTP Basic credentials checked against bcrypt hashes from
// ADMIN_API_KEYS. Staff-facing endpoints (connect link, callback) are
// deliberately not behind this.
func AdminAuth(keys []config.AdminKey, logger *slog.Logger) func(http.Handler) http.Handler {
	hashes := make(map[string]string, len(keys))
	for _, k := range keys {
		hashes[k.User] = k.Hash
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, secret, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="calconnect admin"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			hash, known := hashes[user]
			if !known {
				// Burn a comparison anyway so unknown users cost the
				// same as wrong secrets.
				hash = "$2a$10$0000000000000000000000000000000000000000000000000000."
			}

			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil || !known {
				logger.Warn("admin auth failed",
					slog.String("user", user),
					slog.String("ip", remoteIP(r)),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Basic realm="calconnect admin"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
