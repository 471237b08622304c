package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/angelmondragon/bazaar-backend/api/responses"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/bazaar-backend/pkg/redis"
)

// RateLimit allows limit requests per actor per window under name. Anonymous
// requests are counted by remote address. A failing store lets the request
// through.
func RateLimit(limiter pkgredis.RateLimiter, name string, limit int, window time.Duration, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || limit <= 0 || window <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := r.RemoteAddr
			if userID, ok := UserIDFromContext(r.Context()); ok {
				subject = userID.String()
			}

			allowed, count, err := limiter.FixedWindowAllow(r.Context(), name+":"+subject, int64(limit), window)
			if err != nil {
				logError(r.Context(), logg, "rate limit check failed", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeRateLimit, "too many requests").
					WithDetails(map[string]any{"limit": limit, "count": count, "window_seconds": int(window.Seconds())}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
