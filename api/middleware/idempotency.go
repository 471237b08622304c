package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/bazaar-backend/api/responses"
	"github.com/angelmondragon/bazaar-backend/api/validators"
	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/bazaar-backend/pkg/redis"
)

const (
	statusChangeTTL  = 24 * time.Hour
	moneyMovementTTL = 7 * 24 * time.Hour
	// inFlightTTL bounds how long a crashed request can hold its key.
	inFlightTTL = time.Minute

	idempotencyHeader = "Idempotency-Key"
	replayHeader      = "Idempotent-Replay"
)

// keyedRoutes maps "METHOD /path" templates to how long a completed
// response is replayed. A {name} segment matches any single segment.
// Order creation is absent: the materializer dedupes on the intent under its
// row lock, so every retry gets the same orders back without a key.
var keyedRoutes = map[string]time.Duration{
	"POST /api/v1/orders/{orderId}/refund":               moneyMovementTTL,
	"POST /api/admin/v1/orders/{orderId}/refund/resolve": moneyMovementTTL,
	"PATCH /api/v1/orders/{orderId}/status":              statusChangeTTL,
}

type recordState string

const (
	stateInFlight recordState = "in_flight"
	stateDone     recordState = "done"
)

type idempotencyRecord struct {
	State       recordState `json:"state"`
	RequestHash string      `json:"request_hash"`
	Status      int         `json:"status,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	Body        []byte      `json:"body,omitempty"`
}

// Idempotency makes the keyed routes safe to retry. The key is reserved
// before the handler runs, so a concurrent duplicate is rejected as in progress
// instead of executing twice. 2xx responses are stored and replayed; any
// other outcome frees the key for a retry.
func Idempotency(store pkgredis.IdempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ttl, ok := routeTTL(r.Method, routePattern(r))
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			clientKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if !validators.ValidIdempotencyKey(clientKey) {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "a valid Idempotency-Key header is required").
					WithDetails(map[string]string{"header": idempotencyHeader}))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, validators.MaxBodyBytes))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			requestHash := hashBody(body)
			key := store.IdempotencyKey(scopeFor(r), clientKey)

			reserved, err := reserve(ctx, store, key, requestHash)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			if !reserved {
				replay(ctx, store, logg, w, key, requestHash)
				return
			}

			capture := &responseCapture{ResponseWriter: w}
			completed := false
			defer func() {
				if !completed {
					release(ctx, store, logg, key)
				}
			}()
			next.ServeHTTP(capture, r)

			status := capture.statusCode()
			if status < 200 || status >= 300 {
				return
			}
			payload, err := json.Marshal(idempotencyRecord{
				State:       stateDone,
				RequestHash: requestHash,
				Status:      status,
				ContentType: capture.Header().Get("Content-Type"),
				Body:        capture.body.Bytes(),
			})
			if err == nil {
				err = store.Set(context.WithoutCancel(ctx), key, string(payload), ttl)
			}
			if err != nil {
				logError(ctx, logg, "persist idempotency record", err)
				return
			}
			completed = true
		})
	}
}

func reserve(ctx context.Context, store pkgredis.IdempotencyStore, key, requestHash string) (bool, error) {
	marker, _ := json.Marshal(idempotencyRecord{State: stateInFlight, RequestHash: requestHash})
	ok, err := store.SetNX(ctx, key, string(marker), inFlightTTL)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeStoreUnavailable, err, "reserve idempotency key")
	}
	return ok, nil
}

// release frees the key after a failed or panicking request. It uses a
// detached context so a cancelled client does not leave the key held.
func release(ctx context.Context, store pkgredis.IdempotencyStore, logg *logger.Logger, key string) {
	if err := store.Del(context.WithoutCancel(ctx), key); err != nil {
		logError(ctx, logg, "release idempotency key", err)
	}
}

func replay(ctx context.Context, store pkgredis.IdempotencyStore, logg *logger.Logger, w http.ResponseWriter, key, requestHash string) {
	stored, err := store.Get(ctx, key)
	switch {
	case errors.Is(err, redis.Nil):
		// The holder finished with a failure between our SETNX and GET.
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInProgress, "request with this Idempotency-Key was just released; retry"))
		return
	case err != nil:
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeStoreUnavailable, err, "read idempotency record"))
		return
	}

	var record idempotencyRecord
	if err := json.Unmarshal([]byte(stored), &record); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeStoreUnavailable, err, "decode idempotency record"))
		return
	}
	switch {
	case record.RequestHash != requestHash:
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
	case record.State != stateDone:
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInProgress, "request with this Idempotency-Key is still in progress"))
	default:
		if record.ContentType != "" {
			w.Header().Set("Content-Type", record.ContentType)
		}
		w.Header().Set(replayHeader, "true")
		w.WriteHeader(record.Status)
		_, _ = w.Write(record.Body)
	}
}

// scopeFor keeps keys private to the caller and the concrete resource.
func scopeFor(r *http.Request) string {
	userID, _ := UserIDFromContext(r.Context())
	return strings.Join([]string{userID.String(), r.Method, r.URL.Path}, "|")
}

func hashBody(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// routePattern prefers the matched chi pattern. Middleware mounted on a
// sub-router only sees "/prefix/*", so the raw path is used then.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" && !strings.HasSuffix(pattern, "/*") {
			return pattern
		}
	}
	return r.URL.Path
}

func routeTTL(method, path string) (time.Duration, bool) {
	for route, ttl := range keyedRoutes {
		routeMethod, template, _ := strings.Cut(route, " ")
		if routeMethod == method && matchTemplate(template, path) {
			return ttl, true
		}
	}
	return 0, false
}

func matchTemplate(template, path string) bool {
	want := strings.Split(strings.Trim(template, "/"), "/")
	got := strings.Split(strings.Trim(path, "/"), "/")
	if len(want) != len(got) {
		return false
	}
	for i, seg := range want {
		if strings.HasPrefix(seg, "{") || seg == got[i] {
			continue
		}
		return false
	}
	return true
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (c *responseCapture) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *responseCapture) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil || err == nil {
		return
	}
	logg.Error(ctx, msg, err)
}
