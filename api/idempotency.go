/*
idempotency.go - Idempotency-Key support for submissions

PURPOSE:
  A client that retries POST /api/requests after a timeout must not file the
  request twice. The ledger is idempotent per request id, but a retried
  submit would mint a new request id, so replay protection lives here.

PROTOCOL:
  Idempotency-Key header absent  -> passes through
  first use                      -> SETNX an in-progress marker (lockTTL),
                                    run the handler, store status + body (ttl)
  reuse, same body, finished     -> stored response replayed,
                                    Idempotent-Replayed: true
  reuse, same body, in progress  -> 409 REQUEST_IN_PROGRESS
  reuse, different body          -> 422 IDEMPOTENCY_KEY_REUSED
  handler answered 5xx           -> marker deleted so the client can retry

  Keys are scoped by tenant, actor and path. Must run after Authenticate.
*/
package api

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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/apperror"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"

	lockTTL       = 60 * time.Second
	redisTimeout  = 2 * time.Second
	maxKeyLength  = 255
	maxBodyLength = 1 << 20
)

var (
	errKeyInProgress = apperror.New("REQUEST_IN_PROGRESS",
		"A request with this Idempotency-Key is still being processed", http.StatusConflict)
	errKeyReused = apperror.New("IDEMPOTENCY_KEY_REUSED",
		"This Idempotency-Key was already used with a different body", http.StatusUnprocessableEntity)
	errKeyInvalid = apperror.New(apperror.CodeInvalidInput,
		"Idempotency-Key is invalid", http.StatusBadRequest)
	errCacheDown = apperror.New(apperror.CodeServiceUnavailable,
		"Idempotency store unavailable, please try again", http.StatusServiceUnavailable)
)

type idempotencyEntry struct {
	InProgress bool      `json:"in_progress"`
	BodySHA256 string    `json:"body_sha256"`
	Status     int       `json:"status,omitempty"`
	Body       []byte    `json:"body,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Idempotency replays the stored response of a completed request with the
// same Idempotency-Key.
func Idempotency(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			idemKey := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
			if idemKey == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			if len(idemKey) > maxKeyLength {
				writeAppError(w, errKeyInvalid)
				return
			}
			p := MustPrincipal(r.Context())

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyLength))
			if err != nil {
				writeAppError(w, apperror.Wrap(err, apperror.CodeInvalidInput, "Invalid request body", http.StatusBadRequest))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			hash := hex.EncodeToString(sum[:])

			key := "idemp:" + p.TenantID + ":" + p.ActorID + ":" + r.URL.Path + ":" + idemKey
			log := logger.With(zap.String("idempotency_key", idemKey), zap.String("actor_id", p.ActorID))

			ctx, cancel := context.WithTimeout(r.Context(), redisTimeout)
			defer cancel()

			marker, _ := json.Marshal(idempotencyEntry{InProgress: true, BodySHA256: hash, CreatedAt: time.Now().UTC()})
			fresh, err := rdb.SetNX(ctx, key, marker, lockTTL).Result()
			if err != nil {
				log.Error("idempotency lock failed", zap.Error(err))
				writeAppError(w, errCacheDown)
				return
			}

			if !fresh {
				replay(ctx, w, rdb, key, hash, log)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// The response is already written; persisting it is best effort.
			storeCtx, storeCancel := context.WithTimeout(context.WithoutCancel(r.Context()), redisTimeout)
			defer storeCancel()
			if rec.status >= http.StatusInternalServerError {
				if err := rdb.Del(storeCtx, key).Err(); err != nil {
					log.Warn("idempotency unlock failed", zap.Error(err))
				}
				return
			}
			final, _ := json.Marshal(idempotencyEntry{
				BodySHA256: hash,
				Status:     rec.status,
				Body:       rec.body.Bytes(),
				CreatedAt:  time.Now().UTC(),
			})
			if err := rdb.Set(storeCtx, key, final, ttl).Err(); err != nil {
				log.Warn("idempotency store failed", zap.Error(err))
			}
		})
	}
}

func replay(ctx context.Context, w http.ResponseWriter, rdb redis.Cmdable, key, hash string, log *zap.Logger) {
	raw, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; the client may retry.
		writeAppError(w, errKeyInProgress)
		return
	}
	if err != nil {
		log.Error("idempotency lookup failed", zap.Error(err))
		writeAppError(w, errCacheDown)
		return
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		log.Error("idempotency entry corrupt", zap.Error(err))
		writeAppError(w, errCacheDown)
		return
	}
	switch {
	case entry.BodySHA256 != hash:
		writeAppError(w, errKeyReused)
	case entry.InProgress:
		writeAppError(w, errKeyInProgress)
	default:
		log.Debug("idempotent replay", zap.Int("status", entry.Status))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(ReplayedHeader, "true")
		w.WriteHeader(entry.Status)
		_, _ = w.Write(entry.Body)
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
