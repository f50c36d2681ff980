package api_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/api"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// idempotentRoute mounts handler behind a fixed principal and the middleware.
func idempotentRoute(rdb *redis.Client, handler http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := api.WithPrincipal(req.Context(), api.Principal{ActorID: "u-alice", TenantID: tenant})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Use(api.Idempotency(rdb, time.Hour, zap.NewNop()))
	r.Post("/submit", handler)
	return r
}

func post(h http.Handler, body, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewBufferString(body))
	if key != "" {
		req.Header.Set(api.IdempotencyHeader, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func countingHandler(calls *atomic.Int32, status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"call":` + strconv.Itoa(int(n)) + `,"echo":` + string(body) + `}`))
	}
}

func TestIdempotencyReplaysCompletedResponse(t *testing.T) {
	// GIVEN
	_, rdb := newMiniredis(t)
	var calls atomic.Int32
	h := idempotentRoute(rdb, countingHandler(&calls, http.StatusCreated))

	// WHEN: the same key and body arrive twice
	first := post(h, `{"q":1}`, "key-1")
	second := post(h, `{"q":1}`, "key-1")

	// THEN: the handler ran once and the second answer is a byte-for-byte replay
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(api.ReplayedHeader))
	assert.Empty(t, first.Header().Get(api.ReplayedHeader))
}

func TestIdempotencyWithoutKeyPassesThrough(t *testing.T) {
	_, rdb := newMiniredis(t)
	var calls atomic.Int32
	h := idempotentRoute(rdb, countingHandler(&calls, http.StatusCreated))

	post(h, `{"q":1}`, "")
	post(h, `{"q":1}`, "")

	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotencyKeyReusedWithDifferentBody(t *testing.T) {
	_, rdb := newMiniredis(t)
	var calls atomic.Int32
	h := idempotentRoute(rdb, countingHandler(&calls, http.StatusCreated))

	post(h, `{"q":1}`, "key-1")
	rec := post(h, `{"q":2}`, "key-1")

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "IDEMPOTENCY_KEY_REUSED", decode[api.ErrorDTO](t, rec).Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotencyInProgress(t *testing.T) {
	// GIVEN: the first request is still inside the handler
	_, rdb := newMiniredis(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h := idempotentRoute(rdb, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusCreated)
	})

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- post(h, `{"q":1}`, "key-1") }()
	<-entered

	// WHEN
	rec := post(h, `{"q":1}`, "key-1")
	close(release)

	// THEN
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "REQUEST_IN_PROGRESS", decode[api.ErrorDTO](t, rec).Code)
	assert.Equal(t, http.StatusCreated, (<-done).Code)
}

func TestIdempotencyServerErrorsAreRetryable(t *testing.T) {
	_, rdb := newMiniredis(t)
	var calls atomic.Int32
	status := http.StatusServiceUnavailable
	h := idempotentRoute(rdb, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
	})

	require.Equal(t, http.StatusServiceUnavailable, post(h, `{"q":1}`, "key-1").Code)
	status = http.StatusCreated
	assert.Equal(t, http.StatusCreated, post(h, `{"q":1}`, "key-1").Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotencyKeysAreScopedAndExpire(t *testing.T) {
	mr, rdb := newMiniredis(t)
	var calls atomic.Int32
	h := idempotentRoute(rdb, countingHandler(&calls, http.StatusCreated))

	post(h, `{"q":1}`, "key-1")
	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, "idemp:acme:u-alice:/submit:key-1", keys[0])

	mr.FastForward(2 * time.Hour)
	post(h, `{"q":1}`, "key-1")
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotencyStoreDown(t *testing.T) {
	mr, rdb := newMiniredis(t)
	var calls atomic.Int32
	h := idempotentRoute(rdb, countingHandler(&calls, http.StatusCreated))
	mr.Close()

	rec := post(h, `{"q":1}`, "key-1")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Zero(t, calls.Load())
}

func TestSubmitEndpointIsIdempotent(t *testing.T) {
	// GIVEN: the full router with redis configured
	_, rdb := newMiniredis(t)
	s := newTestServer(t, api.RouterConfig{Redis: rdb, IdempotencyTTL: time.Hour})

	// WHEN: a client retries the same submission
	first := s.do(http.MethodPost, "/api/requests", "u-alice", leaveBody("2"), api.IdempotencyHeader, "retry-1")
	second := s.do(http.MethodPost, "/api/requests", "u-alice", leaveBody("2"), api.IdempotencyHeader, "retry-1")

	// THEN: one request exists and only 2 days are reserved
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, decode[api.RequestDTO](t, first).ID, decode[api.RequestDTO](t, second).ID)

	b := decode[api.BalanceDTO](t, s.do(http.MethodGet, "/api/employees/e-alice/balances/vacation", "u-alice", nil))
	assert.Equal(t, "2", b.Reserved)
}
