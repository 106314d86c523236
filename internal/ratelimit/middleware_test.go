package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/xray/internal/model"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("backend down")
}
func (brokenLimiter) Wait(context.Context, string) error { return errors.New("backend down") }
func (brokenLimiter) Close() error                       { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
}

func serve(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/steps", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareDeniesOverLimit(t *testing.T) {
	lim := newLimiter(t, 0.001, 1)
	h := Middleware(lim, IPKeyFunc, func(*http.Request) string { return "req-1" })(okHandler())

	assert.Equal(t, http.StatusAccepted, serve(h, "10.0.0.1:5000").Code)

	rec := serve(h, "10.0.0.1:5001")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)

	assert.Equal(t, http.StatusAccepted, serve(h, "10.0.0.2:5000").Code, "other clients unaffected")
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := Middleware(brokenLimiter{}, IPKeyFunc, nil)(okHandler())
	assert.Equal(t, http.StatusAccepted, serve(h, "10.0.0.1:1").Code)

	h = Middleware(nil, IPKeyFunc, nil)(okHandler())
	assert.Equal(t, http.StatusAccepted, serve(h, "10.0.0.1:1").Code)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	lim := newLimiter(t, 0.001, 1)
	h := Middleware(lim, func(*http.Request) string { return "" }, nil)(okHandler())
	for range 3 {
		assert.Equal(t, http.StatusAccepted, serve(h, "10.0.0.1:1").Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4242"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "192.0.2.7", IPKeyFunc(req))
}
