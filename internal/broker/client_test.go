package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/storage"
)

// trHandler receives every TR request the fake broker sees.
type trHandler func(w http.ResponseWriter, r *http.Request, trID string)

func newTestClient(t *testing.T, handle trHandler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/token" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "test-token", "expires_in": 21600})
			return
		}
		handle(w, r, r.Header.Get("api-id"))
	}))
	t.Cleanup(srv.Close)

	store := storage.NewMockStorage()
	tokens := NewTokenService(srv.URL, "app", "secret", "token_mock", store, nil)
	client := NewClient(srv.URL, "12345678", 3, tokens, NewAdaptiveLimiter(), nil)
	return client, srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestCallSetsProtocolHeaders(t *testing.T) {
	var seen http.Header
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, trID string) {
		seen = r.Header.Clone()
		writeJSON(w, map[string]any{})
	})

	_, err := client.call(context.Background(), "ka10001", map[string]string{"stk_cd": "005930"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-token", seen.Get("authorization"))
	assert.Equal(t, "ka10001", seen.Get("api-id"))
	assert.Equal(t, "N", seen.Get("cont-yn"))
	assert.Contains(t, seen.Get("Content-Type"), "application/json")
}

func TestCallRetriesOnceAfterThrottle(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, trID string) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})

	before := client.limiter.Interval()
	_, err := client.call(context.Background(), "ka10001", map[string]string{}, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	// One penalty then one success decay.
	assert.Greater(t, client.limiter.Interval(), before)
}

func TestCallFailsAfterSecondThrottle(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, trID string) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.call(context.Background(), "ka10001", map[string]string{}, "", "")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
}

func TestCallRefreshesTokenOnUnauthorized(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, trID string) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})

	_, err := client.call(context.Background(), "kt00001", map[string]string{}, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestEndpointRouting(t *testing.T) {
	cases := map[string]string{
		"kt10000": "/api/dostk/ordr",
		"kt10001": "/api/dostk/ordr",
		"kt10003": "/api/dostk/ordr",
		"ka10080": "/api/dostk/chart",
		"ka10081": "/api/dostk/chart",
		"ka10001": "/api/dostk/stkinfo",
		"ka10004": "/api/dostk/mrkcond",
		"kt00018": "/api/dostk/acnt",
		"kt00001": "/api/dostk/acnt",
		"ka10074": "/api/dostk/acnt",
		"ka10099": "/api/dostk/stkinfo",
	}
	for trID, path := range cases {
		assert.Equal(t, path, endpointForTR(trID), trID)
	}
}
