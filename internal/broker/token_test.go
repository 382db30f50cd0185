package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/storage"
)

func tokenServer(t *testing.T, issued *int32, response map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth2/token", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "client_credentials", req["grant_type"])

		atomic.AddInt32(issued, 1)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(response))
	}))
}

func TestTokenIssuedOnceAndCached(t *testing.T) {
	var issued int32
	srv := tokenServer(t, &issued, map[string]any{
		"access_token": "tok-1",
		"expires_dt":   time.Now().Add(6 * time.Hour).Format("20060102150405"),
	})
	defer srv.Close()

	store := storage.NewMockStorage()
	svc := NewTokenService(srv.URL, "app", "secret", "token_mock", store, nil)

	for i := 0; i < 3; i++ {
		tok, err := svc.Token(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, "tok-1", tok)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&issued))

	// A fresh service instance finds the token in the store.
	svc2 := NewTokenService(srv.URL, "app", "secret", "token_mock", store, nil)
	tok, err := svc2.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&issued))
}

func TestTokenForceRefresh(t *testing.T) {
	var issued int32
	srv := tokenServer(t, &issued, map[string]any{
		"token":      "tok-2",
		"expires_in": 21600,
	})
	defer srv.Close()

	svc := NewTokenService(srv.URL, "app", "secret", "token_mock", storage.NewMockStorage(), nil)

	_, err := svc.Token(context.Background(), false)
	require.NoError(t, err)
	_, err = svc.Token(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&issued))
}

func TestTokenClearCacheReissues(t *testing.T) {
	var issued int32
	srv := tokenServer(t, &issued, map[string]any{
		"access_token": "tok-3",
		"expires_in":   "21600",
	})
	defer srv.Close()

	svc := NewTokenService(srv.URL, "app", "secret", "token_mock", storage.NewMockStorage(), nil)

	_, err := svc.Token(context.Background(), false)
	require.NoError(t, err)
	svc.ClearCache()
	_, err = svc.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&issued))
}

func TestParseExpiry(t *testing.T) {
	at := parseExpiry("20261231150405", nil)
	assert.Equal(t, 2026, at.Year())
	assert.Equal(t, 15, at.Hour())

	before := time.Now()
	at = parseExpiry("", json.RawMessage(`3600`))
	assert.WithinDuration(t, before.Add(time.Hour), at, 5*time.Second)

	at = parseExpiry("", json.RawMessage(`"3600"`))
	assert.WithinDuration(t, before.Add(time.Hour), at, 5*time.Second)

	at = parseExpiry("", nil)
	assert.WithinDuration(t, before.Add(6*time.Hour), at, 5*time.Second)
}
