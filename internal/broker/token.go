package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/storage"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/util"
)

// tokenValidityMargin is how much remaining lifetime a cached token must
// have before it is considered usable.
const tokenValidityMargin = 10 * time.Minute

// TokenService issues and caches the OAuth bearer token. The cache lives
// in memory and in the store (survives restarts) under a mode-keyed name
// so paper and real tokens never mix.
type TokenService struct {
	baseURL    string
	appKey     string
	secretKey  string
	cacheKey   string
	httpClient *http.Client
	store      storage.Interface
	logger     *log.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

type cachedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenService creates a token service for one trading mode. The
// cache key should be "token_mock" or "token_real".
func NewTokenService(baseURL, appKey, secretKey, cacheKey string, store storage.Interface, logger *log.Logger) *TokenService {
	if logger == nil {
		logger = log.Default()
	}
	return &TokenService{
		baseURL:    baseURL,
		appKey:     appKey,
		secretKey:  secretKey,
		cacheKey:   cacheKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		store:      store,
		logger:     logger,
	}
}

// Token returns a valid bearer token, refreshing when the cached one is
// within the validity margin of expiry. Concurrent callers serialize so
// only one refresh request is ever in flight.
func (t *TokenService) Token(ctx context.Context, forceRefresh bool) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !forceRefresh {
		if t.token != "" && time.Until(t.expiresAt) > tokenValidityMargin {
			return t.token, nil
		}
		if tok := t.loadFromStore(); tok != "" {
			return tok, nil
		}
	}
	return t.issue(ctx)
}

func (t *TokenService) loadFromStore() string {
	var cached cachedToken
	found, err := t.store.GetKV(t.cacheKey, &cached)
	if err != nil || !found {
		return ""
	}
	if cached.Token == "" || time.Until(cached.ExpiresAt) <= tokenValidityMargin {
		return ""
	}
	t.token = cached.Token
	t.expiresAt = cached.ExpiresAt
	t.logger.Printf("loaded cached token from store, valid until %s", cached.ExpiresAt.Format("2006-01-02 15:04:05"))
	return cached.Token
}

func (t *TokenService) issue(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     t.appKey,
		"secretkey":  t.secretKey,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/oauth2/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")

	t.logger.Printf("requesting new access token")
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	var parsed struct {
		AccessToken string          `json:"access_token"`
		Token       string          `json:"token"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
		ExpiresDt   string          `json:"expires_dt"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	token := util.FirstNonEmpty(parsed.AccessToken, parsed.Token)
	if token == "" {
		return "", fmt.Errorf("token response missing access_token: %s", string(raw))
	}

	t.token = token
	t.expiresAt = parseExpiry(parsed.ExpiresDt, parsed.ExpiresIn)
	if err := t.store.SetKV(t.cacheKey, cachedToken{Token: token, ExpiresAt: t.expiresAt}); err != nil {
		t.logger.Printf("warning: failed to cache token: %v", err)
	}
	t.logger.Printf("access token issued, valid until %s", t.expiresAt.Format("2006-01-02 15:04:05"))
	return token, nil
}

// parseExpiry handles the two expiry shapes the endpoint returns:
// expires_dt as YYYYMMDDHHMMSS, or expires_in seconds (number or
// string). Defaults to six hours.
func parseExpiry(expiresDt string, expiresIn json.RawMessage) time.Time {
	if expiresDt != "" {
		if at, err := time.ParseInLocation("20060102150405", expiresDt, time.Local); err == nil {
			return at
		}
	}
	if len(expiresIn) > 0 {
		var secs int64
		if err := json.Unmarshal(expiresIn, &secs); err != nil {
			var s string
			if json.Unmarshal(expiresIn, &s) == nil {
				secs, _ = strconv.ParseInt(s, 10, 64)
			}
		}
		if secs > 0 {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return time.Now().Add(6 * time.Hour)
}

// ClearCache drops the cached token so the next call issues a fresh one.
// Called on 401/403 from downstream and on WebSocket login failure.
func (t *TokenService) ClearCache() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.expiresAt = time.Time{}
	if err := t.store.SetKV(t.cacheKey, cachedToken{}); err != nil {
		t.logger.Printf("warning: failed to clear cached token: %v", err)
	}
	t.logger.Printf("cached token invalidated")
}
