// Package broker implements the Kiwoom REST client: token management,
// adaptive rate limiting, TR routing, and the typed operations the
// engine uses.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

const requestTimeout = 10 * time.Second

// APIError represents a non-200 response from the broker API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("broker API error: status %d: %s", e.Status, body)
}

// Client issues authenticated TR requests. All calls funnel through one
// mutex, the shared adaptive limiter, and a circuit breaker, so the
// broker never sees concurrent or back-to-back traffic from us.
type Client struct {
	baseURL       string
	accountNo     string
	chartMaxPages int
	httpClient    *http.Client
	tokens        *TokenService
	limiter       *AdaptiveLimiter
	breaker       *gobreaker.CircuitBreaker
	logger        *log.Logger

	mu sync.Mutex
}

// NewClient creates a Kiwoom REST client.
func NewClient(baseURL, accountNo string, chartMaxPages int, tokens *TokenService, limiter *AdaptiveLimiter, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	if chartMaxPages <= 0 {
		chartMaxPages = 30
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kiwoom-rest",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		accountNo:     accountNo,
		chartMaxPages: chartMaxPages,
		httpClient:    &http.Client{Timeout: requestTimeout},
		tokens:        tokens,
		limiter:       limiter,
		breaker:       breaker,
		logger:        logger,
	}
}

// endpointForTR routes a TR id to its REST path.
func endpointForTR(trID string) string {
	switch {
	case strings.HasPrefix(trID, "kt10"), strings.HasPrefix(trID, "kt5000"):
		return "/api/dostk/ordr"
	case strings.HasPrefix(trID, "ka1008"):
		return "/api/dostk/chart"
	case strings.HasPrefix(trID, "ka10001"):
		return "/api/dostk/stkinfo"
	case strings.HasPrefix(trID, "ka10004"):
		return "/api/dostk/mrkcond"
	case strings.HasPrefix(trID, "kt00"), trID == "ka10075", trID == "ka10074":
		return "/api/dostk/acnt"
	default:
		return "/api/dostk/stkinfo"
	}
}

// apiResult carries one page of a TR response.
type apiResult struct {
	body    []byte
	contYn  string
	nextKey string
}

// call issues one TR request with the full retry ladder: 429 widens the
// limiter and retries once after a bounded backoff; 401/403 refreshes
// the token and retries up to twice.
func (c *Client) call(ctx context.Context, trID string, params any, contYn, nextKey string) (*apiResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", trID, err)
	}

	forceToken := false
	authRetries := 0
	throttled := false
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		token, err := c.tokens.Token(ctx, forceToken)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain token for %s: %w", trID, err)
		}
		forceToken = false

		res, err := c.breaker.Execute(func() (any, error) {
			return c.doRequest(ctx, trID, token, body, contYn, nextKey)
		})
		if err == nil {
			c.limiter.ReportSuccess()
			return res.(*apiResult), nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Status {
			case http.StatusTooManyRequests:
				interval := c.limiter.ReportThrottle()
				if throttled {
					return nil, fmt.Errorf("%s still throttled after retry: %w", trID, apiErr)
				}
				throttled = true
				backoff := 2 * time.Second
				c.logger.Printf("%s rate limited, interval now %s, retrying in %s", trID, interval, backoff)
				if !sleepCtx(ctx, backoff) {
					return nil, ctx.Err()
				}
				continue
			case http.StatusUnauthorized, http.StatusForbidden:
				if authRetries >= 2 {
					return nil, fmt.Errorf("%s unauthorized after token refresh: %w", trID, apiErr)
				}
				authRetries++
				c.logger.Printf("%s returned %d, refreshing token (attempt %d)", trID, apiErr.Status, authRetries)
				c.tokens.ClearCache()
				forceToken = true
				continue
			}
		}
		return nil, fmt.Errorf("%s request failed: %w", trID, err)
	}
}

func (c *Client) doRequest(ctx context.Context, trID, token string, body []byte, contYn, nextKey string) (*apiResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+endpointForTR(trID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", trID, err)
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("api-id", trID)
	if contYn == "" {
		contYn = "N"
	}
	req.Header.Set("cont-yn", contYn)
	req.Header.Set("next-key", nextKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", trID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", trID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	// http.Header.Get is case-insensitive; the broker varies the header
	// casing between environments.
	return &apiResult{
		body:    raw,
		contYn:  resp.Header.Get("cont-yn"),
		nextKey: resp.Header.Get("next-key"),
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
