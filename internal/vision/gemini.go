package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Analyzer answers chart questions. The pipeline treats any error as a
// rejection.
type Analyzer interface {
	Analyze(ctx context.Context, chart, prompt string) (*Verdict, error)
}

// GeminiClient calls the generateContent endpoint with a rotating pool
// of API keys, so per-key rate limits spread across the pool.
type GeminiClient struct {
	baseURL    string
	model      string
	keys       []string
	httpClient *http.Client
	logger     *log.Logger

	mu     sync.Mutex
	keyIdx int
}

var _ Analyzer = (*GeminiClient)(nil)

// NewGeminiClient creates a client. baseURL may be empty for the public
// endpoint. At least one key is required for the client to be usable.
func NewGeminiClient(baseURL, model string, keys []string, logger *log.Logger) *GeminiClient {
	if logger == nil {
		logger = log.Default()
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &GeminiClient{
		baseURL:    baseURL,
		model:      model,
		keys:       keys,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Enabled reports whether the client has keys to work with.
func (c *GeminiClient) Enabled() bool {
	return len(c.keys) > 0
}

func (c *GeminiClient) nextKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.keys[c.keyIdx%len(c.keys)]
	c.keyIdx++
	return key
}

// Analyze sends the prompt plus chart and parses the verdict. Each key
// in the pool is tried once before giving up.
func (c *GeminiClient) Analyze(ctx context.Context, chart, prompt string) (*Verdict, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("no vision api keys configured")
	}

	var lastErr error
	for attempt := 0; attempt < len(c.keys); attempt++ {
		text, err := c.generate(ctx, c.nextKey(), prompt+"\n\n"+chart)
		if err != nil {
			lastErr = err
			c.logger.Printf("vision request failed (attempt %d/%d): %v", attempt+1, len(c.keys), err)
			continue
		}
		return parseVerdict(text), nil
	}
	return nil, fmt.Errorf("vision analysis failed on all keys: %w", lastErr)
}

func (c *GeminiClient) generate(ctx context.Context, key, text string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": text}}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode vision request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.model, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create vision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("vision request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read vision response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(raw)
		if len(snippet) > 300 {
			snippet = snippet[:300]
		}
		return "", fmt.Errorf("vision endpoint returned %d: %s", resp.StatusCode, snippet)
	}

	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode vision response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("vision response has no candidates")
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}
