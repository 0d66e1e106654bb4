// Package llm implements the streaming chat-completion adapter used to
// turn a user utterance plus conversation history into an assistant
// reply. The wire format is an OpenRouter/OpenAI-compatible
// Server-Sent-Events chat-completions stream: one "data: <json>" line
// per delta, terminated by "data: [DONE]".
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// Message is one chat-history entry sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is the outcome of a Chat call: the accumulated reply text and
// latency measurements used for metrics.
type Result struct {
	Text       string
	TTFT       time.Duration
	Elapsed    time.Duration
	Attempts   int
	SearchUsed bool
}

// Config parameterizes a Client. Zero values for MaxRetries and
// RetryBaseDelay are replaced by defaults at NewClient time.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	MaxTokens      int
	Temperature    float64
	WebSearch      bool
	WarmupEnabled  bool
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Client is a streaming chat-completions HTTP client with bounded
// retry-with-backoff on transient failures, mirroring the Python
// reference client's warmup/chat behavior.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	model          string
	maxTokens      int
	temperature    float64
	webSearch      bool
	warmupEnabled  bool
	maxRetries     int
	retryBaseDelay time.Duration

	sleep func(time.Duration)
	rand  func() float64
}

// NewClient builds a Client from cfg. A MaxRetries of zero or less
// becomes 2; a RetryBaseDelay of zero or less becomes 0.25s, and any
// smaller positive delay is raised to 0.05s.
func NewClient(cfg Config) *Client {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	retryBase := cfg.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = 250 * time.Millisecond
	}
	if retryBase < 50*time.Millisecond {
		retryBase = 50 * time.Millisecond
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		model:          cfg.Model,
		maxTokens:      cfg.MaxTokens,
		temperature:    cfg.Temperature,
		webSearch:      cfg.WebSearch,
		warmupEnabled:  cfg.WarmupEnabled,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBase,
		sleep:          time.Sleep,
		rand:           rand.Float64,
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream"`
	Plugins     []plugin  `json:"plugins,omitempty"`
}

type plugin struct {
	ID string `json:"id"`
}

type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Warmup fires a minimal request in the background to pre-warm the
// upstream connection and model. All errors are swallowed, matching
// the reference client's fire-and-forget _do_warmup().
func (c *Client) Warmup(ctx context.Context) {
	if !c.warmupEnabled {
		return
	}
	go func() {
		defer func() { recover() }()
		wctx, cancel := context.WithTimeout(context.Background(), c.httpClient.Timeout)
		defer cancel()
		_, _ = c.Chat(wctx, []Message{{Role: "user", Content: "hi"}})
	}()
	_ = ctx
}

// Chat streams a chat-completions response and accumulates it into a
// single reply, retrying on network errors and HTTP 429/5xx up to
// maxRetries additional attempts with exponential backoff plus jitter.
// Other HTTP error statuses are returned immediately without retry.
func (c *Client) Chat(ctx context.Context, messages []Message) (Result, error) {
	var lastErr error
	start := time.Now()

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		res, err := c.attempt(ctx, messages, start)
		if err == nil {
			res.Attempts = attempt + 1
			return res, nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == c.maxRetries {
			break
		}

		delay := c.retryBaseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(c.rand() * 0.25 * float64(delay))
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
		c.sleep(delay + jitter)
	}

	return Result{}, lastErr
}

type retryableError struct{ err error }

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

func isRetryable(err error) bool {
	_, ok := err.(*retryableError)
	return ok
}

func (c *Client) attempt(ctx context.Context, messages []Message, start time.Time) (Result, error) {
	plugins := []plugin(nil)
	if c.webSearch {
		plugins = []plugin{{ID: "web"}}
	}

	reqBody := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Stream:      true,
		Plugins:     plugins,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, &retryableError{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(resp.Body)
		return Result{}, &retryableError{fmt.Errorf("llm: status %d: %s", resp.StatusCode, string(msg))}
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("llm: status %d: %s", resp.StatusCode, string(msg))
	}

	var text strings.Builder
	var ttft time.Duration
	ttftSet := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk sseChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if !ttftSet {
			ttft = time.Since(start)
			ttftSet = true
		}
		text.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return Result{}, &retryableError{err}
	}

	return Result{
		Text:       text.String(),
		TTFT:       ttft,
		Elapsed:    time.Since(start),
		SearchUsed: c.webSearch,
	}, nil
}
