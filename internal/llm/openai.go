// Package llm writes the copy shown on a daily game card using an
// OpenAI-compatible chat completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"munymo/internal/metrics"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

var ErrDisabled = errors.New("llm disabled")

// Company is the subset of a listed company the prompt needs.
type Company struct {
	Ticker string
	Name   string
	Sector string
}

type GameCopy struct {
	Headline     string `json:"headline"`
	DescriptionA string `json:"description_a"`
	DescriptionB string `json:"description_b"`
}

func (g GameCopy) valid() bool {
	return strings.TrimSpace(g.Headline) != "" &&
		strings.TrimSpace(g.DescriptionA) != "" &&
		strings.TrimSpace(g.DescriptionB) != ""
}

type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	log        *slog.Logger
	metrics    *metrics.Registry
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(c *Client) { c.metrics = m }
}

func NewClient(apiKey, model, baseURL string, opts ...Option) *Client {
	c := &Client{
		apiKey:     strings.TrimSpace(apiKey),
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 2),
		log:        slog.Default(),
	}
	if c.model == "" {
		c.model = "gpt-4o-mini"
	}
	if c.baseURL == "" {
		c.baseURL = "https://api.openai.com/v1"
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "openai",
		Timeout: 5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return c
}

func (c *Client) Enabled() bool { return c != nil && c.apiKey != "" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

const systemPrompt = `You write short, neutral copy for a daily stock matchup game.
Never give investment advice or predict which stock will win.
Reply with a JSON object: {"headline": string, "description_a": string, "description_b": string}.
The headline is at most 80 characters. Each description is one paragraph of at most 60 words.`

// GameCopy asks the model for a headline and one paragraph per company.
func (c *Client) GameCopy(ctx context.Context, a, b Company) (GameCopy, error) {
	if !c.Enabled() {
		return GameCopy{}, ErrDisabled
	}
	user := fmt.Sprintf("Company A: %s (%s), sector %s.\nCompany B: %s (%s), sector %s.",
		a.Name, a.Ticker, a.Sector, b.Name, b.Ticker, b.Sector)

	if err := c.limiter.Wait(ctx); err != nil {
		return GameCopy{}, err
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		content, err := c.complete(ctx, []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		})
		if err != nil {
			return nil, err
		}
		return parseGameCopy(content)
	})
	if err != nil {
		c.metrics.ObserveLLMCall("error")
		return GameCopy{}, err
	}
	c.metrics.ObserveLLMCall("ok")
	return out.(GameCopy), nil
}

func (c *Client) complete(ctx context.Context, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:          c.model,
		Messages:       messages,
		Temperature:    0.7,
		MaxTokens:      400,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode completion (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return "", fmt.Errorf("openai status %d: %s", resp.StatusCode, msg)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func parseGameCopy(content string) (GameCopy, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var out GameCopy
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &out); err != nil {
		return GameCopy{}, fmt.Errorf("decode game copy: %w", err)
	}
	if !out.valid() {
		return GameCopy{}, fmt.Errorf("game copy is missing fields")
	}
	out.Headline = strings.TrimSpace(out.Headline)
	out.DescriptionA = strings.TrimSpace(out.DescriptionA)
	out.DescriptionB = strings.TrimSpace(out.DescriptionB)
	return out, nil
}

// TemplateCopy is used when the model is disabled or fails.
func TemplateCopy(a, b Company) GameCopy {
	headline := fmt.Sprintf("%s vs %s: who wins the day?", a.Name, b.Name)
	if a.Sector != "" && a.Sector == b.Sector {
		headline = fmt.Sprintf("%s showdown: %s vs %s", titleCase(a.Sector), a.Ticker, b.Ticker)
	}
	return GameCopy{
		Headline:     headline,
		DescriptionA: describe(a),
		DescriptionB: describe(b),
	}
}

func describe(c Company) string {
	if c.Sector == "" {
		return fmt.Sprintf("%s trades as %s.", c.Name, c.Ticker)
	}
	return fmt.Sprintf("%s (%s) is a %s company. Will it beat its rival by the closing bell?", c.Name, c.Ticker, c.Sector)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
