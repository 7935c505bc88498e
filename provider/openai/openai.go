package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/answerdesk/answerdesk/internal/generation"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client talks to an OpenAI-compatible API for embeddings and chat
// completions. Any backend that speaks the same wire format works through
// BaseURL.
type Client struct {
	apiKey          string
	baseURL         string
	completionModel string
	temperature     float64
	maxTokens       int
	httpClient      *http.Client
}

// Option configures the client beyond the required API key.
type Option func(*Client)

// WithBaseURL points the client at a compatible non-OpenAI endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithCompletionModel sets the chat model used by Complete.
func WithCompletionModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.completionModel = model
		}
	}
}

// WithSampling sets temperature and the completion token cap.
func WithSampling(temperature float64, maxTokens int) Option {
	return func(c *Client) {
		c.temperature = temperature
		c.maxTokens = maxTokens
	}
}

// WithTimeout bounds every request the client sends.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// NewClient creates a client with sensible defaults.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:          apiKey,
		baseURL:         defaultBaseURL,
		completionModel: "gpt-4o-mini",
		temperature:     0.2,
		maxTokens:       1024,
		httpClient:      &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Embed requests embeddings for the given texts in one call. Vectors come
// back in input order.
func (c *Client) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	requestBody := map[string]interface{}{
		"model": model,
		"input": texts,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embeddings API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(apiResp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings API returned %d vectors for %d inputs", len(apiResp.Data), len(texts))
	}

	vecs := make([][]float32, len(apiResp.Data))
	for _, d := range apiResp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("embeddings API returned out-of-range index %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Paraphrase asks the chat model for n alternative phrasings of the query,
// one per line. Used by multi-query retrieval.
func (c *Client) Paraphrase(ctx context.Context, query string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	user := fmt.Sprintf("Rewrite the following search query in %d different ways that keep its meaning. Output one rewrite per line with no numbering or commentary.\n\nQuery: %s", n, query)
	completion, err := c.chat(ctx, "You rephrase search queries.", user, 256)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(completion.Text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line != "" {
			out = append(out, line)
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

const answerSystemPrompt = `You are a support knowledge assistant. Answer the user's question using only the provided context passages. Cite passages by their bracketed labels, e.g. [1]. If the context does not contain the answer, say so plainly instead of guessing.`

// Complete produces the final answer from the assembled context.
func (c *Client) Complete(ctx context.Context, promptContext, query string, style generation.Style) (generation.Completion, error) {
	system := answerSystemPrompt
	if style.Tone != "" {
		system += "\nTone: " + style.Tone + "."
	}
	user := query
	if promptContext != "" {
		user = fmt.Sprintf("Context:\n%s\n\nQuestion: %s", promptContext, query)
	}
	maxTokens := c.maxTokens
	if style.MaxTokens > 0 {
		maxTokens = style.MaxTokens
	}
	return c.chat(ctx, system, user, maxTokens)
}

// chat sends one system+user exchange and returns the first choice.
func (c *Client) chat(ctx context.Context, system, user string, maxTokens int) (generation.Completion, error) {
	requestBody := chatRequest{
		Model: c.completionModel,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.temperature,
		MaxTokens:   maxTokens,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return generation.Completion{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return generation.Completion{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return generation.Completion{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return generation.Completion{}, fmt.Errorf("chat API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return generation.Completion{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return generation.Completion{}, fmt.Errorf("no choices in response")
	}
	return generation.Completion{
		Text:       apiResp.Choices[0].Message.Content,
		TokensUsed: apiResp.Usage.TotalTokens,
	}, nil
}
