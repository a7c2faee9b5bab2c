package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/menta2k/auto-annotate/pkg/client"
	"github.com/menta2k/auto-annotate/pkg/processing"
	"github.com/menta2k/auto-annotate/pkg/types"
	"github.com/menta2k/auto-annotate/pkg/vlm"
)

// DefaultURL is the default llama-server address
const DefaultURL = "http://localhost:8080"

type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	processor  *processing.Processor
	encode     types.EncodeOptions
	timeout    time.Duration
}

// Option customises a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sends a bearer token, for servers started with --api-key
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithEncodeOptions controls the image payload
func WithEncodeOptions(opts types.EncodeOptions) Option {
	return func(c *Client) { c.encode = opts }
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// OpenAI-compatible message format
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // Can be string or []ContentPart
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// OpenAI-compatible chat completion request
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// OpenAI-compatible chat completion response
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

func NewClient(serverURL, model string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		serverURL = DefaultURL
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(serverURL, "/"),
		model:      model,
		httpClient: &http.Client{},
		processor:  processing.NewProcessor(),
		encode:     types.DefaultEncodeOptions(),
		timeout:    client.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ready queries the server health endpoint, which reports 503 while the
// model is still loading
func (c *Client) Ready(ctx context.Context) error {
	ctx, cancel := client.WithDefaultTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llama.cpp server not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("llama.cpp server not ready: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Detect asks the model for every instance of label in img
func (c *Client) Detect(ctx context.Context, img image.Image, label string) ([]types.Box, error) {
	ctx, cancel := client.WithDefaultTimeout(ctx, c.timeout)
	defer cancel()

	uri, err := c.processor.DataURI(img, c.encode)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	req := ChatCompletionRequest{
		Model: c.model,
		Messages: []Message{
			{
				Role: "user",
				Content: []ContentPart{
					{Type: "text", Text: vlm.Prompt(label)},
					{Type: "image_url", ImageURL: &ImageURL{URL: uri}},
				},
			},
		},
		Temperature: 0,
		MaxTokens:   2048,
		Stream:      false,
	}

	respBody, err := c.sendRequest(ctx, "/v1/chat/completions", req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	text := messageText(resp.Choices[0].Message)
	if text == "" {
		return nil, fmt.Errorf("empty response from llama.cpp server")
	}

	boxes, err := vlm.ParseObjects(text)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	return vlm.ToPixels(boxes, b.Dx(), b.Dy()), nil
}

// messageText extracts text from the response (handle both string and array formats)
func messageText(m Message) string {
	switch content := m.Content.(type) {
	case string:
		return content
	case []interface{}:
		for _, item := range content {
			if partMap, ok := item.(map[string]interface{}); ok {
				if text, ok := partMap["text"].(string); ok && text != "" {
					return text
				}
			}
		}
	}
	return ""
}

func (c *Client) sendRequest(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
