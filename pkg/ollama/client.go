package ollama

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/auto-annotate/pkg/client"
	"github.com/menta2k/auto-annotate/pkg/processing"
	"github.com/menta2k/auto-annotate/pkg/types"
	"github.com/menta2k/auto-annotate/pkg/vlm"
)

// DefaultURL is the standard local Ollama endpoint
const DefaultURL = "http://localhost:11434"

// Client wraps the Ollama API client
type Client struct {
	client    *api.Client
	model     string
	processor *processing.Processor
	encode    types.EncodeOptions
	timeout   time.Duration
}

// Option customises a Client
type Option func(*clientConfig)

type clientConfig struct {
	httpClient *http.Client
	encode     types.EncodeOptions
	timeout    time.Duration
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) { c.httpClient = hc }
}

// WithEncodeOptions controls the image payload
func WithEncodeOptions(opts types.EncodeOptions) Option {
	return func(c *clientConfig) { c.encode = opts }
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// NewClient creates a new Ollama client
func NewClient(ollamaURL, model string, opts ...Option) (*Client, error) {
	if ollamaURL == "" {
		ollamaURL = DefaultURL
	}
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q", ollamaURL)
	}
	if model == "" {
		return nil, fmt.Errorf("ollama backend requires a model name")
	}

	cfg := clientConfig{
		httpClient: http.DefaultClient,
		encode:     types.DefaultEncodeOptions(),
		timeout:    client.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	// Create base URL from the provided URL (removing path like /api/chat)
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	return &Client{
		client:    api.NewClient(baseURL, cfg.httpClient),
		model:     model,
		processor: processing.NewProcessor(),
		encode:    cfg.encode,
		timeout:   cfg.timeout,
	}, nil
}

// Ready checks the server is up and the model is pulled
func (c *Client) Ready(ctx context.Context) error {
	if err := c.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	if _, err := c.client.Show(ctx, &api.ShowRequest{Model: c.model}); err != nil {
		return fmt.Errorf("ollama model %s unavailable: %w", c.model, err)
	}
	return nil
}

// Detect asks the model for every instance of label in img
func (c *Client) Detect(ctx context.Context, img image.Image, label string) ([]types.Box, error) {
	ctx, cancel := client.WithDefaultTimeout(ctx, c.timeout)
	defer cancel()

	imgBytes, _, err := c.processor.EncodeForModel(img, c.encode)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: vlm.Prompt(label),
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream:  &streamFalse,
		Format:  []byte(`"json"`),
		Options: modelOptions(c.model),
	}

	var responseContent strings.Builder
	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		responseContent.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat error: %w", err)
	}

	boxes, err := vlm.ParseObjects(responseContent.String())
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	return vlm.ToPixels(boxes, b.Dx(), b.Dy()), nil
}

// modelOptions sets model-specific parameters; localization wants low temperature
func modelOptions(model string) map[string]any {
	options := map[string]any{"temperature": 0.0}

	modelLower := strings.ToLower(model)
	if strings.Contains(modelLower, "minicpm-v4") ||
		strings.Contains(modelLower, "minicpm-v-4") ||
		strings.Contains(modelLower, "minicpmv4") {
		options["num_ctx"] = 4096
	}
	return options
}
