package moondream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/menta2k/auto-annotate/pkg/client"
	"github.com/menta2k/auto-annotate/pkg/processing"
	"github.com/menta2k/auto-annotate/pkg/types"
	"github.com/menta2k/auto-annotate/pkg/vlm"
)

// DefaultURL is the local Moondream Station endpoint
const DefaultURL = "http://localhost:2020/v1"

// CloudHost is the hosted Moondream API host, which requires an API key
const CloudHost = "api.moondream.ai"

// Client talks to the Moondream /detect endpoint
type Client struct {
	baseURL    string
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

// WithAPIKey sets the X-Moondream-Auth key
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

type detectRequest struct {
	ImageURL string `json:"image_url"`
	Object   string `json:"object"`
	Stream   bool   `json:"stream"`
}

type detectResponse struct {
	RequestID string      `json:"request_id,omitempty"`
	Objects   []types.Box `json:"objects"`
	Error     string      `json:"error,omitempty"`
}

// NewClient creates a Moondream client for serverURL
func NewClient(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		serverURL = DefaultURL
	}
	if _, err := url.ParseRequestURI(serverURL); err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(serverURL, "/"),
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

// ReadyObject is the label sent by Ready
const ReadyObject = "object"

// Ready checks that the server answers a detection request. The hosted API
// needs a key.
func (c *Client) Ready(ctx context.Context) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Host == CloudHost && c.apiKey == "" {
		return fmt.Errorf("moondream cloud endpoint requires an API key")
	}

	ctx, cancel := client.WithDefaultTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.detect(ctx, image.NewRGBA(image.Rect(0, 0, 1, 1)), ReadyObject); err != nil {
		return fmt.Errorf("moondream not reachable at %s: %w", c.baseURL, err)
	}
	return nil
}

// Detect asks Moondream for every instance of label in img
func (c *Client) Detect(ctx context.Context, img image.Image, label string) ([]types.Box, error) {
	ctx, cancel := client.WithDefaultTimeout(ctx, c.timeout)
	defer cancel()

	objects, err := c.detect(ctx, img, label)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return []types.Box{}, nil
	}

	// Moondream reports coordinates normalized to the image
	b := img.Bounds()
	return vlm.ToPixels(objects, b.Dx(), b.Dy()), nil
}

func (c *Client) detect(ctx context.Context, img image.Image, label string) ([]types.Box, error) {
	uri, err := c.processor.DataURI(img, c.encode)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	body, err := json.Marshal(detectRequest{ImageURL: uri, Object: label})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Moondream-Auth", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("moondream request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("moondream returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out detectResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("moondream error: %s", out.Error)
	}
	return out.Objects, nil
}
