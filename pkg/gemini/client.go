package gemini

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/menta2k/auto-annotate/pkg/client"
	"github.com/menta2k/auto-annotate/pkg/processing"
	"github.com/menta2k/auto-annotate/pkg/types"
	"github.com/menta2k/auto-annotate/pkg/vlm"
)

// DefaultModel is used when no model is configured
const DefaultModel = "gemini-1.5-flash"

// Client detects objects with a Gemini model
type Client struct {
	client    *genai.Client
	model     *genai.GenerativeModel
	modelName string
	processor *processing.Processor
	encode    types.EncodeOptions
	timeout   time.Duration
}

// NewClient creates a Gemini client. The API key is required.
func NewClient(ctx context.Context, apiKey, model string, encode types.EncodeOptions, timeout time.Duration) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable not set")
	}
	if model == "" {
		model = DefaultModel
	}

	gc, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create new gemini client: %w", err)
	}

	m := gc.GenerativeModel(model)
	m.SetTemperature(0)
	m.ResponseMIMEType = "application/json"

	return &Client{
		client:    gc,
		model:     m,
		modelName: model,
		processor: processing.NewProcessor(),
		encode:    encode,
		timeout:   timeout,
	}, nil
}

// Close releases the underlying connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Ready fetches the model metadata to confirm the model exists and the key works
func (c *Client) Ready(ctx context.Context) error {
	if _, err := c.model.Info(ctx); err != nil {
		return fmt.Errorf("gemini model %s unavailable: %w", c.modelName, err)
	}
	return nil
}

// Detect asks the model for every instance of label in img
func (c *Client) Detect(ctx context.Context, img image.Image, label string) ([]types.Box, error) {
	ctx, cancel := client.WithDefaultTimeout(ctx, c.timeout)
	defer cancel()

	data, mime, err := c.processor.EncodeForModel(img, c.encode)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	resp, err := c.model.GenerateContent(ctx,
		genai.ImageData(strings.TrimPrefix(mime, "image/"), data),
		genai.Text(vlm.Prompt(label)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}

	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}

	boxes, err := vlm.ParseObjects(text)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	return vlm.ToPixels(boxes, b.Dx(), b.Dy()), nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates returned from Gemini")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("empty content returned from Gemini")
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("unexpected response format from Gemini")
	}
	return sb.String(), nil
}
