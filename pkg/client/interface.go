package client

import (
	"context"
	"image"
	"time"

	"github.com/menta2k/auto-annotate/pkg/types"
)

// DefaultTimeout bounds a single model call when the caller's context has no
// deadline. Large vision models on CPU are slow.
const DefaultTimeout = 300 * time.Second

// VisionClient is the external detection capability. Detect returns every
// instance of label found in img as pixel corner boxes; no instances is an
// empty result, not an error.
type VisionClient interface {
	Detect(ctx context.Context, img image.Image, label string) ([]types.Box, error)
	Ready(ctx context.Context) error
}

// WithDefaultTimeout applies DefaultTimeout when ctx has no deadline
func WithDefaultTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
