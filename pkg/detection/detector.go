package detection

import (
	"context"
	"fmt"
	"image"

	"github.com/menta2k/auto-annotate/pkg/client"
	"github.com/menta2k/auto-annotate/pkg/geometry"
	"github.com/menta2k/auto-annotate/pkg/types"
)

// Detector turns raw vision client boxes into YOLO center boxes
type Detector struct {
	client client.VisionClient
}

// NewDetector creates a new detector with a vision client
func NewDetector(client client.VisionClient) *Detector {
	return &Detector{client: client}
}

// Detect returns the center-form boxes for every instance of label in img.
// No instances yields an empty slice. Client errors are returned as is.
func (d *Detector) Detect(ctx context.Context, img image.Image, label string) ([]types.CenterBox, error) {
	boxes, err := d.client.Detect(ctx, img, label)
	if err != nil {
		return nil, fmt.Errorf("detect %q: %w", label, err)
	}
	return geometry.ToCenterAll(boxes), nil
}

// Ready reports whether the underlying model can serve requests
func (d *Detector) Ready(ctx context.Context) error {
	return d.client.Ready(ctx)
}
