package types

// Box is a corner-form bounding box in source-image pixel coordinates
type Box struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
}

// CenterBox is the YOLO center form of a bounding box
type CenterBox struct {
	XCenter float64 `json:"x_center"`
	YCenter float64 `json:"y_center"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// EncodeOptions controls how an image is encoded before it is sent to a model
type EncodeOptions struct {
	Format  string
	MaxDim  int
	Quality int
}

// DefaultEncodeOptions mirrors the CLI defaults
func DefaultEncodeOptions() EncodeOptions {
	return EncodeOptions{Format: "jpg", MaxDim: 1536, Quality: 85}
}
