// Package geometry converts detector boxes into the YOLO label representation.
package geometry

import "github.com/menta2k/auto-annotate/pkg/types"

// ToCenter maps a corner-form box to center form. Values stay in the units
// of the input box; malformed boxes are not rejected.
func ToCenter(b types.Box) types.CenterBox {
	return types.CenterBox{
		XCenter: (b.XMin + b.XMax) / 2,
		YCenter: (b.YMin + b.YMax) / 2,
		Width:   b.XMax - b.XMin,
		Height:  b.YMax - b.YMin,
	}
}

// Normalize divides a pixel center box by the image dimensions
func Normalize(c types.CenterBox, width, height int) types.CenterBox {
	if width <= 0 || height <= 0 {
		return c
	}
	fw, fh := float64(width), float64(height)
	return types.CenterBox{
		XCenter: c.XCenter / fw,
		YCenter: c.YCenter / fh,
		Width:   c.Width / fw,
		Height:  c.Height / fh,
	}
}

// ToCenterAll converts every box in order
func ToCenterAll(boxes []types.Box) []types.CenterBox {
	out := make([]types.CenterBox, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, ToCenter(b))
	}
	return out
}
