// Package vlm holds the prompt and response handling shared by the
// chat-style vision backends (ollama, llama.cpp, gemini).
package vlm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/menta2k/auto-annotate/pkg/types"
)

const promptTemplate = `You are an object localizer.

Find every instance of: %q

Return JSON only:
{
  "objects": [
    {"x_min": 0.0, "y_min": 0.0, "x_max": 0.0, "y_max": 0.0}
  ]
}

HARD RULES
- All coordinates are normalized to [0,1] relative to the image (NOT pixels).
- x_min < x_max and y_min < y_max.
- One entry per visible instance. Boxes must tightly enclose the object.
- If there is no such object, return {"objects": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInline   = regexp.MustCompile(`(?m)//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// Prompt returns the detection prompt for label
func Prompt(label string) string {
	return fmt.Sprintf(promptTemplate, label)
}

type response struct {
	Objects []types.Box `json:"objects"`
}

// ParseObjects parses a model reply into normalized corner boxes. Coordinates
// are clamped to [0,1]; degenerate boxes are dropped.
func ParseObjects(raw string) ([]types.Box, error) {
	cleaned := SanitizeModelJSON(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("empty response from model")
	}
	if !strings.HasPrefix(cleaned, "{") {
		return nil, fmt.Errorf("model returned non-JSON response: %.80q", raw)
	}

	var resp response
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}

	boxes := make([]types.Box, 0, len(resp.Objects))
	for _, b := range resp.Objects {
		b = types.Box{
			XMin: clamp(b.XMin, 0, 1),
			YMin: clamp(b.YMin, 0, 1),
			XMax: clamp(b.XMax, 0, 1),
			YMax: clamp(b.YMax, 0, 1),
		}
		if b.XMax <= b.XMin || b.YMax <= b.YMin {
			continue
		}
		boxes = append(boxes, b)
	}
	return boxes, nil
}

// ToPixels scales normalized boxes to an image of the given size
func ToPixels(boxes []types.Box, width, height int) []types.Box {
	fw, fh := float64(width), float64(height)
	out := make([]types.Box, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, types.Box{
			XMin: b.XMin * fw,
			YMin: b.YMin * fh,
			XMax: b.XMax * fw,
			YMax: b.YMax * fh,
		})
	}
	return out
}

// SanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reInline.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
