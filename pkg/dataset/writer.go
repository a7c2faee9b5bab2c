// Package dataset writes the YOLO training tree: re-encoded images, label
// files and the data.yaml descriptor.
package dataset

import (
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/menta2k/auto-annotate/internal/utils"
	"github.com/menta2k/auto-annotate/pkg/types"
)

// ClassID is written for every box; the dataset is single-class
const ClassID = 0

// Layout describes where the dataset lives under a destination root
type Layout struct {
	Root string
}

// NewLayout returns the layout rooted at dir
func NewLayout(dir string) Layout {
	return Layout{Root: dir}
}

func (l Layout) ImagesDir() string      { return filepath.Join(l.Root, "images", "train") }
func (l Layout) LabelsDir() string      { return filepath.Join(l.Root, "labels", "train") }
func (l Layout) LedgerPath() string     { return filepath.Join(l.Root, "processed.json") }
func (l Layout) DescriptorPath() string { return filepath.Join(l.Root, "data.yaml") }

// ImagePath returns images/train/{index}.png
func (l Layout) ImagePath(index int) string {
	return filepath.Join(l.ImagesDir(), strconv.Itoa(index)+".png")
}

// LabelPath returns labels/train/{index}.txt
func (l Layout) LabelPath(index int) string {
	return filepath.Join(l.LabelsDir(), strconv.Itoa(index)+".txt")
}

// EnsureDirs creates the image and label directories
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.ImagesDir(), l.LabelsDir()} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Writer stores accepted images and their labels
type Writer struct {
	layout Layout
}

// NewWriter creates a writer for layout
func NewWriter(layout Layout) *Writer {
	return &Writer{layout: layout}
}

// Layout returns the writer's layout
func (w *Writer) Layout() Layout {
	return w.layout
}

// Write saves img as {index}.png and boxes as {index}.txt. If the label
// cannot be written the image is removed again.
func (w *Writer) Write(index int, img image.Image, boxes []types.CenterBox) error {
	imgPath := w.layout.ImagePath(index)
	err := utils.WriteAtomic(imgPath, 0o644, func(out io.Writer) error {
		return imaging.Encode(out, img, imaging.PNG)
	})
	if err != nil {
		return fmt.Errorf("failed to save image %s: %w", imgPath, err)
	}

	labelPath := w.layout.LabelPath(index)
	if err := utils.WriteFileAtomic(labelPath, []byte(FormatLabels(boxes)), 0o644); err != nil {
		_ = os.Remove(imgPath)
		return fmt.Errorf("failed to save labels %s: %w", labelPath, err)
	}
	return nil
}

// FormatLabels renders one "class xc yc w h" line per box
func FormatLabels(boxes []types.CenterBox) string {
	var sb strings.Builder
	for _, b := range boxes {
		sb.WriteString(strconv.Itoa(ClassID))
		for _, v := range []float64{b.XCenter, b.YCenter, b.Width, b.Height} {
			sb.WriteByte(' ')
			sb.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
