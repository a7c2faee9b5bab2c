package dataset

import (
	"fmt"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/menta2k/auto-annotate/internal/utils"
)

// Descriptor is the Ultralytics-style data.yaml
type Descriptor struct {
	Path  string   `yaml:"path"`
	Train string   `yaml:"train"`
	Val   string   `yaml:"val"`
	NC    int      `yaml:"nc"`
	Names []string `yaml:"names"`
}

// NewDescriptor describes the single-class dataset under layout. Val points
// at the training images since no split is generated.
func NewDescriptor(layout Layout, className string) (Descriptor, error) {
	root, err := filepath.Abs(layout.Root)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to resolve dataset root: %w", err)
	}
	train := filepath.ToSlash(filepath.Join("images", "train"))
	return Descriptor{
		Path:  root,
		Train: train,
		Val:   train,
		NC:    1,
		Names: []string{className},
	}, nil
}

// WriteDescriptor writes d to the layout's data.yaml
func (w *Writer) WriteDescriptor(d Descriptor) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}
	path := w.layout.DescriptorPath()
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write descriptor %s: %w", path, err)
	}
	return nil
}

// ReadDescriptor loads a data.yaml
func ReadDescriptor(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	return d, nil
}
