// Package autoannotate builds single-class YOLO training datasets by asking a
// vision model to locate objects in a directory of images.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//		"log/slog"
//
//		autoannotate "github.com/menta2k/auto-annotate"
//	)
//
//	func main() {
//		ctx := context.Background()
//		cfg := autoannotate.DefaultConfig()
//
//		aa, err := autoannotate.New(ctx, cfg, autoannotate.Options{
//			SourceDir:      "./photos",
//			DestinationDir: "./dataset",
//			Classes:        []string{"forklift", "pallet jack"},
//		}, slog.Default())
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer aa.Close()
//
//		summary, err := aa.Run(ctx)
//		if err != nil {
//			log.Fatal(err)
//		}
//		log.Printf("annotated %d images", summary.Accepted)
//	}
//
// The package consists of these components:
//
// 1. Vision clients (pkg/moondream, pkg/ollama, pkg/llamacpp, pkg/gemini)
// 2. Detection (pkg/detection, pkg/geometry): corner boxes to YOLO center boxes
// 3. Ledger (pkg/ledger): which images were processed and the next index
// 4. Dataset (pkg/dataset): images/train, labels/train and data.yaml
// 5. Orchestrator (pkg/annotate): the per-image loop
//
// Each image is tried against the classes in order and labelled with the
// first class the model finds. Every box is written as class 0. The ledger is
// committed after every image, so re-running the same command resumes where
// the last run stopped.
package autoannotate

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/menta2k/auto-annotate/internal/config"
	"github.com/menta2k/auto-annotate/pkg/annotate"
	"github.com/menta2k/auto-annotate/pkg/client"
	"github.com/menta2k/auto-annotate/pkg/detection"
	"github.com/menta2k/auto-annotate/pkg/gemini"
	"github.com/menta2k/auto-annotate/pkg/llamacpp"
	"github.com/menta2k/auto-annotate/pkg/moondream"
	"github.com/menta2k/auto-annotate/pkg/ollama"
	"github.com/menta2k/auto-annotate/pkg/types"
)

// Version of the auto-annotate tool
const Version = "0.1.0"

type (
	Config  = config.Config
	Options = annotate.Options
	Summary = annotate.Summary
)

var (
	ErrInvalidSource      = annotate.ErrInvalidSource
	ErrInvalidDestination = annotate.ErrInvalidDestination
	ErrNoImages           = annotate.ErrNoImages
)

// DefaultConfig returns the default backend configuration
func DefaultConfig() *Config {
	return config.Default()
}

// AutoAnnotator ties a vision backend to the dataset builder
type AutoAnnotator struct {
	annotator *annotate.Annotator
	client    client.VisionClient
}

// New creates the backend described by cfg and an annotator for opts
func New(ctx context.Context, cfg *Config, opts Options, logger *slog.Logger) (*AutoAnnotator, error) {
	vc, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	aa, err := NewWithClient(vc, cfg, opts, logger)
	if err != nil {
		_ = closeClient(vc)
		return nil, err
	}
	return aa, nil
}

// NewWithClient builds an annotator around an existing vision client
func NewWithClient(vc client.VisionClient, cfg *Config, opts Options, logger *slog.Logger) (*AutoAnnotator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg != nil {
		opts.Normalize = opts.Normalize || cfg.Labels.Normalize
		if opts.DescriptorName == "" {
			opts.DescriptorName = cfg.Dataset.ClassName
		}
		opts.SkipDescriptor = opts.SkipDescriptor || !cfg.Dataset.WriteDescriptor
	}

	a, err := annotate.New(detection.NewDetector(vc), opts, annotate.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return &AutoAnnotator{annotator: a, client: vc}, nil
}

// Run builds the dataset
func (a *AutoAnnotator) Run(ctx context.Context) (Summary, error) {
	return a.annotator.Run(ctx)
}

// Close releases the backend
func (a *AutoAnnotator) Close() error {
	return closeClient(a.client)
}

// NewClient creates the vision client selected by cfg.Backend
func NewClient(ctx context.Context, cfg *Config) (client.VisionClient, error) {
	encode := types.EncodeOptions{
		Format:  cfg.Encode.Format,
		MaxDim:  cfg.Encode.MaxDim,
		Quality: cfg.Encode.Quality,
	}

	switch cfg.Backend {
	case config.BackendMoondream:
		opts := []moondream.Option{
			moondream.WithEncodeOptions(encode),
			moondream.WithTimeout(cfg.Timeout),
		}
		if cfg.APIKey != "" {
			opts = append(opts, moondream.WithAPIKey(cfg.APIKey))
		}
		c, err := moondream.NewClient(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create moondream client: %w", err)
		}
		return c, nil

	case config.BackendOllama:
		c, err := ollama.NewClient(cfg.URL, cfg.ModelName(),
			ollama.WithEncodeOptions(encode),
			ollama.WithTimeout(cfg.Timeout),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return c, nil

	case config.BackendLlamaCpp:
		opts := []llamacpp.Option{
			llamacpp.WithEncodeOptions(encode),
			llamacpp.WithTimeout(cfg.Timeout),
		}
		if cfg.APIKey != "" {
			opts = append(opts, llamacpp.WithAPIKey(cfg.APIKey))
		}
		c, err := llamacpp.NewClient(cfg.URL, cfg.ModelName(), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return c, nil

	case config.BackendGemini:
		c, err := gemini.NewClient(ctx, cfg.APIKey, cfg.ModelName(), encode, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func closeClient(vc client.VisionClient) error {
	if c, ok := vc.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
