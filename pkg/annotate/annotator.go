// Package annotate drives dataset building: it walks the source directory,
// skips images the ledger already knows, asks the detector for each class in
// priority order and commits the ledger after every image.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/menta2k/auto-annotate/internal/utils"
	"github.com/menta2k/auto-annotate/pkg/dataset"
	"github.com/menta2k/auto-annotate/pkg/geometry"
	"github.com/menta2k/auto-annotate/pkg/ledger"
	"github.com/menta2k/auto-annotate/pkg/processing"
	"github.com/menta2k/auto-annotate/pkg/types"
)

var (
	ErrInvalidSource      = errors.New("source is not a valid directory")
	ErrInvalidDestination = errors.New("destination is not a valid directory")
	ErrNoImages           = errors.New("image files were not found in source directory")
	ErrNoClasses          = errors.New("at least one class name is required")
)

// Detector finds instances of a class label in an image
type Detector interface {
	Detect(ctx context.Context, img image.Image, label string) ([]types.CenterBox, error)
}

// Readier is implemented by detectors that need a startup check
type Readier interface {
	Ready(ctx context.Context) error
}

// ImageLoader decodes a source image
type ImageLoader interface {
	LoadImage(path string) (image.Image, error)
}

// Options describe one dataset-building run
type Options struct {
	SourceDir      string
	DestinationDir string
	Classes        []string

	// Normalize divides label coordinates by the image size
	Normalize bool

	// DescriptorName names class 0 in data.yaml; defaults to Classes[0]
	DescriptorName string
	SkipDescriptor bool
}

// Outcome is the terminal state of one attempted image
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Summary counts what a run did
type Summary struct {
	Total            int
	AlreadyProcessed int
	Accepted         int
	Skipped          int
	Failed           int
	NextIndex        int
}

// Annotator builds a YOLO dataset from a directory of images
type Annotator struct {
	detector Detector
	loader   ImageLoader
	store    ledger.Store
	opts     Options
	logger   *slog.Logger
}

// Option customises an Annotator
type Option func(*Annotator)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(a *Annotator) { a.logger = l }
}

// WithImageLoader replaces the image decoder
func WithImageLoader(l ImageLoader) Option {
	return func(a *Annotator) { a.loader = l }
}

// WithStore replaces the ledger store. By default the ledger lives in
// processed.json under the destination.
func WithStore(s ledger.Store) Option {
	return func(a *Annotator) { a.store = s }
}

// New creates an Annotator
func New(detector Detector, opts Options, options ...Option) (*Annotator, error) {
	if detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if len(opts.Classes) == 0 {
		return nil, ErrNoClasses
	}

	a := &Annotator{
		detector: detector,
		loader:   processing.NewProcessor(),
		opts:     opts,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(a)
	}
	return a, nil
}

// run carries the per-run collaborators
type run struct {
	state  *ledger.State
	store  ledger.Store
	writer *dataset.Writer
}

// Run processes every unprocessed image in the source directory. Per-image
// failures are logged and recorded; the returned error is reserved for
// conditions that stop the whole run.
func (a *Annotator) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	if !utils.DirExists(a.opts.SourceDir) {
		return summary, fmt.Errorf("%w: %s", ErrInvalidSource, a.opts.SourceDir)
	}
	if !utils.DirExists(a.opts.DestinationDir) {
		return summary, fmt.Errorf("%w: %s", ErrInvalidDestination, a.opts.DestinationDir)
	}

	layout := dataset.NewLayout(a.opts.DestinationDir)
	store := a.store
	if store == nil {
		store = ledger.NewFileStore(layout.LedgerPath())
	}
	state, err := ledger.Load(store)
	if err != nil {
		return summary, err
	}
	a.logger.Info("Loaded ledger", "processed", state.Len(), "next_index", state.NextIndex)

	if err := layout.EnsureDirs(); err != nil {
		return summary, err
	}
	writer := dataset.NewWriter(layout)
	if !a.opts.SkipDescriptor {
		if err := a.writeDescriptor(writer); err != nil {
			return summary, err
		}
	}

	files, err := utils.ListImageFiles(a.opts.SourceDir)
	if err != nil {
		return summary, err
	}
	if len(files) == 0 {
		return summary, fmt.Errorf("%w: %s", ErrNoImages, a.opts.SourceDir)
	}
	summary.Total = len(files)

	if r, ok := a.detector.(Readier); ok {
		if err := r.Ready(ctx); err != nil {
			return summary, fmt.Errorf("failed to load detector: %w", err)
		}
	}

	a.logger.Info("Starting annotation", "images", len(files), "classes", a.opts.Classes)

	rn := &run{state: state, store: store, writer: writer}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			summary.NextIndex = state.NextIndex
			return summary, err
		}
		if state.IsProcessed(path) {
			summary.AlreadyProcessed++
			continue
		}

		outcome, err := a.processImage(ctx, rn, path)
		if err != nil {
			summary.NextIndex = state.NextIndex
			return summary, err
		}
		switch outcome {
		case OutcomeAccepted:
			summary.Accepted++
		case OutcomeSkipped:
			summary.Skipped++
		case OutcomeFailed:
			summary.Failed++
		}
	}

	summary.NextIndex = state.NextIndex
	a.logger.Info("Annotation finished",
		"accepted", summary.Accepted,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"already_processed", summary.AlreadyProcessed,
		"next_index", summary.NextIndex)
	return summary, nil
}

// processImage handles one image and always records it in the ledger on the
// way out, whatever happened. The only exception is an interrupted run: the
// in-flight image is left unrecorded so the next run retries it.
func (a *Annotator) processImage(ctx context.Context, rn *run, path string) (outcome Outcome, err error) {
	logger := a.logger.With("path", path)
	next := rn.state.NextIndex

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Error while processing image", "error", fmt.Sprintf("panic: %v", r))
			outcome = OutcomeFailed
		}

		if outcome == OutcomeFailed && ctx.Err() != nil {
			err = ctx.Err()
			return
		}

		rn.state.Record(path, next)
		if perr := ledger.Persist(rn.store, rn.state); perr != nil {
			err = fmt.Errorf("failed to commit ledger after %s: %w", path, perr)
		}
	}()

	accepted, herr := a.handle(ctx, rn.writer, path, next, logger)
	if herr != nil {
		if ctx.Err() == nil {
			logger.Error("Error while processing image", "error", herr)
		}
		return OutcomeFailed, nil
	}
	if !accepted {
		logger.Debug("No class detected, skipping image")
		return OutcomeSkipped, nil
	}
	next++
	return OutcomeAccepted, nil
}

// handle decodes the image, tries each class in order and writes the first
// match under index. It reports whether anything was written.
func (a *Annotator) handle(ctx context.Context, w *dataset.Writer, path string, index int, logger *slog.Logger) (bool, error) {
	img, err := a.loader.LoadImage(path)
	if err != nil {
		return false, err
	}

	for _, class := range a.opts.Classes {
		boxes, err := a.detector.Detect(ctx, img, class)
		if err != nil {
			return false, err
		}
		if len(boxes) == 0 {
			logger.Debug("Class not found", "class", class)
			continue
		}

		if a.opts.Normalize {
			b := img.Bounds()
			scaled := make([]types.CenterBox, len(boxes))
			for i, box := range boxes {
				scaled[i] = geometry.Normalize(box, b.Dx(), b.Dy())
			}
			boxes = scaled
		}
		if err := w.Write(index, img, boxes); err != nil {
			return false, err
		}
		logger.Info("Image annotated", "class", class, "index", index, "boxes", len(boxes))
		return true, nil
	}
	return false, nil
}

func (a *Annotator) writeDescriptor(w *dataset.Writer) error {
	name := a.opts.DescriptorName
	if name == "" {
		name = a.opts.Classes[0]
	}
	d, err := dataset.NewDescriptor(w.Layout(), name)
	if err != nil {
		return err
	}
	return w.WriteDescriptor(d)
}
