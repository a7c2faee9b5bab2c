package annotate

import (
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/menta2k/auto-annotate/pkg/dataset"
	"github.com/menta2k/auto-annotate/pkg/ledger"
	"github.com/menta2k/auto-annotate/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type call struct {
	width int
	label string
}

// stubDetector answers by image width so each test image behaves differently
type stubDetector struct {
	mu       sync.Mutex
	boxes    map[int]map[string][]types.CenterBox
	errs     map[int]error
	panics   map[int]bool
	hook     func(width int, label string)
	readyErr error
	calls    []call
}

func (s *stubDetector) Detect(_ context.Context, img image.Image, label string) ([]types.CenterBox, error) {
	w := img.Bounds().Dx()
	s.mu.Lock()
	s.calls = append(s.calls, call{width: w, label: label})
	s.mu.Unlock()

	if s.hook != nil {
		s.hook(w, label)
	}
	if s.panics[w] {
		panic("decoder blew up")
	}
	if err := s.errs[w]; err != nil {
		return nil, err
	}
	return s.boxes[w][label], nil
}

func (s *stubDetector) Ready(context.Context) error {
	return s.readyErr
}

func (s *stubDetector) callsFor(width int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var labels []string
	for _, c := range s.calls {
		if c.width == width {
			labels = append(labels, c.label)
		}
	}
	return labels
}

func (s *stubDetector) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type failingStore struct {
	err error
}

func (f failingStore) Read() ([]byte, error) { return nil, fs.ErrNotExist }
func (f failingStore) Write([]byte) error    { return f.err }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writePNG(t *testing.T, dir, name string, width, height int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, width, height))))
	return path
}

type fixture struct {
	src, dst string
	paths    map[string]string
}

// newFixture creates a.png (width 10), b.png (20), c.png (corrupt) and
// d.png (30) plus a non-image file that must be ignored.
func newFixture(t *testing.T) fixture {
	t.Helper()
	src, dst := t.TempDir(), t.TempDir()
	paths := map[string]string{
		"a": writePNG(t, src, "a.png", 10, 10),
		"b": writePNG(t, src, "b.png", 20, 10),
		"d": writePNG(t, src, "d.png", 30, 10),
	}
	paths["c"] = filepath.Join(src, "c.png")
	require.NoError(t, os.WriteFile(paths["c"], []byte("not an image"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "notes.txt"), []byte("x"), 0o644))
	return fixture{src: src, dst: dst, paths: paths}
}

func newStub() *stubDetector {
	return &stubDetector{
		boxes: map[int]map[string][]types.CenterBox{
			10: {"cat": {{XCenter: 5, YCenter: 5, Width: 4, Height: 2}}},
			30: {"dog": {{XCenter: 15, YCenter: 5, Width: 10, Height: 10}, {XCenter: 3, YCenter: 3, Width: 2, Height: 2}}},
		},
	}
}

func newAnnotator(t *testing.T, f fixture, d Detector, opts ...Option) *Annotator {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	a, err := New(d, Options{
		SourceDir:      f.src,
		DestinationDir: f.dst,
		Classes:        []string{"cat", "dog"},
	}, opts...)
	require.NoError(t, err)
	return a
}

func loadLedger(t *testing.T, dst string) *ledger.State {
	t.Helper()
	st, err := ledger.Load(ledger.NewFileStore(dataset.NewLayout(dst).LedgerPath()))
	require.NoError(t, err)
	return st
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRunAnnotatesSkipsAndFails(t *testing.T) {
	f := newFixture(t)
	stub := newStub()

	summary, err := newAnnotator(t, f, stub).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 4, Accepted: 2, Skipped: 1, Failed: 1, NextIndex: 2}, summary)

	layout := dataset.NewLayout(f.dst)
	assert.Equal(t, "0 5 5 4 2\n", readFile(t, layout.LabelPath(0)))
	assert.Equal(t, "0 15 5 10 10\n0 3 3 2 2\n", readFile(t, layout.LabelPath(1)))
	assert.FileExists(t, layout.ImagePath(0))
	assert.FileExists(t, layout.ImagePath(1))
	assert.NoFileExists(t, layout.ImagePath(2))

	st := loadLedger(t, f.dst)
	assert.Equal(t, 2, st.NextIndex)
	assert.Equal(t, []string{f.paths["a"], f.paths["b"], f.paths["c"], f.paths["d"]}, st.Files())

	d, err := dataset.ReadDescriptor([]byte(readFile(t, layout.DescriptorPath())))
	require.NoError(t, err)
	assert.Equal(t, []string{"cat"}, d.Names)
}

func TestRunFirstMatchingClassWins(t *testing.T) {
	f := newFixture(t)
	stub := newStub()
	stub.boxes[10]["dog"] = []types.CenterBox{{Width: 1, Height: 1}}

	_, err := newAnnotator(t, f, stub).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"cat"}, stub.callsFor(10), "later classes are not queried after a match")
	assert.Equal(t, []string{"cat", "dog"}, stub.callsFor(20))
	assert.Equal(t, []string{"cat", "dog"}, stub.callsFor(30))
	assert.Equal(t, "0 5 5 4 2\n", readFile(t, dataset.NewLayout(f.dst).LabelPath(0)))
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	layout := dataset.NewLayout(f.dst)

	_, err := newAnnotator(t, f, newStub()).Run(context.Background())
	require.NoError(t, err)
	ledgerBefore := readFile(t, layout.LedgerPath())
	labelBefore := readFile(t, layout.LabelPath(1))

	second := newStub()
	summary, err := newAnnotator(t, f, second).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, second.callCount())
	assert.Equal(t, Summary{Total: 4, AlreadyProcessed: 4, NextIndex: 2}, summary)
	assert.Equal(t, ledgerBefore, readFile(t, layout.LedgerPath()))
	assert.Equal(t, labelBefore, readFile(t, layout.LabelPath(1)))
	assert.NoFileExists(t, layout.ImagePath(2))
}

func TestRunResumesFromLedger(t *testing.T) {
	f := newFixture(t)
	layout := dataset.NewLayout(f.dst)

	prior := ledger.New()
	prior.Record(f.paths["a"], 5)
	require.NoError(t, ledger.Persist(ledger.NewFileStore(layout.LedgerPath()), prior))

	stub := newStub()
	summary, err := newAnnotator(t, f, stub).Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, stub.callsFor(10))
	assert.Equal(t, 1, summary.AlreadyProcessed)
	assert.Equal(t, 1, summary.Accepted)
	assert.Equal(t, 6, summary.NextIndex)
	assert.FileExists(t, layout.ImagePath(5))
	assert.NoFileExists(t, layout.ImagePath(0))
}

func TestRunIndexContinuesAcrossRuns(t *testing.T) {
	f := newFixture(t)
	layout := dataset.NewLayout(f.dst)

	_, err := newAnnotator(t, f, newStub()).Run(context.Background())
	require.NoError(t, err)

	writePNG(t, f.src, "e.png", 10, 20)
	summary, err := newAnnotator(t, f, newStub()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Accepted)
	assert.Equal(t, 3, summary.NextIndex)
	assert.FileExists(t, layout.ImagePath(2))
	assert.Equal(t, "0 5 5 4 2\n", readFile(t, layout.LabelPath(2)))
}

func TestRunPersistsAfterEveryImage(t *testing.T) {
	f := newFixture(t)
	store := ledger.NewMemoryStore()

	_, err := newAnnotator(t, f, newStub(), WithStore(store)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, store.Writes())
	assert.NoFileExists(t, dataset.NewLayout(f.dst).LedgerPath())

	st, err := ledger.Load(store)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Len())
}

func TestRunStopsWhenLedgerCannotBeSaved(t *testing.T) {
	f := newFixture(t)
	diskFull := errors.New("disk full")
	stub := newStub()

	_, err := newAnnotator(t, f, stub, WithStore(failingStore{err: diskFull})).Run(context.Background())
	require.ErrorIs(t, err, diskFull)
	assert.Equal(t, []string{"cat"}, stub.callsFor(10))
	assert.Empty(t, stub.callsFor(20), "no image is attempted after a failed commit")
}

func TestRunIsolatesDetectorErrors(t *testing.T) {
	f := newFixture(t)
	stub := newStub()
	stub.errs = map[int]error{10: errors.New("inference failed")}
	stub.panics = map[int]bool{20: true}

	summary, err := newAnnotator(t, f, stub).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 1, summary.Accepted)
	assert.Equal(t, 1, summary.NextIndex)

	st := loadLedger(t, f.dst)
	assert.Equal(t, 4, st.Len())
	assert.True(t, st.IsProcessed(f.paths["a"]))
	assert.True(t, st.IsProcessed(f.paths["b"]))
	assert.Equal(t, "0 15 5 10 10\n0 3 3 2 2\n", readFile(t, dataset.NewLayout(f.dst).LabelPath(0)))
}

func TestRunInterruptedLeavesInFlightImageUnrecorded(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stub := newStub()
	stub.hook = func(width int, _ string) {
		if width == 20 {
			cancel()
		}
	}
	stub.errs = map[int]error{20: context.Canceled}

	_, err := newAnnotator(t, f, stub).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	st := loadLedger(t, f.dst)
	assert.Equal(t, []string{f.paths["a"]}, st.Files())
	assert.Equal(t, 1, st.NextIndex)

	summary, err := newAnnotator(t, f, newStub()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AlreadyProcessed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 2, summary.NextIndex)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stub := newStub()
	_, err := newAnnotator(t, f, stub).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stub.callCount())
}

func TestRunNormalize(t *testing.T) {
	f := newFixture(t)
	a, err := New(newStub(), Options{
		SourceDir:      f.src,
		DestinationDir: f.dst,
		Classes:        []string{"cat"},
		Normalize:      true,
	}, WithLogger(quietLogger()))
	require.NoError(t, err)

	_, err = a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0 0.5 0.5 0.4 0.2\n", readFile(t, dataset.NewLayout(f.dst).LabelPath(0)))
}

func TestRunDescriptorOptions(t *testing.T) {
	f := newFixture(t)
	a, err := New(newStub(), Options{
		SourceDir:      f.src,
		DestinationDir: f.dst,
		Classes:        []string{"cat", "dog"},
		DescriptorName: "animal",
	}, WithLogger(quietLogger()))
	require.NoError(t, err)
	_, err = a.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, readFile(t, dataset.NewLayout(f.dst).DescriptorPath()), "- animal")

	g := newFixture(t)
	b, err := New(newStub(), Options{
		SourceDir:      g.src,
		DestinationDir: g.dst,
		Classes:        []string{"cat"},
		SkipDescriptor: true,
	}, WithLogger(quietLogger()))
	require.NoError(t, err)
	_, err = b.Run(context.Background())
	require.NoError(t, err)
	assert.NoFileExists(t, dataset.NewLayout(g.dst).DescriptorPath())
}

func TestRunValidation(t *testing.T) {
	f := newFixture(t)
	missing := filepath.Join(t.TempDir(), "missing")

	tests := []struct {
		name string
		opts Options
		want error
	}{
		{
			name: "missing source",
			opts: Options{SourceDir: missing, DestinationDir: f.dst, Classes: []string{"cat"}},
			want: ErrInvalidSource,
		},
		{
			name: "source is a file",
			opts: Options{SourceDir: f.paths["a"], DestinationDir: f.dst, Classes: []string{"cat"}},
			want: ErrInvalidSource,
		},
		{
			name: "missing destination",
			opts: Options{SourceDir: f.src, DestinationDir: missing, Classes: []string{"cat"}},
			want: ErrInvalidDestination,
		},
		{
			name: "no images",
			opts: Options{SourceDir: t.TempDir(), DestinationDir: t.TempDir(), Classes: []string{"cat"}},
			want: ErrNoImages,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := newStub()
			a, err := New(stub, tt.opts, WithLogger(quietLogger()))
			require.NoError(t, err)
			_, err = a.Run(context.Background())
			require.ErrorIs(t, err, tt.want)
			assert.Zero(t, stub.callCount())
		})
	}
}

func TestRunNoImagesStillPreparesDestination(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	a, err := New(newStub(), Options{SourceDir: src, DestinationDir: dst, Classes: []string{"cat"}}, WithLogger(quietLogger()))
	require.NoError(t, err)

	_, err = a.Run(context.Background())
	require.ErrorIs(t, err, ErrNoImages)
	assert.DirExists(t, dataset.NewLayout(dst).ImagesDir())
	assert.DirExists(t, dataset.NewLayout(dst).LabelsDir())
	assert.FileExists(t, dataset.NewLayout(dst).DescriptorPath())
}

func TestRunDetectorNotReady(t *testing.T) {
	f := newFixture(t)
	stub := newStub()
	stub.readyErr = errors.New("model not pulled")

	_, err := newAnnotator(t, f, stub).Run(context.Background())
	require.ErrorContains(t, err, "failed to load detector")
	assert.Zero(t, stub.callCount())
	assert.NoFileExists(t, dataset.NewLayout(f.dst).LedgerPath())
}

func TestRunCorruptLedger(t *testing.T) {
	f := newFixture(t)
	layout := dataset.NewLayout(f.dst)
	require.NoError(t, os.WriteFile(layout.LedgerPath(), []byte("{not json"), 0o644))

	stub := newStub()
	_, err := newAnnotator(t, f, stub).Run(context.Background())
	require.ErrorContains(t, err, "failed to parse ledger")
	assert.Zero(t, stub.callCount())
	assert.Equal(t, "{not json", readFile(t, layout.LedgerPath()))
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{Classes: []string{"cat"}})
	require.Error(t, err)

	_, err = New(newStub(), Options{})
	require.ErrorIs(t, err, ErrNoClasses)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "accepted", OutcomeAccepted.String())
	assert.Equal(t, "skipped", OutcomeSkipped.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.True(t, strings.HasPrefix(Outcome(9).String(), "outcome("))
}
