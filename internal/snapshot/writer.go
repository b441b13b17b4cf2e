package snapshot

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"

	"github.com/HugoSmits86/nativewebp"
)

// Supported formats.
const (
	FormatWebP = "webp"
	FormatPNG  = "png"
)

// ErrFormat is returned for an unknown image format.
var ErrFormat = errors.New("snapshot: unsupported format")

// Config controls where and how snapshots are written.
type Config struct {
	Dir     string
	Format  string
	Scale   int
	Workers int
}

// Result is the outcome of writing one snapshot.
type Result struct {
	Entry
	Success bool
	Error   string
}

type job struct {
	idx   int
	entry Entry
	img   *image.NRGBA
}

// Writer encodes images on a pool of workers. Submit does not block on
// encoding; Close waits for all pending images.
type Writer struct {
	cfg     Config
	jobChan chan job
	wg      sync.WaitGroup

	mu      sync.Mutex
	results []Result
	closed  bool
}

// NewWriter validates cfg and starts the workers.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Format == "" {
		cfg.Format = FormatWebP
	}
	if cfg.Format != FormatWebP && cfg.Format != FormatPNG {
		return nil, fmt.Errorf("%w: %q", ErrFormat, cfg.Format)
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, err
	}
	workers := max(cfg.Workers, 1)

	w := &Writer{
		cfg:     cfg,
		jobChan: make(chan job, workers*2),
	}
	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for j := range w.jobChan {
				r := w.write(j.entry, j.img)
				w.mu.Lock()
				w.results[j.idx] = r
				w.mu.Unlock()
			}
		}()
	}
	return w, nil
}

// Submit queues img for writing. The file name is derived from the frame
// index and kind. img must not be modified afterwards, and Submit must not
// race with Close.
func (w *Writer) Submit(e Entry, img *image.NRGBA) {
	e.Image = fmt.Sprintf("%06d_%s.%s", e.Frame, e.Kind, w.cfg.Format)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	idx := len(w.results)
	w.results = append(w.results, Result{Entry: e})
	w.mu.Unlock()

	w.jobChan <- job{idx: idx, entry: e, img: img}
}

// Close waits for pending writes and returns their results in submission
// order.
func (w *Writer) Close() []Result {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return w.results
	}
	w.closed = true
	w.mu.Unlock()

	close(w.jobChan)
	w.wg.Wait()
	return w.results
}

// Entries returns the entries of successful results.
func Entries(results []Result) []Entry {
	var out []Entry
	for _, r := range results {
		if r.Success {
			out = append(out, r.Entry)
		}
	}
	return out
}

func (w *Writer) write(e Entry, img *image.NRGBA) Result {
	img = Scale(img, w.cfg.Scale)
	if err := Save(filepath.Join(w.cfg.Dir, e.Image), img, w.cfg.Format); err != nil {
		return Result{Entry: e, Error: err.Error()}
	}
	return Result{Entry: e, Success: true}
}

// Save encodes img to path in the given format.
func Save(path string, img *image.NRGBA, format string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	switch format {
	case FormatWebP:
		if err := nativewebp.Encode(f, img, nil); err != nil {
			return fmt.Errorf("WebP encode: %w", err)
		}
	case FormatPNG:
		if err := png.Encode(f, img); err != nil {
			return fmt.Errorf("PNG encode: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrFormat, format)
	}
	return f.Close()
}
