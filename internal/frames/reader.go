package frames

import (
	"image"
	"sync"
)

// Frame is one decoded depth image and its color image, if any.
type Frame struct {
	Index int
	Depth *image.Gray16
	Color *image.NRGBA
	Err   error
}

// ReaderConfig controls decoding.
type ReaderConfig struct {
	Cols, Rows int
	Workers    int
	// MaxFrames stops after this many frames. Zero reads all of them.
	MaxFrames int
}

// Reader decodes a session on a pool of workers and delivers frames in
// order. Decoding runs at most Workers*2 frames ahead of the consumer.
type Reader struct {
	out  chan Frame
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

type job struct {
	index  int
	result chan Frame
}

// NewReader starts decoding s.
func NewReader(s Session, cfg ReaderConfig) *Reader {
	n := s.Len()
	if cfg.MaxFrames > 0 && cfg.MaxFrames < n {
		n = cfg.MaxFrames
	}
	workers := max(cfg.Workers, 1)

	r := &Reader{
		out:  make(chan Frame),
		done: make(chan struct{}),
	}

	jobChan := make(chan job, workers*2)
	pending := make(chan chan Frame, workers*2)

	// Worker pool
	for w := 0; w < workers; w++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for j := range jobChan {
				j.result <- decodeFrame(s, j.index, cfg.Cols, cfg.Rows)
			}
		}()
	}

	// Send work, reserving an output slot per frame first
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(jobChan)
		defer close(pending)
		for i := 0; i < n; i++ {
			result := make(chan Frame, 1)
			select {
			case pending <- result:
			case <-r.done:
				return
			}
			jobChan <- job{index: i, result: result}
		}
	}()

	// Deliver in order
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(r.out)
		for result := range pending {
			f := <-result
			select {
			case r.out <- f:
			case <-r.done:
				return
			}
		}
	}()

	return r
}

// Frames returns the ordered frame stream. It is closed after the last
// frame or after Close.
func (r *Reader) Frames() <-chan Frame { return r.out }

// Close stops decoding and waits for the workers to exit.
func (r *Reader) Close() {
	r.once.Do(func() { close(r.done) })
	go func() {
		for range r.out {
		}
	}()
	r.wg.Wait()
}

func decodeFrame(s Session, i, cols, rows int) Frame {
	f := Frame{Index: i}
	f.Depth, f.Err = LoadDepth(s.Depth[i], cols, rows)
	if f.Err != nil {
		return f
	}
	if len(s.Color) > 0 {
		f.Color, f.Err = LoadColor(s.Color[i], cols, rows)
	}
	return f
}
