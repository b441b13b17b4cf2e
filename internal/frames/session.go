// Package frames reads recorded depth/color sessions from disk and uploads
// them to device buffers.
//
// A session directory holds a depth/ subdirectory and an optional color/
// subdirectory. Frames are paired by sorted file name order.
package frames

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoFrames is returned by Scan when a session has no depth images.
var ErrNoFrames = errors.New("frames: no depth images")

var (
	depthExts = []string{".png", ".tif", ".tiff"}
	colorExts = []string{".png", ".jpg", ".jpeg", ".tga", ".tif", ".tiff"}
)

// Session lists the image files of a recording.
type Session struct {
	Dir   string
	Depth []string
	// Color is empty or has one entry per depth image.
	Color []string
}

// Len returns the number of frames.
func (s Session) Len() int { return len(s.Depth) }

// Scan lists the depth and color images under dir.
func Scan(dir string) (Session, error) {
	depth, err := listImages(filepath.Join(dir, "depth"), depthExts)
	if err != nil {
		return Session{}, err
	}
	if len(depth) == 0 {
		return Session{}, fmt.Errorf("%w in %s", ErrNoFrames, dir)
	}

	color, err := listImages(filepath.Join(dir, "color"), colorExts)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Session{}, err
	}
	if len(color) > 0 && len(color) != len(depth) {
		slogger().Warn("color frames do not match depth frames, ignoring color",
			"depth", len(depth), "color", len(color))
		color = nil
	}

	return Session{Dir: dir, Depth: depth, Color: color}, nil
}

func listImages(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("frames: list %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, want := range exts {
			if ext == want {
				out = append(out, filepath.Join(dir, e.Name()))
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
