package snapshot

import (
	"encoding/json"
	"os"

	"kinfu-scanner/internal/mathutil"
)

// Entry describes one written image.
type Entry struct {
	Frame   int           `json:"frame"`
	Kind    string        `json:"kind"`
	Image   string        `json:"image"`
	Tracked bool          `json:"tracked"`
	Pose    mathutil.Mat4 `json:"pose"`
}

// WriteManifest writes entries as indented JSON.
func WriteManifest(path string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
