package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrNoCatalog is returned when no usable catalog could be assembled.
	ErrNoCatalog = errors.New("no cached dataset provided")
	// ErrResolutionMismatch is returned when an item was cached for a resolution
	// range that differs from the training range.
	ErrResolutionMismatch = errors.New("cached item resolution does not match training resolution range")
	// ErrMalformedDescriptor is returned when a descriptor cannot be parsed.
	ErrMalformedDescriptor = errors.New("malformed cache descriptor")
)

// Bucket identifies a fixed training resolution group.
type Bucket struct {
	Width  int
	Height int
}

// Pixels returns the pixel count of the bucket.
func (b Bucket) Pixels() int {
	return b.Width * b.Height
}

func (b Bucket) String() string {
	return fmt.Sprintf("%dx%d", b.Width, b.Height)
}

// MarshalJSON encodes the bucket as a [width, height] pair.
func (b Bucket) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{b.Width, b.Height})
}

// UnmarshalJSON decodes a [width, height] pair.
func (b *Bucket) UnmarshalJSON(data []byte) error {
	var pair []int
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("bucket must have 2 dimensions, got %d", len(pair))
	}
	b.Width, b.Height = pair[0], pair[1]
	return nil
}

// Descriptor is the on-disk record written by the cache builder for one
// image-caption pair.
type Descriptor struct {
	CacheDir    string `json:"cache_dir"`
	DataDir     string `json:"data_dir"`
	ImageFile   string `json:"image_file"`
	CaptionFile string `json:"caption_file"`
	Caption     string `json:"caption_string"`
	Bucket      Bucket `json:"closest_bucket"`
	CacheFile   string `json:"cache_file,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
}

// Item is an immutable cached training item identified by its descriptor path.
type Item struct {
	Path string
	Descriptor
}

// CachePath resolves the cache file, which descriptors may record relative
// to their own directory. It is empty when the descriptor names none.
func (it Item) CachePath() string {
	if it.CacheFile == "" || filepath.IsAbs(it.CacheFile) {
		return it.CacheFile
	}
	return filepath.Join(filepath.Dir(it.Path), it.CacheFile)
}

// ReadDescriptor reads and parses the descriptor at path.
func ReadDescriptor(path string) (Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Item{}, err
	}

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Item{}, fmt.Errorf("%w: %s: %v", ErrMalformedDescriptor, path, err)
	}
	if d.Bucket.Width <= 0 || d.Bucket.Height <= 0 {
		return Item{}, fmt.Errorf("%w: %s: missing closest_bucket", ErrMalformedDescriptor, path)
	}

	return Item{Path: path, Descriptor: d}, nil
}

// WriteDescriptor writes d as JSON to path.
func WriteDescriptor(path string, d Descriptor) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
