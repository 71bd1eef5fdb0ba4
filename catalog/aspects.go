package catalog

import (
	"fmt"
	"io"
	"sort"
)

// AspectStep is the pixel granularity of bucket dimensions.
const AspectStep = 64

// MaxAspectRatio bounds bucket width/height in either orientation.
const MaxAspectRatio = 4.0

// AspectTable maps a square training dimension to the buckets whose pixel
// count falls in that dimension's band, largest first.
type AspectTable struct {
	Dims    []int
	Buckets map[int][]Bucket
}

// CompatibleSizes builds the bucket table for square dimensions start..end
// in step increments. A bucket belongs to the smallest square dimension whose
// area it does not exceed, and buckets no larger than (start-step)² are
// excluded.
func CompatibleSizes(start, end, step int, maxAspect float64) *AspectTable {
	t := &AspectTable{Buckets: make(map[int][]Bucket)}
	minAspect := 1 / maxAspect
	floor := (start - step) * (start - step)

	for dim := start; dim <= end; dim += step {
		t.Dims = append(t.Dims, dim)
	}

	for i, dim := range t.Dims {
		minPixels := 0
		if i > 0 {
			minPixels = t.Dims[i-1] * t.Dims[i-1]
		}
		maxPixels := dim * dim

		var buckets []Bucket
		for w := AspectStep; w < dim*4; w += AspectStep {
			for h := AspectStep; h < dim*4; h += AspectStep {
				px := w * h
				if px <= minPixels || px > maxPixels || px <= floor {
					continue
				}
				ratio := float64(w) / float64(h)
				if ratio < minAspect || ratio > maxAspect {
					continue
				}
				buckets = append(buckets, Bucket{Width: w, Height: h})
			}
		}
		sort.SliceStable(buckets, func(a, b int) bool {
			pa, pb := buckets[a].Pixels(), buckets[b].Pixels()
			if pa != pb {
				return pa > pb
			}
			return buckets[a].Width > buckets[b].Width
		})
		t.Buckets[dim] = buckets
	}
	return t
}

// Contains reports whether b appears anywhere in the table.
func (t *AspectTable) Contains(b Bucket) bool {
	for _, dim := range t.Dims {
		for _, c := range t.Buckets[dim] {
			if c == b {
				return true
			}
		}
	}
	return false
}

// WriteTo writes the table as "dim: [[w, h], ...]," lines.
func (t *AspectTable) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, dim := range t.Dims {
		c, err := fmt.Fprintf(w, "%d: [", dim)
		n += int64(c)
		if err != nil {
			return n, err
		}
		for i, b := range t.Buckets[dim] {
			sep := ", "
			if i == 0 {
				sep = ""
			}
			c, err = fmt.Fprintf(w, "%s[%d, %d]", sep, b.Width, b.Height)
			n += int64(c)
			if err != nil {
				return n, err
			}
		}
		c, err = fmt.Fprint(w, "],\n")
		n += int64(c)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// CheckResolution verifies that every item was cached into a bucket of the
// training resolution range [minRes, maxRes].
func CheckResolution(items []Item, minRes, maxRes int) error {
	if minRes <= 0 || maxRes < minRes {
		return fmt.Errorf("%w: invalid range %d..%d", ErrResolutionMismatch, minRes, maxRes)
	}
	table := CompatibleSizes(minRes, maxRes, AspectStep, MaxAspectRatio)
	for _, it := range items {
		if !table.Contains(it.Bucket) {
			return fmt.Errorf("%w: %s has bucket %s outside %d..%d", ErrResolutionMismatch, it.Path, it.Bucket, minRes, maxRes)
		}
	}
	return nil
}
