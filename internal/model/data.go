package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/crop-disease-api/internal/imageutil"
)

// IsImageFile reports whether name has a supported image extension.
func IsImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// DiscoverClasses lists the class folders under dir in directory-listing
// (lexical) order.
func DiscoverClasses(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("model: read dataset %s: %w", dir, err)
	}
	var classes []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			classes = append(classes, e.Name())
		}
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: no class folders in %s", ErrEmptyDataset, dir)
	}
	return classes, nil
}

type sample struct {
	path  string
	label int
}

// listSamples collects image files under dir whose folder is in classes.
// With requireAll, every class must contribute at least one image; folders
// outside classes are always an error since their labels cannot be scored.
func listSamples(dir string, classes []string, requireAll bool) ([]sample, error) {
	index := make(map[string]int, len(classes))
	for i, name := range classes {
		index[name] = i
	}

	found, err := DiscoverClasses(dir)
	if err != nil {
		return nil, err
	}

	var samples []sample
	counts := make([]int, len(classes))
	for _, name := range found {
		label, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("model: %s has class folder %q unknown to the vocabulary %v", dir, name, classes)
		}
		entries, err := os.ReadDir(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("model: read class folder: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !IsImageFile(e.Name()) {
				continue
			}
			samples = append(samples, sample{path: filepath.Join(dir, name, e.Name()), label: label})
			counts[label]++
		}
	}

	if requireAll {
		for i, n := range counts {
			if n == 0 {
				return nil, fmt.Errorf("%w: class %q in %s has no images", ErrEmptyDataset, classes[i], dir)
			}
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDataset, dir)
	}
	return samples, nil
}

// extractAll computes pooled features for samples without augmentation.
func (c *Container) extractAll(samples []sample) ([][]float64, []int, error) {
	xs := make([][]float64, len(samples))
	labels := make([]int, len(samples))
	for i, s := range samples {
		t, err := imageutil.Normalize(imageutil.Path(s.path))
		if err != nil {
			return nil, nil, fmt.Errorf("model: %s: %w", s.path, err)
		}
		f, err := c.features(t)
		if err != nil {
			return nil, nil, err
		}
		xs[i] = f
		labels[i] = s.label
	}
	return xs, labels, nil
}

// batches splits n indices into consecutive groups of at most size. A
// trailing singleton is folded into the previous group so batch statistics
// are never computed from one sample.
func batches(order []int, size int) [][]int {
	var out [][]int
	for start := 0; start < len(order); start += size {
		end := start + size
		if end > len(order) {
			end = len(order)
		}
		out = append(out, order[start:end])
	}
	if n := len(out); n > 1 && len(out[n-1]) == 1 {
		out[n-2] = append(out[n-2][:len(out[n-2]):len(out[n-2])], out[n-1]...)
		out = out[:n-1]
	}
	return out
}
