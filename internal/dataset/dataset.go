// Package dataset prepares labelled image folders for training: it lays out
// train/validation/test splits, grows small datasets with offline
// augmentation and reports class balance.
package dataset

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/Brownie44l1/crop-disease-api/internal/model"
	"golang.org/x/sync/errgroup"
)

// Split directory names.
const (
	TrainDir      = "train"
	ValidationDir = "validation"
	TestDir       = "test"
)

// Paths locates a prepared dataset.
type Paths struct {
	Base       string `json:"base_dir"`
	Train      string `json:"train_dir"`
	Validation string `json:"validation_dir"`
	Test       string `json:"test_dir"`
}

func pathsFor(base string) Paths {
	return Paths{
		Base:       base,
		Train:      filepath.Join(base, TrainDir),
		Validation: filepath.Join(base, ValidationDir),
		Test:       filepath.Join(base, TestDir),
	}
}

// CreateStructure creates base/{train,validation,test}/<class> for every
// class. Existing directories are left alone.
func CreateStructure(base string, classes []string) (Paths, error) {
	p := pathsFor(base)
	for _, split := range []string{p.Train, p.Validation, p.Test} {
		if err := os.MkdirAll(split, 0o755); err != nil {
			return p, fmt.Errorf("dataset: %w", err)
		}
		for _, class := range classes {
			if err := os.MkdirAll(filepath.Join(split, class), 0o755); err != nil {
				return p, fmt.Errorf("dataset: %w", err)
			}
		}
	}
	return p, nil
}

// listImages returns the image files directly under dir in lexical order.
func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && model.IsImageFile(e.Name()) {
			files = append(files, e.Name())
		}
	}
	return files, nil
}

type copyJob struct{ src, dst string }

// copyAll copies files with bounded parallelism, stopping at the first error.
func copyAll(ctx context.Context, jobs []copyJob) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return copyFile(job.src, job.dst)
		})
	}
	return g.Wait()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("dataset: copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// ClassCount is the number of images in one class folder.
type ClassCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Stats summarises a labelled folder tree.
type Stats struct {
	Dir          string       `json:"dir"`
	TotalClasses int          `json:"total_classes"`
	TotalImages  int          `json:"total_images"`
	Classes      []ClassCount `json:"class_distribution"`
}

// Share returns the percentage of all images that belong to c.
func (s Stats) Share(c ClassCount) float64 {
	if s.TotalImages == 0 {
		return 0
	}
	return float64(c.Count) / float64(s.TotalImages) * 100
}

// CollectStats counts images per class folder under dir.
func CollectStats(dir string) (Stats, error) {
	classes, err := model.DiscoverClasses(dir)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Dir: dir, TotalClasses: len(classes)}
	for _, class := range classes {
		files, err := listImages(filepath.Join(dir, class))
		if err != nil {
			return Stats{}, err
		}
		s.Classes = append(s.Classes, ClassCount{Name: class, Count: len(files)})
		s.TotalImages += len(files)
	}
	return s, nil
}
