package dataset

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"

	"github.com/Brownie44l1/crop-disease-api/internal/model"
	"github.com/rs/zerolog/log"
)

// ErrInvalidRatios is returned when split ratios are negative or do not sum
// to one.
var ErrInvalidRatios = errors.New("dataset: train, validation and test ratios must be non-negative and sum to 1")

// DefaultSeed makes splits and augmentation reproducible.
const DefaultSeed = 42

// Ratios are the fractions of each class assigned to every split.
type Ratios struct {
	Train      float64
	Validation float64
	Test       float64
}

// DefaultRatios is a 70/15/15 split.
var DefaultRatios = Ratios{Train: 0.7, Validation: 0.15, Test: 0.15}

func (r Ratios) validate() error {
	if r.Train < 0 || r.Validation < 0 || r.Test < 0 {
		return ErrInvalidRatios
	}
	if math.Abs(r.Train+r.Validation+r.Test-1) > 1e-9 {
		return ErrInvalidRatios
	}
	return nil
}

// partition shuffles n items with seed and returns the index ranges of the
// train, validation and test parts. Train takes floor(Train*n); the rest is
// divided the same way by Validation/(Validation+Test).
func (r Ratios) partition(n int, seed int64) (order []int, nTrain, nVal int) {
	order = rand.New(rand.NewSource(seed)).Perm(n)
	nTrain = floorCount(r.Train, n)
	if held := r.Validation + r.Test; held > 0 {
		nVal = floorCount(r.Validation/held, n-nTrain)
	}
	return order, nTrain, nVal
}

// floorCount is floor(ratio*n), tolerant of ratios like 0.7 that are not
// exact in binary.
func floorCount(ratio float64, n int) int {
	return int(math.Floor(ratio*float64(n) + 1e-9))
}

// Split copies every class folder under src into out/{train,validation,test}
// according to ratios. Each class is shuffled independently with seed.
func Split(ctx context.Context, src, out string, ratios Ratios, seed int64) (Paths, error) {
	if err := ratios.validate(); err != nil {
		return Paths{}, err
	}
	classes, err := model.DiscoverClasses(src)
	if err != nil {
		return Paths{}, err
	}
	paths, err := CreateStructure(out, classes)
	if err != nil {
		return paths, err
	}

	var jobs []copyJob
	for _, class := range classes {
		files, err := listImages(filepath.Join(src, class))
		if err != nil {
			return paths, err
		}
		order, nTrain, nVal := ratios.partition(len(files), seed)
		for i, idx := range order {
			dst := paths.Test
			switch {
			case i < nTrain:
				dst = paths.Train
			case i < nTrain+nVal:
				dst = paths.Validation
			}
			jobs = append(jobs, copyJob{
				src: filepath.Join(src, class, files[idx]),
				dst: filepath.Join(dst, class, files[idx]),
			})
		}
		log.Info().
			Str("class", class).
			Int("train", nTrain).
			Int("validation", nVal).
			Int("test", len(files)-nTrain-nVal).
			Msg("class split")
	}

	if err := copyAll(ctx, jobs); err != nil {
		return paths, fmt.Errorf("dataset: split %s: %w", src, err)
	}
	return paths, nil
}
