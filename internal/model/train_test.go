package model

import (
	"context"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/crop-disease-api/internal/imageutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainDerivesVocabularyFromFolders(t *testing.T) {
	train, val := leafDataset(t)
	c := New(WithSeed(1), WithBatchSize(4), WithAugmentation(nil))

	history, err := c.Train(context.Background(), train, val, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Healthy", "Rust"}, c.ClassNames())
	assert.Equal(t, 2, c.OutputUnits())
	assert.Equal(t, Trained, c.State())
	assert.Equal(t, 1, history.Epochs())
	assert.Len(t, history.ValAccuracy, 1)
	assert.False(t, history.StoppedEarly)
}

func TestTrainLearnsSeparableClasses(t *testing.T) {
	train, val := leafDataset(t)
	c := New(WithSeed(42), WithBatchSize(4), WithAugmentation(nil))

	history, err := c.Train(context.Background(), train, val, 40)
	require.NoError(t, err)
	require.Equal(t, 40, history.Epochs())
	assert.Less(t, history.Loss[39], history.Loss[0])
	assert.Equal(t, 1.0, history.ValAccuracy[39])

	rng := rand.New(rand.NewSource(99))
	res, err := c.Predict(imageutil.FromImage(leafImage(leafGreen, 96, rng)))
	require.NoError(t, err)
	assert.Equal(t, "Healthy", res.Prediction)
	assert.Equal(t, []string{"No treatment needed."}, res.Treatments)

	res, err = c.Predict(imageutil.FromImage(leafImage(rustBrown, 96, rng)))
	require.NoError(t, err)
	assert.Equal(t, "Rust", res.Prediction)

	loss, acc, err := c.Evaluate(context.Background(), val)
	require.NoError(t, err)
	assert.Equal(t, 1.0, acc)
	assert.InDelta(t, history.ValLoss[39], loss, 1e-9)
}

func TestTrainWithAugmentationAndCallbacks(t *testing.T) {
	train, val := leafDataset(t)
	path := filepath.Join(t.TempDir(), "best.safetensors")
	c := New(WithSeed(5), WithBatchSize(4))

	cp := NewCheckpoint(path)
	history, err := c.Train(context.Background(), train, val, 3, cp, NewEarlyStopping(5, true))
	require.NoError(t, err)
	assert.Equal(t, 3, history.Epochs())
	assert.GreaterOrEqual(t, cp.Saves, 1)

	loaded := New()
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, []string{"Healthy", "Rust"}, loaded.ClassNames())
}

func TestTrainHonoursCancellation(t *testing.T) {
	train, val := leafDataset(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(WithSeed(1), WithAugmentation(nil))
	history, err := c.Train(ctx, train, val, 5)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, history)
	assert.Zero(t, history.Epochs())
	assert.NotEqual(t, Trained, c.State())
}

func TestTrainRejectsEmptyClass(t *testing.T) {
	root := t.TempDir()
	train := filepath.Join(root, "train")
	writeSplit(t, train, 2, map[string]color.RGBA{"Healthy": leafGreen}, rand.New(rand.NewSource(1)))
	require.NoError(t, os.MkdirAll(filepath.Join(train, "Rust"), 0o755))

	_, err := New().Train(context.Background(), train, train, 1)
	assert.ErrorIs(t, err, ErrEmptyDataset)

	_, err = New().Train(context.Background(), t.TempDir(), train, 1)
	assert.ErrorIs(t, err, ErrEmptyDataset)

	_, err = New().Train(context.Background(), train, train, 0)
	assert.Error(t, err)
}

func TestTrainRejectsUnknownValidationClass(t *testing.T) {
	train, val := leafDataset(t)
	writeSplit(t, val, 1, map[string]color.RGBA{"Powdery": {R: 220, G: 220, B: 220, A: 255}}, rand.New(rand.NewSource(3)))

	_, err := New(WithAugmentation(nil)).Train(context.Background(), train, val, 1)
	assert.Error(t, err)
}

func TestTrainRejectsBuiltWidthMismatch(t *testing.T) {
	train, val := leafDataset(t)
	c := New(WithSeed(1))
	_, err := c.Build(3)
	require.NoError(t, err)

	_, err = c.Train(context.Background(), train, val, 1)
	assert.Error(t, err)
	assert.Equal(t, Built, c.State())
}

func TestTrainFailureKeepsLoadedModel(t *testing.T) {
	train, val := leafDataset(t)
	path := filepath.Join(t.TempDir(), "m.safetensors")
	src := New(WithSeed(2))
	_, err := src.Build(2)
	require.NoError(t, err)
	require.NoError(t, src.SetClassNames([]string{"A", "B"}))
	require.NoError(t, src.Save(path))

	c := New(WithSeed(3), WithBatchSize(4), WithAugmentation(nil))
	require.NoError(t, c.Load(path))
	before := c.head
	weights := append([]float64(nil), c.head.w1...)
	require.NoError(t, os.WriteFile(filepath.Join(train, "Rust", "zz_corrupt.png"), []byte("not a png"), 0o644))

	_, err = c.Train(context.Background(), train, val, 2)
	assert.ErrorIs(t, err, imageutil.ErrDecode)
	assert.Equal(t, Loaded, c.State())
	assert.Equal(t, []string{"A", "B"}, c.ClassNames())
	assert.Same(t, before, c.head)
	assert.Equal(t, weights, c.head.w1)
}

func TestTrainFailureFromEmptyLeavesNoModel(t *testing.T) {
	train, val := leafDataset(t)
	require.NoError(t, os.WriteFile(filepath.Join(train, "Healthy", "zz_corrupt.png"), []byte("garbage"), 0o644))

	c := New(WithSeed(3), WithAugmentation(nil))
	_, err := c.Train(context.Background(), train, val, 1)
	assert.Error(t, err)
	assert.Equal(t, Empty, c.State())
	assert.Empty(t, c.ClassNames())
	_, err = c.Architecture()
	assert.ErrorIs(t, err, ErrModelNotLoaded)
}

func TestEvaluateReport(t *testing.T) {
	_, val := leafDataset(t)
	c := New(WithSeed(8))
	_, err := c.Build(2)
	require.NoError(t, err)

	report, err := c.EvaluateReport(context.Background(), val)
	require.NoError(t, err)
	assert.Equal(t, []string{"Healthy", "Rust"}, report.Labels)
	require.Len(t, report.Confusion, 2)

	total, diagonal, support := 0, 0, 0
	for i, row := range report.Confusion {
		for j, n := range row {
			total += n
			if i == j {
				diagonal += n
			}
		}
	}
	for _, m := range report.Classes {
		support += m.Support
		assert.GreaterOrEqual(t, m.F1, 0.0)
		assert.LessOrEqual(t, m.F1, 1.0)
	}
	assert.Equal(t, 6, total)
	assert.Equal(t, 6, support)
	assert.InDelta(t, float64(diagonal)/6, report.Accuracy, 1e-12)

	three := New(WithSeed(8))
	_, err = three.Build(3)
	require.NoError(t, err)
	_, err = three.EvaluateReport(context.Background(), val)
	assert.ErrorIs(t, err, ErrVocabularyMismatch)
}
