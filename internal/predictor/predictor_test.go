package predictor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Brownie44l1/crop-disease-api/internal/imageutil"
	"github.com/Brownie44l1/crop-disease-api/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(c color.RGBA, size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

var red = color.RGBA{R: 255, A: 255}

func redPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(red, imageutil.ImageSize)))
	return buf.Bytes()
}

// saveModel writes a built two-class artifact and returns its path.
func saveModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crop_disease_model.safetensors")
	c := model.New(model.WithSeed(1))
	_, err := c.Build(2)
	require.NoError(t, err)
	require.NoError(t, c.SetClassNames([]string{"Healthy", "Rust"}))
	require.NoError(t, c.Save(path))
	return path
}

func assertMockResult(t *testing.T, res model.PredictionResult) {
	t.Helper()
	assert.Contains(t, MockLabels, res.Prediction)
	assert.GreaterOrEqual(t, res.Confidence, MockMinConfidence)
	assert.LessOrEqual(t, res.Confidence, MockMaxConfidence)
	assert.InDelta(t, res.Confidence, math.Round(res.Confidence*100)/100, 1e-12)
	assert.Equal(t, model.DefaultCatalog().TreatmentsFor(res.Prediction), res.Treatments)
}

func TestInferDiseaseWithoutArtifact(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "crop_disease_model.safetensors")

	res, err := InferDisease(context.Background(), missing, imageutil.Bytes(redPNG(t)))
	require.NoError(t, err)
	assertMockResult(t, res)

	res, err = InferDisease(context.Background(), missing, imageutil.FromImage(solid(red, imageutil.ImageSize)))
	require.NoError(t, err)
	assertMockResult(t, res)
}

func TestInferDiseaseWithArtifact(t *testing.T) {
	path := saveModel(t)

	res, err := InferDisease(context.Background(), path, imageutil.Bytes(redPNG(t)))
	require.NoError(t, err)
	assert.Contains(t, []string{"Healthy", "Rust"}, res.Prediction)
	assert.Len(t, res.Predictions, 2)
}

func TestInferDiseaseWithBrokenArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crop_disease_model.safetensors")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	_, err := InferDisease(context.Background(), path, imageutil.Bytes(redPNG(t)))
	assert.ErrorIs(t, err, model.ErrModelNotLoaded)
}

func TestMockPredictor(t *testing.T) {
	p := NewMockPredictor(nil, 7)
	assert.Equal(t, SourceMock, p.Source())

	seen := map[string]bool{}
	for i := 0; i < 60; i++ {
		res, err := p.Predict(context.Background(), imageutil.FromImage(solid(red, 8)))
		require.NoError(t, err)
		assertMockResult(t, res)
		seen[res.Prediction] = true
	}
	assert.Len(t, seen, len(MockLabels))

	_, err := p.Predict(context.Background(), imageutil.Bytes([]byte("not an image")))
	assert.ErrorIs(t, err, imageutil.ErrDecode)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Predict(ctx, imageutil.Bytes(redPNG(t)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMockPredictorIsReproducible(t *testing.T) {
	a, b := NewMockPredictor(nil, 3), NewMockPredictor(nil, 3)
	for i := 0; i < 5; i++ {
		ra, err := a.Predict(context.Background(), imageutil.Bytes(redPNG(t)))
		require.NoError(t, err)
		rb, err := b.Predict(context.Background(), imageutil.Bytes(redPNG(t)))
		require.NoError(t, err)
		assert.Equal(t, ra, rb)
	}
}

func TestSelect(t *testing.T) {
	dir := t.TempDir()

	p := Select(filepath.Join(dir, "missing.safetensors"), nil)
	assert.Equal(t, SourceMock, p.Source())

	broken := filepath.Join(dir, "broken.safetensors")
	require.NoError(t, os.WriteFile(broken, []byte("garbage"), 0o644))
	p = Select(broken, nil)
	assert.Equal(t, SourceMock, p.Source())

	p = Select(saveModel(t), model.NewTreatmentCatalog(map[string][]string{"rust": {"Spray"}}))
	require.Equal(t, SourceModel, p.Source())
	defer p.Close()
	trained, ok := p.(*TrainedPredictor)
	require.True(t, ok)
	assert.Equal(t, []string{"Healthy", "Rust"}, trained.ClassNames())

	res, err := p.Predict(context.Background(), imageutil.Bytes(redPNG(t)))
	require.NoError(t, err)
	if res.Prediction == "Rust" {
		assert.Equal(t, []string{"Spray"}, res.Treatments)
	} else {
		assert.Equal(t, []string{model.DefaultTreatment}, res.Treatments)
	}
}

func TestTrainedPredictorConcurrentUse(t *testing.T) {
	p := Select(saveModel(t), nil)
	require.Equal(t, SourceModel, p.Source())
	data := redPNG(t)

	want, err := p.Predict(context.Background(), imageutil.Bytes(data))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := p.Predict(context.Background(), imageutil.Bytes(data))
			if err == nil && got.Prediction != want.Prediction {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}
