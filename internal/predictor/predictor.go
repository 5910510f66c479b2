// Package predictor chooses between a trained classifier and a mock that
// keeps the service usable before any model has been trained.
package predictor

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/Brownie44l1/crop-disease-api/internal/imageutil"
	"github.com/Brownie44l1/crop-disease-api/internal/model"
	"github.com/rs/zerolog/log"
)

// Values reported by Predictor.Source.
const (
	SourceModel = "model"
	SourceMock  = "mock"
)

// MockLabels are the diseases the mock chooses from.
var MockLabels = []string{"Healthy", "Powdery", "Rust"}

// Mock confidence bounds.
const (
	MockMinConfidence = 0.70
	MockMaxConfidence = 0.98
)

// Predictor classifies crop images.
type Predictor interface {
	Predict(ctx context.Context, src imageutil.Source) (model.PredictionResult, error)
	Source() string
	Close() error
}

// TrainedPredictor serves a loaded Container. Calls are serialized so one
// instance can be shared across requests.
type TrainedPredictor struct {
	mu sync.Mutex
	c  *model.Container
}

func NewTrainedPredictor(c *model.Container) *TrainedPredictor {
	return &TrainedPredictor{c: c}
}

func (p *TrainedPredictor) Predict(ctx context.Context, src imageutil.Source) (model.PredictionResult, error) {
	if err := ctx.Err(); err != nil {
		return model.PredictionResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.c.Predict(src)
}

func (p *TrainedPredictor) Source() string { return SourceModel }

// ClassNames returns the vocabulary of the served model.
func (p *TrainedPredictor) ClassNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.c.ClassNames()
}

func (p *TrainedPredictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.c.Close()
}

// MockPredictor returns a random label from MockLabels with a confidence in
// [MockMinConfidence, MockMaxConfidence] rounded to two decimals. The input
// is still decoded so unreadable images fail the same way in every mode.
type MockPredictor struct {
	mu      sync.Mutex
	rng     *rand.Rand
	catalog *model.TreatmentCatalog
}

// NewMockPredictor uses catalog for treatments, or the default catalog when
// nil.
func NewMockPredictor(catalog *model.TreatmentCatalog, seed int64) *MockPredictor {
	if catalog == nil {
		catalog = model.DefaultCatalog()
	}
	return &MockPredictor{rng: rand.New(rand.NewSource(seed)), catalog: catalog}
}

func (p *MockPredictor) Predict(ctx context.Context, src imageutil.Source) (model.PredictionResult, error) {
	if err := ctx.Err(); err != nil {
		return model.PredictionResult{}, err
	}
	if _, _, err := src.Decode(); err != nil {
		return model.PredictionResult{}, err
	}

	p.mu.Lock()
	label := MockLabels[p.rng.Intn(len(MockLabels))]
	conf := MockMinConfidence + p.rng.Float64()*(MockMaxConfidence-MockMinConfidence)
	p.mu.Unlock()

	return model.PredictionResult{
		Prediction: label,
		Confidence: math.Round(conf*100) / 100,
		Treatments: p.catalog.TreatmentsFor(label),
	}, nil
}

func (p *MockPredictor) Source() string { return SourceMock }
func (p *MockPredictor) Close() error   { return nil }

// Select is called once at startup. It serves the artifact at modelPath when
// it exists and loads, and falls back to the mock otherwise.
func Select(modelPath string, catalog *model.TreatmentCatalog, opts ...model.Option) Predictor {
	if catalog == nil {
		catalog = model.DefaultCatalog()
	}
	mock := func() Predictor { return NewMockPredictor(catalog, time.Now().UnixNano()) }

	if _, err := os.Stat(modelPath); err != nil {
		log.Warn().Str("path", modelPath).Msg("model artifact not found, serving mock predictions")
		return mock()
	}
	c := model.New(append(opts, model.WithCatalog(catalog))...)
	if err := c.Load(modelPath); err != nil {
		c.Close()
		log.Warn().Err(err).Msg("model artifact unusable, serving mock predictions")
		return mock()
	}
	return NewTrainedPredictor(c)
}

// InferDisease classifies src with the artifact at modelPath. A missing
// artifact yields a mock result. An artifact that exists but cannot be
// loaded leaves the container empty, so the call fails with
// model.ErrModelNotLoaded.
func InferDisease(ctx context.Context, modelPath string, src imageutil.Source, opts ...model.Option) (model.PredictionResult, error) {
	if _, err := os.Stat(modelPath); errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", modelPath).Msg("model not found, using mock data")
		return NewMockPredictor(nil, time.Now().UnixNano()).Predict(ctx, src)
	}

	c, _ := model.Open(modelPath, opts...)
	defer c.Close()
	return NewTrainedPredictor(c).Predict(ctx, src)
}
