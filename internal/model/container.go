// Package model owns the crop-disease classifier: a frozen backbone, a
// trainable head on top of it, the class vocabulary and the treatment
// catalog.
package model

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/Brownie44l1/crop-disease-api/internal/imageutil"
	"github.com/rs/zerolog/log"
)

// DefaultBatchSize is the mini-batch size used for training and evaluation.
const DefaultBatchSize = 32

// State is the lifecycle stage of a Container.
type State int

const (
	Empty State = iota
	Built
	Trained
	Loaded
)

func (s State) String() string {
	switch s {
	case Built:
		return "built"
	case Trained:
		return "trained"
	case Loaded:
		return "loaded"
	default:
		return "empty"
	}
}

// Architecture describes a built classifier.
type Architecture struct {
	Backbone    string   `json:"backbone"`
	FeatureDim  int      `json:"feature_dim"`
	HiddenUnits int      `json:"hidden_units"`
	OutputUnits int      `json:"output_units"`
	Layers      []string `json:"layers"`
}

// Container holds at most one classifier with its vocabulary. It is not safe
// for concurrent use; callers sharing one must serialize access.
type Container struct {
	backbone   Backbone
	catalog    *TreatmentCatalog
	head       *head
	classNames []string
	state      State
	modelPath  string

	rng          *rand.Rand
	batchSize    int
	augmentation *Augmentation
}

// Option configures a Container.
type Option func(*Container)

// WithBackbone sets the feature extractor. The default is ColorGrid.
func WithBackbone(b Backbone) Option {
	return func(c *Container) { c.backbone = b }
}

// WithCatalog replaces the default treatment catalog.
func WithCatalog(cat *TreatmentCatalog) Option {
	return func(c *Container) { c.catalog = cat }
}

// WithSeed makes weight initialization, shuffling, dropout and augmentation
// reproducible.
func WithSeed(seed int64) Option {
	return func(c *Container) { c.rng = rand.New(rand.NewSource(seed)) }
}

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(c *Container) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithAugmentation sets the training-stream augmentation. nil disables it.
func WithAugmentation(a *Augmentation) Option {
	return func(c *Container) { c.augmentation = a }
}

// New returns an empty Container.
func New(opts ...Option) *Container {
	aug := DefaultAugmentation
	c := &Container{
		catalog:      DefaultCatalog(),
		batchSize:    DefaultBatchSize,
		augmentation: &aug,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backbone == nil {
		c.backbone = NewColorGrid()
	}
	if c.catalog == nil {
		c.catalog = DefaultCatalog()
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return c
}

// Open returns a Container and loads path into it when the file exists. The
// Container is returned even when loading fails, left empty.
func Open(path string, opts ...Option) (*Container, error) {
	c := New(opts...)
	if path == "" {
		return c, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	return c, c.Load(path)
}

// State reports the lifecycle stage.
func (c *Container) State() State { return c.state }

// Backbone returns the feature extractor.
func (c *Container) Backbone() Backbone { return c.backbone }

// Catalog returns the treatment catalog.
func (c *Container) Catalog() *TreatmentCatalog { return c.catalog }

// ModelPath is the artifact most recently loaded or saved.
func (c *Container) ModelPath() string { return c.modelPath }

// ClassNames returns a copy of the vocabulary.
func (c *Container) ClassNames() []string {
	return append([]string(nil), c.classNames...)
}

// SetClassNames replaces the vocabulary. When a model is present the length
// must equal its output width.
func (c *Container) SetClassNames(names []string) error {
	if c.head != nil && len(names) != c.head.out {
		return fmt.Errorf("%w: %d labels for %d outputs", ErrVocabularyMismatch, len(names), c.head.out)
	}
	if err := checkVocabulary(names); err != nil {
		return err
	}
	c.classNames = append([]string(nil), names...)
	return nil
}

// OutputUnits is the width of the softmax layer, or 0 without a model.
func (c *Container) OutputUnits() int {
	if c.head == nil {
		return 0
	}
	return c.head.out
}

// Architecture describes the current model.
func (c *Container) Architecture() (Architecture, error) {
	if c.head == nil {
		return Architecture{}, ErrModelNotLoaded
	}
	return c.describe(), nil
}

func (c *Container) describe() Architecture {
	return Architecture{
		Backbone:    c.backbone.Name(),
		FeatureDim:  c.head.in,
		HiddenUnits: c.head.hidden,
		OutputUnits: c.head.out,
		Layers: []string{
			fmt.Sprintf("%s (frozen)", c.backbone.Name()),
			"global_average_pooling",
			fmt.Sprintf("dropout(%.1f)", dropoutRate),
			fmt.Sprintf("dense(%d, relu)", c.head.hidden),
			"batch_normalization",
			fmt.Sprintf("dense(%d, softmax)", c.head.out),
		},
	}
}

// Build creates an untrained classifier with numClasses outputs on top of
// the frozen backbone.
func (c *Container) Build(numClasses int) (Architecture, error) {
	if numClasses < 1 {
		return Architecture{}, fmt.Errorf("%w: got %d", ErrInvalidClassCount, numClasses)
	}
	c.head = newHead(c.backbone.FeatureDim(), numClasses, c.rng)
	c.state = Built
	if len(c.classNames) != numClasses {
		c.classNames = nil
	}
	arch := c.describe()
	log.Debug().
		Str("backbone", arch.Backbone).
		Int("feature_dim", arch.FeatureDim).
		Int("classes", numClasses).
		Msg("model built")
	return arch, nil
}

// Load reads weights from path and, when a sibling class_names.txt exists,
// the vocabulary. On failure the error is logged and returned and the
// Container keeps its previous state.
func (c *Container) Load(path string) error {
	if err := c.load(path); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to load model")
		return err
	}
	log.Info().
		Str("path", path).
		Int("classes", c.head.out).
		Strs("class_names", c.classNames).
		Msg("model loaded")
	return nil
}

func (c *Container) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrArtifactIO, path, err)
	}
	h, meta, err := decodeWeights(data)
	if err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrArtifactIO, path, err)
	}
	if meta.Backbone != c.backbone.Name() || meta.FeatureDim != c.backbone.FeatureDim() {
		return fmt.Errorf("%w: weights expect %s/%d, container has %s/%d", ErrBackboneMismatch,
			meta.Backbone, meta.FeatureDim, c.backbone.Name(), c.backbone.FeatureDim())
	}

	names := c.classNames
	vocabPath := VocabularyPath(path)
	switch _, statErr := os.Stat(vocabPath); {
	case statErr == nil:
		labels, err := readVocabulary(vocabPath)
		if err != nil {
			return fmt.Errorf("%w: read %s: %w", ErrArtifactIO, vocabPath, err)
		}
		if len(labels) != meta.NumClasses {
			return fmt.Errorf("%w: %s has %d labels, weights have %d outputs",
				ErrVocabularyMismatch, vocabPath, len(labels), meta.NumClasses)
		}
		if meta.VocabSHA256 != "" && vocabularyHash(labels) != meta.VocabSHA256 {
			return fmt.Errorf("%w: %s was not saved with these weights", ErrVocabularyMismatch, vocabPath)
		}
		if meta.VocabSize == 0 {
			log.Warn().Str("path", vocabPath).Msg("weights carry no vocabulary fingerprint; trusting sidecar by length")
		}
		names = labels
	case errors.Is(statErr, os.ErrNotExist):
		log.Warn().Str("path", vocabPath).Msg("no vocabulary next to weights; keeping current class names")
	default:
		return fmt.Errorf("%w: stat %s: %w", ErrArtifactIO, vocabPath, statErr)
	}

	c.head = h
	c.classNames = append([]string(nil), names...)
	c.state = Loaded
	c.modelPath = path
	return nil
}

// Save writes the weights to path and the vocabulary to a sibling
// class_names.txt.
func (c *Container) Save(path string) error {
	if c.head == nil {
		return ErrModelNotLoaded
	}
	if len(c.classNames) > 0 && len(c.classNames) != c.head.out {
		return fmt.Errorf("%w: %d labels for %d outputs", ErrVocabularyMismatch, len(c.classNames), c.head.out)
	}
	if err := checkVocabulary(c.classNames); err != nil {
		return err
	}

	meta := artifactMeta{
		Backbone:   c.backbone.Name(),
		FeatureDim: c.head.in,
		Hidden:     c.head.hidden,
		NumClasses: c.head.out,
		VocabSize:  len(c.classNames),
	}
	if len(c.classNames) > 0 {
		meta.VocabSHA256 = vocabularyHash(c.classNames)
	}
	data, err := encodeWeights(c.head, meta)
	if err != nil {
		return fmt.Errorf("%w: encode weights: %w", ErrArtifactIO, err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrArtifactIO, path, err)
	}
	vocabPath := VocabularyPath(path)
	if len(c.classNames) > 0 {
		if err := writeFileAtomic(vocabPath, encodeVocabulary(c.classNames)); err != nil {
			return fmt.Errorf("%w: write %s: %w", ErrArtifactIO, vocabPath, err)
		}
	} else if err := os.Remove(vocabPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove stale %s: %w", ErrArtifactIO, vocabPath, err)
	}
	c.modelPath = path
	log.Info().Str("path", path).Int("classes", c.head.out).Msg("model saved")
	return nil
}

// Predict classifies one image.
func (c *Container) Predict(src imageutil.Source) (PredictionResult, error) {
	if c.head == nil {
		return PredictionResult{}, ErrModelNotLoaded
	}
	t, err := imageutil.Normalize(src)
	if err != nil {
		return PredictionResult{}, err
	}
	return c.PredictTensor(t)
}

// PredictTensor classifies an already normalized single-image tensor.
func (c *Container) PredictTensor(t *imageutil.Tensor) (PredictionResult, error) {
	if c.head == nil {
		return PredictionResult{}, ErrModelNotLoaded
	}
	features, err := c.features(t)
	if err != nil {
		return PredictionResult{}, err
	}
	probs, err := c.head.predict(features)
	if err != nil {
		return PredictionResult{}, err
	}
	idx := argmax(probs)

	predictions := make(map[string]float64, len(probs))
	for i, p := range probs {
		predictions[c.label(i)] = p
	}

	label := c.label(idx)
	treatments, known := c.catalog.Lookup(label)
	if !known {
		log.Warn().Str("label", label).Msg("no treatments catalogued for label")
	}
	log.Debug().Str("prediction", label).Int("index", idx).Float64("confidence", probs[idx]).Msg("prediction")

	return PredictionResult{
		Prediction:  label,
		Confidence:  probs[idx],
		Treatments:  treatments,
		Predictions: predictions,
	}, nil
}

// label maps an output index to its class name, synthesizing class_<i> for
// indices outside the vocabulary.
func (c *Container) label(i int) string {
	if i >= 0 && i < len(c.classNames) {
		return c.classNames[i]
	}
	return fmt.Sprintf("class_%d", i)
}

func (c *Container) features(t *imageutil.Tensor) ([]float64, error) {
	fm, err := c.backbone.Extract(t)
	if err != nil {
		return nil, fmt.Errorf("model: feature extraction: %w", err)
	}
	pooled := fm.Pool()
	if len(pooled) != c.head.in {
		return nil, fmt.Errorf("%w: backbone produced %d features, head expects %d",
			ErrBackboneMismatch, len(pooled), c.head.in)
	}
	out := make([]float64, len(pooled))
	for i, v := range pooled {
		out[i] = float64(v)
	}
	return out, nil
}

// Close releases the backbone.
func (c *Container) Close() error {
	if c.backbone != nil {
		return c.backbone.Close()
	}
	return nil
}
