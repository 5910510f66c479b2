package model

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Brownie44l1/crop-disease-api/internal/imageutil"
	"github.com/rs/zerolog/log"
)

// DefaultEpochs is the number of passes used when callers have no preference.
const DefaultEpochs = 15

// Train fits the classifier on the class folders under trainDir, scoring
// each epoch against validationDir. Folder names become the vocabulary in
// listing order. The architecture is built when absent. ctx is checked at
// every epoch boundary. Weights, vocabulary and state are only kept when
// training succeeds; on error the Container is restored to what it was.
func (c *Container) Train(ctx context.Context, trainDir, validationDir string, epochs int, callbacks ...Callback) (history *TrainingHistory, err error) {
	if epochs < 1 {
		return nil, fmt.Errorf("model: epochs must be positive, got %d", epochs)
	}

	classes, err := DiscoverClasses(trainDir)
	if err != nil {
		return nil, err
	}
	trainSet, err := listSamples(trainDir, classes, true)
	if err != nil {
		return nil, err
	}
	valSet, err := listSamples(validationDir, classes, false)
	if err != nil {
		return nil, err
	}

	if c.head != nil && c.head.out != len(classes) {
		return nil, fmt.Errorf("model: built for %d classes but %s has %d", c.head.out, trainDir, len(classes))
	}

	prevHead, prevNames, prevState := c.head, c.classNames, c.state
	defer func() {
		if err != nil {
			c.head, c.classNames, c.state = prevHead, prevNames, prevState
		}
	}()
	if c.head == nil {
		if _, err := c.Build(len(classes)); err != nil {
			return nil, err
		}
	} else {
		c.head = c.head.clone()
	}
	c.classNames = classes

	log.Info().
		Strs("classes", classes).
		Int("train_samples", len(trainSet)).
		Int("validation_samples", len(valSet)).
		Int("epochs", epochs).
		Msg("training started")

	valX, valY, err := c.extractAll(valSet)
	if err != nil {
		return nil, err
	}

	opt := newAdam(c.head)
	history = &TrainingHistory{}
	order := make([]int, len(trainSet))
	for i := range order {
		order[i] = i
	}

	for epoch := 1; epoch <= epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return history, err
		}
		start := time.Now()

		c.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		var lossSum float64
		correct := 0
		for _, batch := range batches(order, c.batchSize) {
			xs := make([][]float64, len(batch))
			ys := make([]int, len(batch))
			for k, idx := range batch {
				s := trainSet[idx]
				t, err := imageutil.Normalize(imageutil.Path(s.path))
				if err != nil {
					return history, fmt.Errorf("model: %s: %w", s.path, err)
				}
				if c.augmentation != nil {
					t = c.augmentation.Apply(t, c.rng)
				}
				if xs[k], err = c.features(t); err != nil {
					return history, err
				}
				ys[k] = s.label
			}
			loss, ok, err := c.head.trainBatch(xs, ys, opt, c.rng)
			if err != nil {
				return history, err
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return history, fmt.Errorf("%w: loss %v at epoch %d", ErrTrainingDiverged, loss, epoch)
			}
			lossSum += loss * float64(len(batch))
			correct += ok
		}

		valLoss, valAcc, err := c.score(valX, valY, nil)
		if err != nil {
			return history, err
		}
		m := EpochMetrics{
			Epoch:       epoch,
			Loss:        lossSum / float64(len(trainSet)),
			Accuracy:    float64(correct) / float64(len(trainSet)),
			ValLoss:     valLoss,
			ValAccuracy: valAcc,
		}
		history.append(m)
		log.Info().
			Int("epoch", epoch).
			Float64("loss", m.Loss).
			Float64("accuracy", m.Accuracy).
			Float64("val_loss", m.ValLoss).
			Float64("val_accuracy", m.ValAccuracy).
			Dur("took", time.Since(start)).
			Msg("epoch complete")

		stop := false
		for _, cb := range callbacks {
			s, err := cb.OnEpochEnd(c, m)
			if err != nil {
				return history, err
			}
			stop = stop || s
		}
		if stop {
			history.StoppedEarly = true
			break
		}
	}

	for _, cb := range callbacks {
		if te, ok := cb.(trainEnder); ok {
			if err := te.OnTrainEnd(c); err != nil {
				return history, err
			}
		}
	}
	c.state = Trained
	return history, nil
}

// score returns mean loss and accuracy in inference mode. When confusion is
// non-nil it is filled as [true][predicted].
func (c *Container) score(xs [][]float64, ys []int, confusion [][]int) (float64, float64, error) {
	if len(xs) == 0 {
		return 0, 0, nil
	}
	probs, err := c.head.predictBatch(xs)
	if err != nil {
		return 0, 0, err
	}
	var loss float64
	correct := 0
	for i, p := range probs {
		loss += crossEntropy(p, ys[i])
		pred := argmax(p)
		if pred == ys[i] {
			correct++
		}
		if confusion != nil {
			confusion[ys[i]][pred]++
		}
	}
	n := float64(len(xs))
	return loss / n, float64(correct) / n, nil
}
