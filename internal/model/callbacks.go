package model

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
)

// Callback is consulted after every completed epoch. Returning stop ends
// training after the current epoch; an error aborts it.
type Callback interface {
	OnEpochEnd(c *Container, m EpochMetrics) (stop bool, err error)
}

// trainEnder is implemented by callbacks that act once training finishes.
type trainEnder interface {
	OnTrainEnd(c *Container) error
}

// Monitored metric names.
const (
	MetricLoss        = "loss"
	MetricAccuracy    = "accuracy"
	MetricValLoss     = "val_loss"
	MetricValAccuracy = "val_accuracy"
)

func metricValue(m EpochMetrics, name string) (float64, error) {
	switch name {
	case MetricLoss:
		return m.Loss, nil
	case MetricAccuracy:
		return m.Accuracy, nil
	case MetricValLoss:
		return m.ValLoss, nil
	case MetricValAccuracy:
		return m.ValAccuracy, nil
	}
	return 0, fmt.Errorf("model: unknown metric %q", name)
}

// higherIsBetter infers the optimisation direction from the metric name.
func higherIsBetter(name string) bool {
	return name == MetricAccuracy || name == MetricValAccuracy
}

func improved(name string, v, best float64) bool {
	if math.IsNaN(best) {
		return true
	}
	if higherIsBetter(name) {
		return v > best
	}
	return v < best
}

// Checkpoint saves the artifact whenever the monitored metric improves.
type Checkpoint struct {
	Path    string
	Monitor string

	best  float64
	Saves int
}

// NewCheckpoint monitors val_accuracy.
func NewCheckpoint(path string) *Checkpoint {
	return &Checkpoint{Path: path, Monitor: MetricValAccuracy, best: math.NaN()}
}

func (cp *Checkpoint) OnEpochEnd(c *Container, m EpochMetrics) (bool, error) {
	if cp.Monitor == "" {
		cp.Monitor = MetricValAccuracy
	}
	v, err := metricValue(m, cp.Monitor)
	if err != nil {
		return false, err
	}
	if cp.Saves > 0 && !improved(cp.Monitor, v, cp.best) {
		return false, nil
	}
	if err := c.Save(cp.Path); err != nil {
		return false, fmt.Errorf("model: checkpoint: %w", err)
	}
	log.Info().
		Int("epoch", m.Epoch).
		Str("monitor", cp.Monitor).
		Float64("value", v).
		Str("path", cp.Path).
		Msg("checkpoint saved")
	cp.best = v
	cp.Saves++
	return false, nil
}

// EarlyStopping stops training once the monitored metric has not improved
// for Patience epochs. With RestoreBest the weights of the best epoch are
// restored when training ends.
type EarlyStopping struct {
	Monitor     string
	Patience    int
	MinDelta    float64
	RestoreBest bool

	best      float64
	bestEpoch int
	wait      int
	snapshot  *head
	StoppedAt int
}

// NewEarlyStopping monitors val_loss.
func NewEarlyStopping(patience int, restoreBest bool) *EarlyStopping {
	return &EarlyStopping{
		Monitor:     MetricValLoss,
		Patience:    patience,
		RestoreBest: restoreBest,
		best:        math.NaN(),
	}
}

func (es *EarlyStopping) OnEpochEnd(c *Container, m EpochMetrics) (bool, error) {
	if es.Monitor == "" {
		es.Monitor = MetricValLoss
	}
	v, err := metricValue(m, es.Monitor)
	if err != nil {
		return false, err
	}

	// v must beat best by at least MinDelta.
	delta := -es.MinDelta
	if higherIsBetter(es.Monitor) {
		delta = es.MinDelta
	}
	if es.snapshot == nil || improved(es.Monitor, v-delta, es.best) {
		es.best = v
		es.bestEpoch = m.Epoch
		es.wait = 0
		if es.RestoreBest {
			es.snapshot = c.head.clone()
		} else {
			es.snapshot = c.head
		}
		return false, nil
	}

	es.wait++
	if es.wait >= es.Patience {
		es.StoppedAt = m.Epoch
		log.Info().
			Int("epoch", m.Epoch).
			Int("best_epoch", es.bestEpoch).
			Str("monitor", es.Monitor).
			Float64("best", es.best).
			Msg("early stopping")
		return true, nil
	}
	return false, nil
}

func (es *EarlyStopping) OnTrainEnd(c *Container) error {
	if es.RestoreBest && es.snapshot != nil && es.snapshot != c.head {
		log.Info().Int("best_epoch", es.bestEpoch).Msg("restoring best weights")
		c.head = es.snapshot.clone()
	}
	return nil
}

func (h *head) clone() *head {
	cp := func(s []float64) []float64 { return append([]float64(nil), s...) }
	return &head{
		in:         h.in,
		hidden:     h.hidden,
		out:        h.out,
		w1:         cp(h.w1),
		b1:         cp(h.b1),
		gamma:      cp(h.gamma),
		beta:       cp(h.beta),
		movingMean: cp(h.movingMean),
		movingVar:  cp(h.movingVar),
		w2:         cp(h.w2),
		b2:         cp(h.b2),
	}
}
