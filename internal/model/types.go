package model

// PredictionResult is the outcome of classifying one image.
type PredictionResult struct {
	Prediction  string             `json:"prediction"`
	Confidence  float64            `json:"confidence"`
	Treatments  []string           `json:"treatments"`
	Predictions map[string]float64 `json:"predictions,omitempty"`
}

// EpochMetrics are the aggregate scores of one training epoch.
type EpochMetrics struct {
	Epoch       int     `json:"epoch"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
}

// TrainingHistory holds per-epoch curves for both splits.
type TrainingHistory struct {
	Loss         []float64 `json:"loss"`
	Accuracy     []float64 `json:"accuracy"`
	ValLoss      []float64 `json:"val_loss"`
	ValAccuracy  []float64 `json:"val_accuracy"`
	StoppedEarly bool      `json:"stopped_early"`
}

// Epochs returns the number of completed epochs.
func (h *TrainingHistory) Epochs() int { return len(h.Loss) }

// Epoch returns the metrics of the i-th completed epoch, numbered from one.
func (h *TrainingHistory) Epoch(i int) EpochMetrics {
	return EpochMetrics{
		Epoch:       i + 1,
		Loss:        h.Loss[i],
		Accuracy:    h.Accuracy[i],
		ValLoss:     h.ValLoss[i],
		ValAccuracy: h.ValAccuracy[i],
	}
}

func (h *TrainingHistory) append(m EpochMetrics) {
	h.Loss = append(h.Loss, m.Loss)
	h.Accuracy = append(h.Accuracy, m.Accuracy)
	h.ValLoss = append(h.ValLoss, m.ValLoss)
	h.ValAccuracy = append(h.ValAccuracy, m.ValAccuracy)
}

// ClassMetrics are the per-class scores of an evaluation.
type ClassMetrics struct {
	Label     string  `json:"label"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// EvaluationReport is the detailed result of evaluating a labelled tree.
type EvaluationReport struct {
	Loss      float64        `json:"loss"`
	Accuracy  float64        `json:"accuracy"`
	Labels    []string       `json:"labels"`
	Confusion [][]int        `json:"confusion"` // [true][predicted]
	Classes   []ClassMetrics `json:"classes"`
}
