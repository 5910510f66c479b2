package model

import (
	"context"
	"fmt"
)

// Evaluate scores the model on the labelled folders under testDir without
// augmentation.
func (c *Container) Evaluate(ctx context.Context, testDir string) (loss, accuracy float64, err error) {
	r, err := c.EvaluateReport(ctx, testDir)
	if err != nil {
		return 0, 0, err
	}
	return r.Loss, r.Accuracy, nil
}

// EvaluateReport is Evaluate with a confusion matrix and per-class scores.
func (c *Container) EvaluateReport(ctx context.Context, testDir string) (*EvaluationReport, error) {
	if c.head == nil {
		return nil, ErrModelNotLoaded
	}

	labels := c.ClassNames()
	if len(labels) == 0 {
		discovered, err := DiscoverClasses(testDir)
		if err != nil {
			return nil, err
		}
		if len(discovered) != c.head.out {
			return nil, fmt.Errorf("%w: %s has %d classes, model has %d outputs",
				ErrVocabularyMismatch, testDir, len(discovered), c.head.out)
		}
		labels = discovered
	} else if len(labels) != c.head.out {
		return nil, fmt.Errorf("%w: %d labels for %d outputs", ErrVocabularyMismatch, len(labels), c.head.out)
	}

	samples, err := listSamples(testDir, labels, false)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	xs, ys, err := c.extractAll(samples)
	if err != nil {
		return nil, err
	}

	confusion := make([][]int, len(labels))
	for i := range confusion {
		confusion[i] = make([]int, c.head.out)
	}
	loss, acc, err := c.score(xs, ys, confusion)
	if err != nil {
		return nil, err
	}

	report := &EvaluationReport{
		Loss:      loss,
		Accuracy:  acc,
		Labels:    labels,
		Confusion: confusion,
	}
	for i, label := range labels {
		var tp, fp, fn int
		for j := range labels {
			switch {
			case i == j:
				tp = confusion[i][i]
			default:
				fn += confusion[i][j]
				fp += confusion[j][i]
			}
		}
		m := ClassMetrics{Label: label, Support: tp + fn}
		if tp+fp > 0 {
			m.Precision = float64(tp) / float64(tp+fp)
		}
		if tp+fn > 0 {
			m.Recall = float64(tp) / float64(tp+fn)
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		report.Classes = append(report.Classes, m)
	}
	return report, nil
}
