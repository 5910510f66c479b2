package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/Brownie44l1/crop-disease-api/internal/model"
)

// Chart geometry in SVG user units.
const (
	chartWidth  = 480
	chartHeight = 260
	plotLeft    = 50
	plotRight   = 470
	plotTop     = 20
	plotBottom  = 230
	gridLines   = 5
)

const (
	trainColor      = "#1f77b4"
	validationColor = "#ff7f0e"
)

type tick struct {
	X1, X2 int
	Y      float64
	Label  string
}

type series struct {
	Name             string
	Color            string
	Points           string
	LegendX, LegendY int
}

type chart struct {
	Title               string
	Width, Height       int
	Left, Right, Bottom int
	Ticks               []tick
	Series              []series
}

type trainingPage struct {
	Epochs          int
	StoppedEarly    bool
	BestEpoch       int
	BestValAccuracy float64
	Charts          []chart
	Rows            []model.EpochMetrics
}

// Training writes an HTML page with accuracy and loss curves for both
// splits and a per-epoch table.
func Training(w io.Writer, h *model.TrainingHistory) error {
	if err := checkHistory(h); err != nil {
		return err
	}
	page := trainingPage{Epochs: h.Epochs(), StoppedEarly: h.StoppedEarly, BestValAccuracy: math.Inf(-1)}
	for i := 0; i < h.Epochs(); i++ {
		m := h.Epoch(i)
		page.Rows = append(page.Rows, m)
		if m.ValAccuracy > page.BestValAccuracy {
			page.BestEpoch, page.BestValAccuracy = m.Epoch, m.ValAccuracy
		}
	}

	lossMax := 0.0
	for _, v := range append(append([]float64(nil), h.Loss...), h.ValLoss...) {
		if finite(v) {
			lossMax = math.Max(lossMax, v)
		}
	}
	if lossMax == 0 {
		lossMax = 1
	}
	page.Charts = []chart{
		newChart("Model Accuracy", 0, 1, h.Accuracy, h.ValAccuracy),
		newChart("Model Loss", 0, lossMax, h.Loss, h.ValLoss),
	}
	return execute(w, "training.tmpl", page)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func newChart(title string, lo, hi float64, train, validation []float64) chart {
	c := chart{
		Title:  title,
		Width:  chartWidth,
		Height: chartHeight,
		Left:   plotLeft,
		Right:  plotRight,
		Bottom: plotBottom,
	}
	for i := 0; i < gridLines; i++ {
		v := lo + (hi-lo)*float64(i)/float64(gridLines-1)
		c.Ticks = append(c.Ticks, tick{
			X1:    plotLeft,
			X2:    plotRight,
			Y:     scaleY(v, lo, hi),
			Label: strconv.FormatFloat(v, 'f', 2, 64),
		})
	}
	for i, s := range []struct {
		name, color string
		values      []float64
	}{
		{"Train", trainColor, train},
		{"Validation", validationColor, validation},
	} {
		c.Series = append(c.Series, series{
			Name:    s.name,
			Color:   s.color,
			Points:  polyline(s.values, lo, hi),
			LegendX: plotRight,
			LegendY: plotTop + 14*(i+1),
		})
	}
	return c
}

func scaleY(v, lo, hi float64) float64 {
	v = math.Max(lo, math.Min(hi, v))
	return plotBottom - (v-lo)/(hi-lo)*(plotBottom-plotTop)
}

// polyline maps one value per epoch onto the plot area. Non-finite values
// are skipped.
func polyline(values []float64, lo, hi float64) string {
	var b strings.Builder
	for i, v := range values {
		if !finite(v) {
			continue
		}
		x := float64(plotLeft+plotRight) / 2
		if len(values) > 1 {
			x = plotLeft + float64(i)*float64(plotRight-plotLeft)/float64(len(values)-1)
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%.1f,%.1f", x, scaleY(v, lo, hi))
	}
	return b.String()
}

func checkHistory(h *model.TrainingHistory) error {
	if h == nil || h.Epochs() == 0 {
		return errors.New("report: training history is empty")
	}
	n := h.Epochs()
	if len(h.Accuracy) != n || len(h.ValLoss) != n || len(h.ValAccuracy) != n {
		return fmt.Errorf("report: training history curves have different lengths (%d, %d, %d, %d)",
			n, len(h.Accuracy), len(h.ValLoss), len(h.ValAccuracy))
	}
	return nil
}

// SaveHistory writes h as indented JSON.
func SaveHistory(path string, h *model.TrainingHistory) error {
	if err := checkHistory(h); err != nil {
		return err
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return WriteFile(path, func(w io.Writer) error {
		_, err := w.Write(append(data, '\n'))
		return err
	})
}

// LoadHistory reads a history written by SaveHistory.
func LoadHistory(path string) (*model.TrainingHistory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}
	var h model.TrainingHistory
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("report: parse %s: %w", path, err)
	}
	if err := checkHistory(&h); err != nil {
		return nil, err
	}
	return &h, nil
}
