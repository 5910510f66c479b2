// Package report renders prediction and training results as standalone HTML
// pages. Images are embedded as data URLs and charts as inline SVG, so a
// report is a single file that can be mailed or archived.
package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Brownie44l1/crop-disease-api/internal/imageutil"
	"github.com/Brownie44l1/crop-disease-api/internal/model"
	"github.com/disintegration/imaging"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// ThumbnailSize bounds the longer side of the embedded leaf image.
const ThumbnailSize = 640

const (
	healthyColor  = "#28a745"
	diseasedColor = "#d9534f"
)

type score struct {
	Label   string
	Percent float64
}

type predictionPage struct {
	Generated  string
	Label      string
	Healthy    bool
	Accent     string
	Confidence float64
	Scores     []score
	Image      template.URL
	Treatments []string
}

// DisplayName turns a class folder name such as "powdery_mildew" into
// "Powdery Mildew".
func DisplayName(label string) string {
	words := strings.Fields(strings.ReplaceAll(label, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

// Prediction writes an HTML report for one classified image. img may be nil
// when only the result is available.
func Prediction(w io.Writer, img image.Image, result model.PredictionResult, generated time.Time) error {
	healthy := strings.EqualFold(strings.TrimSpace(result.Prediction), "healthy")
	page := predictionPage{
		Generated:  generated.Format("January 2, 2006 at 15:04"),
		Label:      DisplayName(result.Prediction),
		Healthy:    healthy,
		Accent:     diseasedColor,
		Confidence: result.Confidence * 100,
		Treatments: result.Treatments,
	}
	if healthy {
		page.Accent = healthyColor
	}
	for label, p := range result.Predictions {
		page.Scores = append(page.Scores, score{Label: DisplayName(label), Percent: p * 100})
	}
	sort.Slice(page.Scores, func(i, j int) bool {
		if page.Scores[i].Percent != page.Scores[j].Percent {
			return page.Scores[i].Percent > page.Scores[j].Percent
		}
		return page.Scores[i].Label < page.Scores[j].Label
	})

	if img != nil {
		thumb := imaging.Fit(img, ThumbnailSize, ThumbnailSize, imaging.Lanczos)
		url, err := imageutil.EncodeBase64(thumb)
		if err != nil {
			return fmt.Errorf("report: %w", err)
		}
		page.Image = template.URL(url)
	}
	return execute(w, "prediction.tmpl", page)
}

func execute(w io.Writer, name string, data any) error {
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		return fmt.Errorf("report: render %s: %w", name, err)
	}
	return nil
}

// WriteFile renders into memory first so a failed render leaves no partial
// file behind.
func WriteFile(path string, render func(io.Writer) error) error {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

// DefaultPath returns <dir>/<prefix>_<timestamp>.html.
func DefaultPath(dir, prefix string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.html", prefix, now.Format("20060102_150405")))
}
