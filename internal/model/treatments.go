package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// DefaultTreatment is returned for labels the catalog does not know.
const DefaultTreatment = "No specific treatment information available."

// TreatmentCatalog maps disease labels to recommended treatments. Lookups
// ignore case.
type TreatmentCatalog struct {
	entries map[string][]string
	labels  []string
}

// NewTreatmentCatalog builds a catalog from label -> treatments.
func NewTreatmentCatalog(m map[string][]string) *TreatmentCatalog {
	c := &TreatmentCatalog{entries: make(map[string][]string, len(m))}
	for label, treatments := range m {
		key := strings.ToLower(strings.TrimSpace(label))
		if _, dup := c.entries[key]; !dup {
			c.labels = append(c.labels, label)
		}
		c.entries[key] = append([]string(nil), treatments...)
	}
	sort.Strings(c.labels)
	return c
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *TreatmentCatalog {
	return NewTreatmentCatalog(map[string][]string{
		"Healthy": {"No treatment needed."},
		"Powdery": {
			"Apply fungicides with sulfur or potassium bicarbonate",
			"Ensure proper air circulation around plants",
			"Remove and dispose of infected plant parts",
			"Use neem oil as a natural alternative",
			"Maintain proper plant spacing to reduce humidity",
		},
		"Rust": {
			"Apply fungicides containing tebuconazole or chlorothalonil",
			"Remove and destroy infected plant material",
			"Improve air circulation by proper spacing",
			"Avoid overhead irrigation to keep foliage dry",
			"Rotate crops to break disease cycle",
		},
		"bacterial_leaf_blight": {
			"Use copper-based bactericides",
			"Ensure proper field drainage",
			"Practice crop rotation",
		},
		"brown_spot": {
			"Apply fungicides with propiconazole or trifloxystrobin",
			"Maintain proper spacing between plants",
			"Remove and destroy infected plants",
		},
		"leaf_blast": {
			"Use fungicides containing tricyclazole",
			"Balance nitrogen fertilization",
			"Use resistant varieties when available",
		},
	})
}

// LoadCatalog reads a JSON object of label -> treatments.
func LoadCatalog(path string) (*TreatmentCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("model: read treatment catalog: %w", err)
	}
	var m map[string][]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("model: parse treatment catalog %s: %w", path, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("model: treatment catalog %s is empty", path)
	}
	return NewTreatmentCatalog(m), nil
}

// Lookup returns the treatments for label and whether the label was known.
// Unknown labels yield the single DefaultTreatment entry.
func (c *TreatmentCatalog) Lookup(label string) ([]string, bool) {
	if t, ok := c.entries[strings.ToLower(strings.TrimSpace(label))]; ok {
		return append([]string(nil), t...), true
	}
	return []string{DefaultTreatment}, false
}

// TreatmentsFor is Lookup without the found flag.
func (c *TreatmentCatalog) TreatmentsFor(label string) []string {
	t, _ := c.Lookup(label)
	return t
}

// Labels returns the catalog's labels in sorted order.
func (c *TreatmentCatalog) Labels() []string {
	return append([]string(nil), c.labels...)
}
