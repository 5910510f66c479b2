package model

import (
	"fmt"
	"sort"

	"github.com/Brownie44l1/crop-disease-api/internal/imageutil"
)

// FeatureMap is a single spatial feature map in HWC order.
type FeatureMap struct {
	H, W, C int
	Data    []float32
}

// Pool averages the map over its spatial dimensions.
func (f FeatureMap) Pool() []float32 {
	out := make([]float32, f.C)
	cells := f.H * f.W
	if cells == 0 {
		return out
	}
	for i := 0; i < cells; i++ {
		row := f.Data[i*f.C : (i+1)*f.C]
		for c, v := range row {
			out[c] += v
		}
	}
	for c := range out {
		out[c] /= float32(cells)
	}
	return out
}

// Backbone is a frozen feature extractor. Its weights never change during
// training; only the classifier head on top of it is fitted.
type Backbone interface {
	Name() string
	FeatureDim() int
	Extract(t *imageutil.Tensor) (FeatureMap, error)
	Close() error
}

// BackboneConfig carries what a backbone constructor may need.
type BackboneConfig struct {
	ModelPath   string
	LibraryPath string
}

// BackboneConstructor creates a Backbone.
type BackboneConstructor func(cfg BackboneConfig) (Backbone, error)

var backbones = map[string]BackboneConstructor{}

// RegisterBackbone adds a backbone constructor under name.
func RegisterBackbone(name string, ctor BackboneConstructor) {
	backbones[name] = ctor
}

// NewBackbone constructs the backbone registered under name.
func NewBackbone(name string, cfg BackboneConfig) (Backbone, error) {
	ctor, ok := backbones[name]
	if !ok {
		return nil, fmt.Errorf("model: unknown backbone %q (have %v)", name, Backbones())
	}
	return ctor(cfg)
}

// Backbones returns the registered backbone names, sorted.
func Backbones() []string {
	names := make([]string, 0, len(backbones))
	for name := range backbones {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterBackbone(ColorGridName, func(BackboneConfig) (Backbone, error) {
		return NewColorGrid(), nil
	})
	RegisterBackbone(ONNXName, func(cfg BackboneConfig) (Backbone, error) {
		return NewONNXBackbone(cfg.ModelPath, cfg.LibraryPath)
	})
}
