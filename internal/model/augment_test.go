package model

import (
	"math/rand"
	"testing"

	"github.com/Brownie44l1/crop-disease-api/internal/imageutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAugmentationKeepsSolidImageSolid(t *testing.T) {
	src := imageutil.NewTensor(1, 16, 16, 3)
	for i := range src.Data {
		src.Data[i] = 0.4
	}
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 5; i++ {
		out := DefaultAugmentation.Apply(src, rng)
		require.Equal(t, src.Shape, out.Shape)
		for _, v := range out.Data {
			assert.InDelta(t, 0.4, v, 1e-5)
		}
	}
}

func TestAugmentationIdentity(t *testing.T) {
	src := imageutil.NewTensor(1, 4, 4, 1)
	for i := range src.Data {
		src.Data[i] = float32(i) / 16
	}
	out := Augmentation{}.Apply(src, rand.New(rand.NewSource(1)))
	for i, v := range out.Data {
		assert.InDelta(t, src.Data[i], v, 1e-6)
	}

	flipped := Augmentation{HorizontalFlip: true}
	rng := rand.New(rand.NewSource(1))
	sawFlip := false
	for i := 0; i < 10 && !sawFlip; i++ {
		o := flipped.Apply(src, rng)
		sawFlip = o.At(0, 0, 0, 0) == src.At(0, 0, 3, 0)
	}
	assert.True(t, sawFlip)
}

func TestColorGridFeatures(t *testing.T) {
	g := NewColorGrid()
	src := imageutil.NewTensor(1, imageutil.ImageSize, imageutil.ImageSize, 3)
	fm, err := g.Extract(src)
	require.NoError(t, err)
	assert.Equal(t, g.FeatureDim(), fm.C)
	assert.Len(t, fm.Pool(), g.FeatureDim())
	assert.Equal(t, fm.H*fm.W*fm.C, len(fm.Data))
}

func TestBackboneRegistry(t *testing.T) {
	assert.Contains(t, Backbones(), ColorGridName)
	assert.Contains(t, Backbones(), ONNXName)

	b, err := NewBackbone(ColorGridName, BackboneConfig{})
	require.NoError(t, err)
	assert.Equal(t, ColorGridName, b.Name())

	_, err = NewBackbone("resnet", BackboneConfig{})
	assert.Error(t, err)
}
