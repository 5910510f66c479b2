package model

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	leafGreen = color.RGBA{R: 50, G: 160, B: 60, A: 255}
	rustBrown = color.RGBA{R: 180, G: 90, B: 40, A: 255}
)

// leafImage returns a solid image of c with small per-pixel jitter.
func leafImage(c color.RGBA, size int, rng *rand.Rand) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	jitter := func(v uint8) uint8 {
		n := int(v) + rng.Intn(11) - 5
		if n < 0 {
			n = 0
		}
		if n > 255 {
			n = 255
		}
		return uint8(n)
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: jitter(c.R), G: jitter(c.G), B: jitter(c.B), A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// writeSplit creates root/<class>/img_<i>.png for each class.
func writeSplit(t *testing.T, root string, perClass int, classes map[string]color.RGBA, rng *rand.Rand) {
	t.Helper()
	for name, c := range classes {
		dir := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < perClass; i++ {
			p := filepath.Join(dir, fmt.Sprintf("img_%02d.png", i))
			require.NoError(t, os.WriteFile(p, pngBytes(t, leafImage(c, 64, rng)), 0o644))
		}
	}
}

// leafDataset returns train and validation roots with Healthy and Rust classes.
func leafDataset(t *testing.T) (string, string) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	root := t.TempDir()
	classes := map[string]color.RGBA{"Healthy": leafGreen, "Rust": rustBrown}
	train := filepath.Join(root, "train")
	val := filepath.Join(root, "validation")
	writeSplit(t, train, 8, classes, rng)
	writeSplit(t, val, 3, classes, rng)
	return train, val
}

// fakeBackbone has a different identity from ColorGrid.
type fakeBackbone struct{ *ColorGrid }

func (fakeBackbone) Name() string { return "fake" }
