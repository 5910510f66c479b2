package model

import (
	"math"
	"math/rand"

	"github.com/Brownie44l1/crop-disease-api/internal/imageutil"
)

// Augmentation describes the random geometric transforms applied to the
// training stream. Pixels sampled from outside the image take the value of
// the nearest edge pixel.
type Augmentation struct {
	RotationRange  float64 // degrees, uniform in [-r, r]
	WidthShift     float64 // fraction of width
	HeightShift    float64 // fraction of height
	ShearRange     float64 // degrees
	ZoomRange      float64 // scale uniform in [1-z, 1+z] per axis
	HorizontalFlip bool
}

// DefaultAugmentation mirrors the usual leaf-image training setup.
var DefaultAugmentation = Augmentation{
	RotationRange:  20,
	WidthShift:     0.2,
	HeightShift:    0.2,
	ShearRange:     0.2,
	ZoomRange:      0.2,
	HorizontalFlip: true,
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// Apply returns a randomly transformed copy of the first image in t.
func (a Augmentation) Apply(t *imageutil.Tensor, rng *rand.Rand) *imageutil.Tensor {
	h, w, ch := t.Height(), t.Width(), t.Channels()

	theta := uniform(rng, -a.RotationRange, a.RotationRange) * math.Pi / 180
	tx := uniform(rng, -a.WidthShift, a.WidthShift) * float64(w)
	ty := uniform(rng, -a.HeightShift, a.HeightShift) * float64(h)
	shear := uniform(rng, -a.ShearRange, a.ShearRange) * math.Pi / 180
	zx := uniform(rng, 1-a.ZoomRange, 1+a.ZoomRange)
	zy := uniform(rng, 1-a.ZoomRange, 1+a.ZoomRange)
	flip := a.HorizontalFlip && rng.Intn(2) == 1

	cosT, sinT := math.Cos(theta), math.Sin(theta)
	sinS, cosS := math.Sin(shear), math.Cos(shear)
	cx, cy := float64(w-1)/2, float64(h-1)/2

	out := imageutil.NewTensor(1, h, w, ch)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			ox := float64(x)
			if flip {
				ox = float64(w-1) - ox
			}
			// output -> input: zoom, shear, rotate about the centre, then shift
			dx, dy := (ox-cx)*zx, (float64(y)-cy)*zy
			sx, sy := dx-sinS*dy, cosS*dy
			ix := cx + cosT*sx - sinT*sy + tx
			iy := cy + sinT*sx + cosT*sy + ty
			for c := 0; c < ch; c++ {
				out.Set(0, y, x, c, bilinear(t, ix, iy, c))
			}
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func bilinear(t *imageutil.Tensor, x, y float64, c int) float32 {
	h, w := t.Height(), t.Width()
	x = math.Max(0, math.Min(float64(w-1), x))
	y = math.Max(0, math.Min(float64(h-1), y))
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	x1, y1 := clampInt(x0+1, 0, w-1), clampInt(y0+1, 0, h-1)
	fx, fy := float32(x-float64(x0)), float32(y-float64(y0))

	top := t.At(0, y0, x0, c)*(1-fx) + t.At(0, y0, x1, c)*fx
	bottom := t.At(0, y1, x0, c)*(1-fx) + t.At(0, y1, x1, c)*fx
	return top*(1-fy) + bottom*fy
}
