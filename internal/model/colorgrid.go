package model

import (
	"fmt"
	"math"

	"github.com/Brownie44l1/crop-disease-api/internal/imageutil"
)

// ColorGridName is the registry name of the built-in backbone.
const ColorGridName = "colorgrid"

const (
	colorGridCells    = 7
	colorGridFeatures = 12
)

// ColorGrid is a parameter-free backbone. It divides the image into a 7x7
// grid and describes each cell with colour statistics that separate healthy
// foliage from chlorotic, rusted or mildewed tissue.
//
// Per-cell channels:
//
//	0-2  mean R, G, B
//	3-5  standard deviation R, G, B
//	6    excess green (2G - R - B)
//	7    excess red (1.4R - G)
//	8    brightness (max channel)
//	9    saturation
//	10   fraction of dark pixels
//	11   fraction of yellow-orange pixels
type ColorGrid struct{}

// NewColorGrid returns the built-in backbone.
func NewColorGrid() *ColorGrid { return &ColorGrid{} }

func (*ColorGrid) Name() string    { return ColorGridName }
func (*ColorGrid) FeatureDim() int { return colorGridFeatures }
func (*ColorGrid) Close() error    { return nil }

// Extract computes the 7x7x12 feature map of the first image in t.
func (g *ColorGrid) Extract(t *imageutil.Tensor) (FeatureMap, error) {
	if len(t.Shape) != 4 || t.Channels() != 3 {
		return FeatureMap{}, fmt.Errorf("colorgrid: expected NHWC tensor with 3 channels, got %v", t.Shape)
	}
	h, w := t.Height(), t.Width()
	if h < colorGridCells || w < colorGridCells {
		return FeatureMap{}, fmt.Errorf("colorgrid: image %dx%d smaller than grid", w, h)
	}

	fm := FeatureMap{
		H:    colorGridCells,
		W:    colorGridCells,
		C:    colorGridFeatures,
		Data: make([]float32, colorGridCells*colorGridCells*colorGridFeatures),
	}
	for gy := 0; gy < colorGridCells; gy++ {
		y0, y1 := gy*h/colorGridCells, (gy+1)*h/colorGridCells
		for gx := 0; gx < colorGridCells; gx++ {
			x0, x1 := gx*w/colorGridCells, (gx+1)*w/colorGridCells
			cell := fm.Data[(gy*colorGridCells+gx)*colorGridFeatures:][:colorGridFeatures]
			describeCell(t, y0, y1, x0, x1, cell)
		}
	}
	return fm, nil
}

func describeCell(t *imageutil.Tensor, y0, y1, x0, x1 int, out []float32) {
	var sum, sumSq [3]float64
	var exg, exr, bright, sat, dark, yellow float64
	n := float64((y1 - y0) * (x1 - x0))

	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			r := float64(t.At(0, y, x, 0))
			g := float64(t.At(0, y, x, 1))
			b := float64(t.At(0, y, x, 2))
			for i, v := range [3]float64{r, g, b} {
				sum[i] += v
				sumSq[i] += v * v
			}
			exg += 2*g - r - b
			exr += 1.4*r - g
			mx := math.Max(r, math.Max(g, b))
			mn := math.Min(r, math.Min(g, b))
			bright += mx
			if mx > 0 {
				sat += (mx - mn) / mx
			}
			if mx < 0.2 {
				dark++
			}
			if r > 0.5 && g > 0.3 && b < 0.35 && r >= g {
				yellow++
			}
		}
	}

	for i := 0; i < 3; i++ {
		mean := sum[i] / n
		out[i] = float32(mean)
		out[3+i] = float32(math.Sqrt(math.Max(0, sumSq[i]/n-mean*mean)))
	}
	out[6] = float32(exg / n)
	out[7] = float32(exr / n)
	out[8] = float32(bright / n)
	out[9] = float32(sat / n)
	out[10] = float32(dark / n)
	out[11] = float32(yellow / n)
}
