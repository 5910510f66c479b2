package imageutil

// Tensor is a dense float32 buffer in NHWC order.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zeroed NHWC tensor.
func NewTensor(n, h, w, c int) *Tensor {
	return &Tensor{
		Shape: []int{n, h, w, c},
		Data:  make([]float32, n*h*w*c),
	}
}

// Batch returns the leading dimension.
func (t *Tensor) Batch() int { return t.Shape[0] }

// Height returns the spatial height.
func (t *Tensor) Height() int { return t.Shape[1] }

// Width returns the spatial width.
func (t *Tensor) Width() int { return t.Shape[2] }

// Channels returns the trailing dimension.
func (t *Tensor) Channels() int { return t.Shape[3] }

func (t *Tensor) index(n, y, x, c int) int {
	return ((n*t.Shape[1]+y)*t.Shape[2]+x)*t.Shape[3] + c
}

// At returns the value at the given coordinate.
func (t *Tensor) At(n, y, x, c int) float32 {
	return t.Data[t.index(n, y, x, c)]
}

// Set stores v at the given coordinate.
func (t *Tensor) Set(n, y, x, c int, v float32) {
	t.Data[t.index(n, y, x, c)] = v
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  make([]float32, len(t.Data)),
	}
	copy(out.Data, t.Data)
	return out
}

// ToCHW returns the first image of the batch in planar channel-first layout,
// the order most exported vision models expect.
func (t *Tensor) ToCHW() []float32 {
	h, w, c := t.Shape[1], t.Shape[2], t.Shape[3]
	out := make([]float32, c*h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pixelIndex := y*w + x
			for ch := 0; ch < c; ch++ {
				out[ch*h*w+pixelIndex] = t.Data[pixelIndex*c+ch]
			}
		}
	}
	return out
}
