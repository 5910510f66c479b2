package model

import (
	"fmt"
	"math"
	"math/rand"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	hiddenUnits  = 128
	dropoutRate  = 0.2
	bnMomentum   = 0.9
	bnEpsilon    = 1e-3
	learningRate = 1e-3
	adamBeta1    = 0.9
	adamBeta2    = 0.999
	adamEpsilon  = 1e-7
	probEpsilon  = 1e-7
)

// head is the trainable classifier stacked on the frozen backbone:
// global average pooling (done by the caller), dropout, dense+ReLU, batch
// normalization and a softmax output layer. Kernels are row-major [in, out].
// The slices back the gorgonia tensors directly, so graph updates land here.
type head struct {
	in, hidden, out int

	w1, b1                             []float64
	gamma, beta, movingMean, movingVar []float64
	w2, b2                             []float64
}

func newHead(in, out int, rng *rand.Rand) *head {
	h := &head{
		in:         in,
		hidden:     hiddenUnits,
		out:        out,
		w1:         glorot(in, hiddenUnits, rng),
		b1:         make([]float64, hiddenUnits),
		gamma:      fill(hiddenUnits, 1),
		beta:       make([]float64, hiddenUnits),
		movingMean: make([]float64, hiddenUnits),
		movingVar:  fill(hiddenUnits, 1),
		w2:         glorot(hiddenUnits, out, rng),
		b2:         make([]float64, out),
	}
	return h
}

func glorot(in, out int, rng *rand.Rand) []float64 {
	limit := math.Sqrt(6 / float64(in+out))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
	return w
}

func fill(n int, v float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func crossEntropy(p []float64, label int) float64 {
	return -math.Log(math.Max(p[label], probEpsilon))
}

func argmax(p []float64) int {
	best := 0
	for i, v := range p {
		if v > p[best] {
			best = i
		}
	}
	return best
}

// matrix wraps data as a rows x cols tensor without copying.
func matrix(rows, cols int, data []float64) *tensor.Dense {
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
}

func flatten(xs [][]float64, width int) []float64 {
	out := make([]float64, 0, len(xs)*width)
	for _, x := range xs {
		out = append(out, x...)
	}
	return out
}

// headGraph is one head instantiated on a gorgonia expression graph.
// Vectors are (1, n) matrices so they broadcast along the batch axis.
type headGraph struct {
	h *head
	g *G.ExprGraph

	w1, b1, gamma, beta, w2, b2 *G.Node
	batchMean, batchVar, probs  *G.Node
}

func (h *head) graph() *headGraph {
	hg := &headGraph{h: h, g: G.NewGraph()}
	hg.w1 = hg.param("dense.kernel", h.in, h.hidden, h.w1)
	hg.b1 = hg.param("dense.bias", 1, h.hidden, h.b1)
	hg.gamma = hg.param("batch_norm.gamma", 1, h.hidden, h.gamma)
	hg.beta = hg.param("batch_norm.beta", 1, h.hidden, h.beta)
	hg.w2 = hg.param("logits.kernel", h.hidden, h.out, h.w2)
	hg.b2 = hg.param("logits.bias", 1, h.out, h.b2)
	return hg
}

func (hg *headGraph) param(name string, rows, cols int, data []float64) *G.Node {
	return G.NewMatrix(hg.g, tensor.Float64, G.WithShape(rows, cols), G.WithName(name),
		G.WithValue(matrix(rows, cols, data)))
}

// learnables is the parameter order the optimizer state is keyed by.
func (hg *headGraph) learnables() G.Nodes {
	return G.Nodes{hg.w1, hg.b1, hg.gamma, hg.beta, hg.w2, hg.b2}
}

// forward wires x -> dense+relu -> batchnorm -> dense+softmax. Training
// normalizes with batch statistics, inference with the moving ones.
func (hg *headGraph) forward(x *G.Node, training bool) {
	hidden := hg.h.hidden
	bcast := []byte{0}
	z1 := G.Must(G.BroadcastAdd(G.Must(G.Mul(x, hg.w1)), hg.b1, nil, bcast))
	a1 := G.Must(G.Rectify(z1))

	var mean, variance *G.Node
	if training {
		mean = G.Must(G.Reshape(G.Must(G.Mean(a1, 0)), tensor.Shape{1, hidden}))
		centered := G.Must(G.BroadcastSub(a1, mean, nil, bcast))
		variance = G.Must(G.Reshape(G.Must(G.Mean(G.Must(G.Square(centered)), 0)), tensor.Shape{1, hidden}))
		hg.batchMean, hg.batchVar = mean, variance
	} else {
		mean = hg.param("batch_norm.moving_mean", 1, hidden, hg.h.movingMean)
		variance = hg.param("batch_norm.moving_variance", 1, hidden, hg.h.movingVar)
	}
	centered := G.Must(G.BroadcastSub(a1, mean, nil, bcast))
	std := G.Must(G.Sqrt(G.Must(G.Add(variance, G.NewConstant(bnEpsilon)))))
	norm := G.Must(G.BroadcastHadamardDiv(centered, std, nil, bcast))
	y := G.Must(G.BroadcastAdd(G.Must(G.BroadcastHadamardProd(norm, hg.gamma, nil, bcast)), hg.beta, nil, bcast))

	logits := G.Must(G.BroadcastAdd(G.Must(G.Mul(y, hg.w2)), hg.b2, nil, bcast))
	hg.probs = G.Must(G.SoftMax(logits, 1))
}

// recoverGraph turns a panic raised while wiring a graph into an error.
func recoverGraph(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("model: graph: %v", r)
	}
}

func values(v G.Value) []float64 {
	if v == nil {
		return nil
	}
	switch d := v.Data().(type) {
	case []float64:
		return append([]float64(nil), d...)
	case float64:
		return []float64{d}
	}
	return nil
}

// predictBatch runs the head in inference mode and returns one probability
// row per input.
func (h *head) predictBatch(xs [][]float64) (probs [][]float64, err error) {
	if len(xs) == 0 {
		return nil, nil
	}
	defer recoverGraph(&err)

	hg := h.graph()
	x := G.NewMatrix(hg.g, tensor.Float64, G.WithShape(len(xs), h.in), G.WithName("x"),
		G.WithValue(matrix(len(xs), h.in, flatten(xs, h.in))))
	hg.forward(x, false)

	var out G.Value
	G.Read(hg.probs, &out)
	vm := G.NewTapeMachine(hg.g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, fmt.Errorf("model: inference: %w", err)
	}

	flat := values(out)
	if len(flat) != len(xs)*h.out {
		return nil, fmt.Errorf("model: inference produced %d values for %d rows", len(flat), len(xs))
	}
	probs = make([][]float64, len(xs))
	for i := range probs {
		probs[i] = flat[i*h.out : (i+1)*h.out]
	}
	return probs, nil
}

// predict classifies a single feature vector.
func (h *head) predict(x []float64) ([]float64, error) {
	probs, err := h.predictBatch([][]float64{x})
	if err != nil {
		return nil, err
	}
	return probs[0], nil
}

// adam carries optimizer state across batches. The solver keys its moments
// by parameter position, so every batch graph must list learnables in the
// same order.
type adam struct {
	solver *G.AdamSolver
}

func newAdam(*head) *adam {
	return &adam{solver: G.NewAdamSolver(
		G.WithLearnRate(learningRate),
		G.WithBeta1(adamBeta1),
		G.WithBeta2(adamBeta2),
		G.WithEps(adamEpsilon),
	)}
}

// trainBatch performs one optimizer step on a mini-batch of pooled features
// and returns the mean loss and the number of correct predictions. Dropout
// masks are drawn from rng so runs with a fixed seed repeat exactly.
func (h *head) trainBatch(xs [][]float64, labels []int, opt *adam, rng *rand.Rand) (loss float64, correct int, err error) {
	defer recoverGraph(&err)
	n := len(xs)

	keep := 1 / (1 - dropoutRate)
	dropped := make([]float64, 0, n*h.in)
	for _, x := range xs {
		for _, v := range x {
			if rng.Float64() >= dropoutRate {
				dropped = append(dropped, v*keep)
			} else {
				dropped = append(dropped, 0)
			}
		}
	}
	onehot := make([]float64, n*h.out)
	for i, l := range labels {
		onehot[i*h.out+l] = 1
	}

	hg := h.graph()
	x := G.NewMatrix(hg.g, tensor.Float64, G.WithShape(n, h.in), G.WithName("x"),
		G.WithValue(matrix(n, h.in, dropped)))
	y := G.NewMatrix(hg.g, tensor.Float64, G.WithShape(n, h.out), G.WithName("y"),
		G.WithValue(matrix(n, h.out, onehot)))
	hg.forward(x, true)

	logp := G.Must(G.Log(G.Must(G.Add(hg.probs, G.NewConstant(probEpsilon)))))
	cost := G.Must(G.Neg(G.Must(G.Mean(G.Must(G.Sum(G.Must(G.HadamardProd(logp, y)), 1))))))

	var costVal, probsVal, meanVal, varVal G.Value
	G.Read(cost, &costVal)
	G.Read(hg.probs, &probsVal)
	G.Read(hg.batchMean, &meanVal)
	G.Read(hg.batchVar, &varVal)

	learnables := hg.learnables()
	if _, err := G.Grad(cost, learnables...); err != nil {
		return 0, 0, fmt.Errorf("model: gradients: %w", err)
	}
	vm := G.NewTapeMachine(hg.g, G.BindDualValues(learnables...))
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return 0, 0, fmt.Errorf("model: forward: %w", err)
	}

	probs := values(probsVal)
	for i, l := range labels {
		if argmax(probs[i*h.out:(i+1)*h.out]) == l {
			correct++
		}
	}
	mean, variance := values(meanVal), values(varVal)
	for j := range h.movingMean {
		h.movingMean[j] = bnMomentum*h.movingMean[j] + (1-bnMomentum)*mean[j]
		h.movingVar[j] = bnMomentum*h.movingVar[j] + (1-bnMomentum)*variance[j]
	}
	if cv := values(costVal); len(cv) == 1 {
		loss = cv[0]
	} else {
		loss = math.NaN()
	}

	if err := opt.solver.Step(G.NodesToValueGrads(learnables)); err != nil {
		return 0, 0, fmt.Errorf("model: optimizer: %w", err)
	}
	for i, p := range h.params() {
		copy(p, values(learnables[i].Value()))
	}
	return loss, correct, nil
}

func (h *head) params() [][]float64 {
	return [][]float64{h.w1, h.b1, h.gamma, h.beta, h.w2, h.b2}
}
