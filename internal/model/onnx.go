package model

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/Brownie44l1/crop-disease-api/internal/imageutil"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXName is the registry name of the ONNX Runtime backbone.
const ONNXName = "onnx"

// ortEnv manages global ONNX Runtime initialization (process-wide singleton).
var ortEnv struct {
	once sync.Once
	err  error
}

func initORT(libPath string) error {
	ortEnv.once.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

// ONNXBackbone runs a pretrained convolutional feature extractor (for
// example MobileNetV2 exported without its classification top) through ONNX
// Runtime. Input and output tensors are allocated once and reused.
type ONNXBackbone struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	channelFirst bool
	outH, outW   int
	outC         int
	outCHW       bool
}

// NewONNXBackbone loads the model at modelPath. libPath points at the ONNX
// Runtime shared library; when empty, libonnxruntime.so next to the model is
// used.
func NewONNXBackbone(modelPath, libPath string) (*ONNXBackbone, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("onnx: backbone model path is required")
	}
	if libPath == "" {
		libPath = filepath.Join(filepath.Dir(modelPath), "libonnxruntime.so")
	}
	if err := initORT(libPath); err != nil {
		return nil, fmt.Errorf("onnx: failed to initialize runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to read model info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("onnx: expected one input and at least one output, got %d/%d", len(inputs), len(outputs))
	}

	inShape, channelFirst, err := inputLayout(inputs[0].Dimensions)
	if err != nil {
		return nil, err
	}
	b := &ONNXBackbone{channelFirst: channelFirst}
	outShape, err := b.outputLayout(outputs[0].Dimensions)
	if err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](inShape)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("onnx: failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("onnx: failed to create session: %w", err)
	}

	b.session = session
	b.inputTensor = inputTensor
	b.outputTensor = outputTensor
	return b, nil
}

// inputLayout accepts [N,3,224,224] or [N,224,224,3] with dynamic (-1) batch
// and spatial dimensions pinned to a single 224x224 image.
func inputLayout(dims ort.Shape) (ort.Shape, bool, error) {
	if len(dims) != 4 {
		return nil, false, fmt.Errorf("onnx: expected 4D image input, got %v", dims)
	}
	spatial := func(d int64) bool { return d == imageutil.ImageSize || d < 0 }
	switch {
	case dims[1] == imageutil.Channels && spatial(dims[2]) && spatial(dims[3]):
		return ort.NewShape(1, imageutil.Channels, imageutil.ImageSize, imageutil.ImageSize), true, nil
	case dims[3] == imageutil.Channels && spatial(dims[1]) && spatial(dims[2]):
		return ort.NewShape(1, imageutil.ImageSize, imageutil.ImageSize, imageutil.Channels), false, nil
	default:
		return nil, false, fmt.Errorf("onnx: model input %v is not a 224x224 RGB image", dims)
	}
}

// outputLayout accepts a 4D feature map in the input's channel order or a
// pre-pooled [N,C] vector.
func (b *ONNXBackbone) outputLayout(dims ort.Shape) (ort.Shape, error) {
	if len(dims) != 2 && len(dims) != 4 {
		return nil, fmt.Errorf("onnx: expected 2D or 4D output, got %v", dims)
	}
	for _, d := range dims[1:] {
		if d <= 0 {
			return nil, fmt.Errorf("onnx: output %v has dynamic feature dimensions", dims)
		}
	}
	switch len(dims) {
	case 2:
		b.outH, b.outW, b.outC = 1, 1, int(dims[1])
		return ort.NewShape(1, dims[1]), nil
	case 4:
		if b.channelFirst {
			b.outC, b.outH, b.outW, b.outCHW = int(dims[1]), int(dims[2]), int(dims[3]), true
		} else {
			b.outH, b.outW, b.outC = int(dims[1]), int(dims[2]), int(dims[3])
		}
		return ort.NewShape(1, dims[1], dims[2], dims[3]), nil
	default:
		return nil, fmt.Errorf("onnx: expected 2D or 4D output, got %v", dims)
	}
}

func (b *ONNXBackbone) Name() string    { return ONNXName }
func (b *ONNXBackbone) FeatureDim() int { return b.outC }

// Extract runs one forward pass of the first image in t.
func (b *ONNXBackbone) Extract(t *imageutil.Tensor) (FeatureMap, error) {
	if t.Height() != imageutil.ImageSize || t.Width() != imageutil.ImageSize || t.Channels() != imageutil.Channels {
		return FeatureMap{}, fmt.Errorf("onnx: expected [1,224,224,3] tensor, got %v", t.Shape)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return FeatureMap{}, errors.New("onnx: backbone is closed")
	}

	if b.channelFirst {
		copy(b.inputTensor.GetData(), t.ToCHW())
	} else {
		copy(b.inputTensor.GetData(), t.Data[:imageutil.ImageSize*imageutil.ImageSize*imageutil.Channels])
	}

	if err := b.session.Run(); err != nil {
		return FeatureMap{}, fmt.Errorf("onnx: inference failed: %w", err)
	}

	src := b.outputTensor.GetData()
	fm := FeatureMap{H: b.outH, W: b.outW, C: b.outC, Data: make([]float32, len(src))}
	if !b.outCHW {
		copy(fm.Data, src)
		return fm, nil
	}
	plane := b.outH * b.outW
	for c := 0; c < b.outC; c++ {
		for i := 0; i < plane; i++ {
			fm.Data[i*b.outC+c] = src[c*plane+i]
		}
	}
	return fm, nil
}

// Close releases the session and its tensors. The runtime environment is
// process-wide and stays initialized.
func (b *ONNXBackbone) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inputTensor != nil {
		b.inputTensor.Destroy()
		b.inputTensor = nil
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
		b.outputTensor = nil
	}
	if b.session != nil {
		err := b.session.Destroy()
		b.session = nil
		return err
	}
	return nil
}
