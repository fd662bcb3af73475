package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

type ONNXOptions struct {
	SharedLibraryPath string
	IntraOpThreads    int
	InterOpThreads    int
}

var (
	envOnce sync.Once
	envErr  error
)

func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if !ort.IsInitialized() {
			if err := ort.InitializeEnvironment(); err != nil {
				envErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
			}
		}
	})
	return envErr
}

// DestroyEnvironment releases the ONNX Runtime environment. Call once at
// process exit after all engines are closed.
func DestroyEnvironment() error {
	if ort.IsInitialized() {
		return ort.DestroyEnvironment()
	}
	return nil
}

// NewONNXOpener returns an Opener backed by ONNX Runtime.
//
// Classifiers must expose tensor outputs: an int64 label tensor [N] and a
// float32 probability tensor [N, C]. sklearn models therefore have to be
// converted with zipmap disabled.
func NewONNXOpener(opts ONNXOptions) Opener {
	return func(_ context.Context, artifact []byte) (Engine, error) {
		return newONNXEngine(artifact, opts)
	}
}

type onnxEngine struct {
	session  *ort.DynamicAdvancedSession
	info     EngineInfo
	features int
	classes  int
	labelIdx int // -1 when the model has no label output
	probIdx  int // -1 when the model has no probability output
}

func newONNXEngine(data []byte, opts ONNXOptions) (*onnxEngine, error) {
	if err := initEnvironment(opts.SharedLibraryPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(data)
	if err != nil {
		// non-tensor outputs such as sklearn's ZipMap cannot be described
		return nil, fmt.Errorf("malformed ONNX model or non-tensor outputs (export classifiers with zipmap disabled): %w", err)
	}
	if len(inputs) == 0 {
		return nil, errors.New("model declares zero inputs")
	}
	b, err := bindOutputs(outputs)
	if err != nil {
		return nil, err
	}

	e := &onnxEngine{labelIdx: b.labelIdx, probIdx: b.probIdx, classes: b.classes}
	input := inputs[0]
	if dims := input.Dimensions; len(dims) == 2 && dims[1] > 0 {
		e.features = int(dims[1])
	}
	outNames := b.names

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}
	if opts.InterOpThreads > 0 {
		if err := options.SetInterOpNumThreads(opts.InterOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set inter-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(data, []string{input.Name}, outNames, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	e.session = session
	e.info = EngineInfo{
		Inputs:         tensorInfos(inputs),
		Outputs:        tensorInfos(outputs),
		Providers:      []string{"CPUExecutionProvider"},
		IntraOpThreads: opts.IntraOpThreads,
		InterOpThreads: opts.InterOpThreads,
	}
	return e, nil
}

// outputBinding is the subset of model outputs a session is created with.
// labelIdx and probIdx index into names, or are -1 when absent.
type outputBinding struct {
	names    []string
	labelIdx int
	probIdx  int
	classes  int
}

// bindOutputs picks the first int64 output as labels and the first float32
// [N, C] output as probabilities. Other outputs are not bound.
func bindOutputs(outputs []ort.InputOutputInfo) (outputBinding, error) {
	b := outputBinding{labelIdx: -1, probIdx: -1}
	if len(outputs) == 0 {
		return b, ErrZeroOutputs
	}
	for _, out := range outputs {
		switch {
		case out.DataType == ort.TensorElementDataTypeInt64 && b.labelIdx < 0:
			b.labelIdx = len(b.names)
		case out.DataType == ort.TensorElementDataTypeFloat && len(out.Dimensions) == 2 && b.probIdx < 0:
			if out.Dimensions[1] <= 0 {
				return b, fmt.Errorf("probability output %q has dynamic class dimension", out.Name)
			}
			b.probIdx = len(b.names)
			b.classes = int(out.Dimensions[1])
		default:
			continue
		}
		b.names = append(b.names, out.Name)
	}
	if len(b.names) == 0 {
		return b, fmt.Errorf("none of the %d outputs is an int64 label or float32 [N, C] probability tensor", len(outputs))
	}
	return b, nil
}

func tensorInfos(infos []ort.InputOutputInfo) []TensorInfo {
	out := make([]TensorInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, TensorInfo{
			Name:  info.Name,
			Type:  fmt.Sprintf("%v", info.DataType),
			Shape: append([]int64(nil), info.Dimensions...),
		})
	}
	return out
}

func (e *onnxEngine) InputFeatureCount() int { return e.features }
func (e *onnxEngine) ClassCount() int        { return e.classes }
func (e *onnxEngine) Info() EngineInfo       { return e.info }

// Predict allocates tensors per call so concurrent runs never share buffers.
func (e *onnxEngine) Predict(rows [][]float32) ([]int64, [][]float32, error) {
	n := len(rows)
	if n == 0 {
		return nil, nil, errors.New("empty input")
	}
	width := len(rows[0])
	flat := make([]float32, 0, n*width)
	for _, row := range rows {
		flat = append(flat, row...)
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(int64(n), int64(width)), flat)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := make([]ort.ArbitraryTensor, 0, 2)
	var labelTensor *ort.Tensor[int64]
	var probTensor *ort.Tensor[float32]
	for idx := 0; idx < 2; idx++ {
		switch idx {
		case e.labelIdx:
			labelTensor, err = ort.NewEmptyTensor[int64](ort.NewShape(int64(n)))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create label tensor: %w", err)
			}
			defer labelTensor.Destroy()
			outputs = append(outputs, labelTensor)
		case e.probIdx:
			probTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(int64(n), int64(e.classes)))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create probability tensor: %w", err)
			}
			defer probTensor.Destroy()
			outputs = append(outputs, probTensor)
		}
	}

	if err := e.session.Run([]ort.ArbitraryTensor{inputTensor}, outputs); err != nil {
		return nil, nil, fmt.Errorf("inference failed: %w", err)
	}

	var probs [][]float32
	if probTensor != nil {
		data := probTensor.GetData()
		probs = make([][]float32, n)
		for i := range probs {
			probs[i] = append([]float32(nil), data[i*e.classes:(i+1)*e.classes]...)
		}
	}

	var labels []int64
	if labelTensor != nil {
		labels = append([]int64(nil), labelTensor.GetData()...)
	} else {
		labels = argmax(probs)
	}
	return labels, probs, nil
}

func (e *onnxEngine) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}

func argmax(probs [][]float32) []int64 {
	labels := make([]int64, len(probs))
	for i, row := range probs {
		maxIdx := 0
		for j, val := range row {
			if val > row[maxIdx] {
				maxIdx = j
			}
		}
		labels[i] = int64(maxIdx)
	}
	return labels
}
