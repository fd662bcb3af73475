package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

func TestBindOutputs(t *testing.T) {
	label := ort.InputOutputInfo{Name: "output_label", Dimensions: ort.NewShape(-1), DataType: ort.TensorElementDataTypeInt64}
	probs := ort.InputOutputInfo{Name: "output_probability", Dimensions: ort.NewShape(-1, 3), DataType: ort.TensorElementDataTypeFloat}
	logits := ort.InputOutputInfo{Name: "logits", Dimensions: ort.NewShape(-1, 3, 2), DataType: ort.TensorElementDataTypeFloat}

	tests := []struct {
		name    string
		outputs []ort.InputOutputInfo
		names   []string
		label   int
		prob    int
		classes int
	}{
		{"label and probabilities", []ort.InputOutputInfo{label, probs}, []string{"output_label", "output_probability"}, 0, 1, 3},
		{"probabilities first", []ort.InputOutputInfo{probs, label}, []string{"output_probability", "output_label"}, 1, 0, 3},
		{"probabilities only", []ort.InputOutputInfo{probs}, []string{"output_probability"}, -1, 0, 3},
		{"label only", []ort.InputOutputInfo{label}, []string{"output_label"}, 0, -1, 0},
		{"extra outputs skipped", []ort.InputOutputInfo{logits, label, probs, label}, []string{"output_label", "output_probability"}, 0, 1, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := bindOutputs(tt.outputs)
			require.NoError(t, err)
			assert.Equal(t, tt.names, b.names)
			assert.Equal(t, tt.label, b.labelIdx)
			assert.Equal(t, tt.prob, b.probIdx)
			assert.Equal(t, tt.classes, b.classes)
		})
	}
}

func TestBindOutputsRejects(t *testing.T) {
	_, err := bindOutputs(nil)
	assert.ErrorIs(t, err, ErrZeroOutputs)

	_, err = bindOutputs([]ort.InputOutputInfo{
		{Name: "output_probability", Dimensions: ort.NewShape(-1, -1), DataType: ort.TensorElementDataTypeFloat},
	})
	assert.ErrorContains(t, err, "dynamic class dimension")

	_, err = bindOutputs([]ort.InputOutputInfo{
		{Name: "variable", Dimensions: ort.NewShape(-1, 1), DataType: ort.TensorElementDataTypeDouble},
	})
	assert.ErrorContains(t, err, "none of the 1 outputs")
}

func TestArgmaxTiesPickFirst(t *testing.T) {
	assert.Equal(t, []int64{0, 1}, argmax([][]float32{{0.5, 0.5}, {0.2, 0.8}}))
	assert.Empty(t, argmax(nil))
}
