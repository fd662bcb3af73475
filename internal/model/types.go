package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Kind string

const (
	KindClassification Kind = "classification"
	KindRegression     Kind = "regression"
	KindUnknown        Kind = "unknown"
)

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch v := Kind(strings.ToLower(strings.TrimSpace(s))); v {
	case KindClassification, KindRegression:
		*k = v
	default:
		*k = KindUnknown
	}
	return nil
}

// Metadata describes the loaded model. It is never mutated after load;
// reload replaces it.
type Metadata struct {
	Name         string   `json:"model_name"`
	Kind         Kind     `json:"model_type"`
	FeatureCount int      `json:"feature_count,omitempty"`  // 0 when unknown
	ClassCount   int      `json:"output_classes,omitempty"` // 0 when unknown
	ClassNames   []string `json:"class_names,omitempty"`
	FeatureNames []string `json:"features,omitempty"`
	Accuracy     *float64 `json:"accuracy,omitempty"`
}

// document mirrors model_metadata.json as written by the training step.
type document struct {
	Name         string   `json:"model_name"`
	Kind         Kind     `json:"model_type"`
	InputShape   []*int   `json:"input_shape"`
	FeatureCount int      `json:"feature_count"`
	ClassCount   int      `json:"output_classes"`
	ClassNames   []string `json:"class_names"`
	FeatureNames []string `json:"features"`
	Accuracy     *float64 `json:"accuracy"`
}

// ParseMetadata decodes a metadata document. The expected feature count is
// taken from input_shape[1], falling back to feature_count.
func ParseMetadata(data []byte) (Metadata, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	md := Metadata{
		Name:         doc.Name,
		Kind:         doc.Kind,
		FeatureCount: doc.FeatureCount,
		ClassCount:   doc.ClassCount,
		ClassNames:   doc.ClassNames,
		FeatureNames: doc.FeatureNames,
		Accuracy:     doc.Accuracy,
	}
	if len(doc.InputShape) > 1 && doc.InputShape[1] != nil {
		md.FeatureCount = *doc.InputShape[1]
	}
	if md.Kind == "" {
		md.Kind = KindUnknown
	}
	if md.ClassCount == 0 {
		md.ClassCount = len(md.ClassNames)
	}
	if md.FeatureCount < 0 || md.ClassCount < 0 {
		return Metadata{}, fmt.Errorf("negative feature or class count in metadata")
	}
	if len(md.ClassNames) > 0 && len(md.ClassNames) != md.ClassCount {
		return Metadata{}, fmt.Errorf("metadata lists %d class names for %d classes", len(md.ClassNames), md.ClassCount)
	}
	return md, nil
}

// TensorInfo describes one engine input or output.
type TensorInfo struct {
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Shape []int64 `json:"shape"` // -1 marks a dynamic dimension
}

// EngineInfo is static information reported by an engine.
type EngineInfo struct {
	Inputs         []TensorInfo `json:"onnx_inputs"`
	Outputs        []TensorInfo `json:"onnx_outputs"`
	Providers      []string     `json:"providers"`
	IntraOpThreads int          `json:"intra_op_num_threads"`
	InterOpThreads int          `json:"inter_op_num_threads"`
}
