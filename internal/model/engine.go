package model

import "context"

// Engine is the capability set the serving core needs from an inference
// runtime binding. Implementations must allow concurrent Predict calls.
type Engine interface {
	// Predict runs the model on rows that were already validated.
	// Probabilities is nil for models without a probability output.
	Predict(rows [][]float32) (labels []int64, probabilities [][]float32, err error)
	// InputFeatureCount is the row width the engine declares, 0 if dynamic.
	InputFeatureCount() int
	// ClassCount is the width of the probability output, 0 if unknown.
	ClassCount() int
	Info() EngineInfo
	Close() error
}

// Opener builds an engine from a serialized model artifact.
type Opener func(ctx context.Context, artifact []byte) (Engine, error)
