// Package serving validates prediction requests, consults the prediction
// cache and runs inference against the currently loaded model.
package serving

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/classify-api/internal/artifact"
	"github.com/Brownie44l1/classify-api/internal/cache"
	"github.com/Brownie44l1/classify-api/internal/metrics"
	"github.com/Brownie44l1/classify-api/internal/model"
)

// defaultSampleWidth is used for the synthesized sample when the feature
// count is unknown.
const defaultSampleWidth = 10

type Options struct {
	Handle   *model.Handle
	Cache    *cache.Layer[Result]
	Executor *Executor
	Metrics  *metrics.Aggregator
	// Store and SamplePath locate sample_data.json. An empty SamplePath
	// means next to the model artifact.
	Store      artifact.Store
	SamplePath string
	// DefaultTTL in seconds applies to requests without a cache TTL.
	DefaultTTL int
	Version    string
	Log        *logrus.Entry
}

type Service struct {
	handle  *model.Handle
	cache   *cache.Layer[Result]
	exec    *Executor
	metrics *metrics.Aggregator
	store   artifact.Store

	samplePath string
	defaultTTL int
	version    string
	started    time.Time
	log        *logrus.Entry
}

func NewService(opts Options) *Service {
	return &Service{
		handle:     opts.Handle,
		cache:      opts.Cache,
		exec:       opts.Executor,
		metrics:    opts.Metrics,
		store:      opts.Store,
		samplePath: opts.SamplePath,
		defaultTTL: opts.DefaultTTL,
		version:    opts.Version,
		started:    time.Now(),
		log:        opts.Log,
	}
}

// Predict serves one request: validate, look up the cache, run inference on
// a miss and schedule the result to be cached.
func (s *Service) Predict(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	snap, err := s.handle.Acquire()
	if err != nil {
		return Result{}, err
	}
	md := snap.Metadata()

	if err := Validate(req, md); err != nil {
		snap.Release()
		s.metrics.RecordError()
		return Result{}, err
	}
	shape := [2]int{len(req.Rows), len(req.Rows[0])}

	var key string
	if req.UseCache {
		key = cacheKey(snap.Generation(), req.Rows)
		if res, ok := s.cache.Get(ctx, key); ok {
			snap.Release()
			elapsed := time.Since(start)
			s.metrics.RecordCache(true)
			s.metrics.Record(elapsed, true)
			res.Meta.Cached = true
			res.Meta.ElapsedSeconds = elapsed.Seconds()
			return res, nil
		}
		s.metrics.RecordCache(false)
	}

	ttl := req.TTL(s.defaultTTL)
	done := func(out Output, err error) {
		defer snap.Release()
		if err != nil {
			s.metrics.Record(out.Elapsed, false)
			s.log.WithError(err).WithField("model_name", md.Name).Error("prediction failed")
			return
		}
		s.metrics.Record(out.Elapsed, true)
		// results of a retired model are keyed by its generation and never
		// read again; skip the write
		if req.UseCache && snap.Current() {
			s.cache.Put(key, newResult(md, shape, out), ttl)
		}
	}

	out, err := s.exec.Execute(ctx, snap, req.Rows, done)
	if err != nil {
		return Result{}, err
	}
	return newResult(md, shape, out), nil
}

// cacheKey scopes the request fingerprint to one model generation, so
// entries written for a replaced model cannot be served after a reload even
// when the flush fails or a queued write lands after it.
func cacheKey(gen uint64, rows [][]float32) string {
	return strconv.FormatUint(gen, 36) + ":" + cache.Fingerprint(rows)
}

func newResult(md model.Metadata, shape [2]int, out Output) Result {
	probs := out.Probabilities
	if probs == nil {
		probs = [][]float32{}
	}
	return Result{
		Labels:        out.Labels,
		Probabilities: probs,
		Meta: Meta{
			ModelName:      md.Name,
			ElapsedSeconds: out.Elapsed.Seconds(),
			InputShape:     shape,
		},
	}
}

// PredictBatch serves reqs concurrently. Items are aligned with reqs and
// fail independently.
func (s *Service) PredictBatch(ctx context.Context, reqs []Request) ([]BatchItem, error) {
	if len(reqs) == 0 || len(reqs) > MaxBatchSize {
		return nil, ErrBatchSize
	}
	if !s.handle.IsLoaded() {
		return nil, model.ErrNotLoaded
	}

	items := make([]BatchItem, len(reqs))
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Predict(ctx, reqs[i])
			if err != nil {
				items[i].Err = err
				return
			}
			items[i].Result = &res
		}(i)
	}
	wg.Wait()
	return items, nil
}

// ReloadModel reloads the model from its configured source and flushes the
// cache. On failure the previous model keeps serving.
func (s *Service) ReloadModel(ctx context.Context) (string, error) {
	md, err := s.handle.Reload(ctx)
	if err != nil {
		s.log.WithError(err).Error("model reload failed, keeping current model")
		return "", err
	}
	// flush failures are logged by the cache layer and do not fail the reload
	_ = s.cache.FlushAll(ctx)
	return md.Name, nil
}

func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:         "healthy",
		ModelLoaded:    s.handle.IsLoaded(),
		CacheConnected: s.cache.Ping(ctx),
		CacheBackend:   s.cache.Backend().Name(),
		Version:        s.version,
		UptimeSeconds:  time.Since(s.started).Seconds(),
	}
	if h.ModelLoaded {
		h.ModelName = s.handle.Metadata().Name
	} else {
		h.Status = "unhealthy"
	}
	return h
}

// ModelInfo describes the loaded model and its runtime session.
type ModelInfo struct {
	model.Metadata
	model.EngineInfo
	Path     string    `json:"model_path"`
	LoadedAt time.Time `json:"loaded_at"`
}

func (s *Service) ModelInfo() (ModelInfo, error) {
	snap, err := s.handle.Acquire()
	if err != nil {
		return ModelInfo{}, err
	}
	defer snap.Release()
	return ModelInfo{
		Metadata:   snap.Metadata(),
		EngineInfo: snap.Info(),
		Path:       s.handle.Path(),
		LoadedAt:   snap.LoadedAt(),
	}, nil
}

func (s *Service) Metrics() metrics.Snapshot {
	return s.metrics.Snapshot()
}

type sampleStub struct {
	Message     string      `json:"message"`
	SampleInput [][]float32 `json:"sample_input"`
}

// Sample returns the sample input document stored with the model, or a
// single row of ones sized to the model input when there is none.
func (s *Service) Sample(ctx context.Context) (json.RawMessage, error) {
	p := s.samplePath
	if p == "" {
		mp := s.handle.Path()
		if mp == "" {
			return nil, model.ErrNotLoaded
		}
		p = artifact.Sibling(mp, "sample_data.json")
	}

	data, err := s.store.ReadDocument(ctx, p)
	switch {
	case err == nil:
		if !json.Valid(data) {
			return nil, fmt.Errorf("sample document %s is not valid JSON", p)
		}
		return data, nil
	case !errors.Is(err, artifact.ErrNotFound):
		return nil, err
	}

	width := defaultSampleWidth
	if n := s.handle.Metadata().FeatureCount; n > 0 {
		width = n
	}
	row := make([]float32, width)
	for i := range row {
		row[i] = 1
	}
	return json.Marshal(sampleStub{Message: "No sample data available", SampleInput: [][]float32{row}})
}
