package serving

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/classify-api/internal/artifact"
	"github.com/Brownie44l1/classify-api/internal/cache"
	"github.com/Brownie44l1/classify-api/internal/config"
	"github.com/Brownie44l1/classify-api/internal/logging"
	"github.com/Brownie44l1/classify-api/internal/metrics"
	"github.com/Brownie44l1/classify-api/internal/model"
)

const (
	features = 4
	classes  = 3
)

// stubEngine scores rows deterministically. A row starting with -1 makes
// the engine fail; gate, when set, holds every call until closed.
type stubEngine struct {
	calls atomic.Int64
	gate  chan struct{}
}

func (e *stubEngine) Predict(rows [][]float32) ([]int64, [][]float32, error) {
	e.calls.Add(1)
	if e.gate != nil {
		<-e.gate
	}
	labels := make([]int64, len(rows))
	probs := make([][]float32, len(rows))
	for i, row := range rows {
		if row[0] == -1 {
			return nil, nil, errors.New("onnxruntime: invalid argument")
		}
		var sum float32
		for _, v := range row {
			sum += v
		}
		label := int64(sum) % classes
		if label < 0 {
			label = -label
		}
		labels[i] = label
		probs[i] = make([]float32, classes)
		for c := range probs[i] {
			probs[i][c] = 0.1 / float32(classes-1)
		}
		probs[i][label] = 0.9
	}
	return labels, probs, nil
}

func (e *stubEngine) InputFeatureCount() int { return features }
func (e *stubEngine) ClassCount() int        { return classes }
func (e *stubEngine) Info() model.EngineInfo { return model.EngineInfo{Providers: []string{"stub"}} }
func (e *stubEngine) Close() error           { return nil }

type env struct {
	dir     string
	engine  *stubEngine
	handle  *model.Handle
	layer   *cache.Layer[Result]
	metrics *metrics.Aggregator
	svc     *Service
}

func writeMetadata(t *testing.T, dir, name string) {
	t.Helper()
	doc := fmt.Sprintf(`{"model_name": %q, "model_type": "classification", "input_shape": [null, %d], "output_classes": %d}`,
		name, features, classes)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model_metadata.json"), []byte(doc), 0o600))
}

type envOption func(*envConfig)

type envConfig struct {
	backend    cache.Backend
	workers    int
	queue      int
	noLoad     bool
	gate       chan struct{}
	defaultTTL int
}

func withBackend(b cache.Backend) envOption { return func(c *envConfig) { c.backend = b } }
func withQueue(workers, queue int) envOption {
	return func(c *envConfig) { c.workers, c.queue = workers, queue }
}
func withoutLoad() envOption             { return func(c *envConfig) { c.noLoad = true } }
func withGate(g chan struct{}) envOption { return func(c *envConfig) { c.gate = g } }
func withDefaultTTL(ttl int) envOption   { return func(c *envConfig) { c.defaultTTL = ttl } }

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	cfg := envConfig{backend: cache.NewMemory(1024), workers: 4, queue: 64}
	for _, o := range opts {
		o(&cfg)
	}

	dir := t.TempDir()
	modelPath := filepath.Join(dir, "random_forest_classifier.onnx")
	require.NoError(t, os.WriteFile(modelPath, []byte("onnx"), 0o600))
	writeMetadata(t, dir, "random_forest_classifier")

	log := logging.Discard()
	engine := &stubEngine{gate: cfg.gate}
	opener := func(context.Context, []byte) (model.Engine, error) { return engine, nil }
	h := model.NewHandle(model.Source{Store: artifact.FileStore{}, Path: modelPath}, opener, log.WithField("component", "model"))
	if !cfg.noLoad {
		require.NoError(t, h.Load(context.Background()))
	}

	layer := cache.NewLayer[Result](cfg.backend, cache.LayerConfig{Workers: 2, QueueSize: 4096}, log.WithField("component", "cache"))
	exec := NewExecutor(ExecutorConfig{Workers: cfg.workers, QueueSize: cfg.queue}, log.WithField("component", "executor"))
	agg := metrics.NewAggregator(10000)

	e := &env{
		dir:     dir,
		engine:  engine,
		handle:  h,
		layer:   layer,
		metrics: agg,
		svc: NewService(Options{
			Handle:     h,
			Cache:      layer,
			Executor:   exec,
			Metrics:    agg,
			Store:      artifact.FileStore{},
			DefaultTTL: cfg.defaultTTL,
			Version:    "test",
			Log:        log.WithField("component", "serving"),
		}),
	}
	t.Cleanup(func() {
		if cfg.gate != nil {
			select {
			case <-cfg.gate:
			default:
				close(cfg.gate)
			}
		}
		exec.Close()
		layer.Close()
		h.Close()
	})
	return e
}

// key returns the cache key the service uses for rows under the current
// model.
func (e *env) key(t *testing.T, rows [][]float32) string {
	t.Helper()
	snap, err := e.handle.Acquire()
	require.NoError(t, err)
	defer snap.Release()
	return cacheKey(snap.Generation(), rows)
}

// assertDistributions checks that every probability row sums to one.
func assertDistributions(t *testing.T, probs [][]float32) {
	t.Helper()
	for i, row := range probs {
		var sum float64
		for _, p := range row {
			sum += float64(p)
		}
		assert.InDelta(t, 1.0, sum, 1e-4, "row %d", i)
	}
}

func rows(vals ...float32) [][]float32 {
	out := make([][]float32, 0, len(vals))
	for _, v := range vals {
		out = append(out, []float32{v, v + 1, v + 2, v + 3})
	}
	return out
}

func TestPredictMiss(t *testing.T) {
	e := newEnv(t)
	res, err := e.svc.Predict(context.Background(), Request{Rows: rows(1, 2), UseCache: true})
	require.NoError(t, err)

	assert.Len(t, res.Labels, 2)
	require.Len(t, res.Probabilities, 2)
	assert.Len(t, res.Probabilities[0], classes)
	assertDistributions(t, res.Probabilities)
	assert.False(t, res.Meta.Cached)
	assert.Equal(t, "random_forest_classifier", res.Meta.ModelName)
	assert.Equal(t, [2]int{2, features}, res.Meta.InputShape)

	s := e.metrics.Snapshot()
	assert.EqualValues(t, 1, s.TotalPredictions)
	assert.EqualValues(t, 0, s.CacheHits)
	assert.EqualValues(t, 1, s.CacheMisses)
}

func TestPredictRepeatIsCachedAndIdentical(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	req := Request{Rows: rows(3, 1, 4), UseCache: true, CacheTTL: 60}

	first, err := e.svc.Predict(ctx, req)
	require.NoError(t, err)
	e.layer.Wait()

	second, err := e.svc.Predict(ctx, req)
	require.NoError(t, err)

	assert.False(t, first.Meta.Cached)
	assert.True(t, second.Meta.Cached)
	assertDistributions(t, second.Probabilities)
	assert.Equal(t, first.Labels, second.Labels)
	assert.Equal(t, first.Probabilities, second.Probabilities)
	assert.Equal(t, first.Meta.InputShape, second.Meta.InputShape)
	assert.EqualValues(t, 1, e.engine.calls.Load())

	s := e.metrics.Snapshot()
	assert.EqualValues(t, 2, s.TotalPredictions)
	assert.EqualValues(t, 1, s.CacheHits)
	assert.EqualValues(t, 1, s.CacheMisses)
	assert.InDelta(t, 0.5, s.CacheHitRate, 1e-9)
}

func TestPredictWithoutCache(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	req := Request{Rows: rows(5), UseCache: false}

	for i := 0; i < 2; i++ {
		res, err := e.svc.Predict(ctx, req)
		require.NoError(t, err)
		assert.False(t, res.Meta.Cached)
	}
	e.layer.Wait()
	assert.EqualValues(t, 2, e.engine.calls.Load())
	s := e.metrics.Snapshot()
	assert.Zero(t, s.CacheHits+s.CacheMisses)
}

func TestShapeMismatchHasNoSideEffects(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Predict(context.Background(), Request{Rows: [][]float32{{1, 2}}, UseCache: true})

	var sm *ShapeMismatchError
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, features, sm.Expected)
	assert.Equal(t, 2, sm.Got)

	assert.Zero(t, e.engine.calls.Load())
	s := e.metrics.Snapshot()
	assert.EqualValues(t, 1, s.TotalErrors)
	assert.Zero(t, s.TotalPredictions)
	assert.Zero(t, s.CacheHits+s.CacheMisses)
	assert.Zero(t, s.Samples)
}

func TestInferenceFailure(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Predict(context.Background(), Request{Rows: [][]float32{{-1, 0, 0, 0}}, UseCache: true})

	var ie *InferenceError
	require.ErrorAs(t, err, &ie)
	e.layer.Wait()

	s := e.metrics.Snapshot()
	assert.EqualValues(t, 1, s.TotalErrors)
	assert.Zero(t, s.TotalPredictions)

	_, ok := e.layer.Get(context.Background(), e.key(t, [][]float32{{-1, 0, 0, 0}}))
	assert.False(t, ok, "failed predictions are not cached")
}

func TestPredictNotLoaded(t *testing.T) {
	e := newEnv(t, withoutLoad())
	_, err := e.svc.Predict(context.Background(), Request{Rows: rows(1)})
	assert.ErrorIs(t, err, model.ErrNotLoaded)

	_, err = e.svc.PredictBatch(context.Background(), []Request{{Rows: rows(1)}})
	assert.ErrorIs(t, err, model.ErrNotLoaded)

	_, err = e.svc.ModelInfo()
	assert.ErrorIs(t, err, model.ErrNotLoaded)
}

func TestReloadFlushesCacheAndRenames(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	req := Request{Rows: rows(2, 7), UseCache: true}

	_, err := e.svc.Predict(ctx, req)
	require.NoError(t, err)
	e.layer.Wait()
	oldKey := e.key(t, req.Rows)
	_, ok := e.layer.Get(ctx, oldKey)
	require.True(t, ok)

	writeMetadata(t, e.dir, "gradient_boosting_classifier")
	name, err := e.svc.ReloadModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gradient_boosting_classifier", name)

	_, ok = e.layer.Get(ctx, oldKey)
	assert.False(t, ok, "reload must flush the cache")

	res, err := e.svc.Predict(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Meta.Cached)
	assert.Equal(t, "gradient_boosting_classifier", res.Meta.ModelName)
	assert.Equal(t, "gradient_boosting_classifier", e.handle.Metadata().Name)
}

// slowSet delays every write, so writes queued before a reload land after
// its flush.
type slowSet struct {
	cache.Backend
	delay time.Duration
}

func (b slowSet) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	time.Sleep(b.delay)
	return b.Backend.Set(ctx, key, val, ttl)
}

// stuckFlush stores entries but fails to clear them.
type stuckFlush struct{ cache.Backend }

func (stuckFlush) Clear(context.Context) error { return errOffline }

func TestReloadNeverServesRetiredResults(t *testing.T) {
	tests := []struct {
		name    string
		backend cache.Backend
		settle  bool // let the first write land before reloading
	}{
		{"write lands after flush", slowSet{Backend: cache.NewMemory(128), delay: 200 * time.Millisecond}, false},
		{"flush fails", stuckFlush{Backend: cache.NewMemory(128)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, withBackend(tt.backend))
			ctx := context.Background()
			req := Request{Rows: rows(8), UseCache: true}

			first, err := e.svc.Predict(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, "random_forest_classifier", first.Meta.ModelName)
			if tt.settle {
				e.layer.Wait()
				_, ok := e.layer.Get(ctx, e.key(t, req.Rows))
				require.True(t, ok)
			}

			writeMetadata(t, e.dir, "model_v2")
			name, err := e.svc.ReloadModel(ctx)
			require.NoError(t, err)
			assert.Equal(t, "model_v2", name)
			e.layer.Wait()

			second, err := e.svc.Predict(ctx, req)
			require.NoError(t, err)
			assert.False(t, second.Meta.Cached)
			assert.Equal(t, "model_v2", second.Meta.ModelName)
			assert.EqualValues(t, 2, e.engine.calls.Load())
		})
	}
}

// ttlRecorder remembers the TTL of the last write.
type ttlRecorder struct {
	cache.Backend
	mu  sync.Mutex
	ttl time.Duration
}

func (b *ttlRecorder) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	b.mu.Lock()
	b.ttl = ttl
	b.mu.Unlock()
	return b.Backend.Set(ctx, key, val, ttl)
}

func (b *ttlRecorder) last() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ttl
}

func TestConfiguredDefaultTTL(t *testing.T) {
	rec := &ttlRecorder{Backend: cache.NewMemory(128)}
	e := newEnv(t, withBackend(rec), withDefaultTTL(120))
	ctx := context.Background()

	_, err := e.svc.Predict(ctx, Request{Rows: rows(1), UseCache: true, CacheTTL: 0})
	require.NoError(t, err)
	e.layer.Wait()
	assert.Equal(t, 2*time.Minute, rec.last())

	_, err = e.svc.Predict(ctx, Request{Rows: rows(2), UseCache: true, CacheTTL: 30})
	require.NoError(t, err)
	e.layer.Wait()
	assert.Equal(t, 30*time.Second, rec.last())
}

func TestReloadFailureKeepsServing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(e.dir, "model_metadata.json"), []byte("{not json"), 0o600))
	_, err := e.svc.ReloadModel(ctx)
	require.Error(t, err)

	res, err := e.svc.Predict(ctx, Request{Rows: rows(1)})
	require.NoError(t, err)
	assert.Equal(t, "random_forest_classifier", res.Meta.ModelName)
}

func TestPredictBatchPositionalFailures(t *testing.T) {
	e := newEnv(t)
	reqs := []Request{
		{Rows: rows(1), UseCache: true},
		{Rows: [][]float32{{1, 2, 3}}, UseCache: true},
		{Rows: rows(9), UseCache: true},
		{Rows: [][]float32{{-1, 0, 0, 0}}, UseCache: true},
	}

	items, err := e.svc.PredictBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, items, 4)

	require.NoError(t, items[0].Err)
	require.NotNil(t, items[0].Result)
	assertDistributions(t, items[0].Result.Probabilities)
	var sm *ShapeMismatchError
	assert.ErrorAs(t, items[1].Err, &sm)
	assert.Nil(t, items[1].Result)
	require.NoError(t, items[2].Err)
	require.NotNil(t, items[2].Result)
	assertDistributions(t, items[2].Result.Probabilities)
	var ie *InferenceError
	assert.ErrorAs(t, items[3].Err, &ie)

	single, err := e.svc.Predict(context.Background(), Request{Rows: rows(9)})
	require.NoError(t, err)
	assert.Equal(t, single.Labels, items[2].Result.Labels)
}

func TestPredictBatchSize(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.PredictBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrBatchSize)

	reqs := make([]Request, MaxBatchSize+1)
	_, err = e.svc.PredictBatch(context.Background(), reqs)
	assert.ErrorIs(t, err, ErrBatchSize)
}

func TestConcurrentPredictsAreAllCounted(t *testing.T) {
	const n = 1000
	exec := config.Default().Executor
	require.Less(t, exec.QueueSize, n)
	gate := make(chan struct{})
	e := newEnv(t, withQueue(exec.Workers, exec.QueueSize), withGate(gate))
	ctx := context.Background()

	// hold the workers so callers pile up behind a full queue
	time.AfterFunc(50*time.Millisecond, func() { close(gate) })

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.svc.Predict(ctx, Request{Rows: rows(float32(i % 50)), UseCache: i%2 == 0}); err != nil {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	require.Zero(t, failures.Load())
	s := e.metrics.Snapshot()
	assert.EqualValues(t, n, s.TotalPredictions)
	assert.Zero(t, s.TotalErrors)
	assert.EqualValues(t, n/2, s.CacheHits+s.CacheMisses)
}

func TestCacheOfflineStillServes(t *testing.T) {
	e := newEnv(t, withBackend(offline{}))
	ctx := context.Background()
	req := Request{Rows: rows(4), UseCache: true}

	for i := 0; i < 3; i++ {
		res, err := e.svc.Predict(ctx, req)
		require.NoError(t, err)
		assert.False(t, res.Meta.Cached)
		assert.Len(t, res.Labels, 1)
		e.layer.Wait()
	}
	assert.EqualValues(t, 3, e.engine.calls.Load())
	assert.False(t, e.svc.Health(ctx).CacheConnected)

	name, err := e.svc.ReloadModel(ctx)
	require.NoError(t, err, "a failed flush does not fail the reload")
	assert.Equal(t, "random_forest_classifier", name)
}

func TestCancelledCallerStillPopulatesCache(t *testing.T) {
	gate := make(chan struct{})
	e := newEnv(t, withGate(gate))
	req := Request{Rows: rows(6), UseCache: true}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.svc.Predict(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	require.Eventually(t, func() bool {
		return e.metrics.Snapshot().TotalPredictions == 1
	}, 2*time.Second, 5*time.Millisecond)
	e.layer.Wait()

	res, err := e.svc.Predict(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Meta.Cached)
}

func TestHealthAndModelInfo(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	h := e.svc.Health(ctx)
	assert.Equal(t, "healthy", h.Status)
	assert.True(t, h.ModelLoaded)
	assert.True(t, h.CacheConnected)
	assert.Equal(t, "memory", h.CacheBackend)
	assert.Equal(t, "random_forest_classifier", h.ModelName)
	assert.Equal(t, "test", h.Version)

	info, err := e.svc.ModelInfo()
	require.NoError(t, err)
	assert.Equal(t, features, info.FeatureCount)
	assert.Equal(t, classes, info.ClassCount)
	assert.Equal(t, []string{"stub"}, info.Providers)
	assert.Equal(t, filepath.Join(e.dir, "random_forest_classifier.onnx"), info.Path)

	raw, err := json.Marshal(info)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"model_name":"random_forest_classifier"`)

	unloaded := newEnv(t, withoutLoad())
	assert.Equal(t, "unhealthy", unloaded.svc.Health(ctx).Status)
}

func TestSample(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	raw, err := e.svc.Sample(ctx)
	require.NoError(t, err)
	var stub struct {
		Message     string      `json:"message"`
		SampleInput [][]float32 `json:"sample_input"`
	}
	require.NoError(t, json.Unmarshal(raw, &stub))
	assert.Equal(t, "No sample data available", stub.Message)
	assert.Equal(t, [][]float32{{1, 1, 1, 1}}, stub.SampleInput)

	doc := `{"data": [[5.1, 3.5, 1.4, 0.2]]}`
	require.NoError(t, os.WriteFile(filepath.Join(e.dir, "sample_data.json"), []byte(doc), 0o600))
	raw, err = e.svc.Sample(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, doc, string(raw))
}

// offline fails every backend call.
type offline struct{ cache.Noop }

var errOffline = errors.New("connection refused")

func (offline) Name() string { return "redis" }
func (offline) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errOffline
}
func (offline) Set(context.Context, string, []byte, time.Duration) error { return errOffline }
func (offline) Clear(context.Context) error                              { return errOffline }
func (offline) Ping(context.Context) error                               { return errOffline }
