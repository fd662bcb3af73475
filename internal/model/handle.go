// Package model owns the loaded inference engine and its metadata.
package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/classify-api/internal/artifact"
)

// Source tells a Handle where to load from.
type Source struct {
	Store    artifact.Store
	Path     string
	Metadata artifact.MetadataSource // nil reads model_metadata.json next to the artifact
}

// Handle holds the currently served model. Readers Acquire a snapshot and
// keep using it even if a reload publishes a new model meanwhile; the old
// engine is closed once its last snapshot is released.
type Handle struct {
	src  Source
	open Opener
	log  *logrus.Entry

	mu      sync.Mutex // serializes loads
	lastGen uint64     // guarded by mu
	cur     atomic.Pointer[state]
}

type state struct {
	engine   Engine
	meta     Metadata
	path     string
	loadedAt time.Time
	gen      uint64

	refs      atomic.Int64
	retired   atomic.Bool
	closeOnce sync.Once
	log       *logrus.Entry
}

func NewHandle(src Source, open Opener, log *logrus.Entry) *Handle {
	if src.Metadata == nil {
		src.Metadata = artifact.DocumentMetadata{Store: src.Store}
	}
	return &Handle{src: src, open: open, log: log}
}

// Load loads the configured artifact and publishes it. On failure the
// previously published model, if any, stays in place.
func (h *Handle) Load(ctx context.Context) error {
	_, err := h.Reload(ctx)
	return err
}

// Reload is Load returning the metadata of the newly published model.
func (h *Handle) Reload(ctx context.Context) (Metadata, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := time.Now()
	next, err := h.build(ctx)
	if err != nil {
		h.log.WithError(err).WithField("path", h.src.Path).Error("model load failed")
		return Metadata{}, err
	}
	// wall-clock based so generations stay distinct across restarts
	// sharing a persistent cache
	next.gen = uint64(next.loadedAt.UnixNano())
	if next.gen <= h.lastGen {
		next.gen = h.lastGen + 1
	}
	h.lastGen = next.gen
	prev := h.cur.Swap(next)
	if prev != nil {
		prev.retire()
	}
	h.log.WithFields(logrus.Fields{
		"model_name": next.meta.Name,
		"path":       next.path,
		"features":   next.meta.FeatureCount,
		"classes":    next.meta.ClassCount,
		"load_time":  time.Since(start).Seconds(),
	}).Info("model loaded")
	return next.meta, nil
}

func (h *Handle) build(ctx context.Context) (*state, error) {
	path, err := h.src.Store.Resolve(ctx, h.src.Path)
	if err != nil {
		return nil, &LoadError{Path: h.src.Path, Err: err}
	}
	data, err := h.src.Store.ReadArtifact(ctx, path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if len(data) == 0 {
		return nil, &LoadError{Path: path, Err: errors.New("artifact is empty")}
	}
	engine, err := h.open(ctx, data)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	md, err := h.metadata(ctx, path)
	if err == nil {
		md, err = reconcile(md, engine)
	}
	if err != nil {
		if cerr := engine.Close(); cerr != nil {
			h.log.WithError(cerr).Warn("closing rejected engine")
		}
		return nil, &LoadError{Path: path, Err: err}
	}
	return &state{
		engine:   engine,
		meta:     md,
		path:     path,
		loadedAt: time.Now(),
		log:      h.log,
	}, nil
}

// metadata synthesizes a minimal record from the artifact name when no
// metadata document exists.
func (h *Handle) metadata(ctx context.Context, path string) (Metadata, error) {
	data, err := h.src.Metadata.Metadata(ctx, path)
	if errors.Is(err, artifact.ErrNotFound) {
		h.log.WithField("path", path).Warn("no metadata document, using artifact name")
		return Metadata{Name: artifact.Stem(path), Kind: KindUnknown}, nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	md, err := ParseMetadata(data)
	if err != nil {
		return Metadata{}, err
	}
	if md.Name == "" {
		md.Name = artifact.Stem(path)
	}
	return md, nil
}

// reconcile fills unknown counts from the engine and rejects metadata that
// disagrees with the engine's declared shapes.
func reconcile(md Metadata, engine Engine) (Metadata, error) {
	if w := engine.InputFeatureCount(); w > 0 {
		if md.FeatureCount == 0 {
			md.FeatureCount = w
		} else if md.FeatureCount != w {
			return Metadata{}, fmt.Errorf("metadata expects %d features, model input has %d", md.FeatureCount, w)
		}
	}
	if c := engine.ClassCount(); c > 0 {
		if md.ClassCount == 0 {
			md.ClassCount = c
		} else if md.ClassCount != c {
			return Metadata{}, fmt.Errorf("metadata declares %d classes, model output has %d", md.ClassCount, c)
		}
	}
	return md, nil
}

func (h *Handle) IsLoaded() bool {
	return h.cur.Load() != nil
}

// Metadata returns the metadata of the current model, or the zero value
// when nothing is loaded.
func (h *Handle) Metadata() Metadata {
	if st := h.cur.Load(); st != nil {
		return st.meta
	}
	return Metadata{}
}

// Path returns the resolved artifact path of the current model.
func (h *Handle) Path() string {
	if st := h.cur.Load(); st != nil {
		return st.path
	}
	return ""
}

// Acquire pins the current model. The caller must Release the snapshot.
func (h *Handle) Acquire() (*Snapshot, error) {
	for {
		st := h.cur.Load()
		if st == nil {
			return nil, ErrNotLoaded
		}
		st.refs.Add(1)
		if h.cur.Load() == st {
			return &Snapshot{h: h, st: st}, nil
		}
		// lost a race with reload, retry on the new state
		st.release()
	}
}

// Close unloads the model. Snapshots already acquired stay usable until
// released.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev := h.cur.Swap(nil); prev != nil {
		prev.retire()
	}
}

func (s *state) retire() {
	s.retired.Store(true)
	if s.refs.Load() == 0 {
		s.closeEngine()
	}
}

func (s *state) release() {
	if s.refs.Add(-1) == 0 && s.retired.Load() {
		s.closeEngine()
	}
}

func (s *state) closeEngine() {
	s.closeOnce.Do(func() {
		if err := s.engine.Close(); err != nil {
			s.log.WithError(err).WithField("model_name", s.meta.Name).Warn("closing engine")
		}
	})
}

// Snapshot is a consistent view of one loaded model.
type Snapshot struct {
	h        *Handle
	st       *state
	released atomic.Bool
}

func (s *Snapshot) Metadata() Metadata {
	return s.st.meta
}

func (s *Snapshot) Info() EngineInfo {
	return s.st.engine.Info()
}

// Current reports whether the snapshot's model is still the published one.
func (s *Snapshot) Current() bool {
	return s.h.cur.Load() == s.st
}

// Generation identifies the load that produced this snapshot. Every
// successful load gets a new, larger generation.
func (s *Snapshot) Generation() uint64 {
	return s.st.gen
}

func (s *Snapshot) LoadedAt() time.Time {
	return s.st.loadedAt
}

// PredictRaw delegates to the engine; rows must already be validated.
func (s *Snapshot) PredictRaw(rows [][]float32) ([]int64, [][]float32, error) {
	return s.st.engine.Predict(rows)
}

func (s *Snapshot) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.st.release()
	}
}
