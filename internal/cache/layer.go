package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/sirupsen/logrus"
)

// DefaultPrefix namespaces prediction keys inside shared backends.
const DefaultPrefix = "prediction:"

type LayerConfig struct {
	Prefix    string
	Workers   int
	QueueSize int
	OpTimeout time.Duration
}

type writeJob struct {
	key string
	val []byte
	ttl time.Duration
}

// Layer fronts a Backend with fingerprint keys, a JSON+snappy codec and an
// async bounded writer queue. None of its lookup or store operations return
// backend errors to the caller.
type Layer[T any] struct {
	backend Backend
	cfg     LayerConfig
	log     *logrus.Entry

	queue   chan writeJob
	pending sync.WaitGroup
	workers sync.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewLayer[T any](backend Backend, cfg LayerConfig, log *logrus.Entry) *Layer[T] {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	l := &Layer[T]{
		backend: backend,
		cfg:     cfg,
		log:     log.WithField("cache_backend", backend.Name()),
		queue:   make(chan writeJob, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		l.workers.Add(1)
		go l.writer()
	}
	return l
}

func (l *Layer[T]) Backend() Backend { return l.backend }

func (l *Layer[T]) key(fp string) string { return l.cfg.Prefix + fp }

// Get looks up the entry for fp. Backend and decode failures are logged and
// reported as a miss.
func (l *Layer[T]) Get(ctx context.Context, fp string) (T, bool) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()

	raw, ok, err := l.backend.Get(ctx, l.key(fp))
	if err != nil {
		l.log.WithError(fmt.Errorf("%w: %v", ErrUnavailable, err)).Warn("cache lookup failed")
		return zero, false
	}
	if !ok {
		return zero, false
	}
	v, err := decode[T](raw)
	if err != nil {
		l.log.WithError(err).WithField("fingerprint", fp).Warn("dropping undecodable cache entry")
		return zero, false
	}
	return v, true
}

// Put schedules v to be stored under fp and returns immediately. A full
// queue drops the write.
func (l *Layer[T]) Put(fp string, v T, ttl time.Duration) {
	raw, err := encode(v)
	if err != nil {
		l.log.WithError(err).Warn("failed to encode cache entry")
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	l.pending.Add(1)
	select {
	case l.queue <- writeJob{key: l.key(fp), val: raw, ttl: ttl}:
	default:
		l.pending.Done()
		l.log.WithField("fingerprint", fp).Warn("cache write queue full, dropping write")
	}
}

func (l *Layer[T]) writer() {
	defer l.workers.Done()
	for job := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.OpTimeout)
		if err := l.backend.Set(ctx, job.key, job.val, job.ttl); err != nil {
			l.log.WithError(fmt.Errorf("%w: %v", ErrUnavailable, err)).Warn("cache store failed")
		}
		cancel()
		l.pending.Done()
	}
}

// Wait blocks until every write queued so far has been applied or dropped.
func (l *Layer[T]) Wait() {
	l.pending.Wait()
}

// FlushAll clears the backend. The error is logged and also returned so
// callers can report it.
func (l *Layer[T]) FlushAll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()
	if err := l.backend.Clear(ctx); err != nil {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		l.log.WithError(err).Warn("cache flush failed")
		return err
	}
	l.log.Info("cache flushed")
	return nil
}

// Ping reports whether the backend answers.
func (l *Layer[T]) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()
	return l.backend.Ping(ctx) == nil
}

// Close drains queued writes, stops the writers and closes the backend.
func (l *Layer[T]) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		l.workers.Wait()
		err = l.backend.Close()
	})
	return err
}

func encode[T any](v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, b), nil
}

var errCorrupt = errors.New("corrupt cache entry")

func decode[T any](raw []byte) (T, error) {
	var v T
	b, err := snappy.Decode(nil, raw)
	if err != nil {
		return v, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	return v, nil
}
