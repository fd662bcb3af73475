package serving

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Predictor is the part of a model snapshot the executor needs.
type Predictor interface {
	PredictRaw(rows [][]float32) ([]int64, [][]float32, error)
}

// Output is the raw outcome of one inference job.
type Output struct {
	Labels        []int64
	Probabilities [][]float32
	Elapsed       time.Duration
}

type ExecutorConfig struct {
	Workers   int
	QueueSize int
}

type job struct {
	p         Predictor
	rows      [][]float32
	submitted time.Time
	done      func(Output, error)
	result    chan jobResult
}

type jobResult struct {
	out Output
	err error
}

// Executor runs inference on a fixed pool of workers, keeping blocking
// engine calls off the request goroutines.
type Executor struct {
	queue chan job
	wg    sync.WaitGroup
	log   *logrus.Entry

	mu     sync.RWMutex
	closed bool
}

func NewExecutor(cfg ExecutorConfig, log *logrus.Entry) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	e := &Executor{
		queue: make(chan job, cfg.QueueSize),
		log:   log,
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Execute runs p on rows and waits for the outcome or ctx.
//
// When the queue is full Execute waits for a slot until ctx is done.
// done, when non-nil, is called exactly once with the job's outcome: from a
// worker after the job finishes, or synchronously when the job is never
// queued. Once queued, a cancelled ctx only stops the wait; the job still
// runs to completion and still reaches done.
func (e *Executor) Execute(ctx context.Context, p Predictor, rows [][]float32, done func(Output, error)) (Output, error) {
	j := job{
		p:         p,
		rows:      rows,
		submitted: time.Now(),
		done:      done,
		result:    make(chan jobResult, 1),
	}
	if err := e.submit(ctx, j); err != nil {
		if ctx.Err() == nil {
			err = &InferenceError{Err: err}
		}
		if done != nil {
			done(Output{}, err)
		}
		return Output{}, err
	}

	select {
	case r := <-j.result:
		return r.out, r.err
	case <-ctx.Done():
		return Output{}, ctx.Err()
	}
}

// submit holds the read lock while waiting, so Close cannot close the queue
// under a blocked sender; the workers keep draining meanwhile.
func (e *Executor) submit(ctx context.Context, j job) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrExecutorClosed
	}
	select {
	case e.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for j := range e.queue {
		out, err := e.run(j)
		if j.done != nil {
			j.done(out, err)
		}
		j.result <- jobResult{out: out, err: err}
	}
}

func (e *Executor) run(j job) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Error("inference panicked")
			err = &InferenceError{Err: fmt.Errorf("panic: %v", r)}
		}
		out.Elapsed = time.Since(j.submitted)
	}()

	labels, probs, err := j.p.PredictRaw(j.rows)
	if err != nil {
		return Output{}, &InferenceError{Err: err}
	}
	return Output{Labels: labels, Probabilities: probs}, nil
}

// Close rejects new jobs, finishes the queued ones and stops the workers.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()
	e.wg.Wait()
}
