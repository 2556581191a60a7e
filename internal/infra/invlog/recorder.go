// Package invlog records completed tool invocations off the call path.
// The hand-off is fire-and-forget: a bounded queue drained by one
// worker, with records dropped when the queue is full.
package invlog

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"toolmux/internal/domain"
)

// Sink persists or forwards one invocation record. Sink failures are
// logged and swallowed; they never reach the caller.
type Sink interface {
	Write(record domain.InvocationRecord) error
}

// Recorder fans records out to its sinks from a single worker goroutine.
type Recorder struct {
	queue  chan domain.InvocationRecord
	sinks  []Sink
	logger *zap.Logger

	wg       sync.WaitGroup
	started  atomic.Bool
	stopMu   sync.RWMutex
	stopped  bool
	stopOnce sync.Once
	dropped  atomic.Int64
}

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	QueueSize int
	Sinks     []Sink
	Logger    *zap.Logger
}

func NewRecorder(opts RecorderOptions) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := opts.QueueSize
	if size <= 0 {
		size = domain.DefaultRecorderQueueSize
	}
	return &Recorder{
		queue:  make(chan domain.InvocationRecord, size),
		sinks:  opts.Sinks,
		logger: logger.Named("invlog"),
	}
}

// Start launches the drain worker. Calling Start twice is a no-op.
func (r *Recorder) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for record := range r.queue {
			for _, sink := range r.sinks {
				if err := sink.Write(record); err != nil {
					r.logger.Warn("invocation sink write failed",
						zap.String("tool", record.Tool),
						zap.Error(err),
					)
				}
			}
		}
	}()
}

// Submit enqueues a record without blocking. A full queue drops the
// record; the caller never waits on the recorder.
func (r *Recorder) Submit(record domain.InvocationRecord) {
	r.stopMu.RLock()
	defer r.stopMu.RUnlock()
	if r.stopped {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- record:
	default:
		r.dropped.Add(1)
		r.logger.Debug("invocation record dropped, queue full", zap.String("tool", record.Tool))
	}
}

// Stop drains the queue and waits for the worker to finish. Submit
// calls arriving after Stop are counted as dropped.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		r.stopMu.Lock()
		r.stopped = true
		r.stopMu.Unlock()
		close(r.queue)
		r.wg.Wait()
	})
}

// Dropped returns how many records were discarded due to back-pressure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}
