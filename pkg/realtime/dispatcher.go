package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/livedesk/livedesk/pkg/metrics"
	"github.com/livedesk/livedesk/pkg/models"
)

var (
	ErrQueueFull        = errors.New("sync queue full")
	ErrDispatcherClosed = errors.New("sync dispatcher closed")
)

const (
	DefaultDispatchQueueSize = 256
	DefaultPushTimeout       = 5 * time.Second
)

// DispatcherConfig bounds the pending pushes and the time one push may take.
type DispatcherConfig struct {
	QueueSize   int
	PushTimeout time.Duration
}

type pushJob struct {
	op   string
	push func(context.Context) error
}

// Dispatcher is a Syncer that queues every push and hands it to next from a
// single worker goroutine, so pushes keep their order and callers never wait
// on a slow backend. When the queue is full the push is dropped and counted.
type Dispatcher struct {
	next    Syncer
	jobs    chan pushJob
	timeout time.Duration
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	dropped atomic.Int64
}

// NewDispatcher starts the worker. Call Close to drain and stop it.
func NewDispatcher(next Syncer, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultDispatchQueueSize
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = DefaultPushTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		next:    next,
		jobs:    make(chan pushJob, cfg.QueueSize),
		timeout: cfg.PushTimeout,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case job := <-d.jobs:
			d.exec(job)
		case <-d.quit:
			for {
				select {
				case job := <-d.jobs:
					d.exec(job)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) exec(job pushJob) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	if err := job.push(ctx); err != nil {
		metrics.RecordSyncFailure(job.op)
		d.logger.Warn("sync push failed", zap.String("operation", job.op), zap.Error(err))
	}
}

func (d *Dispatcher) enqueue(op string, push func(context.Context) error) error {
	select {
	case <-d.quit:
		return ErrDispatcherClosed
	default:
	}
	select {
	case d.jobs <- pushJob{op: op, push: push}:
		return nil
	default:
		d.dropped.Add(1)
		metrics.RecordSyncDropped(op)
		return errors.Wrap(ErrQueueFull, op)
	}
}

// Dropped reports how many pushes were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Pending reports how many pushes are queued.
func (d *Dispatcher) Pending() int { return len(d.jobs) }

// Close stops accepting pushes and drains the queue. Pushes still running
// after one PushTimeout are cancelled.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.quit)
		timer := time.AfterFunc(d.timeout, d.cancel)
		<-d.done
		timer.Stop()
		d.cancel()
	})
}

func (d *Dispatcher) PushConversationState(_ context.Context, conversationID string, fields map[string]any) error {
	return d.enqueue("conversation_state", func(ctx context.Context) error {
		return d.next.PushConversationState(ctx, conversationID, fields)
	})
}

func (d *Dispatcher) PushSystemEvent(_ context.Context, conversationID string, ev SystemEvent) error {
	return d.enqueue("system_event", func(ctx context.Context) error {
		return d.next.PushSystemEvent(ctx, conversationID, ev)
	})
}

func (d *Dispatcher) PushQueueStats(_ context.Context, stats models.QueueStats) error {
	return d.enqueue("queue_stats", func(ctx context.Context) error {
		return d.next.PushQueueStats(ctx, stats)
	})
}

func (d *Dispatcher) PushQueueEntry(_ context.Context, conversationID string, entry models.QueueEntry) error {
	return d.enqueue("queue_entry", func(ctx context.Context) error {
		return d.next.PushQueueEntry(ctx, conversationID, entry)
	})
}
