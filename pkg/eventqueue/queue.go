// Package eventqueue provides a subscriber that hands lifecycle events to a
// slow sink on a background goroutine, so the pipeline that published them
// does not wait for the sink.
package eventqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kode4food/caravan"
	"github.com/kode4food/caravan/topic"

	"github.com/petrijr/stepchain/pkg/api"
)

type (
	// Subscriber queues events on a caravan topic and delivers them to its
	// sink sequentially, in bounded batches
	Subscriber struct {
		prod   topic.Producer[api.Event]
		cons   topic.Consumer[api.Event]
		sink   Sink
		logger *slog.Logger

		batchSize  int
		maxRetries int
		retryDelay time.Duration

		mu      sync.RWMutex
		closed  bool
		pending sync.WaitGroup

		stop        chan struct{}
		wg          sync.WaitGroup
		startOnce   sync.Once
		stopOnce    sync.Once
		cleanupOnce sync.Once
	}

	// Sink receives a batch of events in publication order
	Sink func(ctx context.Context, batch []api.Event) error

	// Option configures a Subscriber
	Option func(*Subscriber)
)

var (
	ErrSinkPanicked = errors.New("event sink panicked")
	ErrClosed       = errors.New("event queue closed")
)

const (
	defaultBatchSize  = 32
	defaultMaxRetries = 3
	defaultRetryDelay = 100 * time.Millisecond
)

var (
	_ api.Subscriber = (*Subscriber)(nil)
	_ api.Flusher    = (*Subscriber)(nil)
)

// WithBatchSize caps how many queued events one sink call receives
func WithBatchSize(n int) Option {
	return func(s *Subscriber) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithRetry sets how often a failing batch is attempted and the pause
// between attempts
func WithRetry(attempts int, delay time.Duration) Option {
	return func(s *Subscriber) {
		if attempts > 0 {
			s.maxRetries = attempts
		}
		s.retryDelay = delay
	}
}

// WithLogger sets the logger used to report sink failures
func WithLogger(logger *slog.Logger) Option {
	return func(s *Subscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Subscriber delivering to sink. Call Start before
// publishing and Flush when done
func New(sink Sink, opts ...Option) *Subscriber {
	queue := caravan.NewTopic[api.Event]()
	s := &Subscriber{
		prod:       queue.NewProducer(),
		cons:       queue.NewConsumer(),
		sink:       sink,
		logger:     slog.Default(),
		batchSize:  defaultBatchSize,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Subscriber) Name() string { return "event-queue" }

// Start begins delivering queued events
func (s *Subscriber) Start() {
	s.startOnce.Do(func() {
		s.wg.Go(func() {
			for {
				select {
				case <-s.stop:
					return
				case ev, ok := <-s.cons.Receive():
					if !ok {
						return
					}
					s.handleBatch(s.collectBatch(ev))
				}
			}
		})
	})
}

// HandleEvent queues ev. It never waits for the sink
func (s *Subscriber) HandleEvent(ctx context.Context, ev api.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.pending.Add(1)
	s.prod.Send() <- ev
	return nil
}

// Flush stops accepting events, waits until every queued event has been
// handed to the sink and releases the topic
func (s *Subscriber) Flush(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.Start()
	drained := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
	s.cancel()
	return nil
}

func (s *Subscriber) cancel() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
	s.cleanupOnce.Do(func() {
		s.prod.Close()
		s.cons.Close()
	})
}

func (s *Subscriber) collectBatch(first api.Event) []api.Event {
	batch := []api.Event{first}
	for len(batch) < s.batchSize {
		select {
		case ev, ok := <-s.cons.Receive():
			if !ok {
				return batch
			}
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (s *Subscriber) handleBatch(batch []api.Event) {
	defer s.pending.Add(-len(batch))

	for attempt := range s.maxRetries {
		err := s.tryHandleBatch(batch)
		if err == nil {
			return
		}
		s.logger.Error("event batch failed",
			slog.Int("batch_size", len(batch)),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", s.maxRetries),
			slog.Any("error", err))
		if attempt < s.maxRetries-1 && s.retryDelay > 0 {
			time.Sleep(s.retryDelay)
		}
	}
	s.logger.Error("event batch permanently failed",
		slog.Int("batch_size", len(batch)))
}

func (s *Subscriber) tryHandleBatch(batch []api.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSinkPanicked, r)
		}
	}()
	return s.sink(context.Background(), batch)
}
