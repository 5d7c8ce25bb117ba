package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbleworks/chat_gateway/internal/requestctx"
)

// Outcome captures the result of one request after the response has been
// written. Recording is decoupled from the request path: a full queue or a
// slow sink never delays or fails the primary response.
type Outcome struct {
	Identity     requestctx.Identity
	Endpoint     string
	Method       string
	StatusCode   int
	LatencyMs    float64
	Model        string
	Provider     string
	InputTokens  int64
	OutputTokens int64
	ChatID       string
	RateLimit    *RateLimitOutcome
	Timestamp    time.Time
}

// RateLimitOutcome is the admission decision attached to an outcome, when
// one was made. Limit is zero when the backend did not report a quota.
type RateLimitOutcome struct {
	Allowed   bool
	Remaining int64
	Limit     int64
}

// Sink consumes outcomes off the dispatcher worker. Implementations must
// not block for long; they share a single consumer goroutine.
type Sink interface {
	Consume(Outcome)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Outcome)

func (f SinkFunc) Consume(o Outcome) { f(o) }

// Dispatcher fans request outcomes out to the usage, SLA, and analytics
// sinks through a bounded queue. Enqueueing never blocks: when the queue
// is full the outcome is dropped and counted.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Outcome
	dropped atomic.Int64
	wg      sync.WaitGroup
}

func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	filtered := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		filtered = append(filtered, sink)
	}
	return &Dispatcher{
		sinks: filtered,
		queue: make(chan Outcome, buffer),
	}
}

// Start launches the consumer goroutine. It drains the queue on shutdown
// so outcomes accepted before cancellation still reach the sinks.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				for {
					select {
					case outcome := <-d.queue:
						d.fanout(outcome)
					default:
						return
					}
				}
			case outcome := <-d.queue:
				d.fanout(outcome)
			}
		}
	}()
}

// Dispatch enqueues an outcome without blocking. A false return means the
// queue was full and the outcome was dropped.
func (d *Dispatcher) Dispatch(outcome Outcome) bool {
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = time.Now()
	}
	select {
	case d.queue <- outcome:
		return true
	default:
		if d.dropped.Add(1)%1000 == 1 {
			slog.Warn("outcome queue full, dropping records",
				slog.Int64("dropped_total", d.dropped.Load()))
		}
		return false
	}
}

// Dropped reports how many outcomes were discarded on a full queue.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Wait blocks until the consumer goroutine has exited. Call after
// cancelling the context passed to Start.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) fanout(outcome Outcome) {
	for _, sink := range d.sinks {
		sink.Consume(outcome)
	}
}
