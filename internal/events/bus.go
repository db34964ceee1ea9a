package events

import (
	"context"
	"log/slog"
	"sync"
)

// Bus is the single-writer event sequencer for one pipeline run. All
// emitters (orchestrator and stage workers) send events to one channel; a
// dedicated writer goroutine assigns the strictly increasing sequence
// number, appends the event to the run store, and fans it out to
// subscribers. Workers never touch a shared counter.
type Bus struct {
	runID  string
	store  Store
	logger *slog.Logger

	in   chan *PipelineEvent
	done chan struct{}

	// emitMu coordinates Emit against Close. Emitters hold the read lock for
	// the duration of the channel send; Close takes the write lock before
	// closing the channel, so no send can race the close. The writer
	// goroutine never takes this lock, so in-flight sends always drain.
	emitMu sync.RWMutex
	closed bool

	subsMu   sync.Mutex
	subs     []chan *PipelineEvent
	subsDone bool
}

// busBuffer sizes the inbound queue. Emitters only block if the writer falls
// this far behind the workers.
const busBuffer = 256

// subscriberBuffer sizes each subscriber channel. A subscriber that falls
// further behind loses events rather than stalling the writer.
const subscriberBuffer = 256

// NewBus creates a bus for one run and starts its writer goroutine.
// The store may be nil (events are sequenced and fanned out but not
// persisted); the logger may be nil.
func NewBus(runID string, store Store, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		runID:  runID,
		store:  store,
		logger: logger,
		in:     make(chan *PipelineEvent, busBuffer),
		done:   make(chan struct{}),
	}
	go b.writeLoop()
	return b
}

// Emit queues an event for sequencing. Safe for concurrent use. Events
// emitted after Close are dropped.
func (b *Bus) Emit(event *PipelineEvent) {
	b.emitMu.RLock()
	defer b.emitMu.RUnlock()
	if b.closed {
		b.logger.Warn("event emitted after bus close, dropping",
			"run_id", b.runID, "type", event.Type)
		return
	}
	b.in <- event
}

// Subscribe returns a channel receiving every event from this point on, in
// sequence order. The channel is closed when the bus closes. A subscriber
// that stops draining loses events instead of blocking the writer.
func (b *Bus) Subscribe() <-chan *PipelineEvent {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	ch := make(chan *PipelineEvent, subscriberBuffer)
	if b.subsDone {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Close stops accepting events, drains everything already queued, then
// closes subscriber channels. Blocks until the drain finishes. Safe to call
// more than once.
func (b *Bus) Close() {
	b.emitMu.Lock()
	if b.closed {
		b.emitMu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.emitMu.Unlock()

	close(b.in)
	<-b.done
}

// writeLoop is the sole assigner of sequence numbers for the run.
func (b *Bus) writeLoop() {
	defer close(b.done)

	var seq uint64
	for event := range b.in {
		seq++
		event.SequenceNumber = seq

		if b.store != nil {
			// Persistence failures are logged, never fatal to the run.
			if err := b.store.AppendEvent(context.Background(), event); err != nil {
				b.logger.Warn("failed to persist pipeline event",
					"run_id", b.runID, "seq", seq, "type", event.Type, "error", err)
			}
		}

		b.subsMu.Lock()
		subs := b.subs
		b.subsMu.Unlock()
		for _, ch := range subs {
			select {
			case ch <- event:
			default:
				b.logger.Warn("subscriber lagging, dropping event",
					"run_id", b.runID, "seq", seq)
			}
		}
	}

	b.subsMu.Lock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.subsDone = true
	b.subsMu.Unlock()
}
