package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"tokenflow/dispatch-service/internal/models"
	"tokenflow/dispatch-service/internal/snapshot"
)

// Envelope wraps a snapshot for delivery. Sequence increases by one per
// publish, so consumers detect missed updates and know when to resync.
type Envelope struct {
	Sequence    uint64               `json:"sequence"`
	PublishedAt time.Time            `json:"published_at"`
	Affected    []string             `json:"affected_counters,omitempty"`
	Snapshot    models.QueueSnapshot `json:"snapshot"`
}

// Sink receives every published envelope alongside the realtime hub. Sinks
// run on the publisher's delivery goroutine, never on the dispatch path; sink
// errors are logged and never surface to the mutation that triggered them.
type Sink interface {
	Publish(ctx context.Context, envelope Envelope) error
}

const (
	// sinkQueueDepth bounds envelopes waiting for sink delivery. Snapshots
	// supersede each other, so dropping the oldest backlog under a stalled
	// broker loses nothing a later envelope does not carry.
	sinkQueueDepth = 32

	sinkPublishTimeout = 5 * time.Second
)

// Hub is the realtime fan-out surface the publisher pushes payloads into.
type Hub interface {
	Broadcast(payload []byte, affected []string)
}

// Publisher rebuilds the snapshot after every queue mutation and fans it out.
// It implements the scheduler's Notifier. The mutex pairs each sequence number
// with the snapshot built for it, keeping sequence order and snapshot order
// identical for all consumers.
type Publisher struct {
	builder *snapshot.Builder
	hub     Hub
	sinks   []Sink
	now     func() time.Time

	mu     sync.Mutex
	seq    uint64
	closed bool

	deliveries chan Envelope
	done       chan struct{}
}

func NewPublisher(builder *snapshot.Builder, hub Hub, sinks ...Sink) *Publisher {
	p := &Publisher{
		builder:    builder,
		hub:        hub,
		sinks:      sinks,
		now:        time.Now,
		deliveries: make(chan Envelope, sinkQueueDepth),
		done:       make(chan struct{}),
	}
	go p.deliver()
	return p
}

// QueueChanged builds and broadcasts a fresh snapshot. Failures are logged and
// swallowed: a missed broadcast is recovered by the next one or by a resync,
// and must never fail the mutation that triggered it. Hub delivery drops on
// slow clients and sink delivery is queued for the delivery goroutine, so
// this returns without waiting on any consumer.
func (p *Publisher) QueueChanged(ctx context.Context, counterIDs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	built, err := p.builder.Build(ctx)
	if err != nil {
		log.Printf("broadcast: build snapshot: %v", err)
		return
	}
	p.seq++
	envelope := Envelope{
		Sequence:    p.seq,
		PublishedAt: p.now().UTC(),
		Affected:    counterIDs,
		Snapshot:    built,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		log.Printf("broadcast: marshal snapshot: %v", err)
		return
	}
	if p.hub != nil {
		p.hub.Broadcast(payload, counterIDs)
	}
	if len(p.sinks) == 0 || p.closed {
		return
	}
	select {
	case p.deliveries <- envelope:
	default:
		log.Printf("broadcast: sink queue full, dropping sequence %d", envelope.Sequence)
	}
}

// deliver drains queued envelopes into the sinks. Each publish gets a fresh
// timeout so one stalled broker cannot wedge the queue forever.
func (p *Publisher) deliver() {
	defer close(p.done)
	for envelope := range p.deliveries {
		ctx, cancel := context.WithTimeout(context.Background(), sinkPublishTimeout)
		for _, sink := range p.sinks {
			if err := sink.Publish(ctx, envelope); err != nil {
				log.Printf("broadcast: sink publish sequence %d: %v", envelope.Sequence, err)
			}
		}
		cancel()
	}
}

// Close drains the sink queue and stops the delivery goroutine. Publishes
// after Close still reach the hub but skip the sinks.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.deliveries)
	p.mu.Unlock()
	<-p.done
}

// Snapshot rebuilds the current state for resync requests. The envelope
// carries the sequence of the last broadcast so the client can line it up
// against its stream position.
func (p *Publisher) Snapshot(ctx context.Context) (Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	built, err := p.builder.Build(ctx)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Sequence:    p.seq,
		PublishedAt: p.now().UTC(),
		Snapshot:    built,
	}, nil
}
