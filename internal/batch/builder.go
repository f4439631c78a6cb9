// Package batch accumulates application gossips and flushes them as
// signed batches on the congestion-tuned cadence.
//
// The builder's timer is re-armed from the congestion controller after
// every firing, so a cadence change installed by a monitor takes effect at
// the next tick. A tick with no pending gossips builds nothing.

package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quorumcast/quorumcast/internal/congestion"
	"github.com/quorumcast/quorumcast/internal/identity"
	"github.com/quorumcast/quorumcast/internal/message"
	"github.com/quorumcast/quorumcast/internal/sequencer"
)

// Originator receives finished batches; the broadcast engine implements it.
type Originator interface {
	Originate(sb *message.SignedBatch)
}

// Builder collects pending gossips and builds signed batches.
type Builder struct {
	id     *identity.Identity
	clock  *sequencer.VectorClock
	origin Originator
	ctrl   *congestion.Controller
	log    *zap.Logger

	mu      sync.Mutex
	pending []message.Gossip
}

// New creates a Builder.
func New(
	id *identity.Identity,
	clock *sequencer.VectorClock,
	origin Originator,
	ctrl *congestion.Controller,
	log *zap.Logger,
) *Builder {
	return &Builder{id: id, clock: clock, origin: origin, ctrl: ctrl, log: log}
}

// Submit queues a gossip for the next batch.
func (b *Builder) Submit(g message.Gossip) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, g)
}

// PendingCount returns the number of queued gossips.
func (b *Builder) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run flushes pending gossips on the current_latency cadence until ctx is
// cancelled.
func (b *Builder) Run(ctx context.Context) {
	timer := time.NewTimer(b.ctrl.LatencyInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			b.BuildNow()
			timer.Reset(b.ctrl.LatencyInterval())
		}
	}
}

// BuildNow drains the pending gossips into one signed batch and hands it
// to the originator. A tick with nothing pending is a no-op.
func (b *Builder) BuildNow() {
	b.mu.Lock()
	gossips := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(gossips) == 0 {
		return
	}

	sb, err := message.NewSignedBatch(b.id, gossips, b.clock.Snapshot())
	if err != nil {
		b.log.Error("batch build failed",
			zap.Int("gossips", len(gossips)), zap.Error(err))
		return
	}
	b.log.Debug("batch built",
		zap.String("batch", sb.Batch.Key()),
		zap.Int("gossips", len(gossips)))
	b.origin.Originate(sb)
}
