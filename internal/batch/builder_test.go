package batch

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quorumcast/quorumcast/internal/config"
	"github.com/quorumcast/quorumcast/internal/congestion"
	"github.com/quorumcast/quorumcast/internal/identity"
	"github.com/quorumcast/quorumcast/internal/message"
	"github.com/quorumcast/quorumcast/internal/sequencer"
)

type captureOriginator struct {
	batches []*message.SignedBatch
}

func (c *captureOriginator) Originate(sb *message.SignedBatch) {
	c.batches = append(c.batches, sb)
}

func newTestBuilder(t *testing.T) (*Builder, *captureOriginator, *sequencer.VectorClock) {
	t.Helper()
	id, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New failed: %v", err)
	}
	clock := sequencer.NewVectorClock()
	ctrl := congestion.New(config.Defaults().Congestion, 60*time.Second, zap.NewNop())
	capture := &captureOriginator{}
	return New(id, clock, capture, ctrl, zap.NewNop()), capture, clock
}

func TestBuildNowDrainsPending(t *testing.T) {
	b, capture, _ := newTestBuilder(t)
	b.Submit(message.Gossip{MessageType: message.TypeGossip, Timestamp: 1700000001})
	b.Submit(message.Gossip{MessageType: message.TypeGossip, Timestamp: 1700000002})

	b.BuildNow()

	if len(capture.batches) != 1 {
		t.Fatalf("one batch must be built, got %d", len(capture.batches))
	}
	if got := len(capture.batches[0].Batch.Messages); got != 2 {
		t.Errorf("batch must carry both gossips, got %d", got)
	}
	if b.PendingCount() != 0 {
		t.Errorf("pending list must be cleared, got %d", b.PendingCount())
	}
}

func TestBuildNowWithoutPendingIsNoOp(t *testing.T) {
	b, capture, _ := newTestBuilder(t)
	b.BuildNow()
	if len(capture.batches) != 0 {
		t.Fatalf("empty tick must build nothing, got %d", len(capture.batches))
	}
}

func TestBuiltBatchCarriesClockSnapshot(t *testing.T) {
	b, capture, clock := newTestBuilder(t)
	clock.Increment("1234567890")
	clock.Increment("1234567890")

	b.Submit(message.Gossip{MessageType: message.TypeGossip, Timestamp: 1700000003})
	b.BuildNow()

	vc := capture.batches[0].Batch.VectorClock
	if len(vc) != 1 || vc[0].NodeID != "1234567890" || vc[0].Counter != 2 {
		t.Errorf("batch vector clock wrong: %+v", vc)
	}
}

func TestBuiltBatchVerifies(t *testing.T) {
	b, capture, _ := newTestBuilder(t)
	b.Submit(message.Gossip{MessageType: message.TypeGossip, Timestamp: 1700000004})
	b.BuildNow()

	if err := capture.batches[0].Verify(); err != nil {
		t.Errorf("built batch must verify: %v", err)
	}
}
