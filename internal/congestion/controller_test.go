package congestion

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quorumcast/quorumcast/internal/config"
)

func newController(initialLatency time.Duration) *Controller {
	cfg := config.Defaults().Congestion
	cfg.InitialLatency = initialLatency
	return New(cfg, 60*time.Second, zap.NewNop())
}

func seed(c *Controller, n int, our, peer float64) {
	for i := 0; i < n; i++ {
		c.RecordOurLatency(our)
		c.RecordPeerLatency(peer)
	}
}

func TestIncreaseFastForwardDoubles(t *testing.T) {
	c := newController(5 * time.Second)
	seed(c, 20, 0.1, 0.1)

	c.IncreaseOnce()

	if got := c.CurrentLatency(); got != 10 {
		t.Fatalf("fast-forward must double current_latency to 10, got %v", got)
	}
	if got := c.LatencyInterval(); got != 10*time.Second {
		t.Errorf("builder cadence must follow, got %s", got)
	}
}

func TestIncreaseFastForwardRespectsHeadroom(t *testing.T) {
	// 2*30 = 60 is not under 0.85*60 = 51: no doubling.
	c := newController(30 * time.Second)
	seed(c, 20, 0.1, 0.1)

	c.IncreaseOnce()

	if got := c.CurrentLatency(); got != 30 {
		t.Errorf("doubling past the timeout headroom must be refused, got %v", got)
	}
}

func TestIncreaseCreepOnHotRSI(t *testing.T) {
	c := newController(5 * time.Second)
	// Steadily climbing latencies: RSI 100 on both series, weighted well
	// above the 2s target and above half the cadence.
	for i := 0; i < 50; i++ {
		c.RecordOurLatency(float64(i))
		c.RecordPeerLatency(float64(i))
	}

	before := c.CurrentLatency()
	pubBefore := c.PublishInterval().Seconds()
	c.IncreaseOnce()
	after := c.CurrentLatency()

	if after <= before {
		t.Fatalf("hot RSI must creep the cadence up, got %v -> %v", before, after)
	}
	if after > before*1.10+1e-9 {
		t.Errorf("creep factor must stay within 10%%, got %v -> %v", before, after)
	}
	if pubAfter := c.PublishInterval().Seconds(); pubAfter <= pubBefore {
		t.Errorf("publish cadence must scale with the creep, got %v -> %v",
			pubBefore, pubAfter)
	}
}

func TestIncreaseNoSamplesNoChange(t *testing.T) {
	c := newController(5 * time.Second)
	c.IncreaseOnce()
	if got := c.CurrentLatency(); got != 5 {
		t.Errorf("monitor without samples must not move the cadence, got %v", got)
	}
}

func TestDecreaseRequiresMinimumSamples(t *testing.T) {
	c := newController(5 * time.Second)
	seed(c, minSamples-1, 1.0, 1.0)
	c.DecreaseOnce()
	if got := c.CurrentLatency(); got != 5 {
		t.Errorf("decrease must wait for %d samples, got change to %v", minSamples, got)
	}
}

func TestDecreaseIgnoresHotSeries(t *testing.T) {
	c := newController(5 * time.Second)
	for i := 0; i < 50; i++ {
		c.RecordOurLatency(float64(i))
		c.RecordPeerLatency(float64(i))
	}
	c.DecreaseOnce()
	if got := c.CurrentLatency(); got != 5 {
		t.Errorf("rising latencies must not trigger a decrease, got %v", got)
	}
}

func TestPeerMissedDeliveryBumpsLatency(t *testing.T) {
	c := newController(5 * time.Second)
	c.PeerMissedDelivery()
	if got := c.CurrentLatency(); got != 6 {
		t.Fatalf("missed delivery must add one second, got %v", got)
	}

	// Without headroom the bump is refused.
	c = newController(25 * time.Second)
	c.PeerMissedDelivery()
	if got := c.CurrentLatency(); got != 25 {
		t.Errorf("bump past the timeout headroom must be refused, got %v", got)
	}
}

func TestPauseFreezesMonitors(t *testing.T) {
	c := newController(5 * time.Second)
	seed(c, 20, 0.1, 0.1)
	c.Pause()

	c.IncreaseOnce()
	c.DecreaseOnce()
	c.PeerMissedDelivery()

	if got := c.CurrentLatency(); got != 5 {
		t.Fatalf("paused controller must not move the cadence, got %v", got)
	}

	c.Resume()
	c.IncreaseOnce()
	if got := c.CurrentLatency(); got != 10 {
		t.Errorf("resumed controller must act again, got %v", got)
	}
}

func TestJitteredIntervalBounds(t *testing.T) {
	c := newController(5 * time.Second)
	for i := 0; i < 100; i++ {
		d := c.nextIncreaseInterval().Seconds()
		if d < 5.1-1e-9 || d > 7.5+1e-9 {
			t.Fatalf("jittered interval out of [5.1s, 7.5s]: %v", d)
		}
	}
}

func TestLatencyIntervalConversion(t *testing.T) {
	c := newController(1500 * time.Millisecond)
	if got := c.LatencyInterval(); math.Abs(got.Seconds()-1.5) > 1e-9 {
		t.Errorf("LatencyInterval = %s, want 1.5s", got)
	}
}
