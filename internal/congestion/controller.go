// Package congestion tunes the node's two cadences — the seconds between
// batch builder flushes (current_latency) and the seconds between response
// fan-out flushes (publish_pending_frequency) — from locally observed and
// peer-reported latencies.
//
// Two monitors run on their own timers:
//
//   - The increase monitor (every increase_interval plus 0.1–2.5s of
//     jitter) either fast-forwards (doubles) the cadence while the observed
//     latency sits at or below half of it, or creeps it upward by a uniform 1–10% when
//     both RSIs run hot (>70) and the weighted latency is at or above
//     target. The publish cadence scales by the same factor, capped.
//   - The decrease monitor (every decrease_interval, only once both
//     windows hold at least 45 samples) shrinks the cadences by a uniform
//     1–10% when both RSIs run cold (<30), floored at minimum_latency.
//
// Smoothing: order-1 Savitzky–Golay (window 14 for increase, 21 for
// decrease), weighted 0.6 local / 0.4 peers, Wilder RSI at the matching
// period. Every headroom check keeps 2·current_latency under 85% of the
// gossip timeout so a tuned-up cadence can never starve the broadcast
// waits.
//
// Peer feedback: router replies to pushed batches carry the peer's own
// current_latency and a recently_missed flag; the latency lands in the
// peers window, and a missed delivery bumps current_latency by one second
// immediately (under the same headroom rule).
//
// Consumers do not get callbacks: the batch builder and the response
// publisher re-read the cadence when their timers fire, so a change takes
// effect at the next firing.

package congestion

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quorumcast/quorumcast/internal/config"
)

// RSI bands and weights of the two monitors.
const (
	increaseWindow = 14
	decreaseWindow = 21
	rsiHot         = 70.0
	rsiCold        = 30.0
	weightOurs     = 0.6
	weightPeers    = 0.4
	minSamples     = 45
)

// Controller owns the two cadences and the latency windows.
type Controller struct {
	mu sync.Mutex

	ours  *Window
	peers *Window

	currentLatency float64 // seconds between batch builder flushes
	publishFreq    float64 // seconds between response flushes

	targetLatency  float64
	minimumLatency float64
	maxPublishFreq float64
	gossipTimeout  float64

	increaseInterval time.Duration
	decreaseInterval time.Duration

	paused bool
	rng    *rand.Rand
	log    *zap.Logger
}

// New creates a Controller seeded from config.
func New(cfg config.CongestionConfig, gossipTimeout time.Duration, log *zap.Logger) *Controller {
	return &Controller{
		ours:             NewWindow(),
		peers:            NewWindow(),
		currentLatency:   cfg.InitialLatency.Seconds(),
		publishFreq:      cfg.InitialPublishFrequency.Seconds(),
		targetLatency:    cfg.TargetLatency.Seconds(),
		minimumLatency:   cfg.MinimumLatency.Seconds(),
		maxPublishFreq:   cfg.MaxPublishFrequency.Seconds(),
		gossipTimeout:    gossipTimeout.Seconds(),
		increaseInterval: cfg.IncreaseInterval,
		decreaseInterval: cfg.DecreaseInterval,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
		log:              log,
	}
}

// Run starts the two monitor loops. They exit when ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	go c.increaseLoop(ctx)
	go c.decreaseLoop(ctx)
}

func (c *Controller) increaseLoop(ctx context.Context) {
	timer := time.NewTimer(c.nextIncreaseInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.IncreaseOnce()
			timer.Reset(c.nextIncreaseInterval())
		}
	}
}

func (c *Controller) decreaseLoop(ctx context.Context) {
	ticker := time.NewTicker(c.decreaseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.DecreaseOnce()
		}
	}
}

// nextIncreaseInterval adds the 0.1–2.5s jitter.
func (c *Controller) nextIncreaseInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	jitter := 0.1 + c.rng.Float64()*2.4
	return c.increaseInterval + time.Duration(jitter*float64(time.Second))
}

// RecordOurLatency appends a locally measured per-batch latency (seconds).
func (c *Controller) RecordOurLatency(seconds float64) {
	c.ours.Append(seconds)
}

// RecordPeerLatency appends a latency a peer reported in its router reply.
func (c *Controller) RecordPeerLatency(seconds float64) {
	c.peers.Append(seconds)
}

// PeerMissedDelivery reacts to a recently_missed flag from a peer: bump
// current_latency by one second immediately if headroom remains.
func (c *Controller) PeerMissedDelivery() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	if c.hasHeadroom(c.currentLatency + 1) {
		c.currentLatency++
		c.log.Info("peer missed delivery, backing off",
			zap.Float64("current_latency", c.currentLatency))
	}
}

// CurrentLatency returns the batch builder cadence in seconds.
func (c *Controller) CurrentLatency() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLatency
}

// LatencyInterval returns the batch builder cadence as a duration.
func (c *Controller) LatencyInterval() time.Duration {
	return time.Duration(c.CurrentLatency() * float64(time.Second))
}

// PublishInterval returns the response flush cadence as a duration.
func (c *Controller) PublishInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.publishFreq * float64(time.Second))
}

// Pause freezes both monitors; samples still accumulate.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume reactivates the monitors.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

// hasHeadroom checks a candidate cadence against the broadcast waits:
// twice the cadence must stay under 85% of the gossip timeout.
func (c *Controller) hasHeadroom(candidate float64) bool {
	return 2*candidate < 0.85*c.gossipTimeout
}

// IncreaseOnce runs one pass of the increase monitor.
func (c *Controller) IncreaseOnce() {
	ours := c.ours.Values()
	peers := c.peers.Values()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || len(ours) == 0 || len(peers) == 0 {
		return
	}

	ourSmooth := SavitzkyGolay(ours, increaseWindow)
	peerSmooth := SavitzkyGolay(peers, increaseWindow)
	weighted := weightOurs*ourSmooth[len(ourSmooth)-1] + weightPeers*peerSmooth[len(peerSmooth)-1]

	// Fast-forward: the observed latency sits at or below half the cadence, so
	// the cadence can double in one step instead of creeping.
	if weighted <= 0.5*c.currentLatency && c.hasHeadroom(c.currentLatency) {
		c.currentLatency *= 2
		c.log.Info("congestion fast-forward",
			zap.Float64("current_latency", c.currentLatency),
			zap.Float64("weighted", weighted))
		return
	}

	ourRSI := RSI(ourSmooth, increaseWindow)
	peerRSI := RSI(peerSmooth, increaseWindow)
	if ourRSI > rsiHot && peerRSI > rsiHot && weighted >= c.targetLatency {
		factor := 1.01 + c.rng.Float64()*0.09
		if !c.hasHeadroom(c.currentLatency * factor) {
			return
		}
		c.currentLatency *= factor
		c.publishFreq *= factor
		if c.publishFreq > c.maxPublishFreq {
			c.publishFreq = c.maxPublishFreq
		}
		c.log.Info("congestion increase",
			zap.Float64("factor", factor),
			zap.Float64("current_latency", c.currentLatency),
			zap.Float64("publish_frequency", c.publishFreq),
			zap.Float64("our_rsi", ourRSI),
			zap.Float64("peer_rsi", peerRSI))
	}
}

// DecreaseOnce runs one pass of the decrease monitor.
func (c *Controller) DecreaseOnce() {
	ours := c.ours.Values()
	peers := c.peers.Values()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || len(ours) < minSamples || len(peers) < minSamples {
		return
	}

	ourSmooth := SavitzkyGolay(ours, decreaseWindow)
	peerSmooth := SavitzkyGolay(peers, decreaseWindow)
	ourRSI := RSI(ourSmooth, decreaseWindow)
	peerRSI := RSI(peerSmooth, decreaseWindow)

	if ourRSI < rsiCold && peerRSI < rsiCold && peerRSI > 0 {
		factor := 0.90 + c.rng.Float64()*0.09
		if next := c.currentLatency * factor; next >= c.minimumLatency {
			c.currentLatency = next
		}
		if next := c.publishFreq * factor; next >= c.minimumLatency {
			c.publishFreq = next
		}
		c.log.Info("congestion decrease",
			zap.Float64("factor", factor),
			zap.Float64("current_latency", c.currentLatency),
			zap.Float64("publish_frequency", c.publishFreq),
			zap.Float64("our_rsi", ourRSI),
			zap.Float64("peer_rsi", peerRSI))
	}
}
