// Package broadcast drives the per-batch Echo/Ready/Deliver state machine
// and the relay role for batches originated elsewhere.
//
// Gossip algorithm per batch (origin or relay):
//
//  1. Draw the echo sample, subscribe to the batch topic, send each member
//     a signed EchoSubscribe.
//  2. Draw the ready sample, send each member a signed ReadySubscribe.
//  3. Originators bump their own vector clock entry.
//  4. Unless the feedback threshold is already met, push the full signed
//     batch to every echo-sample peer that has not advertised it as
//     already received.
//  5. Echo wait: poll every 250ms, up to the gossip timeout, for
//     ready_threshold echo replies from the echo sample. Success publishes
//     our ReadyResponse; timeout is an echo failure.
//  6. Ready wait: poll every 100ms for delivery_threshold ready replies
//     from the ready sample. Success delivers the batch into the
//     sequencer; timeout is a ready failure. Skipped if echo failed.
//  7. The summed wait time is this batch's locally observed latency.
//  8. Unsubscribe from the batch topic (publisher connections stay open).
//
// Either failure flags recently_missed_delivery for every peer; the flag
// is reported once, inside the CongestionUpdate reply to the next batch
// push from that peer, then cleared.
//
// Shared state (received batches, per-batch reply sets, the missed-
// delivery flags, the pending response queue) is guarded by one engine
// mutex — the preemptive-scheduling stand-in for the original's
// cooperative event loop.

package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quorumcast/quorumcast/internal/config"
	"github.com/quorumcast/quorumcast/internal/congestion"
	"github.com/quorumcast/quorumcast/internal/identity"
	"github.com/quorumcast/quorumcast/internal/message"
	"github.com/quorumcast/quorumcast/internal/observability"
	"github.com/quorumcast/quorumcast/internal/sequencer"
	"github.com/quorumcast/quorumcast/internal/transport"
)

// Poll cadences of the two waits.
const (
	echoPollInterval  = 250 * time.Millisecond
	readyPollInterval = 100 * time.Millisecond
)

// DeliveryLedger receives delivered batches for optional persistence.
type DeliveryLedger interface {
	AppendDelivery(e sequencer.Entry) error
}

// Engine runs the broadcast state machine over the transport.
type Engine struct {
	cfg     config.AT2Configuration
	id      *identity.Identity
	tp      Network
	sampler *Sampler
	clock   *sequencer.VectorClock
	log     *zap.Logger
	metrics *observability.Metrics
	ctrl    *congestion.Controller

	// Delivered is the ordered delivery log shared with the launcher.
	Delivered *sequencer.DeliveredLog

	// ledger optionally mirrors deliveries to persistent storage.
	ledger DeliveryLedger

	ctx context.Context

	mu             sync.Mutex
	received       map[string]*message.SignedBatch
	states         map[string]*batchState
	receivedDirect map[string]message.DirectMessage
	recentlyMissed map[string]bool
	pending        []queuedResponse
}

// New creates an Engine. ledger may be nil.
func New(
	cfg config.AT2Configuration,
	id *identity.Identity,
	tp Network,
	sampler *Sampler,
	clock *sequencer.VectorClock,
	delivered *sequencer.DeliveredLog,
	ctrl *congestion.Controller,
	metrics *observability.Metrics,
	ledger DeliveryLedger,
	log *zap.Logger,
) *Engine {
	return &Engine{
		ctx:            context.Background(),
		cfg:            cfg,
		id:             id,
		tp:             tp,
		sampler:        sampler,
		clock:          clock,
		Delivered:      delivered,
		ctrl:           ctrl,
		metrics:        metrics,
		ledger:         ledger,
		log:            log,
		received:       make(map[string]*message.SignedBatch),
		states:         make(map[string]*batchState),
		receivedDirect: make(map[string]message.DirectMessage),
		recentlyMissed: make(map[string]bool),
	}
}

// Start installs the transport handlers and launches the response flush
// loop. Must be called before Transport.Start.
func (e *Engine) Start(ctx context.Context) {
	e.ctx = ctx
	e.tp.OnRequest(e.handleRequest)
	e.tp.OnResponse(e.handleResponse)
	go e.flushLoop(ctx)
}

// Discover sends a PeerDiscovery to every bootstrap router endpoint.
func (e *Engine) Discover(bootstrapRouters []string, publisherBind, routerBind string) {
	pd := message.PeerDiscovery{
		MessageType:      message.TypePeerDiscovery,
		BLSPublicKey:     e.id.BLSPublicBase64(),
		ECDSAPublicKey:   e.id.ECDSAPoint(),
		RouterAddress:    routerBind,
		PublisherAddress: publisherBind,
	}
	body, err := json.Marshal(pd)
	if err != nil {
		e.log.Error("peer discovery encode failed", zap.Error(err))
		return
	}
	for _, addr := range bootstrapRouters {
		go func(addr string) {
			if err := e.tp.SendUnsigned(addr, body); err != nil {
				e.log.Warn("peer discovery send failed",
					zap.String("addr", addr), zap.Error(err))
			}
		}(addr)
	}
}

// Originate broadcasts a locally created signed batch.
func (e *Engine) Originate(sb *message.SignedBatch) {
	k := sb.Batch.Key()
	e.mu.Lock()
	e.received[k] = sb
	e.ensureStateLocked(k)
	e.mu.Unlock()

	e.metrics.BatchesOriginatedTotal.Inc()
	e.log.Info("originating batch",
		zap.String("batch", k),
		zap.Int("gossips", len(sb.Batch.Messages)))
	go e.runGossip(sb, true)
}

// SendDirect sends an unsigned DirectMessage to a known peer's router.
func (e *Engine) SendDirect(nodeID string, dm message.DirectMessage) error {
	body, err := json.Marshal(dm)
	if err != nil {
		return fmt.Errorf("broadcast: encode direct message: %w", err)
	}
	_, err = e.tp.SendToPeer(nodeID, [][]byte{body})
	return err
}

// ReceivedDirect reports whether a direct message with the given hash has
// arrived.
func (e *Engine) ReceivedDirect(hash string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.receivedDirect[hash]
	return ok
}

// ─── Router dispatch ──────────────────────────────────────────────────────────

func (e *Engine) handleRequest(body []byte, extra [][]byte) [][]byte {
	mt, err := message.Probe(body)
	if err != nil {
		e.log.Warn("undecodable router body", zap.Error(err))
		return reply(message.ReplyOK)
	}
	e.metrics.RouterRequestsTotal.WithLabelValues(mt).Inc()

	switch mt {
	case message.TypeDirectMessage:
		return e.handleDirect(body)
	case message.TypePeerDiscovery:
		return e.handleDiscovery(body)
	case message.TypeEchoSubscribe, message.TypeReadySubscribe:
		return e.handleSubscribe(mt, body, signatureFrames(extra))
	case message.TypeBatchedMessage:
		return e.handleBatch(body, signatureFrames(extra))
	default:
		e.log.Warn("unknown message type on router", zap.String("message_type", mt))
		return reply(message.ReplyOK)
	}
}

func (e *Engine) handleDirect(body []byte) [][]byte {
	var dm message.DirectMessage
	if err := json.Unmarshal(body, &dm); err != nil {
		e.log.Warn("malformed direct message", zap.Error(err))
		return reply(message.ReplyOK)
	}
	e.mu.Lock()
	e.receivedDirect[dm.Hash()] = dm
	e.mu.Unlock()
	e.log.Debug("direct message received", zap.String("sender", dm.Sender))
	return reply(message.ReplyOK)
}

func (e *Engine) handleDiscovery(body []byte) [][]byte {
	var pd message.PeerDiscovery
	if err := json.Unmarshal(body, &pd); err != nil {
		e.log.Warn("malformed peer discovery", zap.Error(err))
		return reply(message.ReplyOK)
	}
	nodeID, err := identity.NodeIDFromStrings(pd.ECDSAPublicKey)
	if err != nil {
		e.log.Warn("peer discovery with bad key", zap.Error(err))
		return reply(message.ReplyOK)
	}
	e.tp.Peers().Add(&transport.PeerRecord{
		NodeID:           nodeID,
		ECDSAPublicKey:   pd.ECDSAPublicKey,
		BLSPublicKey:     pd.BLSPublicKey,
		RouterAddress:    pd.RouterAddress,
		PublisherAddress: pd.PublisherAddress,
	})
	e.tp.DialPeer(nodeID)
	e.tp.ConnectPublisher(pd.PublisherAddress)
	e.metrics.PeersKnown.Set(float64(e.tp.Peers().PeerCount()))
	return reply(message.ReplyOK)
}

func (e *Engine) handleSubscribe(mt string, body []byte, sigs [][]byte) [][]byte {
	var echo message.Echo
	if err := json.Unmarshal(body, &echo); err != nil {
		e.log.Warn("malformed subscribe", zap.Error(err))
		return reply(message.ReplyOK)
	}
	if len(sigs) < 1 || !message.VerifyEcho(&echo, string(sigs[0])) {
		e.metrics.InvalidSignaturesTotal.WithLabelValues("echo").Inc()
		e.log.Warn("subscribe signature invalid",
			zap.String("message_type", mt),
			zap.String("batch", echo.BatchedMessagesHash))
		return reply(message.ReplyOK)
	}

	k := echo.BatchedMessagesHash
	e.mu.Lock()
	_, held := e.received[k]
	st := e.ensureStateLocked(k)
	// The feedback gate counts every verified ready reply, not just the
	// local sample's: a late subscriber wants to know the swarm is ready.
	feedbackMet := len(st.readyReplies) >= e.cfg.FeedbackThreshold
	e.mu.Unlock()

	switch mt {
	case message.TypeEchoSubscribe:
		if held {
			e.queueResponse(message.TypeEchoResponse, k)
		}
	case message.TypeReadySubscribe:
		if feedbackMet {
			e.queueResponse(message.TypeReadyResponse, k)
		}
	}

	if held {
		return reply(message.ReplyAlreadyReceived)
	}
	return reply(message.ReplyOK)
}

func (e *Engine) handleBatch(body []byte, sigs [][]byte) [][]byte {
	var b message.BatchedMessage
	if err := json.Unmarshal(body, &b); err != nil {
		e.log.Warn("malformed batch", zap.Error(err))
		return reply(message.ReplyOK)
	}
	if len(sigs) < 2 {
		e.log.Warn("batch missing signature frames", zap.Int("got", len(sigs)))
		return reply(message.ReplyOK)
	}
	sb := &message.SignedBatch{
		Batch:      b,
		CreatorSig: string(sigs[0]),
		SenderSig:  string(sigs[1]),
	}
	k := b.Key()

	e.mu.Lock()
	_, dup := e.received[k]
	e.mu.Unlock()
	if dup {
		e.metrics.DuplicateBatchesTotal.Inc()
		return reply(message.ReplyAlreadyReceived)
	}

	if err := sb.Verify(); err != nil {
		e.metrics.InvalidSignaturesTotal.WithLabelValues("batch").Inc()
		e.log.Warn("batch verification failed",
			zap.String("batch", k), zap.Error(err))
		return reply(message.ReplyOK)
	}

	creatorID, err := b.CreatorNodeID()
	if err != nil {
		e.log.Warn("batch with bad creator key", zap.Error(err))
		return reply(message.ReplyOK)
	}

	e.mu.Lock()
	if _, raced := e.received[k]; raced {
		e.mu.Unlock()
		e.metrics.DuplicateBatchesTotal.Inc()
		return reply(message.ReplyAlreadyReceived)
	}
	e.received[k] = sb
	e.ensureStateLocked(k)
	e.mu.Unlock()

	e.clock.Increment(creatorID)
	e.queueResponse(message.TypeEchoResponse, k)

	relay, err := sb.WithSender(e.id)
	if err != nil {
		e.log.Error("relay derivation failed", zap.String("batch", k), zap.Error(err))
	} else {
		e.metrics.BatchesRelayedTotal.Inc()
		go e.runGossip(relay, false)
	}

	senderID, _ := identity.NodeIDFromStrings(b.SenderECDSA)
	update := message.CongestionUpdate{
		Status:         message.TypeCongestionUpdate,
		CurrentLatency: e.ctrl.CurrentLatency(),
		RecentlyMissed: e.takeRecentlyMissed(senderID),
	}
	out, err := json.Marshal(update)
	if err != nil {
		return reply(message.ReplyOK)
	}
	return [][]byte{out}
}

// ─── Subscriber dispatch ──────────────────────────────────────────────────────

func (e *Engine) handleResponse(topic string, body []byte, sig string) {
	mt, err := message.Probe(body)
	if err != nil {
		e.log.Warn("undecodable response body", zap.Error(err))
		return
	}
	if mt != message.TypeEchoResponse && mt != message.TypeReadyResponse {
		return
	}
	var r message.Response
	if err := json.Unmarshal(body, &r); err != nil {
		e.log.Warn("malformed response", zap.Error(err))
		return
	}
	if !message.VerifyResponse(&r, sig) {
		e.metrics.InvalidSignaturesTotal.WithLabelValues("response").Inc()
		e.log.Warn("response signature invalid", zap.String("topic", r.Topic))
		return
	}
	nodeID, err := identity.NodeIDFromStrings(r.Creator)
	if err != nil {
		return
	}

	e.mu.Lock()
	st := e.ensureStateLocked(r.Topic)
	switch mt {
	case message.TypeEchoResponse:
		st.echoReplies[nodeID] = true
	case message.TypeReadyResponse:
		st.readyReplies[nodeID] = true
	}
	e.mu.Unlock()
}

// ─── Gossip algorithm ─────────────────────────────────────────────────────────

func (e *Engine) runGossip(sb *message.SignedBatch, origin bool) {
	k := sb.Batch.Key()
	ids := e.tp.Peers().NodeIDs()

	// Steps 1–2: draw samples, subscribe to the batch topic, and send the
	// signed subscription requests. The subscriber connection to each
	// peer's publisher is shared; only the topic filter is added here.
	echoSample := e.sampler.Select(ids, e.cfg.EchoSampleSize)
	readySample := e.sampler.Select(ids, e.cfg.ReadySampleSize)

	e.mu.Lock()
	st := e.ensureStateLocked(k)
	for _, id := range echoSample {
		st.echoSample[id] = true
	}
	for _, id := range readySample {
		st.readySample[id] = true
	}
	e.mu.Unlock()

	e.tp.Subscribe(k)

	e.sendSubscriptions(message.TypeEchoSubscribe, k, echoSample)
	e.sendSubscriptions(message.TypeReadySubscribe, k, readySample)

	// Step 3: only the originator advances its own clock entry.
	if origin {
		e.clock.Increment(e.id.NodeID)
	}

	// Step 4: push the batch unless the ready phase is already fed.
	if e.readyCount(k) < e.cfg.FeedbackThreshold {
		e.pushBatch(k, sb, echoSample)
	}

	// Step 5: echo wait.
	echoStart := time.Now()
	echoOK := e.pollUntil(echoPollInterval, func() bool {
		return e.echoCount(k) >= e.cfg.ReadyThreshold
	})
	retryEcho := time.Since(echoStart).Seconds()
	e.metrics.EchoWaitSeconds.Observe(retryEcho)

	var retryReady float64
	if echoOK {
		e.queueResponse(message.TypeReadyResponse, k)

		// Step 6: ready wait.
		readyStart := time.Now()
		readyOK := e.pollUntil(readyPollInterval, func() bool {
			return e.readyCount(k) >= e.cfg.DeliveryThreshold
		})
		retryReady = time.Since(readyStart).Seconds()
		e.metrics.ReadyWaitSeconds.Observe(retryReady)

		if readyOK {
			e.deliver(sb, k, retryEcho+retryReady)
		} else {
			e.metrics.BroadcastFailuresTotal.WithLabelValues("ready").Inc()
			e.log.Warn("ready threshold not met", zap.String("batch", k))
			e.markAllMissed()
		}
	} else {
		e.metrics.BroadcastFailuresTotal.WithLabelValues("echo").Inc()
		e.log.Warn("echo threshold not met", zap.String("batch", k))
		e.markAllMissed()
	}

	// Step 7: the summed wait is our observed latency for this batch.
	e.ctrl.RecordOurLatency(retryEcho + retryReady)

	// Step 8.
	e.tp.Unsubscribe(k)
}

func (e *Engine) sendSubscriptions(mt, k string, sample []string) {
	echo, sig, err := message.NewEcho(e.id, mt, k)
	if err != nil {
		e.log.Error("subscription signing failed", zap.Error(err))
		return
	}
	body, err := json.Marshal(echo)
	if err != nil {
		e.log.Error("subscription encode failed", zap.Error(err))
		return
	}
	frames := [][]byte{body, {}, []byte(sig)}

	for _, peer := range sample {
		go func(peer string) {
			resp, err := e.tp.SendToPeer(peer, frames)
			if err != nil {
				e.log.Warn("subscription send failed",
					zap.String("peer", peer),
					zap.String("batch", k),
					zap.Error(err))
				return
			}
			if string(resp) == message.ReplyAlreadyReceived {
				e.mu.Lock()
				e.ensureStateLocked(k).alreadyReceived[peer] = true
				e.mu.Unlock()
			}
		}(peer)
	}
}

func (e *Engine) pushBatch(k string, sb *message.SignedBatch, sample []string) {
	body, err := json.Marshal(sb.Batch)
	if err != nil {
		e.log.Error("batch encode failed", zap.Error(err))
		return
	}
	frames := [][]byte{body, {}, []byte(sb.CreatorSig), {}, []byte(sb.SenderSig)}

	e.mu.Lock()
	st := e.ensureStateLocked(k)
	targets := make([]string, 0, len(sample))
	for _, peer := range sample {
		if !st.alreadyReceived[peer] {
			targets = append(targets, peer)
		}
	}
	e.mu.Unlock()

	for _, peer := range targets {
		go func(peer string) {
			resp, err := e.tp.SendToPeer(peer, frames)
			if err != nil {
				e.log.Warn("batch push failed",
					zap.String("peer", peer),
					zap.String("batch", k),
					zap.Error(err))
				return
			}
			e.recordPushReply(k, peer, resp)
		}(peer)
	}
}

// recordPushReply interprets a router reply to a batch push: either the
// peer already held the batch, or it reported its congestion state.
func (e *Engine) recordPushReply(k, peer string, resp []byte) {
	if string(resp) == message.ReplyAlreadyReceived {
		e.mu.Lock()
		e.ensureStateLocked(k).alreadyReceived[peer] = true
		e.mu.Unlock()
		return
	}
	var update message.CongestionUpdate
	if err := json.Unmarshal(resp, &update); err != nil || update.Status != message.TypeCongestionUpdate {
		return
	}
	e.ctrl.RecordPeerLatency(update.CurrentLatency)
	if update.RecentlyMissed {
		e.ctrl.PeerMissedDelivery()
	}
}

// deliver appends the batch to the delivered log and the optional ledger.
func (e *Engine) deliver(sb *message.SignedBatch, k string, latency float64) {
	entry := sequencer.Entry{
		Values:      sequencer.ValuesFromBatch(sb.Batch.VectorClock),
		BatchKey:    k,
		Latency:     latency,
		DeliveredAt: time.Now(),
	}
	if !e.Delivered.Insert(entry) {
		return
	}
	e.metrics.BatchesDeliveredTotal.Inc()
	e.metrics.DeliveredLogSize.Set(float64(e.Delivered.Len()))
	if e.ledger != nil {
		if err := e.ledger.AppendDelivery(entry); err != nil {
			e.log.Warn("delivery ledger append failed", zap.Error(err))
		}
	}
	e.log.Info("batch delivered",
		zap.String("batch", k),
		zap.Float64("latency_seconds", latency))
}

// pollUntil polls cond at the given cadence until it holds or the gossip
// timeout (or shutdown) cuts the wait short.
func (e *Engine) pollUntil(interval time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(e.cfg.MaxGossipTimeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ticker.C:
		case <-e.ctx.Done():
			return false
		}
	}
}

// ─── Shared-state helpers ─────────────────────────────────────────────────────

// ensureStateLocked returns the batch state, creating it on first touch.
// Caller holds e.mu.
func (e *Engine) ensureStateLocked(k string) *batchState {
	st, ok := e.states[k]
	if !ok {
		st = newBatchState()
		e.states[k] = st
	}
	return st
}

func (e *Engine) echoCount(k string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.ensureStateLocked(k)
	return intersection(st.echoSample, st.echoReplies)
}

func (e *Engine) readyCount(k string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.ensureStateLocked(k)
	return intersection(st.readySample, st.readyReplies)
}

// markAllMissed flags every known peer after a broadcast failure.
func (e *Engine) markAllMissed() {
	ids := e.tp.Peers().NodeIDs()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		e.recentlyMissed[id] = true
	}
}

// takeRecentlyMissed reads and clears the missed flag for a peer.
func (e *Engine) takeRecentlyMissed(nodeID string) bool {
	if nodeID == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	missed := e.recentlyMissed[nodeID]
	delete(e.recentlyMissed, nodeID)
	return missed
}

// ─── Response fan-out ─────────────────────────────────────────────────────────

// queueResponse signs a response and queues it for the next publisher
// flush.
func (e *Engine) queueResponse(mt, topic string) {
	r, sig, err := message.NewResponse(e.id, mt, topic)
	if err != nil {
		e.log.Error("response signing failed", zap.Error(err))
		return
	}
	body, err := json.Marshal(r)
	if err != nil {
		e.log.Error("response encode failed", zap.Error(err))
		return
	}
	e.mu.Lock()
	e.pending = append(e.pending, queuedResponse{topic: topic, body: string(body), sig: sig})
	e.mu.Unlock()
	e.metrics.ResponsesPublishedTotal.WithLabelValues(mt).Inc()
}

// flushLoop drains the pending responses on the publish cadence. The
// interval is re-read from the congestion controller after every firing,
// so cadence changes take effect at the next flush.
func (e *Engine) flushLoop(ctx context.Context) {
	timer := time.NewTimer(e.ctrl.PublishInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.FlushPending()
			e.metrics.CurrentLatencySeconds.Set(e.ctrl.CurrentLatency())
			e.metrics.PublishFrequencySeconds.Set(e.ctrl.PublishInterval().Seconds())
			timer.Reset(e.ctrl.PublishInterval())
		}
	}
}

// FlushPending writes every queued response as one publisher flush.
func (e *Engine) FlushPending() {
	e.mu.Lock()
	queued := e.pending
	e.pending = nil
	e.mu.Unlock()
	if len(queued) == 0 {
		return
	}

	topics := make([]string, len(queued))
	bodies := make([]string, len(queued))
	sigs := make([]string, len(queued))
	for i, q := range queued {
		topics[i] = q.topic
		bodies[i] = q.body
		sigs[i] = q.sig
	}
	if err := e.tp.PublishFlush(topics, bodies, sigs); err != nil {
		e.log.Warn("response flush failed", zap.Error(err))
	}
}

func reply(s string) [][]byte {
	return [][]byte{[]byte(s)}
}

// signatureFrames drops the empty delimiter frames that interleave the
// signature frames after the body.
func signatureFrames(extra [][]byte) [][]byte {
	out := make([][]byte, 0, len(extra))
	for _, f := range extra {
		if len(f) > 0 {
			out = append(out, f)
		}
	}
	return out
}
