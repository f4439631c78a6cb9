// Package transport owns the three ZeroMQ faces of a node and the peer
// registry behind them:
//
//   - one ROUTER socket (router_bind) answering signed request/response
//     traffic from peers,
//   - one PUB socket (publisher_bind) fanning out batched echo/ready
//     responses,
//   - one shared SUB socket connected to every known peer's publisher,
//     with topic filters added and removed as batches come and go.
//
// Per-peer requests travel on a lazily dialed REQ channel. Each channel is
// serialized by its own mutex held across the write and the read, so a
// channel never interleaves two requests and a reply is always attributed
// to the request that produced it.
//
// ZeroMQ sockets are not thread safe. Ownership rules here: the ROUTER
// socket is touched only by the router goroutine; the SUB socket only by
// the subscriber goroutine (connects and filter changes arrive over a
// command channel); the PUB socket is guarded by a mutex; each REQ socket
// by its channel mutex.

package transport

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// PeerRecord holds a known peer's key material and endpoints.
// Created on first PeerDiscovery receipt; never mutated.
type PeerRecord struct {
	NodeID           string
	ECDSAPublicKey   [2]string
	BLSPublicKey     string
	RouterAddress    string
	PublisherAddress string
}

// Registry maps NodeID to peer records and request channels.
type Registry struct {
	mu       sync.RWMutex
	peers    map[string]*PeerRecord
	channels map[string]*peerChannel
	log      *zap.Logger
}

// NewRegistry creates an empty peer registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		peers:    make(map[string]*PeerRecord),
		channels: make(map[string]*peerChannel),
		log:      log,
	}
}

// Add installs a peer record and creates its request channel, which is
// dialed later (DialPeer or the first request). Re-adding an
// existing NodeID is a no-op: records are immutable once learned.
func (r *Registry) Add(rec *PeerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[rec.NodeID]; ok {
		return
	}
	r.peers[rec.NodeID] = rec
	r.channels[rec.NodeID] = newPeerChannel(rec.RouterAddress)
	r.log.Info("peer added",
		zap.String("peer", rec.NodeID),
		zap.String("router", rec.RouterAddress),
		zap.String("publisher", rec.PublisherAddress))
}

// Get returns the record for a NodeID, or nil if unknown.
func (r *Registry) Get(nodeID string) *PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[nodeID]
}

// channel returns the request channel for a NodeID.
func (r *Registry) channel(nodeID string) (*peerChannel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[nodeID]
	if !ok {
		return nil, fmt.Errorf("transport: unknown peer %q", nodeID)
	}
	return ch, nil
}

// NodeIDs returns the known peer ids in stable (sorted-insertion) order.
// The broadcast sampler depends on a stable iteration order, so the ids
// are sorted before returning.
func (r *Registry) NodeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PeerCount returns the number of known peers. Launchers poll this to wait
// for the bootstrap roster to complete.
func (r *Registry) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// ChannelCount returns the number of dialed peer channels.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ch := range r.channels {
		if ch.dialed() {
			n++
		}
	}
	return n
}

// closeAll closes every peer channel.
func (r *Registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.channels {
		ch.close()
	}
}
