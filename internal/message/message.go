// Package message defines the wire vocabulary of the quorumcast overlay and
// the cryptographic envelope around batches.
//
// Every body on the wire is UTF-8 JSON with a message_type discriminator.
// Decoding is a tagged sum over that string: the router and subscriber probe
// message_type first and then decode into the concrete record.
//
// Canonical JSON: field order is the declaration order of each struct below
// (Go's encoding/json preserves it), integers are bare decimals, ECDSA
// public keys serialize as [x, y] decimal strings, BLS material as std
// base64. Vector clock entries serialize as [node_id, counter] pairs. This
// canonical form is load-bearing: batch keys and every signature are
// computed over it, so two nodes that disagree on a single byte disagree on
// the batch identity.
//
// The signable portions of a batch (§ envelope):
//
//	creator bytes = message_type ‖ creator_bls ‖ cx ‖ cy ‖ agg_sig ‖ merkle_root
//	sender bytes  = message_type ‖ creator_bls ‖ cx ‖ cy ‖ sx ‖ sy ‖ agg_sig ‖ merkle_root
//
// The creator portion never changes after creation. Relaying re-stamps only
// the sender key and the sender signature (WithSender), so the batch key —
// a 64-bit FNV-1a hash of the creator bytes — is stable across relays and
// doubles as the pub/sub topic for echo and ready responses.

package message

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/herumi/bls-eth-go-binary/bls"

	"github.com/quorumcast/quorumcast/internal/identity"
)

// Message type discriminators.
const (
	TypeGossip           = "Gossip"
	TypeDirectMessage    = "DirectMessage"
	TypePeerDiscovery    = "PeerDiscovery"
	TypeBatchedMessage   = "BatchedMessage"
	TypeEchoSubscribe    = "EchoSubscribe"
	TypeReadySubscribe   = "ReadySubscribe"
	TypeEchoResponse     = "EchoResponse"
	TypeReadyResponse    = "ReadyResponse"
	TypeCongestionUpdate = "CongestionUpdate"
)

// Router reply payloads that are not JSON objects.
const (
	ReplyOK              = "OK"
	ReplyAlreadyReceived = "ALREADY_RECEIVED"
)

// Gossip is an opaque application record. The core never interprets it
// beyond canonical encoding and hashing.
type Gossip struct {
	MessageType string `json:"message_type"`
	Timestamp   int64  `json:"timestamp"`
}

// Canonical returns the canonical JSON encoding of the gossip.
func (g Gossip) Canonical() []byte {
	raw, err := json.Marshal(g)
	if err != nil {
		// A Gossip has no unmarshalable fields; this cannot fail.
		panic(fmt.Sprintf("message: gossip canonical: %v", err))
	}
	return raw
}

// DirectMessage is an unsigned point-to-point application message.
type DirectMessage struct {
	MessageType string `json:"message_type"`
	Sender      string `json:"sender"`
	Message     string `json:"message"`
}

// Hash returns the stable decimal hash of the message's canonical JSON,
// used as the key in the received-messages inbox.
func (d DirectMessage) Hash() string {
	raw, _ := json.Marshal(d)
	return decimalHash(raw)
}

// PeerDiscovery announces a node's key material and endpoints during the
// bootstrap exchange.
type PeerDiscovery struct {
	MessageType      string    `json:"message_type"`
	BLSPublicKey     string    `json:"bls_public_key"`
	ECDSAPublicKey   [2]string `json:"ecdsa_public_key"`
	RouterAddress    string    `json:"router_address"`
	PublisherAddress string    `json:"publisher_address"`
}

// VCEntry is one (node_id, counter) pair of a batch's vector clock.
// Serialized as a two-element JSON array to match the wire shape
// [[node_id, counter], …].
type VCEntry struct {
	NodeID  string
	Counter uint64
}

// MarshalJSON encodes the entry as [node_id, counter].
func (e VCEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.NodeID, e.Counter})
}

// UnmarshalJSON decodes a [node_id, counter] pair.
func (e *VCEntry) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("message: vector clock entry: %w", err)
	}
	if err := json.Unmarshal(pair[0], &e.NodeID); err != nil {
		return fmt.Errorf("message: vector clock node id: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Counter); err != nil {
		return fmt.Errorf("message: vector clock counter: %w", err)
	}
	return nil
}

// BatchedMessage is the broadcast unit: an ordered tuple of gossips under a
// BLS aggregate, a merkle commitment, and the creator's vector clock
// snapshot. creator_* identifies the originator; sender_* the last relayer.
type BatchedMessage struct {
	MessageType            string    `json:"message_type"`
	CreatorBLS             string    `json:"creator_bls"`
	CreatorECDSA           [2]string `json:"creator_ecdsa"`
	SenderECDSA            [2]string `json:"sender_ecdsa"`
	Messages               []Gossip  `json:"messages"`
	AggregatedBLSSignature string    `json:"aggregated_bls_signature"`
	MerkleRoot             string    `json:"merkle_root"`
	VectorClock            []VCEntry `json:"vector_clock"`
}

// CreatorBytes returns the creator-signed portion of the envelope.
func (b *BatchedMessage) CreatorBytes() []byte {
	s := b.MessageType + b.CreatorBLS +
		b.CreatorECDSA[0] + b.CreatorECDSA[1] +
		b.AggregatedBLSSignature + b.MerkleRoot
	return []byte(s)
}

// SenderBytes returns the sender-signed portion: the creator portion with
// the sender key inserted directly after the creator ECDSA fields.
func (b *BatchedMessage) SenderBytes() []byte {
	s := b.MessageType + b.CreatorBLS +
		b.CreatorECDSA[0] + b.CreatorECDSA[1] +
		b.SenderECDSA[0] + b.SenderECDSA[1] +
		b.AggregatedBLSSignature + b.MerkleRoot
	return []byte(s)
}

// Key returns the BatchKey: the decimal 64-bit FNV-1a hash of the creator
// bytes. Stable across relays; used as the response topic.
func (b *BatchedMessage) Key() string {
	return decimalHash(b.CreatorBytes())
}

// CreatorNodeID derives the originator's NodeID from the creator ECDSA key.
func (b *BatchedMessage) CreatorNodeID() (string, error) {
	return identity.NodeIDFromStrings(b.CreatorECDSA)
}

// Echo is a subscription request for a batch's echo or ready responses.
// batched_messages_hash names the BatchKey; creator is the *requester's*
// ECDSA public key, which also signs the canonical bytes.
type Echo struct {
	MessageType         string    `json:"message_type"`
	BatchedMessagesHash string    `json:"batched_messages_hash"`
	Creator             [2]string `json:"creator"`
}

// CanonicalBytes returns the signable byte string of the subscription.
func (e *Echo) CanonicalBytes() []byte {
	return []byte(e.MessageType + e.BatchedMessagesHash + e.Creator[0] + e.Creator[1])
}

// Response is a published echo or ready vote for a batch. topic is the
// BatchKey; creator is the responder's ECDSA public key.
type Response struct {
	MessageType string    `json:"message_type"`
	Topic       string    `json:"topic"`
	Creator     [2]string `json:"creator"`
}

// CanonicalBytes returns the signable byte string of the response.
func (r *Response) CanonicalBytes() []byte {
	return []byte(r.MessageType + r.Topic + r.Creator[0] + r.Creator[1])
}

// CongestionUpdate is the router reply to a pushed batch: the receiver's
// current batching latency and whether it recently missed a delivery.
type CongestionUpdate struct {
	Status         string  `json:"status"`
	CurrentLatency float64 `json:"current_latency"`
	RecentlyMissed bool    `json:"recently_missed"`
}

// decimalHash renders the 64-bit FNV-1a hash of data in decimal.
func decimalHash(data []byte) string {
	h := fnv.New64a()
	h.Write(data)
	return strconv.FormatUint(h.Sum64(), 10)
}

// GossipHash returns the decimal hash of a gossip's canonical JSON — the
// merkle leaf value.
func GossipHash(g Gossip) string {
	return decimalHash(g.Canonical())
}

// Probe extracts the message_type discriminator from a JSON body without
// decoding the full record.
func Probe(body []byte) (string, error) {
	var probe struct {
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", fmt.Errorf("message: probe: %w", err)
	}
	if probe.MessageType == "" {
		return "", fmt.Errorf("message: missing message_type")
	}
	return probe.MessageType, nil
}

// aggregateDigests concatenates the 32-byte digests the per-gossip BLS
// signatures were made over, in batch order.
func aggregateDigests(gossips []Gossip) []byte {
	out := make([]byte, 0, 32*len(gossips))
	for _, g := range gossips {
		d := digest32(g.Canonical())
		out = append(out, d[:]...)
	}
	return out
}

// VerifyAggregate checks the batch's aggregate BLS signature with n copies
// of the creator public key against the n gossip digests.
func (b *BatchedMessage) VerifyAggregate() error {
	if len(b.Messages) == 0 {
		return fmt.Errorf("message: batch has no gossips")
	}
	pub, err := identity.BLSPublicFromBase64(b.CreatorBLS)
	if err != nil {
		return err
	}
	sig, err := identity.BLSSignFromBase64(b.AggregatedBLSSignature)
	if err != nil {
		return err
	}
	pubs := make([]bls.PublicKey, len(b.Messages))
	for i := range pubs {
		pubs[i] = *pub
	}
	if !sig.AggregateVerifyNoCheck(pubs, aggregateDigests(b.Messages)) {
		return fmt.Errorf("message: aggregate bls signature invalid")
	}
	return nil
}
