// Envelope construction and verification for batches, subscriptions, and
// responses.
//
// A SignedBatch is what actually travels on a router channel: the
// BatchedMessage body plus two detached ECDSA signatures carried in their
// own frames. The aggregate BLS signature lives inside the body because it
// is part of the creator-signed portion.

package message

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/herumi/bls-eth-go-binary/bls"

	"github.com/quorumcast/quorumcast/internal/identity"
	"github.com/quorumcast/quorumcast/internal/merkle"
)

// SignedBatch pairs a batch body with its detached creator and sender
// signatures (wire JSON strings).
type SignedBatch struct {
	Batch      BatchedMessage
	CreatorSig string
	SenderSig  string
}

// NewSignedBatch builds a fully signed batch originated by id: per-gossip
// BLS signatures aggregated, merkle commitment over the ordered gossip
// hashes, vector clock snapshot attached, creator and sender both id.
func NewSignedBatch(id *identity.Identity, gossips []Gossip, clock []VCEntry) (*SignedBatch, error) {
	if len(gossips) == 0 {
		return nil, fmt.Errorf("message: empty batch")
	}

	sigs := make([]bls.Sign, len(gossips))
	leaves := make([]string, len(gossips))
	for i, g := range gossips {
		sigs[i] = *id.SignBLS(g.Canonical())
		leaves[i] = GossipHash(g)
	}

	// A single-gossip "aggregate" is that gossip's signature unchanged.
	var agg bls.Sign
	if len(sigs) == 1 {
		agg = sigs[0]
	} else {
		agg.Aggregate(sigs)
	}

	point := id.ECDSAPoint()
	b := BatchedMessage{
		MessageType:            TypeBatchedMessage,
		CreatorBLS:             id.BLSPublicBase64(),
		CreatorECDSA:           point,
		SenderECDSA:            point,
		Messages:               gossips,
		AggregatedBLSSignature: base64.StdEncoding.EncodeToString(agg.Serialize()),
		MerkleRoot:             merkle.Root(leaves),
		VectorClock:            clock,
	}

	creatorSig, err := id.SignECDSA(b.CreatorBytes())
	if err != nil {
		return nil, err
	}
	senderSig, err := id.SignECDSA(b.SenderBytes())
	if err != nil {
		return nil, err
	}
	return &SignedBatch{Batch: b, CreatorSig: creatorSig, SenderSig: senderSig}, nil
}

// WithSender derives the relay form of the batch: the sender key swapped to
// id and the sender portion re-signed. The creator portion — including its
// signature, the aggregate, and the merkle root — is preserved untouched,
// so the batch key does not change.
func (sb *SignedBatch) WithSender(id *identity.Identity) (*SignedBatch, error) {
	relay := sb.Batch
	relay.SenderECDSA = id.ECDSAPoint()

	senderSig, err := id.SignECDSA(relay.SenderBytes())
	if err != nil {
		return nil, err
	}
	return &SignedBatch{Batch: relay, CreatorSig: sb.CreatorSig, SenderSig: senderSig}, nil
}

// Verify checks all three envelope signatures and the merkle commitment.
// A batch from the wire is admitted only if every check passes.
func (sb *SignedBatch) Verify() error {
	b := &sb.Batch
	if !identity.VerifyECDSA(sb.CreatorSig, b.CreatorBytes(), b.CreatorECDSA) {
		return fmt.Errorf("message: creator signature invalid")
	}
	if !identity.VerifyECDSA(sb.SenderSig, b.SenderBytes(), b.SenderECDSA) {
		return fmt.Errorf("message: sender signature invalid")
	}
	if err := b.VerifyAggregate(); err != nil {
		return err
	}
	leaves := make([]string, len(b.Messages))
	for i, g := range b.Messages {
		leaves[i] = GossipHash(g)
	}
	if merkle.Root(leaves) != b.MerkleRoot {
		return fmt.Errorf("message: merkle root mismatch")
	}
	return nil
}

// NewEcho builds a signed EchoSubscribe or ReadySubscribe for a batch key.
func NewEcho(id *identity.Identity, msgType, batchKey string) (*Echo, string, error) {
	e := &Echo{
		MessageType:         msgType,
		BatchedMessagesHash: batchKey,
		Creator:             id.ECDSAPoint(),
	}
	sig, err := id.SignECDSA(e.CanonicalBytes())
	if err != nil {
		return nil, "", err
	}
	return e, sig, nil
}

// VerifyEcho checks an Echo's signature against its embedded creator key.
func VerifyEcho(e *Echo, sigJSON string) bool {
	return identity.VerifyECDSA(sigJSON, e.CanonicalBytes(), e.Creator)
}

// NewResponse builds a signed EchoResponse or ReadyResponse on a topic.
func NewResponse(id *identity.Identity, msgType, topic string) (*Response, string, error) {
	r := &Response{
		MessageType: msgType,
		Topic:       topic,
		Creator:     id.ECDSAPoint(),
	}
	sig, err := id.SignECDSA(r.CanonicalBytes())
	if err != nil {
		return nil, "", err
	}
	return r, sig, nil
}

// VerifyResponse checks a Response's signature against its embedded creator
// key.
func VerifyResponse(r *Response, sigJSON string) bool {
	return identity.VerifyECDSA(sigJSON, r.CanonicalBytes(), r.Creator)
}

// digest32 is the fixed-width message form used for BLS signing and
// aggregate verification.
func digest32(msg []byte) [32]byte {
	return sha256.Sum256(msg)
}
