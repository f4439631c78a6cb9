package message

import (
	"encoding/base64"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/quorumcast/quorumcast/internal/identity"
)

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New failed: %v", err)
	}
	return id
}

func sampleGossips() []Gossip {
	return []Gossip{
		{MessageType: TypeGossip, Timestamp: 1700000001},
		{MessageType: TypeGossip, Timestamp: 1700000002},
		{MessageType: TypeGossip, Timestamp: 1700000003},
	}
}

func sampleClock() []VCEntry {
	return []VCEntry{
		{NodeID: "1234567890", Counter: 3},
		{NodeID: "0987654321", Counter: 1},
	}
}

func TestVCEntryWireShape(t *testing.T) {
	raw, err := json.Marshal(VCEntry{NodeID: "1234567890", Counter: 7})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(raw) != `["1234567890",7]` {
		t.Errorf("vector clock entry wire shape wrong: %s", raw)
	}

	var e VCEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if e.NodeID != "1234567890" || e.Counter != 7 {
		t.Errorf("round trip changed entry: %+v", e)
	}
}

func TestBatchedMessageRoundTrip(t *testing.T) {
	id := newIdentity(t)
	sb, err := NewSignedBatch(id, sampleGossips(), sampleClock())
	if err != nil {
		t.Fatalf("NewSignedBatch failed: %v", err)
	}

	raw, err := json.Marshal(sb.Batch)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded BatchedMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(decoded, sb.Batch) {
		t.Errorf("round trip changed batch:\n got: %+v\nwant: %+v", decoded, sb.Batch)
	}
	if decoded.Key() != sb.Batch.Key() {
		t.Errorf("round trip changed batch key")
	}
}

func TestProbeDiscriminates(t *testing.T) {
	for _, mt := range []string{
		TypeGossip, TypeDirectMessage, TypePeerDiscovery,
		TypeBatchedMessage, TypeEchoSubscribe, TypeReadyResponse,
	} {
		raw, _ := json.Marshal(map[string]string{"message_type": mt})
		got, err := Probe(raw)
		if err != nil {
			t.Fatalf("Probe(%s) failed: %v", mt, err)
		}
		if got != mt {
			t.Errorf("Probe returned %q, want %q", got, mt)
		}
	}
	if _, err := Probe([]byte(`{}`)); err == nil {
		t.Error("Probe must reject a body without message_type")
	}
}

func TestSignedBatchVerifies(t *testing.T) {
	id := newIdentity(t)
	sb, err := NewSignedBatch(id, sampleGossips(), sampleClock())
	if err != nil {
		t.Fatalf("NewSignedBatch failed: %v", err)
	}
	if err := sb.Verify(); err != nil {
		t.Fatalf("fresh batch must verify, got: %v", err)
	}
}

func TestTamperedEnvelopeFailsVerification(t *testing.T) {
	id := newIdentity(t)

	// Merkle root tamper breaks the creator signature.
	sb, err := NewSignedBatch(id, sampleGossips(), sampleClock())
	if err != nil {
		t.Fatal(err)
	}
	if sb.Batch.MerkleRoot[:2] == "00" {
		sb.Batch.MerkleRoot = "11" + sb.Batch.MerkleRoot[2:]
	} else {
		sb.Batch.MerkleRoot = "00" + sb.Batch.MerkleRoot[2:]
	}
	if err := sb.Verify(); err == nil {
		t.Error("tampered merkle root must fail verification")
	}

	// Gossip tamper breaks the aggregate (and the merkle commitment).
	sb, err = NewSignedBatch(id, sampleGossips(), sampleClock())
	if err != nil {
		t.Fatal(err)
	}
	sb.Batch.Messages[1].Timestamp++
	if err := sb.Verify(); err == nil {
		t.Error("tampered gossip must fail verification")
	}

	// Sender key tamper breaks the sender signature.
	sb, err = NewSignedBatch(id, sampleGossips(), sampleClock())
	if err != nil {
		t.Fatal(err)
	}
	other := newIdentity(t)
	sb.Batch.SenderECDSA = other.ECDSAPoint()
	if err := sb.Verify(); err == nil {
		t.Error("swapped sender key without re-signing must fail verification")
	}
}

func TestWithSenderPreservesCreatorPortion(t *testing.T) {
	creator := newIdentity(t)
	relayer := newIdentity(t)

	sb, err := NewSignedBatch(creator, sampleGossips(), sampleClock())
	if err != nil {
		t.Fatal(err)
	}
	relay, err := sb.WithSender(relayer)
	if err != nil {
		t.Fatalf("WithSender failed: %v", err)
	}

	if relay.Batch.Key() != sb.Batch.Key() {
		t.Error("relay must not change the batch key")
	}
	if relay.CreatorSig != sb.CreatorSig {
		t.Error("relay must not re-sign the creator portion")
	}
	if relay.Batch.AggregatedBLSSignature != sb.Batch.AggregatedBLSSignature {
		t.Error("relay must not touch the aggregate signature")
	}
	if relay.Batch.SenderECDSA != relayer.ECDSAPoint() {
		t.Error("relay must stamp the relayer as sender")
	}
	if err := relay.Verify(); err != nil {
		t.Errorf("relayed batch must verify, got: %v", err)
	}
}

func TestSingleGossipAggregateIsPlainSignature(t *testing.T) {
	id := newIdentity(t)
	g := Gossip{MessageType: TypeGossip, Timestamp: 1700000042}

	sb, err := NewSignedBatch(id, []Gossip{g}, nil)
	if err != nil {
		t.Fatal(err)
	}
	single := base64.StdEncoding.EncodeToString(id.SignBLS(g.Canonical()).Serialize())
	if sb.Batch.AggregatedBLSSignature != single {
		t.Error("single-gossip aggregate must equal the plain signature")
	}
	if err := sb.Batch.VerifyAggregate(); err != nil {
		t.Errorf("single-gossip aggregate must verify, got: %v", err)
	}
}

func TestEchoSignVerify(t *testing.T) {
	id := newIdentity(t)
	echo, sig, err := NewEcho(id, TypeEchoSubscribe, "12345678901234567890")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyEcho(echo, sig) {
		t.Fatal("echo must verify")
	}
	echo.BatchedMessagesHash = "9" + echo.BatchedMessagesHash[1:]
	if VerifyEcho(echo, sig) {
		t.Fatal("tampered echo must not verify")
	}
}

func TestResponseSignVerify(t *testing.T) {
	id := newIdentity(t)
	r, sig, err := NewResponse(id, TypeReadyResponse, "555")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyResponse(r, sig) {
		t.Fatal("response must verify")
	}
	r.Topic = "556"
	if VerifyResponse(r, sig) {
		t.Fatal("tampered response must not verify")
	}
}

func TestSenderBytesExtendCreatorBytes(t *testing.T) {
	id := newIdentity(t)
	sb, err := NewSignedBatch(id, sampleGossips(), nil)
	if err != nil {
		t.Fatal(err)
	}
	creator := string(sb.Batch.CreatorBytes())
	sender := string(sb.Batch.SenderBytes())
	if creator == sender {
		t.Fatal("sender bytes must differ from creator bytes")
	}
	// The sender fields are inserted directly after the creator ECDSA
	// fields; both strings share prefix and suffix.
	point := sb.Batch.SenderECDSA
	wantPrefix := sb.Batch.MessageType + sb.Batch.CreatorBLS +
		sb.Batch.CreatorECDSA[0] + sb.Batch.CreatorECDSA[1]
	wantSuffix := sb.Batch.AggregatedBLSSignature + sb.Batch.MerkleRoot
	if sender != wantPrefix+point[0]+point[1]+wantSuffix {
		t.Error("sender bytes layout wrong")
	}
	if creator != wantPrefix+wantSuffix {
		t.Error("creator bytes layout wrong")
	}
}

func TestDirectMessageHashStable(t *testing.T) {
	dm := DirectMessage{MessageType: TypeDirectMessage, Sender: "a", Message: "hi"}
	if dm.Hash() != dm.Hash() {
		t.Fatal("direct message hash must be stable")
	}
	other := DirectMessage{MessageType: TypeDirectMessage, Sender: "a", Message: "ho"}
	if dm.Hash() == other.Hash() {
		t.Fatal("different messages must hash differently")
	}
}
