// Package identity holds the long-term key material of a quorumcast node.
//
// Each node owns exactly two key pairs for the lifetime of the process:
//
//   - ECDSA / P-256 — signs the creator and sender portions of batch
//     envelopes, echo subscriptions, and published responses.
//   - BLS12-381 (G2, proof-of-possession scheme) — signs the individual
//     gossips inside a batch; per-gossip signatures are aggregated into a
//     single signature on the wire.
//
// The short textual NodeID is the stable 10-character decimal prefix of a
// 64-bit FNV-1a hash over the decimal renderings of the ECDSA public key
// coordinates (x, y). Peers derive the same NodeID from the public key they
// see on the wire, so the identifier needs no separate distribution.
//
// Wire encodings:
//   - ECDSA public keys travel as [x, y] with both coordinates as decimal
//     strings.
//   - ECDSA signatures travel as JSON {"r": "...", "s": "..."} with decimal
//     strings.
//   - BLS public keys and signatures travel as std base64 of their raw
//     serialized bytes.

package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/big"
	"strconv"
	"strings"

	"github.com/herumi/bls-eth-go-binary/bls"
)

func init() {
	// The herumi library requires explicit curve and scheme selection before
	// any key operation. Draft-07 is the proof-of-possession ciphersuite.
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Sprintf("identity: bls init: %v", err))
	}
	if err := bls.SetETHmode(bls.EthModeDraft07); err != nil {
		panic(fmt.Sprintf("identity: bls eth mode: %v", err))
	}
}

// Identity is the node's long-term key material. Immutable after New().
type Identity struct {
	ecdsaPriv *ecdsa.PrivateKey
	blsSec    bls.SecretKey

	// NodeID is the 10-char decimal identifier derived from the ECDSA
	// public key.
	NodeID string
}

// New generates fresh ECDSA/P-256 and BLS12-381 key pairs and derives the
// NodeID.
func New() (*Identity, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: ecdsa keygen: %w", err)
	}

	var sec bls.SecretKey
	sec.SetByCSPRNG()

	return &Identity{
		ecdsaPriv: priv,
		blsSec:    sec,
		NodeID:    NodeIDFromPoint(priv.PublicKey.X, priv.PublicKey.Y),
	}, nil
}

// ECDSAPublic returns the node's ECDSA public key.
func (id *Identity) ECDSAPublic() *ecdsa.PublicKey {
	return &id.ecdsaPriv.PublicKey
}

// ECDSAPoint returns the node's public key as decimal [x, y] strings.
func (id *Identity) ECDSAPoint() [2]string {
	return PointStrings(&id.ecdsaPriv.PublicKey)
}

// BLSPublic returns the node's BLS public key.
func (id *Identity) BLSPublic() *bls.PublicKey {
	return id.blsSec.GetPublicKey()
}

// BLSPublicBase64 returns the std-base64 encoding of the serialized BLS
// public key, the form it takes on the wire.
func (id *Identity) BLSPublicBase64() string {
	return base64.StdEncoding.EncodeToString(id.blsSec.GetPublicKey().Serialize())
}

// SignECDSA signs sha256(msg) with the node's ECDSA key and returns the
// wire-encoded signature JSON.
func (id *Identity) SignECDSA(msg []byte) (string, error) {
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, id.ecdsaPriv, digest[:])
	if err != nil {
		return "", fmt.Errorf("identity: ecdsa sign: %w", err)
	}
	sig, err := json.Marshal(Signature{R: r.String(), S: s.String()})
	if err != nil {
		return "", fmt.Errorf("identity: encode signature: %w", err)
	}
	return string(sig), nil
}

// SignBLS signs sha256(msg) with the node's BLS secret key. The 32-byte
// digest is the signed message, which keeps per-gossip signatures compatible
// with the aggregate-verify primitive (it expects fixed 32-byte messages).
func (id *Identity) SignBLS(msg []byte) *bls.Sign {
	digest := sha256.Sum256(msg)
	return id.blsSec.SignByte(digest[:])
}

// Signature is the wire form of an ECDSA signature: decimal r and s.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
}

// VerifyECDSA checks a wire-encoded signature over sha256(msg) against a
// public key given as decimal [x, y] strings.
func VerifyECDSA(sigJSON string, msg []byte, point [2]string) bool {
	var sig Signature
	if err := json.Unmarshal([]byte(sigJSON), &sig); err != nil {
		return false
	}
	r, okR := new(big.Int).SetString(sig.R, 10)
	s, okS := new(big.Int).SetString(sig.S, 10)
	if !okR || !okS {
		return false
	}
	pub, err := PublicKeyFromStrings(point)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	return ecdsa.Verify(pub, digest[:], r, s)
}

// PointStrings encodes an ECDSA public key as decimal [x, y] strings.
func PointStrings(pub *ecdsa.PublicKey) [2]string {
	return [2]string{pub.X.String(), pub.Y.String()}
}

// PublicKeyFromStrings decodes a decimal [x, y] pair into a P-256 public
// key. The point is validated to be on the curve.
func PublicKeyFromStrings(point [2]string) (*ecdsa.PublicKey, error) {
	x, okX := new(big.Int).SetString(point[0], 10)
	y, okY := new(big.Int).SetString(point[1], 10)
	if !okX || !okY {
		return nil, fmt.Errorf("identity: malformed point coordinates")
	}
	curve := elliptic.P256()
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("identity: point not on P-256")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// NodeIDFromPoint derives the 10-char decimal NodeID from ECDSA public key
// coordinates. Stable across processes: it depends only on the decimal
// renderings of x and y.
func NodeIDFromPoint(x, y *big.Int) string {
	h := fnv.New64a()
	h.Write([]byte(x.String()))
	h.Write([]byte(y.String()))
	s := strconv.FormatUint(h.Sum64(), 10)
	if len(s) < 10 {
		s = strings.Repeat("0", 10-len(s)) + s
	}
	return s[:10]
}

// NodeIDFromStrings derives the NodeID from a wire-form [x, y] pair.
func NodeIDFromStrings(point [2]string) (string, error) {
	x, okX := new(big.Int).SetString(point[0], 10)
	y, okY := new(big.Int).SetString(point[1], 10)
	if !okX || !okY {
		return "", fmt.Errorf("identity: malformed point coordinates")
	}
	return NodeIDFromPoint(x, y), nil
}

// BLSPublicFromBase64 decodes a std-base64 BLS public key.
func BLSPublicFromBase64(b64 string) (*bls.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("identity: bls pubkey base64: %w", err)
	}
	var pub bls.PublicKey
	if err := pub.Deserialize(raw); err != nil {
		return nil, fmt.Errorf("identity: bls pubkey bytes: %w", err)
	}
	return &pub, nil
}

// BLSSignFromBase64 decodes a std-base64 BLS signature.
func BLSSignFromBase64(b64 string) (*bls.Sign, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("identity: bls signature base64: %w", err)
	}
	var sig bls.Sign
	if err := sig.Deserialize(raw); err != nil {
		return nil, fmt.Errorf("identity: bls signature bytes: %w", err)
	}
	return &sig, nil
}
