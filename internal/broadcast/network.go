// Network is the slice of the transport the engine drives. The concrete
// implementation is transport.Transport; tests substitute a fake.

package broadcast

import (
	"github.com/quorumcast/quorumcast/internal/transport"
)

// Handler installation aliases, re-exported so Network implementations and
// the engine agree on the callback shapes.
type (
	// RequestHandler mirrors transport.RequestHandler.
	RequestHandler = transport.RequestHandler
	// ResponseHandler mirrors transport.ResponseHandler.
	ResponseHandler = transport.ResponseHandler
)

// Network carries signed requests to peers, publishes response flushes,
// and manages the shared subscriber's connections and topic filters.
type Network interface {
	// Peers returns the peer registry.
	Peers() *transport.Registry

	// SendToPeer sends request frames on the peer's serialized channel
	// and returns the single-frame reply.
	SendToPeer(nodeID string, frames [][]byte) ([]byte, error)

	// SendUnsigned fires one request at a raw router endpoint.
	SendUnsigned(addr string, body []byte) error

	// PublishFlush writes one batched topics|bodies|signatures message.
	PublishFlush(topics, bodies, sigs []string) error

	// ConnectPublisher joins the shared subscriber to a publisher endpoint.
	ConnectPublisher(endpoint string)

	// Subscribe adds a topic filter on the shared subscriber.
	Subscribe(topic string)

	// Unsubscribe removes a topic filter.
	Unsubscribe(topic string)

	// DialPeer opens the peer's request channel in the background.
	DialPeer(nodeID string)

	// OnRequest installs the router dispatch callback.
	OnRequest(h RequestHandler)

	// OnResponse installs the subscriber dispatch callback.
	OnResponse(h ResponseHandler)
}
