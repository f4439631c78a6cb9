// Transport socket ownership and the router/publisher/subscriber loops.

package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// RequestHandler produces the reply frames for one router request.
// body is frame 2 of the request (the JSON payload); extra holds every
// frame after it (signature frames interleaved with empties). The returned
// frames are sent back on the same channel after the identity envelope.
type RequestHandler func(body []byte, extra [][]byte) [][]byte

// ResponseHandler consumes one topic|body|signature triple from a
// publisher flush received on the shared subscriber.
type ResponseHandler func(topic string, body []byte, sig string)

// flushSeparator joins the per-response parts inside each publisher frame.
const flushSeparator = "|"

// Transport binds the node's sockets and runs their loops.
type Transport struct {
	Registry *Registry

	routerBind    string
	publisherBind string

	router *zmq.Socket
	pub    *zmq.Socket
	pubMu  sync.Mutex

	subCommands chan subCommand

	onRequest  RequestHandler
	onResponse ResponseHandler

	log *zap.Logger
}

type subCommand struct {
	connect     string
	subscribe   string
	unsubscribe string
}

// New creates a Transport bound to the node's router and publisher
// endpoints. Handlers must be set with OnRequest/OnResponse before Start.
func New(routerBind, publisherBind string, reg *Registry, log *zap.Logger) (*Transport, error) {
	router, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return nil, fmt.Errorf("transport: new router socket: %w", err)
	}
	if err := router.SetRcvtimeo(250 * time.Millisecond); err != nil {
		router.Close()
		return nil, fmt.Errorf("transport: router timeout: %w", err)
	}
	if err := router.Bind(routerBind); err != nil {
		router.Close()
		return nil, fmt.Errorf("transport: bind router %s: %w", routerBind, err)
	}

	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		router.Close()
		return nil, fmt.Errorf("transport: new pub socket: %w", err)
	}
	if err := pub.Bind(publisherBind); err != nil {
		router.Close()
		pub.Close()
		return nil, fmt.Errorf("transport: bind publisher %s: %w", publisherBind, err)
	}

	return &Transport{
		Registry:      reg,
		routerBind:    routerBind,
		publisherBind: publisherBind,
		router:        router,
		pub:           pub,
		subCommands:   make(chan subCommand, 64),
		log:           log,
	}, nil
}

// Peers returns the peer registry.
func (t *Transport) Peers() *Registry { return t.Registry }

// OnRequest installs the router dispatch callback.
func (t *Transport) OnRequest(h RequestHandler) { t.onRequest = h }

// OnResponse installs the subscriber dispatch callback.
func (t *Transport) OnResponse(h ResponseHandler) { t.onResponse = h }

// Start launches the router and subscriber loops. They exit when ctx is
// cancelled; the sockets are closed on the way out.
func (t *Transport) Start(ctx context.Context) {
	go t.routerLoop(ctx)
	go t.subscriberLoop(ctx)
}

// routerLoop answers requests on the ROUTER socket. Requests arrive as
// [identity, empty, body, extra…]; replies leave as [identity, empty,
// reply…].
func (t *Transport) routerLoop(ctx context.Context) {
	defer t.router.Close()
	t.log.Info("router listening", zap.String("addr", t.routerBind))

	for {
		if ctx.Err() != nil {
			return
		}
		parts, err := t.router.RecvMessageBytes(0)
		if err != nil {
			// Receive timeout: loop around to observe cancellation.
			continue
		}
		if len(parts) < 3 {
			t.log.Warn("short router frame sequence", zap.Int("frames", len(parts)))
			continue
		}
		identity, body, extra := parts[0], parts[2], parts[3:]

		reply := t.onRequest(body, extra)
		if len(reply) == 0 {
			reply = [][]byte{[]byte("OK")}
		}

		out := make([]interface{}, 0, len(reply)+2)
		out = append(out, identity, []byte{})
		for _, f := range reply {
			out = append(out, f)
		}
		if _, err := t.router.SendMessage(out...); err != nil {
			t.log.Warn("router reply failed", zap.Error(err))
		}
	}
}

// subscriberLoop owns the shared SUB socket. Publisher connects and topic
// filter changes arrive over the command channel and are applied between
// reads, because the socket must only ever be touched from this goroutine.
func (t *Transport) subscriberLoop(ctx context.Context) {
	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		t.log.Error("subscriber socket failed", zap.Error(err))
		return
	}
	defer sub.Close()
	if err := sub.SetRcvtimeo(250 * time.Millisecond); err != nil {
		t.log.Error("subscriber timeout failed", zap.Error(err))
		return
	}

	connected := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-t.subCommands:
			t.applySubCommand(sub, connected, cmd)
			continue
		default:
		}

		parts, err := sub.RecvMessageBytes(0)
		if err != nil {
			continue // receive timeout
		}
		if len(parts) != 3 {
			t.log.Warn("malformed publisher flush", zap.Int("frames", len(parts)))
			continue
		}
		t.dispatchFlush(parts)
	}
}

func (t *Transport) applySubCommand(sub *zmq.Socket, connected map[string]bool, cmd subCommand) {
	if cmd.connect != "" && !connected[cmd.connect] {
		if err := sub.Connect(cmd.connect); err != nil {
			t.log.Warn("subscriber connect failed",
				zap.String("endpoint", cmd.connect), zap.Error(err))
			return
		}
		connected[cmd.connect] = true
		t.log.Info("subscribed to publisher", zap.String("endpoint", cmd.connect))
	}
	if cmd.subscribe != "" {
		if err := sub.SetSubscribe(cmd.subscribe); err != nil {
			t.log.Warn("topic subscribe failed",
				zap.String("topic", cmd.subscribe), zap.Error(err))
		}
	}
	if cmd.unsubscribe != "" {
		if err := sub.SetUnsubscribe(cmd.unsubscribe); err != nil {
			t.log.Warn("topic unsubscribe failed",
				zap.String("topic", cmd.unsubscribe), zap.Error(err))
		}
	}
}

// dispatchFlush splits a topics|bodies|signatures flush and hands each
// triple to the response handler. The three frames carry the same number
// of |-separated parts in the same order; empties are dropped.
func (t *Transport) dispatchFlush(parts [][]byte) {
	topics := splitFlush(string(parts[0]))
	bodies := splitFlush(string(parts[1]))
	sigs := splitFlush(string(parts[2]))

	if len(topics) != len(bodies) || len(bodies) != len(sigs) {
		t.log.Warn("publisher flush cardinality mismatch",
			zap.Int("topics", len(topics)),
			zap.Int("bodies", len(bodies)),
			zap.Int("signatures", len(sigs)))
		return
	}
	for i := range topics {
		t.onResponse(topics[i], []byte(bodies[i]), sigs[i])
	}
}

func splitFlush(s string) []string {
	raw := strings.Split(s, flushSeparator)
	out := raw[:0]
	for _, part := range raw {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// joinFlush builds one frame of a publisher flush.
func joinFlush(parts []string) string {
	return strings.Join(parts, flushSeparator)
}

// PublishFlush writes one batched publisher message: three frames holding
// the |-joined topics, bodies, and signatures. Fire-and-forget.
func (t *Transport) PublishFlush(topics, bodies, sigs []string) error {
	if len(topics) == 0 {
		return nil
	}
	if len(topics) != len(bodies) || len(bodies) != len(sigs) {
		return fmt.Errorf("transport: flush cardinality mismatch")
	}
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	_, err := t.pub.SendMessage(joinFlush(topics), joinFlush(bodies), joinFlush(sigs))
	if err != nil {
		return fmt.Errorf("transport: publish flush: %w", err)
	}
	return nil
}

// SendToPeer sends the frames on the peer's request channel and returns
// the single-frame reply. Unknown peers are an error for this call.
func (t *Transport) SendToPeer(nodeID string, frames [][]byte) ([]byte, error) {
	ch, err := t.Registry.channel(nodeID)
	if err != nil {
		return nil, err
	}
	return ch.request(frames)
}

// DialPeer opens the peer's request channel in the background.
func (t *Transport) DialPeer(nodeID string) {
	ch, err := t.Registry.channel(nodeID)
	if err != nil {
		return
	}
	go ch.ensure()
}

// SendUnsigned fires one request at a raw router endpoint without a peer
// record — the bootstrap path. The reply is read and discarded.
func (t *Transport) SendUnsigned(addr string, body []byte) error {
	sock, err := zmq.NewSocket(zmq.REQ)
	if err != nil {
		return fmt.Errorf("transport: new req socket: %w", err)
	}
	defer sock.Close()
	if err := sock.SetSndtimeo(ioTimeout); err != nil {
		return fmt.Errorf("transport: set send timeout: %w", err)
	}
	if err := sock.SetRcvtimeo(ioTimeout); err != nil {
		return fmt.Errorf("transport: set recv timeout: %w", err)
	}
	if err := sock.SetLinger(0); err != nil {
		return fmt.Errorf("transport: set linger: %w", err)
	}
	if err := sock.Connect(addr); err != nil {
		return fmt.Errorf("transport: connect %s: %w", addr, err)
	}
	if _, err := sock.SendMessage(body); err != nil {
		return fmt.Errorf("transport: send to %s: %w", addr, err)
	}
	_, _ = sock.RecvMessageBytes(0) // reply is advisory on this path
	return nil
}

// ConnectPublisher asks the subscriber loop to connect to a peer's
// publisher endpoint. The connection is shared; repeated calls are no-ops.
func (t *Transport) ConnectPublisher(endpoint string) {
	t.subCommands <- subCommand{connect: endpoint}
}

// Subscribe adds a topic filter on the shared subscriber.
func (t *Transport) Subscribe(topic string) {
	t.subCommands <- subCommand{subscribe: topic}
}

// Unsubscribe removes a topic filter. Publisher connections stay open.
func (t *Transport) Unsubscribe(topic string) {
	t.subCommands <- subCommand{unsubscribe: topic}
}

// Close shuts down the publisher socket and every peer channel. The
// router and subscriber sockets close when their loops observe ctx.
func (t *Transport) Close() {
	t.pubMu.Lock()
	t.pub.Close()
	t.pubMu.Unlock()
	t.Registry.closeAll()
}
