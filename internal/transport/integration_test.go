package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// loopback transports on distinct localhost ports.
func newLoopbackTransport(t *testing.T, routerPort, pubPort string) *Transport {
	t.Helper()
	tp, err := New("tcp://127.0.0.1:"+routerPort, "tcp://127.0.0.1:"+pubPort,
		NewRegistry(zap.NewNop()), zap.NewNop())
	if err != nil {
		t.Fatalf("transport.New failed: %v", err)
	}
	return tp
}

func TestRouterRequestReply(t *testing.T) {
	tp := newLoopbackTransport(t, "28741", "28742")
	defer tp.Close()

	var mu sync.Mutex
	var got []string
	tp.OnRequest(func(body []byte, extra [][]byte) [][]byte {
		mu.Lock()
		got = append(got, string(body))
		mu.Unlock()
		return [][]byte{[]byte("OK")}
	})
	tp.OnResponse(func(topic string, body []byte, sig string) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp.Start(ctx)

	if err := tp.SendUnsigned("tcp://127.0.0.1:28741",
		[]byte(`{"message_type":"DirectMessage","sender":"a","message":"ping"}`)); err != nil {
		t.Fatalf("SendUnsigned failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("router never saw the request")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPeerChannelRequestReply(t *testing.T) {
	tp := newLoopbackTransport(t, "28743", "28744")
	defer tp.Close()

	tp.OnRequest(func(body []byte, extra [][]byte) [][]byte {
		return [][]byte{[]byte("ALREADY_RECEIVED")}
	})
	tp.OnResponse(func(topic string, body []byte, sig string) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp.Start(ctx)

	tp.Registry.Add(&PeerRecord{
		NodeID:        "1234567890",
		RouterAddress: "tcp://127.0.0.1:28743",
	})

	reply, err := tp.SendToPeer("1234567890", [][]byte{[]byte(`{"message_type":"DirectMessage"}`)})
	if err != nil {
		t.Fatalf("SendToPeer failed: %v", err)
	}
	if string(reply) != "ALREADY_RECEIVED" {
		t.Errorf("reply = %q", reply)
	}

	// The channel is serialized but reusable: a second request works.
	reply, err = tp.SendToPeer("1234567890", [][]byte{[]byte(`{"message_type":"DirectMessage"}`)})
	if err != nil {
		t.Fatalf("second SendToPeer failed: %v", err)
	}
	if string(reply) != "ALREADY_RECEIVED" {
		t.Errorf("second reply = %q", reply)
	}
}

func TestPublisherTopicFilter(t *testing.T) {
	pub := newLoopbackTransport(t, "28745", "28746")
	defer pub.Close()
	sub := newLoopbackTransport(t, "28747", "28748")
	defer sub.Close()

	ok := func(body []byte, extra [][]byte) [][]byte { return [][]byte{[]byte("OK")} }
	pub.OnRequest(ok)
	pub.OnResponse(func(topic string, body []byte, sig string) {})
	sub.OnRequest(ok)

	var mu sync.Mutex
	var topics []string
	sub.OnResponse(func(topic string, body []byte, sig string) {
		mu.Lock()
		topics = append(topics, topic)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub.Start(ctx)
	sub.Start(ctx)

	sub.ConnectPublisher("tcp://127.0.0.1:28746")
	sub.Subscribe("yolo")

	// Publish an unmatched topic and a matched one until delivery; the
	// SUB-side prefix filter guarantees "tumbo" flushes never arrive, so
	// the first observed topic must be "yolo".
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := pub.PublishFlush([]string{"tumbo"}, []string{"Hey bro"}, []string{"s"}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		if err := pub.PublishFlush([]string{"yolo"}, []string{"Hey bro"}, []string{"s"}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		mu.Lock()
		n := len(topics)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never received a flush")
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, topic := range topics {
		if topic != "yolo" {
			t.Fatalf("filtered topic leaked through: %q", topic)
		}
	}
}
