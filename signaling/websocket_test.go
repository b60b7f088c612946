/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testRelay is a minimal relay server speaking the wsFrame protocol: it
// tracks which connections subscribed to which call and fans published
// messages out to every connection on the call.
type testRelay struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	calls map[string]map[*relayConn]struct{}
}

type relayConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newTestRelay() *testRelay {
	return &testRelay{calls: make(map[string]map[*relayConn]struct{})}
}

func (r *testRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	rc := &relayConn{conn: conn}
	defer func() {
		r.mu.Lock()
		for _, conns := range r.calls {
			delete(conns, rc)
		}
		r.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Action {
		case "subscribe":
			r.mu.Lock()
			if r.calls[f.CallID] == nil {
				r.calls[f.CallID] = make(map[*relayConn]struct{})
			}
			r.calls[f.CallID][rc] = struct{}{}
			r.mu.Unlock()
		case "unsubscribe":
			r.mu.Lock()
			delete(r.calls[f.CallID], rc)
			r.mu.Unlock()
		case "publish":
			if f.Message == nil {
				continue
			}
			payload, err := json.Marshal(f.Message)
			if err != nil {
				continue
			}
			r.mu.Lock()
			conns := make([]*relayConn, 0, len(r.calls[f.Message.CallID]))
			for c := range r.calls[f.Message.CallID] {
				conns = append(conns, c)
			}
			r.mu.Unlock()
			for _, c := range conns {
				c.writeMu.Lock()
				c.conn.WriteMessage(websocket.TextMessage, payload)
				c.writeMu.Unlock()
			}
		}
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketTransport(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(newTestRelay())
	defer server.Close()

	t.Run("publish and subscribe round trip", func(t *testing.T) {
		alice, err := Dial(ctx, wsURL(server), nil)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		defer alice.Close()
		bob, err := Dial(ctx, wsURL(server), nil)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		defer bob.Close()

		if _, err := alice.Subscribe(ctx, "call-1", "alice"); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		bobSub, err := bob.Subscribe(ctx, "call-1", "bob")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := alice.Publish(ctx, Message{Type: MessageOffer, CallID: "call-1", SenderID: "alice", TargetUserID: "bob"}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		msg := recvMessage(t, bobSub.Messages())
		if msg.Type != MessageOffer || msg.SenderID != "alice" {
			t.Errorf("got type=%s sender=%s, want offer from alice", msg.Type, msg.SenderID)
		}
	})

	t.Run("own messages are filtered", func(t *testing.T) {
		alice, err := Dial(ctx, wsURL(server), nil)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		defer alice.Close()

		sub, err := alice.Subscribe(ctx, "call-2", "alice")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		if err := alice.Publish(ctx, Message{Type: MessageOffer, CallID: "call-2", SenderID: "alice"}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		expectNoMessage(t, sub.Messages())
	})

	t.Run("duplicate subscription rejected", func(t *testing.T) {
		alice, err := Dial(ctx, wsURL(server), nil)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		defer alice.Close()

		if _, err := alice.Subscribe(ctx, "call-3", "alice"); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		if _, err := alice.Subscribe(ctx, "call-3", "alice"); err == nil {
			t.Error("second subscribe to same call should fail")
		}
	})

	t.Run("close tears down subscriptions", func(t *testing.T) {
		alice, err := Dial(ctx, wsURL(server), nil)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		sub, err := alice.Subscribe(ctx, "call-4", "alice")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		if err := alice.Close(); err != nil {
			t.Fatalf("close failed: %v", err)
		}
		if _, ok := <-sub.Messages(); ok {
			t.Error("channel still open after transport close")
		}
		if err := alice.Publish(ctx, Message{CallID: "call-4", SenderID: "alice"}); err != ErrClosed {
			t.Errorf("publish after close returned %v, want ErrClosed", err)
		}
	})
}

func TestWebSocketTransportRelayLoss(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(newTestRelay())

	alice, err := Dial(ctx, wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer alice.Close()
	sub, err := alice.Subscribe(ctx, "call-1", "alice")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Killing the relay must surface as a closed subscription channel so the
	// call controllers run their terminal cleanup.
	server.CloseClientConnections()
	server.Close()

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Error("expected channel close, got message")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription channel not closed after relay loss")
	}
}
