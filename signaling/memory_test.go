/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"context"
	"testing"
	"time"
)

func recvMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for message")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func expectNoMessage(t *testing.T, ch <-chan Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message: type=%s sender=%s", msg.Type, msg.SenderID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryRelayPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers to other subscribers", func(t *testing.T) {
		relay := NewMemoryRelay()
		defer relay.Close()

		alice, err := relay.Subscribe(ctx, "call-1", "alice")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		bob, err := relay.Subscribe(ctx, "call-1", "bob")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := relay.Publish(ctx, Message{Type: MessageOffer, CallID: "call-1", SenderID: "alice"}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		msg := recvMessage(t, bob.Messages())
		if msg.Type != MessageOffer || msg.SenderID != "alice" {
			t.Errorf("got type=%s sender=%s, want offer from alice", msg.Type, msg.SenderID)
		}
		// The sender never hears its own message back.
		expectNoMessage(t, alice.Messages())
	})

	t.Run("scopes delivery by call ID", func(t *testing.T) {
		relay := NewMemoryRelay()
		defer relay.Close()

		other, err := relay.Subscribe(ctx, "call-2", "bob")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		if err := relay.Publish(ctx, Message{Type: MessageOffer, CallID: "call-1", SenderID: "alice"}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		expectNoMessage(t, other.Messages())
	})
}

func TestMemoryRelayBacklogReplay(t *testing.T) {
	ctx := context.Background()
	relay := NewMemoryRelay()
	defer relay.Close()

	// The offer is published before the answering side attaches.
	if err := relay.Publish(ctx, Message{Type: MessageOffer, CallID: "call-1", SenderID: "alice"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := relay.Publish(ctx, Message{Type: MessageCandidate, CallID: "call-1", SenderID: "alice"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	bob, err := relay.Subscribe(ctx, "call-1", "bob")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if msg := recvMessage(t, bob.Messages()); msg.Type != MessageOffer {
		t.Errorf("first replayed message type = %s, want offer", msg.Type)
	}
	if msg := recvMessage(t, bob.Messages()); msg.Type != MessageCandidate {
		t.Errorf("second replayed message type = %s, want ice-candidate", msg.Type)
	}

	// A late subscriber does not get its own prior messages replayed.
	alice, err := relay.Subscribe(ctx, "call-1", "alice")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	expectNoMessage(t, alice.Messages())
}

func TestMemoryRelayUnsubscribe(t *testing.T) {
	ctx := context.Background()
	relay := NewMemoryRelay()
	defer relay.Close()

	sub, err := relay.Subscribe(ctx, "call-1", "alice")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("channel still open after unsubscribe")
	}
	// Idempotent.
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("second unsubscribe failed: %v", err)
	}
}

func TestMemoryRelayClose(t *testing.T) {
	ctx := context.Background()
	relay := NewMemoryRelay()

	sub, err := relay.Subscribe(ctx, "call-1", "alice")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	relay.Close()

	if _, ok := <-sub.Messages(); ok {
		t.Error("channel still open after relay close")
	}
	if err := relay.Publish(ctx, Message{CallID: "call-1", SenderID: "alice"}); err != ErrClosed {
		t.Errorf("publish after close returned %v, want ErrClosed", err)
	}
	if _, err := relay.Subscribe(ctx, "call-1", "bob"); err != ErrClosed {
		t.Errorf("subscribe after close returned %v, want ErrClosed", err)
	}
}

func TestMessageAddressedTo(t *testing.T) {
	broadcast := Message{Type: MessageCallEnd, SenderID: "alice"}
	if !broadcast.AddressedTo("bob") || !broadcast.AddressedTo("carol") {
		t.Error("broadcast message should match every user")
	}

	targeted := Message{Type: MessageOffer, SenderID: "alice", TargetUserID: "bob"}
	if !targeted.AddressedTo("bob") {
		t.Error("targeted message should match its target")
	}
	if targeted.AddressedTo("carol") {
		t.Error("targeted message should not match other users")
	}
}
