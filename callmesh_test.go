/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callmesh

import (
	"context"
	"testing"
	"time"

	"github.com/callmesh/callmesh-go/calling"
	"github.com/callmesh/callmesh-go/media"
	"github.com/callmesh/callmesh-go/signaling"
	"github.com/callmesh/callmesh-go/store"
)

func newTestClient(t *testing.T, relay *signaling.MemoryRelay, records store.Store, userID string) *Client {
	t.Helper()
	c, err := NewClient(relay, records, media.NewStaticProvider(), &Config{
		UserID:      userID,
		DisplayName: userID,
	})
	if err != nil {
		t.Fatalf("failed to create client for %s: %v", userID, err)
	}
	return c
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestNewClientValidation(t *testing.T) {
	relay := signaling.NewMemoryRelay()
	defer relay.Close()
	records := store.NewMemory()
	provider := media.NewStaticProvider()

	cases := []struct {
		name      string
		transport signaling.Transport
		records   store.Store
		provider  media.Provider
		config    *Config
	}{
		{"nil config", relay, records, provider, nil},
		{"missing user ID", relay, records, provider, &Config{}},
		{"nil transport", nil, records, provider, &Config{UserID: "alice"}},
		{"nil store", relay, nil, provider, &Config{UserID: "alice"}},
		{"nil provider", relay, records, nil, &Config{UserID: "alice"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewClient(tc.transport, tc.records, tc.provider, tc.config); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestClientCallFlow(t *testing.T) {
	ctx := context.Background()
	relay := signaling.NewMemoryRelay()
	defer relay.Close()
	records := store.NewMemory()

	alice := newTestClient(t, relay, records, "alice")
	bob := newTestClient(t, relay, records, "bob")

	session, err := alice.StartCall(ctx, "bob", calling.CallTypeVideo)
	if err != nil {
		t.Fatalf("start call failed: %v", err)
	}
	callID := session.CallID()
	if alice.CurrentCall() != session {
		t.Error("client should expose the active session")
	}

	// The 1:1 slot is exclusive while the call lives.
	if _, err := alice.StartCall(ctx, "carol", calling.CallTypeVoice); err == nil {
		t.Error("second concurrent 1:1 call should be refused")
	}

	bobSession, err := bob.AnswerCall(ctx, callID)
	if err != nil {
		t.Fatalf("answer call failed: %v", err)
	}
	waitUntil(t, func() bool { return session.Status() == store.CallStatusAnswered })

	if err := session.End(ctx); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	waitUntil(t, func() bool { return bobSession.Terminal() })

	// The slot frees up once the session is terminal.
	waitUntil(t, func() bool { return alice.CurrentCall() == nil })
	second, err := alice.StartCall(ctx, "carol", calling.CallTypeVoice)
	if err != nil {
		t.Fatalf("call after end failed: %v", err)
	}
	second.End(ctx)

	rec, err := alice.CallHistory(ctx, callID)
	if err != nil {
		t.Fatalf("call history failed: %v", err)
	}
	if rec.Status != store.CallStatusEnded {
		t.Errorf("record status = %s, want ended", rec.Status)
	}
}

func TestClientDecline(t *testing.T) {
	ctx := context.Background()
	relay := signaling.NewMemoryRelay()
	defer relay.Close()
	records := store.NewMemory()

	alice := newTestClient(t, relay, records, "alice")
	bob := newTestClient(t, relay, records, "bob")

	session, err := alice.StartCall(ctx, "bob", calling.CallTypeVoice)
	if err != nil {
		t.Fatalf("start call failed: %v", err)
	}
	callID := session.CallID()

	if err := bob.DeclineCall(ctx, callID); err != nil {
		t.Fatalf("decline failed: %v", err)
	}
	// Declining does not occupy bob's 1:1 slot.
	if bob.CurrentCall() != nil {
		t.Error("decline must not claim the call slot")
	}

	waitUntil(t, func() bool { return session.Terminal() })
	if session.Status() != store.CallStatusDeclined {
		t.Errorf("caller status = %s, want declined", session.Status())
	}
	waitUntil(t, func() bool { return alice.CurrentCall() == nil })
}

func TestClientGroupCalls(t *testing.T) {
	ctx := context.Background()
	relay := signaling.NewMemoryRelay()
	defer relay.Close()
	records := store.NewMemory()

	alice := newTestClient(t, relay, records, "alice")
	bob := newTestClient(t, relay, records, "bob")

	aliceCall, callID, err := alice.StartGroupCall(ctx, "team", calling.CallTypeVideo)
	if err != nil {
		t.Fatalf("start group call failed: %v", err)
	}
	defer aliceCall.EndCall(ctx)

	bobCall, err := bob.JoinGroupCall(ctx, callID)
	if err != nil {
		t.Fatalf("join group call failed: %v", err)
	}
	defer bobCall.Leave(ctx)

	waitUntil(t, func() bool {
		return aliceCall.Links().Count() == 1 && bobCall.Links().Count() == 1
	})

	rec, err := alice.GroupCallHistory(ctx, callID)
	if err != nil {
		t.Fatalf("group call history failed: %v", err)
	}
	if rec.GroupID != "team" || rec.InitiatorID != "alice" {
		t.Errorf("record = %+v, want team group initiated by alice", rec)
	}

	// Group calls do not occupy the 1:1 slot.
	if alice.CurrentCall() != nil {
		t.Error("group call must not claim the 1:1 slot")
	}
}
