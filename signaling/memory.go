/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// subscriptionBuffer is the per-subscriber channel depth. A slow consumer
// loses messages rather than blocking the relay.
const subscriptionBuffer = 256

// MemoryRelay is an in-process Transport. Every message published to a call
// is retained, and the backlog is replayed to late subscribers — the
// answering side of a 1:1 call attaches after the offer was published and
// must still receive it.
type MemoryRelay struct {
	mu      sync.Mutex
	subs    map[string][]*memorySub
	backlog map[string][]Message
	closed  bool
}

type memorySub struct {
	relay  *MemoryRelay
	callID string
	userID string
	ch     chan Message
	once   sync.Once
}

// NewMemoryRelay creates an empty in-process relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{
		subs:    make(map[string][]*memorySub),
		backlog: make(map[string][]Message),
	}
}

// Subscribe attaches a user to a call and replays the call's backlog,
// excluding the user's own prior messages.
func (r *MemoryRelay) Subscribe(ctx context.Context, callID, userID string) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		relay:  r,
		callID: callID,
		userID: userID,
		ch:     make(chan Message, subscriptionBuffer),
	}
	for _, msg := range r.backlog[callID] {
		if msg.SenderID == userID {
			continue
		}
		sub.deliver(msg)
	}
	r.subs[callID] = append(r.subs[callID], sub)
	return sub, nil
}

// Publish fans the message out to every subscriber of the call except the
// sender and appends it to the call's backlog.
func (r *MemoryRelay) Publish(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	r.backlog[msg.CallID] = append(r.backlog[msg.CallID], msg)
	for _, sub := range r.subs[msg.CallID] {
		if sub.userID == msg.SenderID {
			continue
		}
		sub.deliver(msg)
	}
	return nil
}

// Close shuts down the relay and closes every subscription channel.
func (r *MemoryRelay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, subs := range r.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	r.subs = make(map[string][]*memorySub)
}

func (s *memorySub) deliver(msg Message) {
	select {
	case s.ch <- msg:
	default:
		log.Warn().
			Str("call_id", msg.CallID).
			Str("user_id", s.userID).
			Str("type", string(msg.Type)).
			Msg("subscriber buffer full, dropping message")
	}
}

func (s *memorySub) Messages() <-chan Message { return s.ch }

func (s *memorySub) Unsubscribe() error {
	r := s.relay
	r.mu.Lock()
	subs := r.subs[s.callID]
	for i, sub := range subs {
		if sub == s {
			r.subs[s.callID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	s.once.Do(func() { close(s.ch) })
	return nil
}
