/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CallMesh Authors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Config holds the configuration for the websocket transport
type Config struct {
	HandshakeTimeout time.Duration // Timeout for the initial websocket handshake
	PingInterval     time.Duration // Interval between ping messages
	PongTimeout      time.Duration // Timeout for receiving a pong response
	WriteTimeout     time.Duration // Per-frame write deadline
}

// DefaultConfig returns the default configuration for the websocket transport
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// wsFrame is the client-to-relay control frame.
type wsFrame struct {
	Action  string   `json:"action"` // "subscribe", "unsubscribe" or "publish"
	CallID  string   `json:"callId,omitempty"`
	UserID  string   `json:"userId,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// WebSocketTransport is a Transport backed by a websocket connection to an
// external signaling relay. A relay failure is fatal to every call using the
// connection: all subscription channels are closed and the controllers run
// their call-end cleanup.
type WebSocketTransport struct {
	config *Config
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*wsSub
	closed bool

	done chan struct{}
}

type wsSub struct {
	transport *WebSocketTransport
	callID    string
	userID    string
	ch        chan Message
	once      sync.Once
}

// Dial connects to a signaling relay at the given websocket URL.
func Dial(ctx context.Context, relayURL string, config *Config) (*WebSocketTransport, error) {
	if config == nil {
		config = DefaultConfig()
	}

	dialer := websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling relay: %w", err)
	}

	t := &WebSocketTransport{
		config: config,
		conn:   conn,
		subs:   make(map[string]*wsSub),
		done:   make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(config.PingInterval + config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.PingInterval + config.PongTimeout))
	})

	go t.readPump()
	go t.pingLoop()
	return t, nil
}

// Subscribe attaches the user to a call's stream via the relay.
func (t *WebSocketTransport) Subscribe(ctx context.Context, callID, userID string) (Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := t.subs[callID]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("already subscribed to call %s", callID)
	}
	sub := &wsSub{
		transport: t,
		callID:    callID,
		userID:    userID,
		ch:        make(chan Message, subscriptionBuffer),
	}
	t.subs[callID] = sub
	t.mu.Unlock()

	if err := t.writeFrame(wsFrame{Action: "subscribe", CallID: callID, UserID: userID}); err != nil {
		t.dropSub(callID)
		return nil, err
	}
	return sub, nil
}

// Publish relays a message through the websocket connection.
func (t *WebSocketTransport) Publish(ctx context.Context, msg Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()
	return t.writeFrame(wsFrame{Action: "publish", Message: &msg})
}

// Close tears down the relay connection and every subscription.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[string]*wsSub)
	t.mu.Unlock()

	close(t.done)
	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	return t.conn.Close()
}

func (t *WebSocketTransport) writeFrame(f wsFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal signaling frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write signaling frame: %w", err)
	}
	return nil
}

// readPump dispatches inbound relay messages to the matching subscription.
// When the connection fails it closes every subscription channel so the
// controllers observe the loss and end their calls.
func (t *WebSocketTransport) readPump() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			wasClosed := t.closed
			t.mu.Unlock()
			if !wasClosed {
				log.Error().Err(err).Msg("signaling relay connection lost")
				t.Close()
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("dropping malformed relay message")
			continue
		}

		t.mu.Lock()
		sub := t.subs[msg.CallID]
		t.mu.Unlock()
		if sub == nil || msg.SenderID == sub.userID {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			log.Warn().
				Str("call_id", msg.CallID).
				Str("type", string(msg.Type)).
				Msg("subscriber buffer full, dropping message")
		}
	}
}

func (t *WebSocketTransport) pingLoop() {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				log.Error().Err(err).Msg("signaling relay ping failed")
				t.Close()
				return
			}
		}
	}
}

func (t *WebSocketTransport) dropSub(callID string) {
	t.mu.Lock()
	sub := t.subs[callID]
	delete(t.subs, callID)
	t.mu.Unlock()
	if sub != nil {
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (s *wsSub) Messages() <-chan Message { return s.ch }

func (s *wsSub) Unsubscribe() error {
	err := s.transport.writeFrame(wsFrame{Action: "unsubscribe", CallID: s.callID, UserID: s.userID})
	s.transport.dropSub(s.callID)
	return err
}
