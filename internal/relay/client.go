// Package relay connects the daemon to the chat relay over a websocket.
// Outbound display events are journaled before sending and resent after
// reconnects until the relay acknowledges their sequence numbers.
package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-command/bridged/internal/queue"
)

// Inbound receives relay-originated messages: chat text, chat commands,
// and approval decisions.
type Inbound func(kind string, payload json.RawMessage)

// Sender is the outbound side of the relay connection. The bridge depends
// on this instead of the concrete client so tests can capture traffic.
type Sender interface {
	Send(kind, conversationID string, payload any) error
}

type Client struct {
	url      string
	token    string
	hostID   string
	backoff  []int // reconnect delays in ms, last entry repeats
	stateDir string

	mu           sync.Mutex
	conn         *websocket.Conn
	lastAcked    int64
	reconnecting bool

	queue     *queue.Queue
	onMessage Inbound
	onConnect func()
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(url, token, hostID string, backoff []int, q *queue.Queue, stateDir string) *Client {
	return &Client{
		url:      url,
		token:    token,
		hostID:   hostID,
		backoff:  backoff,
		queue:    q,
		stateDir: stateDir,
		done:     make(chan struct{}),
	}
}

func (c *Client) SetMessageHandler(h Inbound) { c.onMessage = h }
func (c *Client) SetOnConnect(h func())       { c.onConnect = h }

func (c *Client) Connect() error {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.token)
	headers.Set("X-Host-Id", c.hostID)

	conn, _, err := websocket.DefaultDialer.Dial(c.url, headers)
	if err != nil {
		return fmt.Errorf("relay dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.reconnecting = false
	c.mu.Unlock()

	go c.reader(conn)

	if c.onConnect != nil {
		go c.onConnect()
	}
	return nil
}

func (c *Client) reader(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		c.reconnect()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("relay read error: %v", err)
			}
			return
		}

		var envelope struct {
			Kind    string          `json:"kind"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(message, &envelope); err != nil {
			log.Printf("relay: unparseable frame: %v", err)
			continue
		}

		if envelope.Kind == "relay.ack" {
			c.handleAck(envelope.Payload)
			continue
		}

		if c.onMessage != nil {
			c.onMessage(envelope.Kind, envelope.Payload)
		}
	}
}

func (c *Client) handleAck(payload json.RawMessage) {
	var ack struct {
		AckSeq int64  `json:"ack_seq"`
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(payload, &ack); err != nil {
		return
	}
	if ack.Status == "error" {
		log.Printf("relay ack error (seq=%d): %s", ack.AckSeq, ack.Error)
	}
	if ack.AckSeq <= 0 {
		return
	}

	c.mu.Lock()
	if ack.AckSeq > c.lastAcked {
		c.lastAcked = ack.AckSeq
	}
	c.mu.Unlock()

	_ = c.queue.Ack(ack.AckSeq)
	if c.stateDir != "" {
		_ = queue.SaveAckedSeq(c.stateDir, ack.AckSeq)
	}
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	for i, delay := range c.backoff {
		select {
		case <-c.done:
			return
		case <-time.After(time.Duration(delay) * time.Millisecond):
		}

		log.Printf("relay reconnect attempt %d/%d", i+1, len(c.backoff))
		if err := c.Connect(); err == nil {
			log.Printf("relay reconnected")
			return
		}
	}

	maxDelay := c.backoff[len(c.backoff)-1]
	for {
		select {
		case <-c.done:
			return
		case <-time.After(time.Duration(maxDelay) * time.Millisecond):
		}
		if err := c.Connect(); err == nil {
			log.Printf("relay reconnected")
			return
		}
	}
}

// Send journals the event and writes it to the relay. A write failure is
// not fatal: the journaled copy goes out on the next ResendPending.
func (c *Client) Send(kind, conversationID string, payload any) error {
	env, err := c.queue.Push(kind, conversationID, payload)
	if err != nil {
		return err
	}
	return c.write(env)
}

func (c *Client) write(env queue.Envelope) error {
	frame := map[string]any{
		"v":               1,
		"kind":            env.Kind,
		"seq":             env.Seq,
		"conversation_id": env.ConversationID,
		"ts":              time.Now().UTC().Format(time.RFC3339Nano),
		"payload":         env.Payload,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("relay not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ResendPending replays every unacknowledged journal entry in order,
// typically from the on-connect hook.
func (c *Client) ResendPending() {
	for _, env := range c.queue.Pending() {
		if err := c.write(env); err != nil {
			return
		}
	}
}

// ConnectWithRetry keeps dialing on the backoff ladder until the first
// connection succeeds or the client is closed.
func (c *Client) ConnectWithRetry() {
	if err := c.Connect(); err == nil {
		return
	}
	c.reconnect()
}

func (c *Client) LastAcked() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAcked
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}
