package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/bridged/internal/queue"
)

type wsFrame struct {
	V              int             `json:"v"`
	Kind           string          `json:"kind"`
	Seq            int64           `json:"seq"`
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
}

// testRelay is a minimal relay endpoint: it records frames and lets the
// test push frames back to the client.
type testRelay struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []wsFrame
	auth     string
}

func (r *testRelay) handler(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.auth = req.Header.Get("Authorization")
	r.mu.Unlock()

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f wsFrame
		if json.Unmarshal(data, &f) == nil {
			r.mu.Lock()
			r.received = append(r.received, f)
			r.mu.Unlock()
		}
	}
}

func (r *testRelay) frames() []wsFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wsFrame, len(r.received))
	copy(out, r.received)
	return out
}

func (r *testRelay) connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

func (r *testRelay) push(kind string, payload any) error {
	data, _ := json.Marshal(payload)
	frame, _ := json.Marshal(map[string]any{"kind": kind, "payload": json.RawMessage(data)})
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn.WriteMessage(websocket.TextMessage, frame)
}

func startTestRelay(t *testing.T) (*testRelay, string) {
	t.Helper()
	relay := &testRelay{}
	srv := httptest.NewServer(http.HandlerFunc(relay.handler))
	t.Cleanup(srv.Close)
	return relay, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newConnectedClient(t *testing.T, relay *testRelay, url string) (*Client, *queue.Queue) {
	t.Helper()
	q, err := queue.Open(t.TempDir(), 100)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	c := NewClient(url, "secret-token", "host-1", []int{10, 20}, q, "")
	require.NoError(t, c.Connect())
	t.Cleanup(c.Close)
	return c, q
}

func TestSendDeliversSequencedFrame(t *testing.T) {
	relay, url := startTestRelay(t)
	c, _ := newConnectedClient(t, relay, url)

	require.NoError(t, c.Send("turn.text", "conv-1", map[string]string{"text": "hi"}))
	require.NoError(t, c.Send("turn.done", "conv-1", map[string]string{"result": "ok"}))

	require.Eventually(t, func() bool { return len(relay.frames()) == 2 }, time.Second, 5*time.Millisecond)
	frames := relay.frames()
	assert.Equal(t, int64(1), frames[0].Seq)
	assert.Equal(t, "turn.text", frames[0].Kind)
	assert.Equal(t, "conv-1", frames[0].ConversationID)
	assert.Equal(t, int64(2), frames[1].Seq)

	relay.mu.Lock()
	auth := relay.auth
	relay.mu.Unlock()
	assert.Equal(t, "Bearer secret-token", auth)
}

func TestAckPrunesQueue(t *testing.T) {
	relay, url := startTestRelay(t)
	c, q := newConnectedClient(t, relay, url)

	require.NoError(t, c.Send("turn.text", "conv-1", map[string]string{"text": "a"}))
	require.NoError(t, c.Send("turn.text", "conv-1", map[string]string{"text": "b"}))
	require.Equal(t, 2, q.Len())

	require.Eventually(t, func() bool { return relay.connected() }, time.Second, 5*time.Millisecond)
	require.NoError(t, relay.push("relay.ack", map[string]any{"ack_seq": 1, "status": "ok"}))

	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), c.LastAcked())
}

func TestInboundDispatch(t *testing.T) {
	relay, url := startTestRelay(t)

	q, err := queue.Open(t.TempDir(), 100)
	require.NoError(t, err)
	defer q.Close()

	var mu sync.Mutex
	var gotKind string
	var gotPayload json.RawMessage

	c := NewClient(url, "tok", "host-1", []int{10}, q, "")
	c.SetMessageHandler(func(kind string, payload json.RawMessage) {
		mu.Lock()
		gotKind = kind
		gotPayload = payload
		mu.Unlock()
	})
	require.NoError(t, c.Connect())
	defer c.Close()

	require.Eventually(t, func() bool { return relay.connected() }, time.Second, 5*time.Millisecond)
	require.NoError(t, relay.push("chat.message", map[string]string{"conversation_id": "conv-1", "text": "hello"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotKind == "chat.message"
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var msg chatMessage
	require.NoError(t, json.Unmarshal(gotPayload, &msg))
	assert.Equal(t, "hello", msg.Text)
}

func TestResendPendingReplaysJournal(t *testing.T) {
	relay, url := startTestRelay(t)

	q, err := queue.Open(t.TempDir(), 100)
	require.NoError(t, err)
	defer q.Close()

	// Journal events while offline.
	_, err = q.Push("turn.text", "conv-1", map[string]string{"text": "offline-1"})
	require.NoError(t, err)
	_, err = q.Push("turn.text", "conv-1", map[string]string{"text": "offline-2"})
	require.NoError(t, err)

	c := NewClient(url, "tok", "host-1", []int{10}, q, "")
	require.NoError(t, c.Connect())
	defer c.Close()

	c.ResendPending()

	require.Eventually(t, func() bool { return len(relay.frames()) == 2 }, time.Second, 5*time.Millisecond)
	frames := relay.frames()
	assert.Equal(t, int64(1), frames[0].Seq)
	assert.Equal(t, int64(2), frames[1].Seq)
}
