// Package queue persists outbound display events so chat output survives
// relay disconnects and daemon restarts. Events live in a JSONL journal
// until the relay acknowledges their sequence numbers.
package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Envelope is one queued display event.
type Envelope struct {
	Seq            int64           `json:"seq"`
	Kind           string          `json:"kind"`
	ConversationID string          `json:"conversation_id"`
	QueuedAt       time.Time       `json:"queued_at"`
	Payload        json.RawMessage `json:"payload"`
}

const journalName = "outbound.jsonl"

// Queue is the persistent outbound journal. Sequence numbers are assigned
// on push and survive restarts.
type Queue struct {
	path    string
	maxSize int

	mu          sync.Mutex
	pending     []Envelope
	nextSeq     int64
	journal     *os.File
	lastCompact time.Time
}

func Open(stateDir string, maxSize int) (*Queue, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	q := &Queue{
		path:    filepath.Join(stateDir, journalName),
		maxSize: maxSize,
		nextSeq: 1,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	if err := q.openJournal(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) load() error {
	file, err := os.Open(q.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var env Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			continue
		}
		q.pending = append(q.pending, env)
		if env.Seq >= q.nextSeq {
			q.nextSeq = env.Seq + 1
		}
	}
	return scanner.Err()
}

func (q *Queue) openJournal() error {
	if q.journal != nil {
		return nil
	}
	file, err := os.OpenFile(q.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal for append: %w", err)
	}
	q.journal = file
	return nil
}

func (q *Queue) writeLine(env Envelope) error {
	if err := q.openJournal(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := q.journal.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// Push assigns the next sequence number, journals the event, and returns
// the stamped envelope. When the queue is full the oldest event is dropped.
func (q *Queue) Push(kind, conversationID string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	env := Envelope{
		Seq:            q.nextSeq,
		Kind:           kind,
		ConversationID: conversationID,
		QueuedAt:       time.Now().UTC(),
		Payload:        data,
	}
	q.nextSeq++

	dropped := false
	if q.maxSize > 0 && len(q.pending) >= q.maxSize {
		q.pending = q.pending[1:]
		dropped = true
	}
	q.pending = append(q.pending, env)

	if err := q.writeLine(env); err != nil {
		return Envelope{}, err
	}
	if dropped {
		return env, q.compact()
	}
	return env, nil
}

// Ack drops every event with Seq <= seq. The journal is rewritten only when
// enough has been removed to be worth the churn.
func (q *Queue) Ack(seq int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	kept := q.pending[:0]
	for _, env := range q.pending {
		if env.Seq > seq {
			kept = append(kept, env)
		} else {
			removed++
		}
	}
	q.pending = kept
	return q.maybeCompact(removed)
}

// Pending returns a copy of all unacknowledged events in order.
func (q *Queue) Pending() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Envelope, len(q.pending))
	copy(out, q.pending)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.journal == nil {
		return nil
	}
	err := q.journal.Close()
	q.journal = nil
	return err
}

func (q *Queue) maybeCompact(removed int) error {
	if removed == 0 {
		return nil
	}
	if time.Since(q.lastCompact) < 30*time.Second && removed < 100 {
		return nil
	}
	if info, err := os.Stat(q.path); err == nil {
		if info.Size() < 5*1024*1024 && removed < 100 {
			return nil
		}
	}
	return q.compact()
}

func (q *Queue) compact() error {
	tmp := q.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("compact journal: %w", err)
	}
	writer := bufio.NewWriter(file)
	for _, env := range q.pending {
		data, err := json.Marshal(env)
		if err != nil {
			continue
		}
		writer.Write(data)
		writer.WriteByte('\n')
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return err
	}
	if q.journal != nil {
		q.journal.Close()
		q.journal = nil
	}
	q.lastCompact = time.Now()
	return q.openJournal()
}

// LoadAckedSeq reads the persisted high-water ack mark.
func LoadAckedSeq(stateDir string) int64 {
	data, err := os.ReadFile(filepath.Join(stateDir, "acked-seq"))
	if err != nil {
		return 0
	}
	var seq int64
	if _, err := fmt.Sscanf(string(data), "%d", &seq); err != nil {
		return 0
	}
	return seq
}

// SaveAckedSeq persists the high-water ack mark.
func SaveAckedSeq(stateDir string, seq int64) error {
	return os.WriteFile(filepath.Join(stateDir, "acked-seq"), []byte(fmt.Sprintf("%d", seq)), 0o644)
}
