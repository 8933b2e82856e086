// Package outbox is the append-only JSONL audit trail for order intents and
// fills. The file survives restarts and doubles as the idempotency record: a
// crash after an intent was written but before its fill was applied must not
// produce a second order on restart.
package outbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type EntryType string

const (
	TypeIntent EntryType = "intent"
	TypeFill   EntryType = "fill"
)

// Entry is one line of the journal. Payload holds the executor's intent or
// fill verbatim; the envelope carries only what dedupe needs.
type Entry struct {
	Type           EntryType       `json:"type"`
	At             time.Time       `json:"at"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// Outbox appends entries to a single JSONL file. Recent intent keys are kept
// in memory and seeded from the file at open, so HasRecent never rescans the
// journal on the hot path.
type Outbox struct {
	mu     sync.Mutex
	path   string
	recent map[string]time.Time
}

// Open creates the journal directory if needed and seeds the dedupe index
// from any existing file. Unparseable lines are skipped, not fatal:
// a torn final line after a crash must not block startup.
func Open(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("outbox dir: %w", err)
	}
	o := &Outbox{path: path, recent: make(map[string]time.Time)}
	if err := o.seed(); err != nil {
		return nil, err
	}
	return o, nil
}

// AppendIntent journals an order intent under its idempotency key.
func (o *Outbox) AppendIntent(key string, at time.Time, payload any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.appendLocked(Entry{Type: TypeIntent, At: at, IdempotencyKey: key}, payload); err != nil {
		return err
	}
	o.recent[key] = at
	return nil
}

// AppendFill journals an executed fill.
func (o *Outbox) AppendFill(at time.Time, payload any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.appendLocked(Entry{Type: TypeFill, At: at}, payload)
}

// HasRecent reports whether an intent with this key was journaled within
// window before at. The caller supplies the clock so replay stays
// deterministic.
func (o *Outbox) HasRecent(key string, at time.Time, window time.Duration) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	seen, ok := o.recent[key]
	if !ok {
		return false
	}
	return at.Sub(seen) < window
}

func (o *Outbox) appendLocked(e Entry, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	e.Payload = raw
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}

	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return nil
}

func (o *Outbox) seed() error {
	f, err := os.Open(o.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("seed outbox: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.Type != TypeIntent || e.IdempotencyKey == "" {
			continue
		}
		if cur, ok := o.recent[e.IdempotencyKey]; !ok || e.At.After(cur) {
			o.recent[e.IdempotencyKey] = e.At
		}
	}
	return sc.Err()
}
