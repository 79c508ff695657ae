// Package usage records completed paid calls and aggregates them for billing
// and analytics.
//
// Records are kept in memory, bounded by capacity with oldest-first
// eviction. When a persistence path is configured the full record set is
// rewritten to disk by a background flusher and once more on Close. Totals are
// best-effort: anything recorded after the last completed flush is lost on a
// crash.
package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultCapacity bounds the number of retained records.
	DefaultCapacity = 10000

	// DefaultFlushInterval is how often dirty records are written to disk.
	DefaultFlushInterval = 5 * time.Second
)

// Record is a completed, paid call.
type Record struct {
	Tool            string    `json:"tool"`
	Payer           string    `json:"payer"`
	Amount          string    `json:"amount"`
	Network         string    `json:"network"`
	Timestamp       time.Time `json:"timestamp"`
	TransactionHash string    `json:"transactionHash,omitempty"`
}

// Tracker is a bounded, concurrency-safe usage store.
type Tracker struct {
	capacity      int
	path          string
	flushInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.RWMutex
	// records is a ring once full; head indexes the oldest record.
	records []Record
	head    int
	dirty   bool

	// writeMu serialises disk writes so a slow flush never interleaves with another.
	writeMu sync.Mutex

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithCapacity sets the maximum number of retained records.
func WithCapacity(n int) Option {
	return func(t *Tracker) {
		t.capacity = n
	}
}

// WithPersistence enables writing records to path.
func WithPersistence(path string) Option {
	return func(t *Tracker) {
		t.path = path
	}
}

// WithFlushInterval sets the background flush period. Zero disables the
// background flusher; Flush and Close still write.
func WithFlushInterval(d time.Duration) Option {
	return func(t *Tracker) {
		t.flushInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithClock overrides the time source used by Stats.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker and loads any previously persisted records.
// A missing file starts fresh; a malformed file is an error.
func NewTracker(opts ...Option) (*Tracker, error) {
	t := &Tracker{
		capacity:      DefaultCapacity,
		flushInterval: DefaultFlushInterval,
		logger:        slog.Default(),
		now:           time.Now,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.capacity <= 0 {
		t.capacity = DefaultCapacity
	}

	if t.path != "" {
		if err := t.load(); err != nil {
			return nil, err
		}
	}

	if t.path != "" && t.flushInterval > 0 {
		go t.flushLoop()
	} else {
		close(t.done)
	}

	return t, nil
}

// Record appends a usage record, evicting the oldest when at capacity.
func (t *Tracker) Record(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now().UTC()
	}

	t.mu.Lock()
	if len(t.records) < t.capacity {
		t.records = append(t.records, rec)
	} else {
		t.records[t.head] = rec
		t.head = (t.head + 1) % len(t.records)
	}
	t.dirty = true
	t.mu.Unlock()
}

// at returns the i-th oldest record. Callers hold mu.
func (t *Tracker) at(i int) Record {
	return t.records[(t.head+i)%len(t.records)]
}

// Len returns the number of retained records.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Recent returns up to n records, most recent first. n <= 0 returns all.
func (t *Tracker) Recent(n int) []Record {
	return t.filter(n, func(Record) bool { return true })
}

// PayerHistory returns every record paid by payer, most recent first.
// Addresses compare case-insensitively.
func (t *Tracker) PayerHistory(payer string) []Record {
	return t.filter(0, func(r Record) bool { return strings.EqualFold(r.Payer, payer) })
}

// ToolHistory returns every record for tool, most recent first.
func (t *Tracker) ToolHistory(tool string) []Record {
	return t.filter(0, func(r Record) bool { return r.Tool == tool })
}

func (t *Tracker) filter(limit int, keep func(Record) bool) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Record, 0)
	for i := len(t.records) - 1; i >= 0; i-- {
		r := t.at(i)
		if !keep(r) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Flush writes the current record set to disk if it changed since the last write.
func (t *Tracker) Flush() error {
	if t.path == "" {
		return nil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return nil
	}
	snapshot := make([]Record, len(t.records))
	for i := range snapshot {
		snapshot[i] = t.at(len(t.records) - 1 - i)
	}
	t.dirty = false
	t.mu.Unlock()

	if err := writeFile(t.path, snapshot); err != nil {
		t.mu.Lock()
		t.dirty = true
		t.mu.Unlock()
		return err
	}
	return nil
}

// Close stops the background flusher and performs a final flush.
func (t *Tracker) Close() error {
	t.once.Do(func() { close(t.stopCh) })
	<-t.done
	return t.Flush()
}

func (t *Tracker) flushLoop() {
	defer close(t.done)

	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.Flush(); err != nil {
				t.logger.Error("failed to persist usage records", "path", t.path, "error", err)
			}
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) load() error {
	data, err := os.ReadFile(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		t.logger.Info("no usage file found, starting fresh", "path", t.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read usage file %s: %w", t.path, err)
	}

	var stored []Record
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("malformed usage file %s: %w", t.path, err)
	}
	for i, r := range stored {
		if _, ok := new(big.Int).SetString(r.Amount, 10); !ok {
			return fmt.Errorf("malformed usage file %s: record %d has invalid amount %q", t.path, i, r.Amount)
		}
	}

	// Stored most recent first.
	if len(stored) > t.capacity {
		stored = stored[:t.capacity]
	}
	t.records = make([]Record, len(stored), t.capacity)
	t.head = 0
	for i, r := range stored {
		t.records[len(stored)-1-i] = r
	}

	t.logger.Info("loaded usage records", "path", t.path, "count", len(t.records))
	return nil
}

func writeFile(path string, records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal usage records: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create usage directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".usage-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp usage file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write usage file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close usage file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace usage file: %w", err)
	}
	return nil
}
