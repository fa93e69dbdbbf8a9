// Package journal provides an append-only JSON-lines journal for order
// attempts and risk events.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileJournal buffers entries in memory and appends them to a JSON-lines
// file. Flushing is explicit unless the buffer reaches FlushThreshold;
// per-event fsync is deliberately avoided to bound I/O on the trading path.
type FileJournal struct {
	path           string
	flushThreshold int

	mu     sync.Mutex
	buffer []map[string]any
}

// Option configures a FileJournal.
type Option func(*FileJournal)

// WithFlushThreshold sets the buffer size that triggers an automatic
// flush. A threshold of 1 flushes on every record.
func WithFlushThreshold(n int) Option {
	return func(j *FileJournal) {
		if n > 0 {
			j.flushThreshold = n
		}
	}
}

// NewFileJournal creates the journal, ensuring the parent directory exists.
func NewFileJournal(path string, opts ...Option) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	j := &FileJournal{
		path:           path,
		flushThreshold: 64,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Record buffers one entry, stamping it with the current UTC time when the
// caller did not provide a timestamp.
func (j *FileJournal) Record(entry map[string]any) {
	payload := make(map[string]any, len(entry)+1)
	for k, v := range entry {
		payload[k] = normalise(v)
	}
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.buffer = append(j.buffer, payload)
	if len(j.buffer) >= j.flushThreshold {
		if err := j.flushLocked(); err != nil {
			// Keep the buffer so a later explicit Flush can retry.
			return
		}
	}
}

// Flush writes all buffered entries to disk.
func (j *FileJournal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

func (j *FileJournal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, item := range j.buffer {
		line, err := json.Marshal(item)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	j.buffer = j.buffer[:0]
	return nil
}

// ReadTail returns up to limit most recent entries from disk. Unparseable
// lines are skipped; a missing file yields an empty slice.
func (j *FileJournal) ReadTail(limit int) ([]map[string]any, error) {
	if limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	result := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func normalise(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	default:
		return v
	}
}
