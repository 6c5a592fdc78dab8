package index

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// WAL is the append-only crash-recovery log for unflushed upserts.
// Each entry is a uint32 length prefix followed by a JSON-encoded
// Record. On startup the log is replayed into the write buffer; after
// the next successful flush it is truncated.
type WAL struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenWAL opens (or creates) the log at path.
func OpenWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	return &WAL{path: path, file: f}, nil
}

// Append writes one record and syncs it to stable storage before the
// upsert is acknowledged.
func (w *WAL) Append(r *Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode wal record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err := w.file.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("append wal: %w", err)
	}
	if _, err := w.file.Write(raw); err != nil {
		return fmt.Errorf("append wal: %w", err)
	}
	return w.file.Sync()
}

// Replay streams every intact record to fn. A torn tail (partial entry
// from a crash mid-append) ends the replay silently; everything before
// it is recovered.
func (w *WAL) Replay(fn func(*Record) error) error {
	f, err := os.Open(w.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open wal for replay: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			return nil // clean EOF or torn tail
		}
		entryLen := binary.BigEndian.Uint32(lenBuf[:])
		raw := make([]byte, entryLen)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
}

// Truncate discards the log after a successful flush.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind wal: %w", err)
	}
	return w.file.Sync()
}

// Close releases the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
