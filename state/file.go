package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const journalName = "processed.jsonl"

// FileTracker appends every newly processed hash to a JSON lines journal and
// replays that journal on open.
type FileTracker struct {
	*MemoryTracker
	path    string
	journal *journal
}

type fileRecord struct {
	Hash      string `json:"hash"`
	MessageID string `json:"message_id"`
}

func NewFileTracker(stateDir string, persist bool) (*FileTracker, error) {
	if err := ensureDir(stateDir); err != nil {
		return nil, err
	}

	t := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, journalName),
	}
	err := replay(t.path, func(rec fileRecord) {
		t.add(rec.Hash, rec.MessageID)
	})
	if err != nil {
		return nil, err
	}

	if persist {
		if t.journal, err = openJournal(t.path); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *FileTracker) Path() string {
	return t.path
}

func (t *FileTracker) MarkProcessed(hash, messageID string) error {
	if !t.add(hash, messageID) || t.journal == nil {
		return nil
	}
	return t.journal.append(fileRecord{Hash: hash, MessageID: messageID})
}

// Flush pushes buffered records to disk without closing the journal.
func (t *FileTracker) Flush() error {
	if t.journal == nil {
		return nil
	}
	return t.journal.flush()
}

func (t *FileTracker) Close() error {
	if t.journal == nil {
		return nil
	}
	err := t.journal.close()
	t.journal = nil
	return err
}

// replay feeds every record of the journal at path to fn. A missing journal
// is an empty one.
func replay(path string, fn func(fileRecord)) error {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		fn(rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	return nil
}

type journal struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
}

func openJournal(path string) (*journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}
	return &journal{file: file, buf: bufio.NewWriter(file)}, nil
}

func (j *journal) append(rec fileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.buf.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	// Hand each record to the OS so a crash loses at most the one in flight.
	if err := j.buf.Flush(); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	return nil
}

func (j *journal) flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sync()
}

func (j *journal) sync() error {
	if err := j.buf.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.sync()
	if cerr := j.file.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close state file: %w", cerr))
	}
	return err
}
