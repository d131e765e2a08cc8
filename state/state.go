package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Tracker remembers which messages an import already stored, keyed by
// content hash, so repeated imports of the same mbox skip them.
type Tracker interface {
	AlreadyProcessed(hash string) bool
	MarkProcessed(hash, messageID string) error
	Snapshot() Snapshot
	Close() error
}

type Snapshot struct {
	Processed int
}

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the tracker for backend, storing its data under stateDir.
// With persist false nothing is written back, which dry runs rely on.
func Open(backend, stateDir string, persist bool) (Tracker, error) {
	kind := strings.ToLower(strings.TrimSpace(backend))
	if kind != "" && kind != BackendFile && kind != BackendSQLite {
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
	if err := ensureDir(stateDir); err != nil {
		return nil, err
	}
	if kind == BackendSQLite {
		return NewSQLiteTracker(filepath.Join(stateDir, "processed.db"), persist)
	}
	return NewFileTracker(stateDir, persist)
}

func ensureDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("state directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	return nil
}

// MemoryTracker keeps hashes for the lifetime of the process only. The
// persistent trackers embed it as their lookup index.
type MemoryTracker struct {
	mu   sync.RWMutex
	seen map[string]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[string]string)}
}

func (m *MemoryTracker) AlreadyProcessed(hash string) bool {
	if hash == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seen[hash]
	return ok
}

func (m *MemoryTracker) MarkProcessed(hash, messageID string) error {
	m.add(hash, messageID)
	return nil
}

// add records hash and reports whether it was new. Empty hashes are never
// recorded.
func (m *MemoryTracker) add(hash, messageID string) bool {
	if hash == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[hash]; ok {
		return false
	}
	m.seen[hash] = messageID
	return true
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Processed: len(m.seen)}
}

func (m *MemoryTracker) Close() error {
	return nil
}
