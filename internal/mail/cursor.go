package mail

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gofrs/flock"
)

// archiveIDBytes is the entropy behind each archive identifier. 9 bytes
// encode to 12 URL-safe characters with no padding.
const archiveIDBytes = 9

// cursorState is the persisted cursor file layout.
type cursorState struct {
	LastUID uint32 `json:"last_uid"`
	// ArchiveIDs maps the string form of a UID to its opaque archive id.
	ArchiveIDs map[string]string `json:"archive_ids"`
}

// CursorStore owns the mail UID cursor and the uid→archive_id map. It is a
// single-writer component: a file lock rejects a second process, and every
// update goes through write-temp-then-rename with an fsync.
type CursorStore struct {
	path string
	lock *flock.Flock

	mu    sync.Mutex
	state cursorState
}

// OpenCursorStore loads (or initializes) the cursor file at path and takes
// the process-exclusive lock next to it.
func OpenCursorStore(path string) (*CursorStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cursor directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock cursor file: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("cursor file %s is locked by another process", path)
	}

	cs := &CursorStore{
		path:  path,
		lock:  lock,
		state: cursorState{ArchiveIDs: make(map[string]string)},
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Fresh state.
	case err != nil:
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to read cursor file: %w", err)
	default:
		if err := json.Unmarshal(data, &cs.state); err != nil {
			_ = lock.Unlock()
			return nil, fmt.Errorf("cursor file %s is corrupt: %w", path, err)
		}
		if cs.state.ArchiveIDs == nil {
			cs.state.ArchiveIDs = make(map[string]string)
		}
	}
	return cs, nil
}

// LastUID returns the highest UID ever enqueued.
func (c *CursorStore) LastUID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.LastUID
}

// ArchiveID returns the archive id recorded for a UID, creating and
// remembering a new one when the UID is unseen. The new id is not persisted
// until Advance; a crash before enqueue simply reassigns on replay.
func (c *CursorStore) ArchiveID(uid uint32) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := strconv.FormatUint(uint64(uid), 10)
	if id, ok := c.state.ArchiveIDs[key]; ok {
		return id, nil
	}
	id, err := newArchiveID()
	if err != nil {
		return "", err
	}
	c.state.ArchiveIDs[key] = id
	return id, nil
}

// Advance records that uid was enqueued and persists the whole state
// atomically. The cursor never moves backwards.
func (c *CursorStore) Advance(uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if uid > c.state.LastUID {
		c.state.LastUID = uid
	}
	return c.persistLocked()
}

func (c *CursorStore) persistLocked() error {
	data, err := json.MarshalIndent(c.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cursor state: %w", err)
	}

	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create cursor temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write cursor state: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync cursor state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close cursor temp file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace cursor file: %w", err)
	}
	return nil
}

// Close releases the process lock.
func (c *CursorStore) Close() error {
	return c.lock.Unlock()
}

func newArchiveID() (string, error) {
	buf := make([]byte, archiveIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate archive id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
