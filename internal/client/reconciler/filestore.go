package reconciler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600

	lockName       = ".lock"
	lockRetry      = 10 * time.Millisecond
	lockWait       = 10 * time.Second
	lockStaleAfter = 30 * time.Second
)

// ErrStoreLocked indicates another process held the store lock for longer
// than the client is willing to wait.
var ErrStoreLocked = errors.New("store is locked by another process")

// QueueKey names the stored acknowledgement queue of a group.
func QueueKey(groupID string) string {
	return "group." + strings.TrimSpace(groupID) + ".condition-ack-queue"
}

// SummaryKey names the stored last-known summary of a group.
func SummaryKey(groupID string) string {
	return "group." + strings.TrimSpace(groupID) + ".condition-summary"
}

// Store persists client state by key.
type Store interface {
	// Load decodes the value stored under key into target and reports
	// whether anything was stored.
	Load(key string, target any) (bool, error)
	Save(key string, value any) error
	// Update loads key into target, calls fn and saves target when fn asks
	// to, all while excluding every other Update on the same store. Nothing
	// is saved when fn fails.
	Update(key string, target any, fn func(exists bool) (save bool, err error)) error
}

// FileStore keeps one sealed JSON file per key under a private directory.
// Updates are serialized across processes through a lock file in the
// directory.
type FileStore struct {
	dir    string
	sealer *AESGCMSealer
	mu     sync.Mutex
}

// NewFileStore creates dir if needed and returns a store sealing with sealer.
func NewFileStore(dir string, sealer *AESGCMSealer) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("data dir is required")
	}
	if sealer == nil {
		return nil, errors.New("sealer is required")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{dir: dir, sealer: sealer}, nil
}

// Load implements Store.
func (s *FileStore) Load(key string, target any) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	plaintext, err := s.sealer.Open(key, string(raw))
	if err != nil {
		return false, fmt.Errorf("open %s: %w", key, err)
	}
	if err := json.Unmarshal(plaintext, target); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Save implements Store. Writes go through a temp file and a rename so a
// crash never leaves a torn file behind.
func (s *FileStore) Save(key string, value any) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	sealed, err := s.sealer.Seal(key, plaintext)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.WriteString(sealed); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// Update implements Store.
func (s *FileStore) Update(key string, target any, fn func(exists bool) (bool, error)) error {
	if _, err := s.path(key); err != nil {
		return err
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	exists, err := s.Load(key, target)
	if err != nil {
		return err
	}
	save, err := fn(exists)
	if err != nil || !save {
		return err
	}
	return s.Save(key, target)
}

// lock takes the directory lock file. A lock file older than lockStaleAfter
// is left over from a crashed process and is taken over.
func (s *FileStore) lock() (func(), error) {
	s.mu.Lock()
	path := filepath.Join(s.dir, lockName)
	deadline := time.Now().Add(lockWait)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() {
				_ = os.Remove(path)
				s.mu.Unlock()
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			s.mu.Unlock()
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			_ = os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			s.mu.Unlock()
			return nil, ErrStoreLocked
		}
		time.Sleep(lockRetry)
	}
}

func (s *FileStore) path(key string) (string, error) {
	if s == nil {
		return "", errors.New("file store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("invalid store key %q", key)
	}
	return filepath.Join(s.dir, key+".sealed"), nil
}
