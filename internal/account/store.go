package account

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/nghyane/antigravity-pool/internal/json"
	log "github.com/nghyane/antigravity-pool/internal/logging"
)

// Store is the durable persistence collaborator. Save must be atomic: the
// full document lands or the prior state remains.
type Store interface {
	Load() (*Document, error)
	Save(*Document) error
}

// FileStore persists the pool document as a single JSON file, replaced
// atomically via a temp file and rename. It can additionally watch the
// file for writes made by other processes and notify the owner.
type FileStore struct {
	path string

	mu       sync.Mutex
	lastHash string

	watcher   *fsnotify.Watcher
	watchStop chan struct{}
	watchOnce sync.Once
}

// NewFileStore creates a store rooted at path. The parent directory is
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the document; a missing file yields an empty pool.
func (s *FileStore) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	doc := NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", s.path, err)
	}
	doc.normalize()

	s.mu.Lock()
	s.lastHash = contentHash(data)
	s.mu.Unlock()
	return doc, nil
}

// Save writes the document atomically.
func (s *FileStore) Save(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create accounts dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write accounts temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace accounts file: %w", err)
	}

	s.mu.Lock()
	s.lastHash = contentHash(data)
	s.mu.Unlock()
	return nil
}

// Watch invokes onChange whenever the accounts file is rewritten by
// someone other than this store. Writes made through Save are recognized
// by content hash and ignored.
func (s *FileStore) Watch(onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		_ = w.Close()
		return err
	}
	// Watch the directory: atomic renames replace the file inode, which
	// would silently detach a file-level watch.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return err
	}

	s.watcher = w
	s.watchStop = make(chan struct{})

	go func() {
		for {
			select {
			case <-s.watchStop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != s.path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if s.externalChange() {
					log.Infof("accounts file changed externally, reloading")
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("accounts watcher error: %v", err)
			}
		}
	}()
	return nil
}

// StopWatch tears down the watcher started by Watch.
func (s *FileStore) StopWatch() {
	s.watchOnce.Do(func() {
		if s.watchStop != nil {
			close(s.watchStop)
		}
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
	})
}

// externalChange reports whether the file on disk differs from the last
// content this store wrote or read.
func (s *FileStore) externalChange() bool {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false
	}
	h := contentHash(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == s.lastHash {
		return false
	}
	s.lastHash = h
	return true
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
