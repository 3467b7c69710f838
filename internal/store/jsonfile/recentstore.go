// Package jsonfile persists recent peers and session activity as JSON files
// under the data directory.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/hay-kot/dmchat/internal/core/messaging"
	"github.com/hay-kot/dmchat/internal/core/recent"
)

const defaultMaxRecent = 50

// RecentFile is the root JSON structure stored on disk for recent peers.
type RecentFile struct {
	Peers map[string]recent.Peer `json:"peers"`
}

// RecentStore implements recent.Store using a JSON file for persistence.
type RecentStore struct {
	path    string
	maxSize int
	now     func() time.Time
	mu      sync.RWMutex
}

// NewRecentStore creates a new JSON file recent peer store at the given path.
func NewRecentStore(path string) *RecentStore {
	return &RecentStore{
		path:    path,
		maxSize: defaultMaxRecent,
		now:     time.Now,
	}
}

// WithMaxSize sets the number of peers retained. Older peers are evicted first.
func (s *RecentStore) WithMaxSize(n int) *RecentStore {
	s.maxSize = n
	return s
}

// lockPath returns the path to the lock file.
func (s *RecentStore) lockPath() string {
	return s.path + ".lock"
}

// withSharedLock executes fn while holding a shared (read) file lock.
// Multiple processes can hold shared locks simultaneously.
func (s *RecentStore) withSharedLock(fn func() error) error {
	return s.withFileLock(syscall.LOCK_SH, fn)
}

// withExclusiveLock executes fn while holding an exclusive (write) file lock.
func (s *RecentStore) withExclusiveLock(fn func() error) error {
	return s.withFileLock(syscall.LOCK_EX, fn)
}

func (s *RecentStore) withFileLock(lockType int, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	if err := syscall.Flock(int(f.Fd()), lockType); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck

	return fn()
}

// Touch records a selection of the peer.
func (s *RecentStore) Touch(ctx context.Context, username string, id messaging.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withExclusiveLock(func() error {
		file, err := s.load()
		if err != nil {
			return err
		}

		peer := file.Peers[username]
		peer.Username = username
		peer.UserID = id
		peer.SelectedAt = s.now()
		peer.Count++
		file.Peers[username] = peer

		s.evict(&file)
		return s.save(file)
	})
}

// Get returns the entry for username. Returns recent.ErrNotFound if absent.
func (s *RecentStore) Get(ctx context.Context, username string) (recent.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		peer  recent.Peer
		found bool
	)

	err := s.withSharedLock(func() error {
		file, err := s.load()
		if err != nil {
			return err
		}
		peer, found = file.Peers[username]
		return nil
	})
	if err != nil {
		return recent.Peer{}, err
	}
	if !found {
		return recent.Peer{}, recent.ErrNotFound
	}
	return peer, nil
}

// List returns peers, most recently selected first.
func (s *RecentStore) List(ctx context.Context, limit int) ([]recent.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var peers []recent.Peer

	err := s.withSharedLock(func() error {
		file, err := s.load()
		if err != nil {
			return err
		}
		peers = sortedPeers(file)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(peers) > limit {
		peers = peers[:limit]
	}
	return peers, nil
}

// Forget removes a peer. Returns recent.ErrNotFound if absent.
func (s *RecentStore) Forget(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var notFound bool

	err := s.withExclusiveLock(func() error {
		file, err := s.load()
		if err != nil {
			return err
		}

		if _, ok := file.Peers[username]; !ok {
			notFound = true
			return nil
		}

		delete(file.Peers, username)
		return s.save(file)
	})
	if err != nil {
		return err
	}

	if notFound {
		return recent.ErrNotFound
	}
	return nil
}

// evict drops the least recently selected peers above the size limit.
func (s *RecentStore) evict(file *RecentFile) {
	if s.maxSize <= 0 || len(file.Peers) <= s.maxSize {
		return
	}
	for _, p := range sortedPeers(*file)[s.maxSize:] {
		delete(file.Peers, p.Username)
	}
}

func sortedPeers(file RecentFile) []recent.Peer {
	peers := make([]recent.Peer, 0, len(file.Peers))
	for _, p := range file.Peers {
		peers = append(peers, p)
	}
	slices.SortFunc(peers, func(a, b recent.Peer) int {
		if c := b.SelectedAt.Compare(a.SelectedAt); c != 0 {
			return c
		}
		if a.Username < b.Username {
			return -1
		}
		if a.Username > b.Username {
			return 1
		}
		return 0
	})
	return peers
}

// load reads the recent file from disk.
// Returns an empty RecentFile if the file doesn't exist.
func (s *RecentStore) load() (RecentFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return RecentFile{Peers: make(map[string]recent.Peer)}, nil
		}
		return RecentFile{}, err
	}

	if len(data) == 0 {
		return RecentFile{Peers: make(map[string]recent.Peer)}, nil
	}

	var file RecentFile
	if err := json.Unmarshal(data, &file); err != nil {
		return RecentFile{}, fmt.Errorf("parse %s: %w", s.path, err)
	}

	if file.Peers == nil {
		file.Peers = make(map[string]recent.Peer)
	}

	return file, nil
}

// save writes the recent file to disk atomically.
func (s *RecentStore) save(file RecentFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp) // best effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
