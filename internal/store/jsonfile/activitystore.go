package jsonfile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/hay-kot/dmchat/internal/core/messaging"
)

const (
	defaultMaxActivities = 1000
	activityFilename     = "activity.jsonl"
)

// ActivityStore implements messaging.ActivityStore as an append-only JSON
// lines file. Only the newest maxActivities events are visible; the file is
// compacted once it grows a quarter past that.
type ActivityStore struct {
	dir           string
	maxActivities int

	mu    sync.Mutex
	lines int // lines in the file as last seen by this process, -1 if unknown
}

// NewActivityStore creates a new activity store at the given directory.
func NewActivityStore(dir string) *ActivityStore {
	return &ActivityStore{
		dir:           dir,
		maxActivities: defaultMaxActivities,
		lines:         -1,
	}
}

// WithMaxActivities sets the maximum number of activities to retain.
func (s *ActivityStore) WithMaxActivities(max int) *ActivityStore {
	s.maxActivities = max
	return s
}

func (s *ActivityStore) filePath() string {
	return filepath.Join(s.dir, activityFilename)
}

func (s *ActivityStore) lockPath() string {
	return s.filePath() + ".lock"
}

func (s *ActivityStore) compactAt() int {
	return s.maxActivities + max(s.maxActivities/4, 1)
}

// withFileLock runs fn while holding a flock of the given type. Writers of
// other dmchat processes share the same lock file.
func (s *ActivityStore) withFileLock(lockType int, fn func() error) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create activity directory: %w", err)
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

// Record appends an activity event, assigning an id and timestamp when
// missing.
func (s *ActivityStore) Record(activity messaging.Activity) error {
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.Timestamp.IsZero() {
		activity.Timestamp = time.Now()
	}

	line, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withFileLock(syscall.LOCK_EX, func() error {
		if s.lines < 0 {
			activities, err := s.readActivitiesUnsafe()
			if err != nil {
				return err
			}
			s.lines = len(activities)
		}

		f, err := os.OpenFile(s.filePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open activity file: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close() //nolint:errcheck
			return fmt.Errorf("append activity: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close activity file: %w", err)
		}
		s.lines++

		if s.lines < s.compactAt() {
			return nil
		}
		return s.compactUnsafe()
	})
}

// compactUnsafe rewrites the file with only the retained events.
// Caller must hold the exclusive lock.
func (s *ActivityStore) compactUnsafe() error {
	activities, err := s.readActivitiesUnsafe()
	if err != nil {
		return err
	}
	activities = s.retained(activities)
	if err := s.writeActivitiesUnsafe(activities); err != nil {
		return err
	}
	s.lines = len(activities)
	return nil
}

func (s *ActivityStore) retained(activities []messaging.Activity) []messaging.Activity {
	if s.maxActivities > 0 && len(activities) > s.maxActivities {
		return activities[len(activities)-s.maxActivities:]
	}
	return activities
}

// List returns activity events matching the filter, newest first.
func (s *ActivityStore) List(filter messaging.ActivityFilter) ([]messaging.Activity, error) {
	if filter.Topic != "" && !doublestar.ValidatePattern(filter.Topic) {
		return nil, fmt.Errorf("invalid topic pattern %q", filter.Topic)
	}

	var result []messaging.Activity
	err := s.withFileLock(syscall.LOCK_SH, func() error {
		activities, err := s.readActivitiesUnsafe()
		if err != nil {
			return err
		}
		activities = s.retained(activities)

		for i := len(activities) - 1; i >= 0; i-- {
			a := activities[i]
			if !filter.Since.IsZero() && !a.Timestamp.After(filter.Since) {
				continue
			}
			if filter.Topic != "" {
				// Pattern was validated above.
				if ok, _ := doublestar.Match(filter.Topic, a.Topic); !ok {
					continue
				}
			}
			result = append(result, a)
			if filter.Limit > 0 && len(result) >= filter.Limit {
				break
			}
		}
		return nil
	})
	return result, err
}

// readActivitiesUnsafe reads every well-formed event in file order.
// Caller must hold a lock.
func (s *ActivityStore) readActivitiesUnsafe() ([]messaging.Activity, error) {
	f, err := os.Open(s.filePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open activity file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	var activities []messaging.Activity
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var activity messaging.Activity
		if err := json.Unmarshal(scanner.Bytes(), &activity); err != nil {
			continue
		}
		activities = append(activities, activity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read activity file: %w", err)
	}

	return activities, nil
}

// writeActivitiesUnsafe replaces the file through a temp file and rename.
// Caller must hold the exclusive lock.
func (s *ActivityStore) writeActivitiesUnsafe(activities []messaging.Activity) error {
	tmp, err := os.CreateTemp(s.dir, activityFilename+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, a := range activities {
		if err := enc.Encode(a); err != nil {
			tmp.Close() //nolint:errcheck
			_ = os.Remove(tmpPath)
			return fmt.Errorf("write activity: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close() //nolint:errcheck
		_ = os.Remove(tmpPath)
		return fmt.Errorf("flush activities: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath()); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
