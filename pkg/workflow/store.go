package workflow

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store holds the current set of parsed workflow definitions, refreshed
// periodically from the workflow directory. Readers always see one
// consistent snapshot: the map is replaced wholesale, never mutated.
type Store struct {
	root     string
	interval time.Duration
	parser   *Parser
	logger   *slog.Logger

	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewStore creates a store rooted at dir. Call Refresh once before use;
// Start keeps it refreshed on the configured cadence.
func NewStore(dir string, interval time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:      dir,
		interval:  interval,
		parser:    NewParser(),
		logger:    logger,
		workflows: make(map[string]*Workflow),
	}
}

// Refresh walks the workflow directory, parses every .yml/.yaml file, and
// atomically swaps the in-memory map. Parse failures are logged and skipped;
// they never abort the refresh. A missing directory yields an empty set.
func (s *Store) Refresh(ctx context.Context) error {
	next := make(map[string]*Workflow)

	err := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yml" && ext != ".yaml" {
			return nil
		}

		id, err := IDFromPath(s.root, path)
		if err != nil {
			s.logger.Warn("skipping workflow file", "path", path, "error", err)
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable workflow file", "path", path, "error", err)
			return nil
		}
		wf, err := s.parser.Parse(id, data)
		if err != nil {
			s.logger.Warn("skipping invalid workflow file", "path", path, "error", err)
			return nil
		}
		next[id] = wf
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("workflow directory missing", "dir", s.root)
			err = nil
		} else {
			return err
		}
	}

	s.mu.Lock()
	s.workflows = next
	s.mu.Unlock()

	s.logger.Debug("workflow store refreshed", "dir", s.root, "workflows", len(next))
	return nil
}

// Start refreshes the store on the configured cadence until ctx is done.
// Refresh errors are logged and the loop continues.
func (s *Store) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("workflow refresh failed", "error", err)
			}
		}
	}
}

// Get returns the definition for id, if present in the current snapshot.
func (s *Store) Get(id string) (*Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	return wf, ok
}

// List returns the current definitions sorted by id.
func (s *Store) List() []*Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns the current id -> definition map. The map is the live
// snapshot; callers must not mutate it.
func (s *Store) Snapshot() map[string]*Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workflows
}
