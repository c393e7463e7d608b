package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce batches filesystem events before a rescan.
const defaultDebounce = 250 * time.Millisecond

// Registry holds the skills loaded from one directory. It is safe for
// concurrent use; the watcher rescans in the background while the
// command router and hook read.
type Registry struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	skills map[string]*Skill

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// NewRegistry creates a registry over dir. Call Rescan to load.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:      dir,
		debounce: defaultDebounce,
		logger:   logger.With("component", "skills"),
		skills:   make(map[string]*Skill),
	}
}

// Rescan reloads every *.md file in the directory. Invalid files are
// skipped with a warning. A missing directory yields an empty registry.
func (r *Registry) Rescan() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.swap(make(map[string]*Skill))
			return nil
		}
		return fmt.Errorf("read skills dir: %w", err)
	}

	next := make(map[string]*Skill)
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".md") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		skill, err := ParseSkillFile(path)
		if err != nil {
			r.logger.Warn("skipping invalid skill file", "path", path, "error", err)
			continue
		}
		if prev, ok := next[skill.Name]; ok {
			r.logger.Warn("duplicate skill name",
				"name", skill.Name, "path", path, "kept", prev.Path)
			continue
		}
		next[skill.Name] = skill
	}

	r.swap(next)
	r.logger.Info("skills loaded", "count", len(next), "dir", r.dir)
	return nil
}

func (r *Registry) swap(next map[string]*Skill) {
	r.mu.Lock()
	r.skills = next
	r.mu.Unlock()
}

// Get returns a skill by name.
func (r *Registry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skill, ok := r.skills[name]
	return skill, ok
}

// List returns all loaded skills sorted by name.
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Skill, 0, len(r.skills))
	for _, skill := range r.skills {
		result = append(result, skill)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Len returns the number of loaded skills.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.skills)
}

// StartWatching begins rescanning on filesystem changes, batched by the
// debounce interval. Safe to call once; later calls are no-ops.
func (r *Registry) StartWatching(ctx context.Context) error {
	r.watchMu.Lock()
	if r.watcher != nil {
		r.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.watchMu.Unlock()
		return err
	}
	if err := watcher.Add(r.dir); err != nil {
		_ = watcher.Close()
		r.watchMu.Unlock()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	r.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	r.watchCancel = cancel
	r.watchMu.Unlock()

	r.watchWg.Add(1)
	go r.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher and waits for the loop to exit.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
	watcher := r.watcher
	r.watcher = nil
	r.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	r.watchWg.Wait()
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer r.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(r.debounce, func() {
			if err := r.Rescan(); err != nil {
				r.logger.Warn("skill rescan failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("skill watch error", "error", err)
		}
	}
}
