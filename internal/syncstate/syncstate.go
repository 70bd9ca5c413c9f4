// Package syncstate records, per author, which posts have been mirrored and
// when the last complete run finished.
package syncstate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/substack-mirror/internal/clock/system"
	"github.com/JakeFAU/substack-mirror/internal/crawler"
)

const fileSuffix = "_sync_state.json"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Document is the on-disk form. LastSync is unix seconds; zero means never.
type Document struct {
	LastSync    int64    `json:"last_sync"`
	SyncedPosts []string `json:"synced_posts"`
}

// Stats summarizes one author's state.
type Stats struct {
	Author      string     `json:"author"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
	SyncedPosts int        `json:"synced_posts"`
	Path        string     `json:"path,omitempty"`
}

// Tracker owns the sync state of one author. It is safe for concurrent use.
type Tracker struct {
	author string
	path   string
	clock  crawler.Clock
	logger *zap.Logger

	mu       sync.Mutex
	lastSync int64
	synced   map[string]struct{}
}

func newTracker(author, path string, clock crawler.Clock, logger *zap.Logger) *Tracker {
	t := &Tracker{
		author: author,
		path:   path,
		clock:  clock,
		logger: logger.With(zap.String("author", author)),
		synced: make(map[string]struct{}),
	}
	t.load()
	return t
}

func (t *Tracker) load() {
	if t.path == "" {
		return
	}
	data, err := os.ReadFile(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		t.logger.Warn("sync state unreadable, starting fresh", zap.String("path", t.path), zap.Error(err))
		return
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.logger.Warn("sync state corrupt, starting fresh", zap.String("path", t.path), zap.Error(err))
		return
	}
	t.lastSync = max(doc.LastSync, 0)
	for _, id := range doc.SyncedPosts {
		if id != "" {
			t.synced[id] = struct{}{}
		}
	}
	t.logger.Debug("sync state loaded", zap.Int("synced_posts", len(t.synced)), zap.Int64("last_sync", t.lastSync))
}

// saveLocked writes the document atomically. Callers hold t.mu.
func (t *Tracker) saveLocked() error {
	if t.path == "" {
		return nil
	}
	ids := make([]string, 0, len(t.synced))
	for id := range t.synced {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	data, err := json.MarshalIndent(Document{LastSync: t.lastSync, SyncedPosts: ids}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}

	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create sync dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(t.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp sync file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write sync state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync state fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close sync state: %w", err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		return fmt.Errorf("replace sync state: %w", err)
	}
	return nil
}

// FilterNew keeps the candidates that are both unseen and dated after the
// last sync. A candidate without a date passes the date test, as does every
// candidate before the first completed run.
func (t *Tracker) FilterNew(refs []crawler.PostRef) []crawler.PostRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]crawler.PostRef, 0, len(refs))
	for _, ref := range refs {
		if _, seen := t.synced[ref.SyncKey()]; seen {
			continue
		}
		if !t.newerLocked(ref.Date) {
			continue
		}
		out = append(out, ref)
	}
	return out
}

func (t *Tracker) newerLocked(date *time.Time) bool {
	if t.lastSync == 0 || date == nil {
		return true
	}
	return date.After(time.Unix(t.lastSync, 0))
}

// IsSynced reports whether id has been recorded.
func (t *Tracker) IsSynced(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.synced[id]
	return ok
}

// MarkPostSynced adds id to the synced set and saves. The id is kept only
// if the save succeeds.
func (t *Tracker) MarkPostSynced(id string) error {
	if id == "" {
		return errors.New("mark synced: empty post id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.synced[id]; ok {
		return nil
	}
	t.synced[id] = struct{}{}
	if err := t.saveLocked(); err != nil {
		delete(t.synced, id)
		return err
	}
	return nil
}

// UpdateSyncTime advances last_sync to now and saves. It never moves
// backwards, even if the clock does.
func (t *Tracker) UpdateSyncTime() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.lastSync
	t.lastSync = max(t.lastSync, t.clock.Now().Unix())
	if err := t.saveLocked(); err != nil {
		t.lastSync = prev
		return err
	}
	return nil
}

// Reset forgets everything and saves the empty document.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSync = 0
	t.synced = make(map[string]struct{})
	return t.saveLocked()
}

// LastSync returns the last completed run time; ok is false for never.
func (t *Tracker) LastSync() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastSync == 0 {
		return time.Time{}, false
	}
	return time.Unix(t.lastSync, 0).UTC(), true
}

// SyncedIDs returns the recorded ids in sorted order.
func (t *Tracker) SyncedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.synced))
	for id := range t.synced {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Stats summarizes the tracker.
func (t *Tracker) Stats() Stats {
	s := Stats{Author: t.author, Path: t.path}
	if last, ok := t.LastSync(); ok {
		s.LastSync = &last
	}
	t.mu.Lock()
	s.SyncedPosts = len(t.synced)
	t.mu.Unlock()
	return s
}

// Manager hands out one Tracker per author for the life of the process.
type Manager struct {
	dir    string
	clock  crawler.Clock
	logger *zap.Logger

	mu       sync.Mutex
	trackers map[string]*Tracker
}

// NewManager stores documents under dir. An empty dir keeps state in memory only.
func NewManager(dir string, clock crawler.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dir:      dir,
		clock:    clock,
		logger:   logger.Named("syncstate"),
		trackers: make(map[string]*Tracker),
	}
}

// Path is the document location for author.
func (m *Manager) Path(author string) string {
	if m.dir == "" {
		return ""
	}
	return filepath.Join(m.dir, unsafeName.ReplaceAllString(author, "_")+fileSuffix)
}

// Get returns the tracker for author, loading it on first use.
func (m *Manager) Get(author string) *Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[author]; ok {
		return t
	}
	t := newTracker(author, m.Path(author), m.clock, m.logger)
	m.trackers[author] = t
	return t
}

// Reset clears author's state.
func (m *Manager) Reset(author string) error {
	return m.Get(author).Reset()
}
