// Package mirror keeps a process-local copy of each survey's latest
// structure, read when the survey store cannot answer.
package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/joelkehle/survey-planner/internal/survey"
	"github.com/joelkehle/survey-planner/internal/telemetry"
)

const DefaultCapacity = 512

type Entry struct {
	SurveyID  string           `json:"survey_id"`
	Structure survey.Structure `json:"structure"`
	WrittenAt time.Time        `json:"written_at"`
}

// snapshot lists entries from least to most recently used.
type snapshot struct {
	Entries []Entry `json:"entries"`
}

type Options struct {
	// Path, when set, is a JSON file rewritten after every write and
	// reloaded by Open. It keeps every survey ever written, including
	// those evicted from the in-memory cache.
	Path string
	// Capacity bounds the in-memory cache. Without a Path, evicted
	// surveys are forgotten.
	Capacity int
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Now      func() time.Time
}

type Mirror struct {
	mu      sync.Mutex
	entries *lru.Cache[string, Entry]
	// spilled holds entries evicted from the cache while a Path is set.
	spilled map[string]Entry
	path    string
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func Open(opts Options) (*Mirror, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Mirror{
		spilled: map[string]Entry{},
		path:    opts.Path,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	var onEvict func(string, Entry)
	if m.path != "" {
		onEvict = func(id string, e Entry) { m.spilled[id] = e }
	}
	cache, err := lru.NewWithEvict[string, Entry](opts.Capacity, onEvict)
	if err != nil {
		return nil, fmt.Errorf("mirror cache: %w", err)
	}
	m.entries = cache
	if m.path != "" {
		snap, err := load(m.path)
		if err != nil {
			return nil, fmt.Errorf("load mirror %s: %w", m.path, err)
		}
		for _, e := range snap.Entries {
			m.entries.Add(e.SurveyID, e)
		}
	}
	return m, nil
}

// Write records structure as the latest copy for surveyID; the last write
// wins. The in-memory copy is always updated; an error means only the file
// snapshot failed.
func (m *Mirror) Write(surveyID string, structure survey.Structure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.spilled, surveyID)
	m.entries.Add(surveyID, Entry{
		SurveyID:  surveyID,
		Structure: structure.Clone(),
		WrittenAt: m.now().UTC(),
	})
	if m.path == "" {
		m.metrics.MirrorWrite("ok")
		return nil
	}
	if err := save(m.path, m.snapshotLocked()); err != nil {
		m.metrics.MirrorWrite("error")
		m.logger.Warn("mirror snapshot failed", "survey_id", surveyID, "path", m.path, "error", err)
		return err
	}
	m.metrics.MirrorWrite("ok")
	return nil
}

func (m *Mirror) Read(surveyID string) (survey.Structure, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries.Get(surveyID)
	if !ok {
		if e, ok = m.spilled[surveyID]; !ok {
			return survey.Structure{}, false
		}
		delete(m.spilled, surveyID)
		m.entries.Add(surveyID, e)
	}
	return e.Structure.Clone(), true
}

func (m *Mirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len() + len(m.spilled)
}

func (m *Mirror) snapshotLocked() snapshot {
	keys := m.entries.Keys()
	snap := snapshot{Entries: make([]Entry, 0, len(m.spilled)+len(keys))}
	for _, e := range m.spilled {
		snap.Entries = append(snap.Entries, e)
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].WrittenAt.Before(snap.Entries[j].WrittenAt) })
	for _, k := range keys {
		if e, ok := m.entries.Peek(k); ok {
			snap.Entries = append(snap.Entries, e)
		}
	}
	return snap
}

func load(path string) (snapshot, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snapshot{}, nil
		}
		return snapshot{}, err
	}
	var snap snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return snapshot{}, err
	}
	return snap, nil
}

func save(path string, snap snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
