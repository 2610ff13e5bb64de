// Package runstate persists the engine's cross-restart bookkeeping: which
// scheduled pairs have already fired this cycle. Adapted from the
// teacher's pkg/state atomic-JSON-via-fileutil pattern, generalized from a
// single "last active chat" record to a per-pair fire-time map.
package runstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kelvinzhao/tgrelay/pkg/fileutil"
	"github.com/kelvinzhao/tgrelay/pkg/logger"
)

// State is the on-disk shape: last scheduled-fire time per pair name
// (keyed by source_channel), so a restart doesn't immediately re-fire a
// schedule that already ran this cycle.
type State struct {
	LastFired map[string]time.Time `json:"last_fired,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Manager guards State with atomic saves, mirroring the teacher's
// state.Manager shape.
type Manager struct {
	mu        sync.RWMutex
	state     *State
	stateFile string
}

// NewManager loads path if present, or starts from an empty State.
func NewManager(path string) *Manager {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.WarnCF("runstate", "failed to create state directory", map[string]any{"error": err.Error()})
	}

	m := &Manager{
		stateFile: path,
		state:     &State{LastFired: make(map[string]time.Time)},
	}
	m.load()
	return m
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.WarnCF("runstate", "failed to read state file", map[string]any{"error": err.Error()})
		}
		return
	}
	if err := json.Unmarshal(data, m.state); err != nil {
		logger.WarnCF("runstate", "failed to parse state file", map[string]any{"error": err.Error()})
		return
	}
	if m.state.LastFired == nil {
		m.state.LastFired = make(map[string]time.Time)
	}
}

// LastFired returns the last recorded fire time for pairName, if any.
func (m *Manager) LastFired(pairName string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.state.LastFired[pairName]
	return t, ok
}

// MarkFired records pairName's fire time and saves atomically.
func (m *Manager) MarkFired(pairName string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.LastFired[pairName] = at
	m.state.Timestamp = at
	return m.saveAtomic()
}

// saveAtomic must be called with the lock held.
func (m *Manager) saveAtomic() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(m.stateFile, data, 0o600)
}
