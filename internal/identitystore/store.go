// Package identitystore persists per-machine identity records keyed by
// hardware UUID, atomically, as a single human-readable JSON file.
package identitystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SortOrder is how the fleet view should order machines. Purely a
// display hint carried through persistence; this package does not sort.
type SortOrder string

const (
	SortByName        SortOrder = "name"
	SortByTemperature SortOrder = "temperature"
	SortByUptime      SortOrder = "uptime"
)

// Thresholds are the good/warning/critical bands for a single metric.
type Thresholds struct {
	Good     float64 `json:"good"`
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// Validate clamps the thresholds in place so that
// 0 <= Good <= Warning <= Critical <= maxValue.
func (t *Thresholds) Validate(maxValue float64) {
	if t.Good < 0 {
		t.Good = 0
	}
	if t.Warning < t.Good {
		t.Warning = t.Good
	}
	if t.Critical < t.Warning {
		t.Critical = t.Warning
	}
	if t.Critical > maxValue {
		t.Critical = maxValue
	}
	if t.Warning > t.Critical {
		t.Warning = t.Critical
	}
	if t.Good > t.Warning {
		t.Good = t.Warning
	}
}

// Settings are the fleet-wide default thresholds.
type Settings struct {
	TempThresholds Thresholds `json:"tempThresholds"`
	CPUThresholds  Thresholds `json:"cpuThresholds"`
}

// DefaultSettings mirrors the documented defaults used when no
// persisted state exists yet.
func DefaultSettings() Settings {
	return Settings{
		TempThresholds: Thresholds{Good: 50, Warning: 70, Critical: 85},
		CPUThresholds:  Thresholds{Good: 50, Warning: 80, Critical: 95},
	}
}

// AppRef is an opaque UI attachment the core does not interpret.
type AppRef struct {
	ID    string          `json:"id"`
	Extra json.RawMessage `json:"extra,omitempty"`
}

// Identity is the persisted record for one physical machine.
type Identity struct {
	HardwareUUID      string     `json:"hardwareUUID"`
	LastKnownHostname string     `json:"lastKnownHostname"`
	DisplayName       string     `json:"displayName"`
	Thresholds        Thresholds `json:"thresholds"`
	LastSeen          time.Time  `json:"lastSeen"`
	ManualEndpoint    string     `json:"manualEndpoint,omitempty"`
	LastKnownIP       string     `json:"lastKnownIP,omitempty"`
	WidgetSlots       []AppRef   `json:"widgetSlots,omitempty"`
}

// State is the top-level persisted shape of the machines.json file.
type State struct {
	SortOrder SortOrder  `json:"sortOrder"`
	Settings  Settings   `json:"settings"`
	Machines  []Identity `json:"machines"`
}

// DefaultState is what Load returns when no file exists yet or the
// existing file cannot be parsed.
func DefaultState() State {
	return State{
		SortOrder: SortByName,
		Settings:  DefaultSettings(),
		Machines:  []Identity{},
	}
}

// Store wraps a JSON file on disk, mutex-guarded for concurrent access
// from the poll engine's serialization domain.
type Store struct {
	path string
	mu   sync.RWMutex
	log  zerolog.Logger
}

// New returns a Store backed by the file at path. It does not touch the
// filesystem until Load or Save is called.
func New(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log}
}

// Load reads and parses the identity file. Any failure — missing file,
// unreadable file, schema mismatch — yields DefaultState() rather than
// an error, per the documented tolerant-load contract.
func (s *Store) Load() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.log.Debug().Err(err).Str("path", s.path).Msg("No existing identity file, using defaults")
		return DefaultState()
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("Identity file is unreadable, using defaults")
		return DefaultState()
	}

	if state.SortOrder == "" {
		state.SortOrder = SortByName
	}
	if state.Machines == nil {
		state.Machines = []Identity{}
	}
	return state
}

// Save atomically writes state: write to a temp sibling, fsync, rename
// over the target. Encoding uses sorted keys and indentation for
// human-readable diffs.
func (s *Store) Save(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating identity store directory %s: %w", dir, err)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling identity state: %w", err)
	}
	// Re-encode through a generic value so every object's keys come out
	// sorted (encoding/json sorts map keys, not struct fields).
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("marshaling identity state: %w", err)
	}
	data, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling identity state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".machines-*.json.tmp")
	if err != nil {
		return fmt.Errorf("creating temp identity file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp identity file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsyncing temp identity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp identity file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp identity file into place: %w", err)
	}

	return nil
}
