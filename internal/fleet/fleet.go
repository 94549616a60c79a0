// Package fleet holds the in-memory table of known machines and the
// merge rules that reconcile concurrent lane-task observations into a
// single FleetEntry per hardware UUID. All mutation goes through a
// single mutex, the serialization domain the poll engine and admin RPC
// both rely on to avoid data races on the fleet map and identity store.
package fleet

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"computerdash/internal/identitystore"
	"computerdash/internal/wire"
)

// Lane identifies which polling lane produced an observation.
type Lane int

const (
	Discovered Lane = iota
	Manual
	FallbackIP
)

func (l Lane) String() string {
	switch l {
	case Discovered:
		return "discovered"
	case Manual:
		return "manual"
	case FallbackIP:
		return "fallback-ip"
	default:
		return "unknown"
	}
}

// offlineThreshold is the number of consecutive lane-task failures that
// flip a machine offline.
const offlineThreshold = 3

// defaultPort is substituted for an endpoint's missing port component.
const defaultPort = 49990

// Entry is the live view of one machine: its persisted identity plus
// the latest poll result and lane-tracking bookkeeping.
type Entry struct {
	Identity            identitystore.Identity
	LatestStatus        *wire.Status
	IsOnline            bool
	ConsecutiveFailures int
	IsDiscoveredActive  bool
	LastError           string

	discoveredEndpoint string
}

// Fleet is the single-writer table of all known machines, keyed by
// hardware UUID.
type Fleet struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	store   *identitystore.Store
	log     zerolog.Logger
}

// New builds a Fleet backed by store, loading any previously persisted
// identities as offline entries with no live status yet.
func New(store *identitystore.Store, log zerolog.Logger) *Fleet {
	f := &Fleet{
		entries: make(map[string]*Entry),
		store:   store,
		log:     log,
	}

	state := store.Load()
	for _, id := range state.Machines {
		f.entries[id.HardwareUUID] = &Entry{Identity: id}
	}
	return f
}

// Snapshot returns a copy of every entry, safe for the caller to read
// without holding any lock.
func (f *Fleet) Snapshot() []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Entry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, *e)
	}
	return out
}

// Get returns a copy of the entry for hardwareUUID, if known.
func (f *Fleet) Get(hardwareUUID string) (Entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[hardwareUUID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ReportSuccess applies the §4.7 merge rules for a successful poll from
// the given lane and endpoint, persisting on creation or any
// settings-visible mutation. Returns the updated entry and whether the
// machine's primary IPv4 changed, so the caller can restart the
// fallback-IP lane task against the new address.
func (f *Fleet) ReportSuccess(lane Lane, endpoint string, status wire.Status) (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, exists := f.entries[status.HardwareUUID]
	if !exists {
		entry = &Entry{
			Identity: identitystore.Identity{
				HardwareUUID:      status.HardwareUUID,
				LastKnownHostname: status.Hostname,
				DisplayName:       status.Hostname,
				Thresholds:        identitystore.DefaultSettings().TempThresholds,
			},
			IsOnline: true,
		}
		f.entries[status.HardwareUUID] = entry
	}

	entry.Identity.LastSeen = time.Now()

	applyMerge := !entry.IsDiscoveredActive || lane == Discovered
	if applyMerge {
		entry.LatestStatus = &status
		entry.Identity.LastKnownHostname = status.Hostname
		entry.IsOnline = true
		entry.ConsecutiveFailures = 0
	}
	if lane == Discovered {
		entry.IsDiscoveredActive = true
		entry.discoveredEndpoint = endpoint
	}
	if lane == Manual {
		entry.Identity.ManualEndpoint = endpoint
	}

	ipChanged := false
	if ip := primaryIPv4(status); ip != "" && ip != entry.Identity.LastKnownIP {
		entry.Identity.LastKnownIP = ip
		ipChanged = true
	}

	f.persistLocked()

	if !exists || applyMerge || ipChanged {
		f.log.Info().
			Str("hardwareUUID", status.HardwareUUID).
			Str("lane", lane.String()).
			Bool("new", !exists).
			Msg("Fleet entry updated")
	}

	return *entry, ipChanged
}

// ReportFailure increments the failure count for hardwareUUID on the
// given lane, unless that lane is currently shadowed by an active
// Discovered-lane success for the same machine. Returns false if no
// entry exists yet for hardwareUUID (the lane has not yet bound a UUID).
func (f *Fleet) ReportFailure(lane Lane, hardwareUUID string, errMsg string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[hardwareUUID]
	if !ok {
		return false
	}

	if lane != Discovered && entry.IsDiscoveredActive {
		return true
	}

	entry.ConsecutiveFailures++
	entry.LastError = errMsg
	if entry.ConsecutiveFailures >= offlineThreshold {
		entry.IsOnline = false
	}
	if lane == Discovered {
		entry.IsDiscoveredActive = false
	}

	f.persistLocked()
	return true
}

// SetLastError records the outcome of an out-of-band operation (such as
// an update push) against hardwareUUID without touching its online
// state or failure count, which are reserved for poll-lane outcomes.
func (f *Fleet) SetLastError(hardwareUUID, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[hardwareUUID]
	if !ok {
		return
	}
	entry.LastError = msg
	f.persistLocked()
}

// SetManualEndpoint records a manually-added endpoint for hardwareUUID,
// or for a brand new entry if none existed yet.
func (f *Fleet) SetManualEndpoint(hardwareUUID, endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[hardwareUUID]
	if !ok {
		entry = &Entry{Identity: identitystore.Identity{HardwareUUID: hardwareUUID}}
		f.entries[hardwareUUID] = entry
	}
	entry.Identity.ManualEndpoint = endpoint
	f.persistLocked()
}

// Delete removes hardwareUUID from the fleet and persists the removal.
// The caller is responsible for cancelling the machine's lane tasks
// before calling Delete.
func (f *Fleet) Delete(hardwareUUID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, hardwareUUID)
	f.persistLocked()
}

// ResolveEndpoint returns the best endpoint to use for an outbound RPC
// to hardwareUUID, in the §4.7 preference order.
func (f *Fleet) ResolveEndpoint(hardwareUUID string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entry, ok := f.entries[hardwareUUID]
	if !ok {
		return "", false
	}

	if entry.Identity.ManualEndpoint != "" {
		return entry.Identity.ManualEndpoint, true
	}
	if entry.discoveredEndpoint != "" {
		return entry.discoveredEndpoint, true
	}
	if entry.Identity.LastKnownIP != "" {
		return fmt.Sprintf("%s:%d", entry.Identity.LastKnownIP, defaultPort), true
	}
	if entry.LatestStatus != nil {
		if ip := primaryIPv4(*entry.LatestStatus); ip != "" {
			return fmt.Sprintf("%s:%d", ip, defaultPort), true
		}
	}
	return "", false
}

func (f *Fleet) persistLocked() {
	machines := make([]identitystore.Identity, 0, len(f.entries))
	for _, e := range f.entries {
		machines = append(machines, e.Identity)
	}
	state := f.store.Load()
	state.Machines = machines
	if err := f.store.Save(state); err != nil {
		f.log.Error().Err(err).Msg("Failed to persist fleet state")
	}
}

func primaryIPv4(status wire.Status) string {
	for _, iface := range status.Networks {
		if iface.IPv4 != "" {
			return iface.IPv4
		}
	}
	return ""
}

// ParseEndpoint splits "host:port" into its parts, defaulting a missing
// port to 49990. An empty host is invalid. IPv6 literals are out of
// scope; a bracketed literal is passed through to net.SplitHostPort
// unchanged.
func ParseEndpoint(endpoint string) (host string, port int, err error) {
	if !strings.Contains(endpoint, ":") {
		if endpoint == "" {
			return "", 0, fmt.Errorf("empty endpoint")
		}
		return endpoint, defaultPort, nil
	}

	h, p, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", 0, fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}
	if h == "" {
		return "", 0, fmt.Errorf("endpoint %q has an empty host", endpoint)
	}
	port, err = strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("parsing port in %q: %w", endpoint, err)
	}
	return h, port, nil
}
