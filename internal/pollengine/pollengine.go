// Package pollengine implements the three-lane polling supervisor (C7):
// independent Discovered/Manual/Fallback-IP task tables that each poll
// GET /status every 5 seconds and funnel results into the shared Fleet
// through its merge rules.
package pollengine

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"computerdash/internal/fleet"
	"computerdash/internal/wire"
)

const (
	pollInterval = 5 * time.Second
	pollTimeout  = 3 * time.Second
)

// laneTable tracks the live tasks for one lane, keyed by the lane's own
// key type (serviceName, "host:port", or hardwareUUID).
type laneTable struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	group   *errgroup.Group
}

func newLaneTable() *laneTable {
	g := new(errgroup.Group)
	return &laneTable{cancels: make(map[string]context.CancelFunc), group: g}
}

// spawn starts run under a cancellable child of parent, keyed by key.
// If key is already running, spawn is a no-op — lane tasks are
// idempotent under repeat add requests.
func (t *laneTable) spawn(parent context.Context, key string, run func(context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.cancels[key]; exists {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	t.cancels[key] = cancel
	t.group.Go(func() error {
		run(ctx)
		return nil
	})
}

// cancel stops the task for key, if one is running.
func (t *laneTable) cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cancel, ok := t.cancels[key]; ok {
		cancel()
		delete(t.cancels, key)
	}
}

// restart cancels any existing task for key and immediately spawns a
// replacement, used when an endpoint address changes under a stable key
// (the fallback-IP lane's address-change case).
func (t *laneTable) restart(parent context.Context, key string, run func(context.Context)) {
	t.mu.Lock()
	if cancel, ok := t.cancels[key]; ok {
		cancel()
		delete(t.cancels, key)
	}
	t.mu.Unlock()
	t.spawn(parent, key, run)
}

// Engine owns the three lane tables and the fleet they report into.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	fleet *fleet.Fleet
	log   zerolog.Logger

	discovered *laneTable
	manual     *laneTable
	fallback   *laneTable

	// discoveredUUIDs maps a hardware UUID to the mDNS service name of
	// its currently bound Discovered-lane task, learned the first time
	// that task's poll succeeds. Used to cancel the right lane task on
	// deletion, since the Discovered lane is keyed by service name, not
	// hardware UUID.
	discoveredUUIDs sync.Map
}

// New builds an Engine bound to parentCtx; cancelling parentCtx (or
// calling Stop) tears down every lane task.
func New(parentCtx context.Context, f *fleet.Fleet, log zerolog.Logger) *Engine {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Engine{
		ctx:        ctx,
		cancel:     cancel,
		fleet:      f,
		log:        log,
		discovered: newLaneTable(),
		manual:     newLaneTable(),
		fallback:   newLaneTable(),
	}
}

// Stop cancels every lane task and waits for them to exit.
func (e *Engine) Stop() {
	e.cancel()
	e.discovered.group.Wait()
	e.manual.group.Wait()
	e.fallback.group.Wait()
}

// OnDiscoveredFound spawns a Discovered-lane task for a newly seen mDNS
// service instance.
func (e *Engine) OnDiscoveredFound(endpoint, serviceName string) {
	e.discovered.spawn(e.ctx, serviceName, func(ctx context.Context) {
		e.runLane(ctx, fleet.Discovered, serviceName, endpoint)
	})
}

// OnDiscoveredLost cancels the Discovered-lane task for a service
// instance that stopped announcing.
func (e *Engine) OnDiscoveredLost(serviceName string) {
	e.discovered.cancel(serviceName)
}

// AddManual spawns (or re-uses) a Manual-lane task for endpoint.
func (e *Engine) AddManual(endpoint string) {
	e.manual.spawn(e.ctx, endpoint, func(ctx context.Context) {
		e.runLane(ctx, fleet.Manual, endpoint, endpoint)
	})
}

// RemoveManual cancels the Manual-lane task for endpoint.
func (e *Engine) RemoveManual(endpoint string) {
	e.manual.cancel(endpoint)
}

// EnsureFallback spawns a Fallback-IP lane task for hardwareUUID against
// ip:49990 if one is not already running for that UUID.
func (e *Engine) EnsureFallback(hardwareUUID, ip string) {
	endpoint := fmt.Sprintf("%s:%d", ip, 49990)
	e.fallback.spawn(e.ctx, hardwareUUID, func(ctx context.Context) {
		e.runLane(ctx, fleet.FallbackIP, hardwareUUID, endpoint)
	})
}

// RestartFallback tears down any existing fallback task for
// hardwareUUID and spawns a fresh one against the new address — called
// when a poll reports a changed primary IPv4.
func (e *Engine) RestartFallback(hardwareUUID, ip string) {
	endpoint := fmt.Sprintf("%s:%d", ip, 49990)
	e.fallback.restart(e.ctx, hardwareUUID, func(ctx context.Context) {
		e.runLane(ctx, fleet.FallbackIP, hardwareUUID, endpoint)
	})
}

// RemoveFallback cancels the fallback-IP task for hardwareUUID.
func (e *Engine) RemoveFallback(hardwareUUID string) {
	e.fallback.cancel(hardwareUUID)
}

// CancelForMachine cancels every lane task currently associated with
// hardwareUUID: its Discovered-lane task (if one has bound to this
// UUID), its Manual-lane task keyed by manualEndpoint, and its
// Fallback-IP task. Callers must finish this before removing the
// machine from the fleet, so a task in flight cannot recreate the
// entry on its next tick.
func (e *Engine) CancelForMachine(hardwareUUID, manualEndpoint string) {
	if serviceName, ok := e.discoveredUUIDs.Load(hardwareUUID); ok {
		e.discovered.cancel(serviceName.(string))
		e.discoveredUUIDs.Delete(hardwareUUID)
	}
	if manualEndpoint != "" {
		e.manual.cancel(manualEndpoint)
	}
	e.fallback.cancel(hardwareUUID)
}

// boundUUID tracks which hardware UUID a lane task has learned after
// its first success, so subsequent failures can be attributed.
type boundUUID struct {
	mu   sync.Mutex
	uuid string
}

func (b *boundUUID) get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uuid
}

func (b *boundUUID) set(u string) {
	b.mu.Lock()
	b.uuid = u
	b.mu.Unlock()
}

// runLane is the per-task loop shared by all three lanes: poll every 5
// seconds, 3-second read timeout per attempt, report into the fleet.
// laneKey is the lane's task-table key: for the fallback-IP lane it is
// already a hardwareUUID and is used to attribute pre-bind failures; for
// the Discovered lane it is the service name recorded against the UUID.
func (e *Engine) runLane(ctx context.Context, lane fleet.Lane, laneKey, endpoint string) {
	bound := &boundUUID{}
	if lane == fleet.FallbackIP {
		bound.set(laneKey)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	e.pollOnce(ctx, lane, laneKey, endpoint, bound)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollOnce(ctx, lane, laneKey, endpoint, bound)
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context, lane fleet.Lane, laneKey, endpoint string, bound *boundUUID) {
	status, err := fetchStatus(ctx, endpoint)
	if err != nil {
		if uuid := bound.get(); uuid != "" {
			e.fleet.ReportFailure(lane, uuid, err.Error())
		}
		return
	}

	bound.set(status.HardwareUUID)
	if lane == fleet.Discovered {
		e.discoveredUUIDs.Store(status.HardwareUUID, laneKey)
	}
	entry, ipChanged := e.fleet.ReportSuccess(lane, endpoint, status)
	if ipChanged && entry.Identity.LastKnownIP != "" {
		e.RestartFallback(status.HardwareUUID, entry.Identity.LastKnownIP)
	}
}

// fetchStatus opens a fresh TCP connection, sends GET /status, and
// decodes the response body, all within pollTimeout.
func fetchStatus(ctx context.Context, endpoint string) (wire.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return wire.Status{}, fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)

	if _, err := conn.Write(wire.BuildRequest("GET", "/status", nil, "")); err != nil {
		return wire.Status{}, fmt.Errorf("writing request to %s: %w", endpoint, err)
	}

	var respBuf bytes.Buffer
	buf := make([]byte, 8192)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			respBuf.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}

	body, ok := wire.ExtractBody(respBuf.Bytes())
	if !ok {
		return wire.Status{}, fmt.Errorf("malformed response from %s", endpoint)
	}

	status, err := wire.DecodeStatus(body)
	if err != nil {
		return wire.Status{}, fmt.Errorf("decoding status from %s: %w", endpoint, err)
	}
	return status, nil
}
