package pollengine

import (
	"context"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"computerdash/internal/fleet"
	"computerdash/internal/identitystore"
	"computerdash/internal/wire"
)

func fakeStatusServer(t *testing.T, status wire.Status) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				conn.Read(buf)
				body, _ := wire.EncodeStatus(status)
				conn.Write(wire.BuildResponse(200, body, "application/json"))
			}()
		}
	}()
	return l.Addr().String()
}

func TestFetchStatus_DecodesResponse(t *testing.T) {
	status := wire.Status{HardwareUUID: "uuid-1", Hostname: "host1"}
	addr := fakeStatusServer(t, status)

	got, err := fetchStatus(context.Background(), addr)
	if err != nil {
		t.Fatalf("fetchStatus failed: %v", err)
	}
	if got.HardwareUUID != "uuid-1" {
		t.Errorf("got HardwareUUID %q, want uuid-1", got.HardwareUUID)
	}
}

func TestFetchStatus_FailsAgainstClosedPort(t *testing.T) {
	l, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := l.Addr().String()
	l.Close()

	_, err := fetchStatus(context.Background(), addr)
	if err == nil {
		t.Fatal("expected an error dialing a closed port")
	}
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	store := identitystore.New(filepath.Join(t.TempDir(), "machines.json"), zerolog.Nop())
	f := fleet.New(store, zerolog.Nop())
	return New(context.Background(), f, zerolog.Nop())
}

func TestLaneTable_SpawnIsIdempotentForSameKey(t *testing.T) {
	table := newLaneTable()
	var starts atomic.Int32
	started := make(chan struct{}, 10)

	run := func(ctx context.Context) {
		starts.Add(1)
		started <- struct{}{}
		<-ctx.Done()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table.spawn(ctx, "key-1", run)
	table.spawn(ctx, "key-1", run)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expected first spawn to start")
	}

	time.Sleep(50 * time.Millisecond)
	if starts.Load() != 1 {
		t.Errorf("expected exactly one task started for a repeated key, got %d", starts.Load())
	}
}

func TestLaneTable_CancelStopsTask(t *testing.T) {
	table := newLaneTable()
	stopped := make(chan struct{})

	table.spawn(context.Background(), "key-1", func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	})

	table.cancel("key-1")

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("expected cancel to stop the task promptly")
	}
}

func TestEngine_OnDiscoveredFoundThenLost(t *testing.T) {
	e := testEngine(t)
	status := wire.Status{HardwareUUID: "uuid-1", Hostname: "host1"}
	addr := fakeStatusServer(t, status)

	e.OnDiscoveredFound(addr, "svc-1")
	time.Sleep(200 * time.Millisecond)

	entry, ok := e.fleet.Get("uuid-1")
	if !ok || !entry.IsOnline {
		t.Fatal("expected a discovered success to populate the fleet")
	}

	e.OnDiscoveredLost("svc-1")
	e.Stop()
}

func TestEngine_CancelForMachineStopsDiscoveredTask(t *testing.T) {
	e := testEngine(t)
	status := wire.Status{HardwareUUID: "uuid-1", Hostname: "host1"}
	addr := fakeStatusServer(t, status)

	e.OnDiscoveredFound(addr, "svc-1")
	// Wait for the task's first poll to bind its hardware UUID.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := e.discoveredUUIDs.Load("uuid-1"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	e.CancelForMachine("uuid-1", "")

	e.discovered.mu.Lock()
	_, stillRunning := e.discovered.cancels["svc-1"]
	e.discovered.mu.Unlock()
	if stillRunning {
		t.Error("expected the discovered-lane task to be cancelled")
	}

	if _, ok := e.discoveredUUIDs.Load("uuid-1"); ok {
		t.Error("expected the discoveredUUIDs mapping to be cleared")
	}

	e.Stop()
}

func TestEngine_CancelForMachineStopsManualAndFallbackTasks(t *testing.T) {
	e := testEngine(t)

	e.AddManual("127.0.0.1:1")
	e.EnsureFallback("uuid-2", "127.0.0.1")
	time.Sleep(20 * time.Millisecond)

	e.CancelForMachine("uuid-2", "127.0.0.1:1")

	e.manual.mu.Lock()
	_, manualRunning := e.manual.cancels["127.0.0.1:1"]
	e.manual.mu.Unlock()
	if manualRunning {
		t.Error("expected the manual-lane task to be cancelled")
	}

	e.fallback.mu.Lock()
	_, fallbackRunning := e.fallback.cancels["uuid-2"]
	e.fallback.mu.Unlock()
	if fallbackRunning {
		t.Error("expected the fallback-lane task to be cancelled")
	}

	e.Stop()
}
