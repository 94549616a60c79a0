package fleet

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"computerdash/internal/identitystore"
	"computerdash/internal/wire"
)

func testFleet(t *testing.T) *Fleet {
	t.Helper()
	store := identitystore.New(filepath.Join(t.TempDir(), "machines.json"), zerolog.Nop())
	return New(store, zerolog.Nop())
}

func statusFor(uuid, hostname, ip string) wire.Status {
	return wire.Status{
		HardwareUUID: uuid,
		Hostname:     hostname,
		Networks:     []wire.NetworkInterface{{Name: "en0", IPv4: ip, Kind: wire.KindEthernet}},
	}
}

func TestReportSuccess_CreatesNewEntry(t *testing.T) {
	f := testFleet(t)
	entry, _ := f.ReportSuccess(Discovered, "10.0.0.1:49990", statusFor("uuid-1", "host1", "10.0.0.1"))

	if !entry.IsOnline {
		t.Error("expected new entry to be online")
	}
	if entry.Identity.DisplayName != "host1" {
		t.Errorf("expected displayName seeded from hostname, got %q", entry.Identity.DisplayName)
	}
}

func TestReportSuccess_DiscoveredShadowsManual(t *testing.T) {
	f := testFleet(t)
	f.ReportSuccess(Discovered, "10.0.0.1:49990", statusFor("uuid-1", "host1", "10.0.0.1"))

	// A manual-lane success for the same machine must not overwrite live
	// fields while discovered is active.
	stale := statusFor("uuid-1", "stale-hostname", "10.0.0.1")
	entry, _ := f.ReportSuccess(Manual, "10.0.0.1:49990", stale)

	if entry.Identity.LastKnownHostname != "host1" {
		t.Errorf("manual success must not override discovered-active fields, got %q", entry.Identity.LastKnownHostname)
	}
}

func TestReportSuccess_ManualAppliesWhenDiscoveredInactive(t *testing.T) {
	f := testFleet(t)
	f.ReportSuccess(Manual, "10.0.0.1:49990", statusFor("uuid-1", "host1", "10.0.0.1"))

	updated := statusFor("uuid-1", "host1-renamed", "10.0.0.1")
	entry, _ := f.ReportSuccess(Manual, "10.0.0.1:49990", updated)

	if entry.Identity.LastKnownHostname != "host1-renamed" {
		t.Errorf("expected manual lane to apply when discovered inactive, got %q", entry.Identity.LastKnownHostname)
	}
}

func TestReportSuccess_IPChangeReported(t *testing.T) {
	f := testFleet(t)
	f.ReportSuccess(Discovered, "10.0.0.1:49990", statusFor("uuid-1", "host1", "10.0.0.1"))

	_, changed := f.ReportSuccess(Discovered, "10.0.0.2:49990", statusFor("uuid-1", "host1", "10.0.0.2"))
	if !changed {
		t.Error("expected ipChanged=true when primary IPv4 changes")
	}

	_, changedAgain := f.ReportSuccess(Discovered, "10.0.0.2:49990", statusFor("uuid-1", "host1", "10.0.0.2"))
	if changedAgain {
		t.Error("expected ipChanged=false on a repeat of the same IP")
	}
}

func TestReportSuccess_SetsLastSeen(t *testing.T) {
	f := testFleet(t)
	before := time.Now()
	entry, _ := f.ReportSuccess(Discovered, "10.0.0.1:49990", statusFor("uuid-1", "host1", "10.0.0.1"))

	if entry.Identity.LastSeen.Before(before) {
		t.Errorf("expected LastSeen to be set to the poll time, got %v (before %v)", entry.Identity.LastSeen, before)
	}
}

func TestReportFailure_OfflineAtExactlyThreeFailures(t *testing.T) {
	f := testFleet(t)
	f.ReportSuccess(Discovered, "10.0.0.1:49990", statusFor("uuid-1", "host1", "10.0.0.1"))
	f.ReportFailure(Discovered, "uuid-1", "timeout")

	entry, _ := f.Get("uuid-1")
	if !entry.IsOnline {
		t.Fatal("one failure must not take the machine offline")
	}

	f.ReportFailure(Discovered, "uuid-1", "timeout")
	entry, _ = f.Get("uuid-1")
	if !entry.IsOnline {
		t.Fatal("two failures must not take the machine offline")
	}

	f.ReportFailure(Discovered, "uuid-1", "timeout")
	entry, _ = f.Get("uuid-1")
	if entry.IsOnline {
		t.Fatal("three consecutive failures must take the machine offline")
	}
}

func TestReportFailure_ShadowedLaneDoesNotIncrementFailures(t *testing.T) {
	f := testFleet(t)
	f.ReportSuccess(Discovered, "10.0.0.1:49990", statusFor("uuid-1", "host1", "10.0.0.1"))

	for i := 0; i < 5; i++ {
		f.ReportFailure(Manual, "uuid-1", "timeout")
	}

	entry, _ := f.Get("uuid-1")
	if entry.ConsecutiveFailures != 0 {
		t.Errorf("manual failures while discovered is active must not count, got %d", entry.ConsecutiveFailures)
	}
	if !entry.IsOnline {
		t.Error("machine must remain online while discovered lane is active")
	}
}

func TestReportFailure_UnknownUUIDReturnsFalse(t *testing.T) {
	f := testFleet(t)
	if f.ReportFailure(Discovered, "never-seen", "timeout") {
		t.Error("expected false for a UUID with no bound entry yet")
	}
}

func TestResolveEndpoint_PreferenceOrder(t *testing.T) {
	f := testFleet(t)
	f.ReportSuccess(FallbackIP, "203.0.113.5:49990", statusFor("uuid-1", "host1", "192.168.1.5"))

	endpoint, ok := f.ResolveEndpoint("uuid-1")
	if !ok {
		t.Fatal("expected a resolvable endpoint")
	}
	if endpoint != "192.168.1.5:49990" {
		t.Errorf("expected lastKnownIP-derived endpoint, got %q", endpoint)
	}

	f.SetManualEndpoint("uuid-1", "manual.host:5000")
	endpoint, _ = f.ResolveEndpoint("uuid-1")
	if endpoint != "manual.host:5000" {
		t.Errorf("manual endpoint must take priority, got %q", endpoint)
	}
}

func TestParseEndpoint(t *testing.T) {
	host, port, err := ParseEndpoint("example.local:8080")
	if err != nil || host != "example.local" || port != 8080 {
		t.Errorf("got (%q, %d, %v)", host, port, err)
	}

	host, port, err = ParseEndpoint("example.local")
	if err != nil || host != "example.local" || port != 49990 {
		t.Errorf("expected default port 49990, got (%q, %d, %v)", host, port, err)
	}

	if _, _, err := ParseEndpoint(""); err == nil {
		t.Error("expected an error for an empty endpoint")
	}
}
