// Package sampler produces Status snapshots for the agent's metrics
// server. Platform sensors that need privileged, OS-specific probing
// (SMC keys, Mach host_statistics, WMI thermal zones) are out of scope
// per the system's external-collaborator boundary; this package reports
// the documented sentinels for those metrics instead of shelling out to
// platform-specific code.
package sampler

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	psnet "github.com/shirou/gopsutil/v3/net"

	"computerdash/internal/wire"
)

// unavailable is the sentinel reported for numeric metrics this sampler
// cannot obtain without a platform-specific probe.
const unavailable = -1.0

// Sampler produces one Status per call. Safe to invoke from any
// goroutine; hardware UUID, chip type and disk-encryption status are
// cached at construction, everything else is computed per call.
type Sampler struct {
	version string

	hardwareUUID     string
	chipType         string
	fileVaultEnabled bool

	netMu     sync.Mutex
	prevBytes uint64
	prevTime  time.Time
}

// New builds a Sampler for the given agent version string, priming the
// CPU usage counter and caching identity fields that do not change
// during the process lifetime.
func New(version string) *Sampler {
	cpu.Percent(0, false) // prime the delta counter; first call always returns 0

	s := &Sampler{
		version:          version,
		hardwareUUID:     readHardwareUUID(),
		chipType:         readChipType(),
		fileVaultEnabled: false, // full-disk-encryption probing is a platform sensor, out of scope
	}
	return s
}

// CurrentStatus gathers a fresh snapshot. Must complete well under
// 200ms on healthy hardware; every gopsutil call here is already a
// short-lived syscall, so no additional timeout wrapping is needed.
func (s *Sampler) CurrentStatus() wire.Status {
	hostname, _ := os.Hostname()

	return wire.Status{
		HardwareUUID:       s.hardwareUUID,
		Hostname:           hostname,
		CPUTempCelsius:     unavailable,
		CPUUsagePercent:    s.readCPUUsage(),
		NetworkBytesPerSec: s.readNetworkThroughput(),
		UptimeSeconds:      readUptime(),
		OSVersion:          readOSVersion(),
		ChipType:           s.chipType,
		Networks:           readNetworkInterfaces(),
		FileVaultEnabled:   s.fileVaultEnabled,
		AgentVersion:       s.version,
		GPUs:               nil, // GPU temperature/usage requires vendor-specific probing, out of scope
	}
}

func (s *Sampler) readCPUUsage() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return unavailable
	}
	return percents[0]
}

func (s *Sampler) readNetworkThroughput() float64 {
	counters, err := psnet.IOCounters(false)
	if err != nil || len(counters) == 0 {
		return 0
	}

	total := counters[0].BytesSent + counters[0].BytesRecv
	now := time.Now()

	s.netMu.Lock()
	defer s.netMu.Unlock()

	defer func() {
		s.prevBytes = total
		s.prevTime = now
	}()

	if s.prevTime.IsZero() {
		return 0
	}

	elapsed := now.Sub(s.prevTime).Seconds()
	if elapsed <= 0 || total < s.prevBytes {
		return 0
	}

	return float64(total-s.prevBytes) / elapsed
}

func readHardwareUUID() string {
	id, err := host.HostID()
	if err != nil || id == "" {
		hostname, _ := os.Hostname()
		return "unknown-" + hostname
	}
	return id
}

func readChipType() string {
	info, err := cpu.Info()
	if err != nil || len(info) == 0 {
		return "Unknown"
	}
	if info[0].ModelName != "" {
		return info[0].ModelName
	}
	return runtime.GOARCH
}

func readUptime() float64 {
	up, err := host.Uptime()
	if err != nil {
		return 0
	}
	return float64(up)
}

func readOSVersion() string {
	info, err := host.Info()
	if err != nil {
		return "Unknown"
	}
	v := info.Platform
	if info.PlatformVersion != "" {
		v += " " + info.PlatformVersion
	}
	if v == "" {
		return "Unknown"
	}
	return v
}

func readNetworkInterfaces() []wire.NetworkInterface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return []wire.NetworkInterface{}
	}

	results := make([]wire.NetworkInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		var ipv4 string
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				ipv4 = ip4.String()
				break
			}
		}
		if ipv4 == "" {
			continue
		}

		results = append(results, wire.NetworkInterface{
			Name: iface.Name,
			IPv4: ipv4,
			MAC:  formatMAC(iface.HardwareAddr),
			Kind: classifyInterface(iface.Name),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		iWiFi := results[i].Kind == wire.KindWiFi
		jWiFi := results[j].Kind == wire.KindWiFi
		if iWiFi != jWiFi {
			return !iWiFi // Ethernet (and everything else) sorts before Wi-Fi
		}
		return results[i].Name < results[j].Name
	})

	return results
}

func formatMAC(hw net.HardwareAddr) string {
	if len(hw) == 0 {
		return ""
	}
	parts := make([]string, len(hw))
	for i, b := range hw {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

func classifyInterface(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "wi-fi"), strings.Contains(lower, "wifi"),
		strings.Contains(lower, "wlan"), strings.Contains(lower, "wireless"):
		return wire.KindWiFi
	case strings.Contains(lower, "vpn"), strings.Contains(lower, "tailscale"), strings.Contains(lower, "wg"):
		return wire.KindVPN
	case strings.Contains(lower, "bridge"), strings.Contains(lower, "br"):
		return wire.KindBridge
	case strings.HasPrefix(lower, "eth"), strings.HasPrefix(lower, "en"):
		return wire.KindEthernet
	default:
		return wire.KindOther
	}
}
