// Package wire implements the minimal HTTP/1.1 framing and JSON status
// codec shared between the agent and the collector.
package wire

import "encoding/json"

// NetworkInterface describes one network interface reported by the
// metrics sampler. The first entry in a Status's Networks list is the
// primary interface for screen-share and fallback reach.
type NetworkInterface struct {
	Name string `json:"name"`
	IPv4 string `json:"ipv4"`
	MAC  string `json:"mac"`
	Kind string `json:"kind"`
}

// Interface kinds. "other" covers anything the sampler cannot classify.
const (
	KindEthernet = "Ethernet"
	KindWiFi     = "Wi-Fi"
	KindBridge   = "Bridge"
	KindVPN      = "VPN"
	KindOther    = "other"
)

// GPU describes one graphics device reported by the metrics sampler.
type GPU struct {
	Name         string  `json:"name"`
	TemperatureC float64 `json:"temperatureC"`
	UsagePercent float64 `json:"usagePercent"`
}

// Status is the wire payload returned by GET /status and POST
// /check-updates. Unavailable numeric metrics are reported as -1.
// agentVersion and gpus are optional and omitted from the JSON when
// empty.
type Status struct {
	HardwareUUID       string             `json:"hardwareUUID"`
	Hostname           string             `json:"hostname"`
	CPUTempCelsius     float64            `json:"cpuTempCelsius"`
	CPUUsagePercent    float64            `json:"cpuUsagePercent"`
	NetworkBytesPerSec float64            `json:"networkBytesPerSec"`
	UptimeSeconds      float64            `json:"uptimeSeconds"`
	OSVersion          string             `json:"osVersion"`
	ChipType           string             `json:"chipType"`
	Networks           []NetworkInterface `json:"networks"`
	FileVaultEnabled   bool               `json:"fileVaultEnabled"`
	AgentVersion       string             `json:"agentVersion,omitempty"`
	GPUs               []GPU              `json:"gpus,omitempty"`
}

// statusWire is the on-the-wire shape used only for decoding, so that a
// legacy singular "network" object can be accepted alongside the
// current "networks" list. Encoding always goes through Status directly.
type statusWire struct {
	HardwareUUID       string             `json:"hardwareUUID"`
	Hostname           string             `json:"hostname"`
	CPUTempCelsius     float64            `json:"cpuTempCelsius"`
	CPUUsagePercent    float64            `json:"cpuUsagePercent"`
	NetworkBytesPerSec float64            `json:"networkBytesPerSec"`
	UptimeSeconds      float64            `json:"uptimeSeconds"`
	OSVersion          string             `json:"osVersion"`
	ChipType           string             `json:"chipType"`
	Networks           []NetworkInterface `json:"networks"`
	Network            *NetworkInterface  `json:"network"`
	FileVaultEnabled   bool               `json:"fileVaultEnabled"`
	AgentVersion       string             `json:"agentVersion"`
	GPUs               []GPU              `json:"gpus"`
}

// EncodeStatus marshals a Status to JSON. Fields are emitted in the
// order declared on Status; "networks" is always the plural list, never
// the legacy singular form.
func EncodeStatus(s Status) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeStatus unmarshals a Status from JSON, accepting both the
// current "networks" list and the legacy singular "network" object.
// Unknown fields are ignored. When both are present, "networks" wins.
func DecodeStatus(data []byte) (Status, error) {
	var w statusWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Status{}, err
	}

	networks := w.Networks
	if networks == nil && w.Network != nil {
		networks = []NetworkInterface{*w.Network}
	}

	return Status{
		HardwareUUID:       w.HardwareUUID,
		Hostname:           w.Hostname,
		CPUTempCelsius:     w.CPUTempCelsius,
		CPUUsagePercent:    w.CPUUsagePercent,
		NetworkBytesPerSec: w.NetworkBytesPerSec,
		UptimeSeconds:      w.UptimeSeconds,
		OSVersion:          w.OSVersion,
		ChipType:           w.ChipType,
		Networks:           networks,
		FileVaultEnabled:   w.FileVaultEnabled,
		AgentVersion:       w.AgentVersion,
		GPUs:               w.GPUs,
	}, nil
}
