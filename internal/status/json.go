package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string             `json:"event,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	Hook          string             `json:"hook"`
	Ready         bool               `json:"ready"`
	Call          CallJSON           `json:"call"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	StartTime     string             `json:"start_time"`
	Timestamp     string             `json:"timestamp"`
	MQTT          MQTTStatus         `json:"mqtt"`
	Counts        CountsJSON         `json:"event_counts"`
	Registrations []RegistrationJSON `json:"registrations"`
	Network       *NetworkJSON       `json:"network,omitempty"`
	Config        ConfigJSON         `json:"config"`
}

// CallJSON is the JSON representation of the current call.
type CallJSON struct {
	State    string `json:"state"`
	Peer     string `json:"peer,omitempty"`
	Verified bool   `json:"verified"`
	Pending  int    `json:"pending_digits,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of hook transition counts.
type CountsJSON struct {
	PickedUp int `json:"picked_up"`
	HungUp   int `json:"hung_up"`
}

// RegistrationJSON is the JSON representation of one identity.
type RegistrationJSON struct {
	Identity string `json:"identity"`
	State    string `json:"state"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type     string `json:"type"`
	IP       string `json:"ip"`
	PublicIP string `json:"public_ip,omitempty"`
	NAT      string `json:"nat"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs        int64  `json:"poll_ms"`
	DialTimeoutMs int64  `json:"dial_timeout_ms"`
	HeartbeatMs   int64  `json:"heartbeat_ms"`
	Broker        string `json:"broker"`
	HTTPPort      string `json:"http_port"`
	Domain        string `json:"domain"`
}

func buildInner(snap Snapshot) StatusInner {
	hookState := string(snap.Hook)
	if hookState == "" {
		hookState = "UNKNOWN"
	}
	callState := snap.Call.State
	if callState == "" {
		callState = "idle"
	}

	regs := make([]RegistrationJSON, len(snap.Registrations))
	for i, r := range snap.Registrations {
		regs[i] = RegistrationJSON{Identity: r.Identity, State: r.State}
	}

	inner := StatusInner{
		Hook:  hookState,
		Ready: snap.Baselined,
		Call: CallJSON{
			State:    callState,
			Peer:     snap.Call.Peer,
			Verified: snap.Call.Verified,
			Pending:  snap.PendingDigits,
		},
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			PickedUp: snap.Counts.PickedUp,
			HungUp:   snap.Counts.HungUp,
		},
		Registrations: regs,
		Config: ConfigJSON{
			PollMs:        snap.Config.PollMs,
			DialTimeoutMs: snap.Config.DialTimeoutMs,
			HeartbeatMs:   snap.Config.HeartbeatMs,
			Broker:        snap.Config.Broker,
			HTTPPort:      snap.Config.HTTPPort,
			Domain:        snap.Config.Domain,
		},
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:     snap.Network.Type,
			IP:       snap.Network.IP,
			PublicIP: snap.Network.PublicIP,
			NAT:      snap.Network.NAT,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
