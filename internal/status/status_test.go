package status

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/dialtone/internal/hook"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNewTracker(t *testing.T) {
	cfg := Config{PollMs: 50, DialTimeoutMs: 4000, Broker: "tcp://localhost:1883", HTTPPort: ":80"}
	tr := NewTracker(start, cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.DialTimeoutMs != 4000 {
		t.Errorf("Config.DialTimeoutMs: got %d, want 4000", snap.Config.DialTimeoutMs)
	}
	if snap.Baselined {
		t.Error("expected Baselined=false initially")
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
	if snap.Registrations != nil {
		t.Errorf("expected no registrations, got %v", snap.Registrations)
	}
}

func TestUpdateHookAndCall(t *testing.T) {
	tr := NewTracker(start, Config{})

	tr.UpdateHook(hook.StateOffHook, true, hook.EventCounts{PickedUp: 3, HungUp: 2})
	tr.UpdateCall(Call{State: "connected", Peer: "sip:105@example.org", Verified: true}, 0)

	snap := tr.Snapshot()
	if snap.Hook != hook.StateOffHook {
		t.Errorf("Hook: got %q, want OFF_HOOK", snap.Hook)
	}
	if !snap.Baselined {
		t.Error("expected Baselined=true")
	}
	if snap.Counts.PickedUp != 3 || snap.Counts.HungUp != 2 {
		t.Errorf("Counts: got %+v", snap.Counts)
	}
	if snap.Call.State != "connected" || snap.Call.Peer != "sip:105@example.org" || !snap.Call.Verified {
		t.Errorf("Call: got %+v", snap.Call)
	}
}

func TestSetMQTTConnected(t *testing.T) {
	tr := NewTracker(start, Config{})

	tr.SetMQTTConnected(true)
	if !tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=true")
	}
	tr.SetMQTTConnected(false)
	if tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=false")
	}
}

func TestSnapshotNowUsesClock(t *testing.T) {
	tr := NewTracker(start, Config{})
	tr.now = func() time.Time { return start.Add(15 * time.Minute) }

	snap := tr.Snapshot()
	if snap.Uptime() != 15*time.Minute {
		t.Errorf("Uptime: got %v, want 15m", snap.Uptime())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker(start, Config{})
	regs := []Registration{{Identity: "sip:alice@example.org", State: "ok"}}
	tr.SetRegistrations(regs)
	tr.UpdateHook(hook.StateOnHook, true, hook.EventCounts{})

	snap1 := tr.Snapshot()

	// Neither the caller's slice nor later updates may leak into snap1.
	regs[0].State = "failed"
	tr.UpdateHook(hook.StateOffHook, true, hook.EventCounts{PickedUp: 1})
	snap2 := tr.Snapshot()
	snap2.Registrations[0].State = "cleared"

	if snap1.Hook != hook.StateOnHook {
		t.Error("snapshot should be a copy; Hook was modified")
	}
	if snap1.Registrations[0].State != "ok" {
		t.Errorf("registrations aliased: got %q", snap1.Registrations[0].State)
	}
	if tr.Snapshot().Registrations[0].State != "ok" {
		t.Error("mutating a snapshot must not change the tracker")
	}
}

func TestFormatJSON(t *testing.T) {
	snap := Snapshot{
		Hook:          hook.StateOffHook,
		Baselined:     true,
		Counts:        hook.EventCounts{PickedUp: 5, HungUp: 4},
		Call:          Call{State: "dialing", Peer: "sip:105@example.org"},
		Registrations: []Registration{{Identity: "sip:alice@example.org", State: "ok"}},
		StartTime:     start,
		Now:           start.Add(15 * time.Minute),
		MQTTConnected: true,
		Config:        Config{PollMs: 50, HeartbeatMs: 900000, Broker: "tcp://localhost:1883", HTTPPort: ":80"},
	}

	var parsed StatusJSON
	if err := json.Unmarshal(FormatJSON(snap), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.Hook != "OFF_HOOK" {
		t.Errorf("Hook: got %q, want OFF_HOOK", parsed.Status.Hook)
	}
	if parsed.Status.Call.State != "dialing" || parsed.Status.Call.Peer != "sip:105@example.org" {
		t.Errorf("Call: got %+v", parsed.Status.Call)
	}
	if parsed.Status.UptimeSeconds != 900 {
		t.Errorf("UptimeSeconds: got %d, want 900", parsed.Status.UptimeSeconds)
	}
	if !parsed.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if parsed.Status.Counts.PickedUp != 5 {
		t.Errorf("Counts.PickedUp: got %d, want 5", parsed.Status.Counts.PickedUp)
	}
	if len(parsed.Status.Registrations) != 1 || parsed.Status.Registrations[0].State != "ok" {
		t.Errorf("Registrations: got %+v", parsed.Status.Registrations)
	}
	if parsed.Status.Event != "" || parsed.Status.Reason != "" {
		t.Errorf("web format must not carry event/reason, got %q/%q", parsed.Status.Event, parsed.Status.Reason)
	}
	if parsed.Status.Network != nil {
		t.Error("Network should be omitted when unknown")
	}
}

func TestFormatJSONDefaults(t *testing.T) {
	snap := Snapshot{StartTime: start, Now: start.Add(time.Second)}

	var raw map[string]map[string]interface{}
	if err := json.Unmarshal(FormatJSON(snap), &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	st := raw["status"]
	if st["hook"] != "UNKNOWN" {
		t.Errorf("hook: got %v, want UNKNOWN", st["hook"])
	}
	call := st["call"].(map[string]interface{})
	if call["state"] != "idle" {
		t.Errorf("call.state: got %v, want idle", call["state"])
	}
	if _, ok := call["peer"]; ok {
		t.Error("peer should be omitted when empty")
	}
	// An empty list, not null, so dashboards can iterate it.
	if regs, ok := st["registrations"].([]interface{}); !ok || len(regs) != 0 {
		t.Errorf("registrations: got %#v", st["registrations"])
	}
}

func TestFormatStatusEvent(t *testing.T) {
	tests := []struct {
		event, reason string
	}{
		{"STARTUP", ""},
		{"HEARTBEAT", ""},
		{"SHUTDOWN", "SIGTERM"},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			snap := Snapshot{Hook: hook.StateOnHook, StartTime: start, Now: start.Add(30 * time.Minute)}

			data := FormatStatusEvent(snap, tt.event, tt.reason)

			var raw map[string]map[string]interface{}
			if err := json.Unmarshal(data, &raw); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			st := raw["status"]
			if st["event"] != tt.event {
				t.Errorf("event: got %v, want %s", st["event"], tt.event)
			}
			reason, ok := st["reason"]
			if tt.reason == "" && ok {
				t.Error("reason should be omitted when empty")
			}
			if tt.reason != "" && reason != tt.reason {
				t.Errorf("reason: got %v, want %s", reason, tt.reason)
			}
		})
	}
}

func TestFormatJSONWithNetwork(t *testing.T) {
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(time.Minute),
		Network:   &NetworkInfo{Type: "eth0", IP: "192.168.1.42", PublicIP: "203.0.113.7", NAT: "stun"},
	}

	var parsed StatusJSON
	json.Unmarshal(FormatJSON(snap), &parsed)

	if parsed.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if parsed.Status.Network.PublicIP != "203.0.113.7" {
		t.Errorf("Network.PublicIP: got %q", parsed.Status.Network.PublicIP)
	}
	if parsed.Status.Network.NAT != "stun" {
		t.Errorf("Network.NAT: got %q, want stun", parsed.Status.Network.NAT)
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(start, Config{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.UpdateHook(hook.StateOffHook, true, hook.EventCounts{PickedUp: i})
			tr.UpdateCall(Call{State: "ringing"}, 2)
			tr.SetRegistrations([]Registration{{Identity: "a", State: "ok"}})
			tr.SetMQTTConnected(i%2 == 0)
			tr.SetNetwork(&NetworkInfo{IP: "1.2.3.4"})
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := tr.Snapshot()
			_ = FormatJSON(snap)
		}
	}()

	wg.Wait()
}
