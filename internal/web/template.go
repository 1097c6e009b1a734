package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/dialtone/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"orDefault": func(s, def string) string {
		if s == "" {
			return def
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Dialtone</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.ok { color: green; font-weight: bold; }
.idle { color: #888; }
.warn { color: orange; }
.bad { color: red; }
</style>
</head>
<body>
<h1>Dialtone</h1>

<h2>Phone</h2>
<table>
<tr><th>Handset</th><td id="hook-state" class="{{if eq (printf "%s" .Hook) "OFF_HOOK"}}ok{{else if eq (printf "%s" .Hook) "ON_HOOK"}}idle{{else}}warn{{end}}">{{orDefault (printf "%s" .Hook) "UNKNOWN"}}</td></tr>
<tr><th>Call</th><td id="call-state" class="{{if eq .Call.State "connected"}}ok{{else if eq .Call.State "ringing"}}warn{{else}}idle{{end}}">{{orDefault .Call.State "idle"}}</td></tr>
{{if .Call.Peer}}<tr><th>Peer</th><td id="peer">{{.Call.Peer}}{{if .Call.Verified}} (verified){{end}}</td></tr>{{end}}
{{if .PendingDigits}}<tr><th>Dialled</th><td id="pending">{{.PendingDigits}} digits</td></tr>{{end}}
<tr><th>Ready</th><td>{{if .Baselined}}yes{{else}}no{{end}}</td></tr>
</table>

<h2>Registrations</h2>
<table>
{{range .Registrations}}<tr><th>{{.Identity}}</th><td class="{{if eq .State "ok"}}ok{{else if eq .State "failed"}}bad{{else}}warn{{end}}">{{.State}}</td></tr>
{{else}}<tr><td>none</td></tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}ok{{else}}bad{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{orDefault .Config.Broker "none"}}</td></tr>
{{if .Network}}<tr><th>IP</th><td>{{.Network.IP}}</td></tr>
<tr><th>NAT</th><td>{{.Network.NAT}}{{if .Network.PublicIP}} ({{.Network.PublicIP}}){{end}}</td></tr>{{end}}
</table>

<h2>Hook Counts</h2>
<table>
<tr><th>Picked up</th><td>{{.Counts.PickedUp}}</td></tr>
<tr><th>Hung up</th><td>{{.Counts.HungUp}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z07:00"}}</td></tr>
<tr><th>Domain</th><td>{{.Config.Domain}}</td></tr>
<tr><th>Dial timeout</th><td>{{.Config.DialTimeoutMs}} ms</td></tr>
<tr><th>Poll</th><td>{{.Config.PollMs}} ms</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
