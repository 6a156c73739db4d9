package dashboard

import (
	"fmt"
	"html/template"
	"time"
)

var funcs = template.FuncMap{
	"ts": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format("2006-01-02 15:04:05")
	},
	"short": func(s string) string {
		if len(s) > 8 {
			return s[:8]
		}
		return s
	},
	// tone maps a status or trust level to a badge class.
	"tone": func(v any) string {
		switch fmt.Sprint(v) {
		case "active", "verified", "compliant", "success", "high":
			return "ok"
		case "maintenance", "pending", "medium", "warning", "expired":
			return "warn"
		case "compromised", "failed", "non_compliant", "failure", "critical", "low":
			return "bad"
		}
		return "dim"
	},
	"sev": func(v any) string {
		switch fmt.Sprint(v) {
		case "critical", "high":
			return "bad"
		case "medium":
			return "warn"
		}
		return "dim"
	},
}

const palette = `
*{margin:0;padding:0;box-sizing:border-box}
:root{
  --bg:#0a0a0f;--surface:#12121a;--surface2:#1a1a26;--border:#2a2a3a;
  --text:#e0e0ee;--text2:#8888aa;--text3:#555570;
  --accent:#6366f1;--accent-light:#818cf8;--accent-dim:#4f46e5;
  --danger:#ef4444;--success:#22c55e;--warn:#f59e0b;
  --mono:'SF Mono','Fira Code','JetBrains Mono',monospace;
  --sans:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,sans-serif;
}
`

var loginTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>attestd · dashboard</title>
<style>` + palette + `
body{font-family:var(--sans);background:var(--bg);color:var(--text);min-height:100vh;display:flex;align-items:center;justify-content:center}
.card{background:var(--surface);border:1px solid var(--border);border-radius:12px;padding:48px 40px;max-width:400px;width:100%;text-align:center}
.logo{font-family:var(--mono);font-size:1.5rem;font-weight:700;margin-bottom:8px}
.logo span{color:var(--accent-light)}
.help{color:var(--text3);font-size:0.78rem;margin:16px 0 24px;line-height:1.6}
.help code{background:var(--surface2);padding:2px 6px;border-radius:4px;font-family:var(--mono);color:var(--accent-light)}
input{width:100%;padding:14px 16px;background:var(--bg);border:1px solid var(--border);border-radius:8px;color:var(--text);font-family:var(--mono);font-size:1.2rem;text-align:center;letter-spacing:4px}
button{width:100%;padding:12px;margin-top:16px;background:var(--accent);color:#fff;border:none;border-radius:8px;font-weight:600;cursor:pointer}
.error{color:var(--danger);font-size:0.82rem;margin-top:12px}
</style>
</head>
<body>
<div class="card">
  <div class="logo">attest<span>d</span></div>
  <p class="help">Enter the access code shown in your terminal.<br>Run <code>attestd serve</code> to get a code.</p>
  <form method="POST" action="/dashboard/login" autocomplete="off">
    <input type="text" name="code" placeholder="00000000" maxlength="8" inputmode="numeric" autofocus required>
    <button type="submit">Authenticate</button>
  </form>
  {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
</div>
</body>
</html>`))

const layoutHead = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>attestd · {{.Active}}</title>
<style>` + palette + `
body{font-family:var(--sans);background:var(--bg);color:var(--text);min-height:100vh}
nav{display:flex;gap:24px;align-items:center;padding:16px 32px;border-bottom:1px solid var(--border);background:var(--surface)}
nav .logo{font-family:var(--mono);font-weight:700}
nav .logo span{color:var(--accent-light)}
nav a{color:var(--text2);text-decoration:none;font-size:0.88rem}
nav a.on{color:var(--text)}
nav form{margin-left:auto}
nav button{background:none;border:1px solid var(--border);color:var(--text2);padding:4px 12px;border-radius:6px;cursor:pointer}
main{padding:32px;max-width:1200px;margin:0 auto}
h1{font-size:1.2rem;margin-bottom:20px}
h2{font-size:0.95rem;color:var(--text2);margin:28px 0 12px}
.cards{display:grid;grid-template-columns:repeat(auto-fill,minmax(160px,1fr));gap:12px}
.stat{background:var(--surface);border:1px solid var(--border);border-radius:10px;padding:16px}
.stat b{display:block;font-size:1.6rem;font-family:var(--mono)}
.stat small{color:var(--text2);font-size:0.75rem}
table{width:100%;border-collapse:collapse;font-size:0.82rem}
th{color:var(--text3);text-align:left;font-weight:500;padding:8px;border-bottom:1px solid var(--border)}
td{padding:8px;border-bottom:1px solid var(--surface2)}
td.mono,.mono{font-family:var(--mono);font-size:0.78rem}
a{color:var(--accent-light)}
.badge{padding:2px 8px;border-radius:10px;font-size:0.72rem;font-family:var(--mono)}
.ok{background:rgba(34,197,94,.12);color:var(--success)}
.warn{background:rgba(245,158,11,.12);color:var(--warn)}
.bad{background:rgba(239,68,68,.12);color:var(--danger)}
.dim{background:var(--surface2);color:var(--text2)}
dl{display:grid;grid-template-columns:200px 1fr;gap:6px 16px;font-size:0.85rem}
dt{color:var(--text3)}
.empty{color:var(--text3);font-size:0.85rem;padding:12px 0}
</style>
</head>
<body>
<nav>
  <span class="logo">attest<span>d</span></span>
  <a href="/dashboard" {{if eq .Active "overview"}}class="on"{{end}}>Overview</a>
  <a href="/dashboard/devices" {{if eq .Active "devices"}}class="on"{{end}}>Devices</a>
  <a href="/dashboard/events" {{if eq .Active "events"}}class="on"{{end}}>Events</a>
  <form method="POST" action="/dashboard/logout"><button type="submit">Log out</button></form>
</nav>
<main>
`

const layoutFoot = `
</main>
</body>
</html>`

const partials = `{{define "event-table"}}{{if .}}<table>
<tr><th>Time</th><th>Severity</th><th>Type</th><th>Device</th><th>Description</th></tr>
{{range .}}<tr>
<td class="mono">{{ts .Timestamp}}</td>
<td><span class="badge {{sev .Severity}}">{{.Severity}}</span></td>
<td class="mono">{{.EventType}}</td>
<td class="mono">{{if .DeviceID}}<a href="/dashboard/devices/{{.DeviceID}}">{{short .DeviceID}}</a>{{end}}</td>
<td>{{.Description}}</td>
</tr>{{end}}
</table>{{else}}<p class="empty">No events.</p>{{end}}{{end}}

{{define "report-table"}}{{if .}}<table>
<tr><th>Report</th><th>Device</th><th>Seq</th><th>Submitted</th><th>Status</th><th>Score</th><th>Trust</th><th>Compliance</th><th>Reason</th></tr>
{{range .}}<tr>
<td class="mono">{{short .ID}}</td>
<td class="mono"><a href="/dashboard/devices/{{.DeviceID}}">{{short .DeviceID}}</a></td>
<td class="mono">{{.Sequence}}</td>
<td class="mono">{{ts .SubmittedAt}}</td>
<td><span class="badge {{tone .VerificationStatus}}">{{.VerificationStatus}}</span></td>
<td class="mono">{{.TrustScore}}</td>
<td><span class="badge {{tone .TrustLevel}}">{{.TrustLevel}}</span></td>
<td><span class="badge {{tone .ComplianceStatus}}">{{.ComplianceStatus}}</span></td>
<td class="mono">{{.FailureReason}}</td>
</tr>{{end}}
</table>{{else}}<p class="empty">No reports.</p>{{end}}{{end}}`

func page(name, body string) *template.Template {
	t := template.Must(template.New(name).Funcs(funcs).Parse(layoutHead + body + layoutFoot))
	return template.Must(t.Parse(partials))
}

var overviewTmpl = page("overview", `
<h1>Fleet overview</h1>
<div class="cards">
  <div class="stat"><b>{{.DeviceCount}}</b><small>devices</small></div>
  <div class="stat"><b>{{.DeviceActive}}</b><small>active</small></div>
  <div class="stat"><b>{{.Compromised}}</b><small>compromised</small></div>
  <div class="stat"><b>{{.Stats.Total}}</b><small>reports (24h)</small></div>
  <div class="stat"><b>{{.Verified}}</b><small>verified</small></div>
  <div class="stat"><b>{{.Failed}}</b><small>failed</small></div>
  <div class="stat"><b>{{.Pending}}</b><small>pending</small></div>
  <div class="stat"><b>{{.NonCompliant}}</b><small>non-compliant</small></div>
</div>
<h2>Non-compliant reports</h2>
{{template "report-table" .Flagged}}
<h2>Recent security events</h2>
{{template "event-table" .Events}}
`)

var devicesTmpl = page("devices", `
<h1>Devices</h1>
{{if .Devices}}<table>
<tr><th>ID</th><th>Serial</th><th>Class</th><th>Status</th><th>Trust</th><th>Last result</th><th>Last attestation</th><th>Last seen</th></tr>
{{range .Devices}}<tr>
<td class="mono"><a href="/dashboard/devices/{{.ID}}">{{short .ID}}</a></td>
<td class="mono">{{.Serial}}</td>
<td>{{.Class}}</td>
<td><span class="badge {{tone .Status}}">{{.Status}}</span></td>
<td><span class="badge {{tone .TrustLevel}}">{{.TrustLevel}}</span></td>
<td>{{if .LastAttestationResult}}<span class="badge {{tone .LastAttestationResult}}">{{.LastAttestationResult}}</span>{{end}}</td>
<td class="mono">{{ts .LastAttestationTime}}</td>
<td class="mono">{{ts .LastSeen}}</td>
</tr>{{end}}
</table>{{else}}<p class="empty">No devices registered.</p>{{end}}
`)

var deviceTmpl = page("device", `
{{with .Device}}
<h1>{{.Serial}} <span class="badge {{tone .Status}}">{{.Status}}</span></h1>
<dl>
  <dt>ID</dt><dd class="mono">{{.ID}}</dd>
  <dt>Class</dt><dd>{{.Class}}</dd>
  <dt>Trust level</dt><dd><span class="badge {{tone .TrustLevel}}">{{.TrustLevel}}</span></dd>
  <dt>Attestation enabled</dt><dd>{{.AttestationEnabled}}</dd>
  <dt>Last attestation</dt><dd class="mono">{{ts .LastAttestationTime}} {{.LastAttestationResult}}</dd>
  <dt>Last seen</dt><dd class="mono">{{ts .LastSeen}}</dd>
  <dt>Expected interval</dt><dd class="mono">{{.ExpectedInterval}}</dd>
  <dt>Sequence</dt><dd class="mono">next {{.NextSequence}} · applied {{.LastAppliedSequence}}</dd>
  <dt>Recent failures</dt><dd class="mono">{{len .RecentFailures}}</dd>
  <dt>Keys</dt><dd class="mono">{{range .PublicKeys}}{{.Algorithm}} {{end}}</dd>
</dl>
{{end}}
<h2>Reports</h2>
{{template "report-table" .Reports}}
<h2>Security events</h2>
{{template "event-table" .Events}}
`)

var eventsTmpl = page("events", `
<h1>Security events</h1>
{{template "event-table" .Events}}
`)
