package main

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strings"
)

// Handler handles HTTP requests for the UI.
type Handler struct {
	inspector *Inspector
	dashboard *template.Template
	requests  *template.Template
}

// NewHandler creates a new Handler.
func NewHandler(inspector *Inspector) (*Handler, error) {
	dashboard, err := template.New("dashboard").Parse(dashboardTmpl)
	if err != nil {
		return nil, err
	}
	requests, err := template.New("requests").Parse(requestsTmpl)
	if err != nil {
		return nil, err
	}
	return &Handler{
		inspector: inspector,
		dashboard: dashboard,
		requests:  requests,
	}, nil
}

// RegisterRoutes registers HTTP routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", h.handleDashboard)
	mux.HandleFunc("/requests/", h.handleRequests)
	mux.HandleFunc("/api/stats", h.handleAPIStats)
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	stats, err := h.inspector.GetQueueStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	breakers, _ := h.inspector.GetBreakers(r.Context())

	data := map[string]interface{}{
		"Stats":    stats,
		"Breakers": breakers,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.dashboard.Execute(w, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

var validSets = map[string]bool{
	"pending":    true,
	"scheduled":  true,
	"processing": true,
	"dead":       true,
}

func (h *Handler) handleRequests(w http.ResponseWriter, r *http.Request) {
	// Extract set name from path: /requests/{set}
	set := strings.TrimPrefix(r.URL.Path, "/requests/")
	if !validSets[set] {
		http.NotFound(w, r)
		return
	}
	requests, err := h.inspector.GetRequests(r.Context(), set, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data := map[string]interface{}{
		"Set":      set,
		"Requests": requests,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.requests.Execute(w, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.inspector.GetQueueStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{
		"pending":    stats.Pending,
		"scheduled":  stats.Scheduled,
		"processing": stats.Processing,
		"dead":       stats.Dead,
	})
}

const dashboardTmpl = `<!DOCTYPE html>
<html>
<head>
<title>hqm Monitor</title>
<meta http-equiv="refresh" content="5">
<style>
body { font-family: sans-serif; margin: 2rem; }
table { border-collapse: collapse; margin-top: 1rem; }
th, td { border: 1px solid #ccc; padding: 0.4rem 0.8rem; text-align: left; }
.cards { display: flex; gap: 1rem; }
.card { border: 1px solid #ccc; padding: 1rem; min-width: 8rem; }
.card .num { font-size: 2rem; }
</style>
</head>
<body>
<h1>hqm Monitor</h1>
<div class="cards">
<div class="card"><div class="num">{{.Stats.Pending}}</div><a href="/requests/pending">pending</a></div>
<div class="card"><div class="num">{{.Stats.Scheduled}}</div><a href="/requests/scheduled">scheduled</a></div>
<div class="card"><div class="num">{{.Stats.Processing}}</div><a href="/requests/processing">processing</a></div>
<div class="card"><div class="num">{{.Stats.Dead}}</div><a href="/requests/dead">dead</a></div>
</div>
<h2>Circuit Breakers</h2>
{{if .Breakers}}
<table>
<tr><th>Host</th><th>State</th><th>Failures</th><th>Successes</th><th>Changed</th></tr>
{{range .Breakers}}
<tr><td>{{.Host}}</td><td>{{.State}}</td><td>{{.Failures}}</td><td>{{.Successes}}</td><td>{{.StateChangedAt}}</td></tr>
{{end}}
</table>
{{else}}
<p>No live breakers.</p>
{{end}}
</body>
</html>`

const requestsTmpl = `<!DOCTYPE html>
<html>
<head>
<title>hqm Monitor - {{.Set}}</title>
<meta http-equiv="refresh" content="5">
<style>
body { font-family: sans-serif; margin: 2rem; }
table { border-collapse: collapse; margin-top: 1rem; }
th, td { border: 1px solid #ccc; padding: 0.4rem 0.8rem; text-align: left; }
</style>
</head>
<body>
<h1><a href="/">hqm Monitor</a> / {{.Set}}</h1>
{{if .Requests}}
<table>
<tr><th>ID</th><th>Method</th><th>URL</th><th>Priority</th><th>Max Retries</th><th>Created</th></tr>
{{range .Requests}}
<tr><td>{{.ID}}</td><td>{{.Method}}</td><td>{{.URL}}</td><td>{{.Priority}}</td><td>{{.MaxRetries}}</td><td>{{.CreatedAt}}</td></tr>
{{end}}
</table>
{{else}}
<p>No requests in this set.</p>
{{end}}
</body>
</html>`
