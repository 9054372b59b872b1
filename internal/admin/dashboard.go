package admin

import (
	"html/template"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/exhibitlab/wayback-cache-proxy/internal/cache"
)

const styleBlock = `<style>
body { background:#0e0e1a; color:#e0e0e0; font-family:monospace; margin:20px; }
h1 { color:#c0c0ff; }
h2 { color:#a0a0d0; margin-top:24px; }
table { border-collapse:collapse; }
table th, table td { border:1px solid #404060; padding:4px 8px; }
th { background:#1a1a2e; }
input[type=text] {
  background:#12122a; color:#e0e0e0; border:1px solid #505070;
  padding:4px 8px; font-family:monospace; width:400px;
}
input[type=submit] { padding:4px 12px; cursor:pointer; border:1px solid #505070;
  background:#203060; color:#fff; }
input.danger { background:#802020; border-color:#a04040; }
input.go { background:#206040; border-color:#40a060; }
input.warn { background:#804020; border-color:#a06040; }
pre {
  background:#0a0a16; border:1px solid #303050; padding:8px;
  max-height:300px; overflow-y:auto; font-size:12px; white-space:pre-wrap;
}
a { color:#8080ff; }
</style>`

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<noscript><meta http-equiv="refresh" content="5"></noscript>
<title>Wayback Proxy Admin</title>
` + styleBlock + `
</head>
<body>
<h1>Wayback Proxy Admin</h1>
<p>Target date: <b>{{.TargetDate}}</b> &nbsp; Access: <b>{{.AccessMode}}</b>
 &nbsp; Speed: <b>{{.Speed}}</b> &nbsp; <a href="/_admin/cache">cache</a>
 &nbsp; <a href="/_admin/status.json">status.json</a>
 &nbsp; <a href="/_admin/metrics">metrics</a></p>

<h2>Crawl Seeds</h2>
<table>
<tr><th>URL</th><th>Depth</th><th></th></tr>
{{range .Seeds}}<tr><td>{{.URL}}</td><td align="center">{{.Depth}}</td>
<td><form method="POST" action="/_admin/seeds" style="margin:0">
<input type="hidden" name="action" value="remove">
<input type="hidden" name="url" value="{{.URL}}">
<input type="submit" class="danger" value="Remove"></form></td></tr>
{{else}}<tr><td colspan="3" style="color:#888">No seeds configured.</td></tr>{{end}}
</table>
<form method="POST" action="/_admin/seeds" style="margin-top:8px">
<input type="text" name="url" placeholder="http://example.com  or  http://example.com|3">
<input type="submit" value="Add Seed">
</form>

<h2>Crawl Status</h2>
<p>State: <strong style="color:{{.StateColor}}">{{.Status.State}}</strong></p>
<p>Fetched: {{.Status.URLsFetched}} / {{.Status.URLsSeen}} &nbsp; Failed: {{.Status.URLsFailed}}</p>
{{if .Status.CurrentURL}}<p>Current: <code>{{.Status.CurrentURL}}</code> (depth {{.Status.CurrentDepth}})</p>{{end}}
{{if .Running}}
<form method="POST" action="/_admin/crawl/stop" style="display:inline">
<input type="submit" class="warn" value="Stop Crawl"></form>
{{else}}
<form method="POST" action="/_admin/crawl/start" style="display:inline">
<input type="submit" class="go" value="Start Crawl"></form>
<form method="POST" action="/_admin/crawl/recrawl" style="display:inline">
<input type="submit" class="warn" value="Recrawl (clear hot)"></form>
{{end}}

<h2>Crawl Log</h2>
<form method="POST" action="/_admin/crawl/clear-log" style="margin-bottom:4px">
<input type="submit" value="Clear Log">
</form>
<pre>{{if .LogLines}}{{range .LogLines}}{{.}}
{{end}}{{else}}(empty){{end}}</pre>

<h2>Cache</h2>
<p>Curated: <strong>{{.Stats.CuratedCount}}</strong> &nbsp; Hot: <strong>{{.Stats.HotCount}}</strong>
 &nbsp; ~{{.Stats.ApproxBytes}} bytes</p>
<form method="POST" action="/_admin/cache/delete" style="margin-top:8px">
<input type="text" name="url" placeholder="http://example.com/page.html">
<input type="submit" class="danger" value="Delete from Cache">
</form>
<form method="POST" action="/_admin/cache/clear" style="margin-top:8px;display:inline">
<input type="hidden" name="tier" value="hot">
<input type="submit" class="danger" value="Clear All Hot Cache"
 onclick="return confirm('Clear all hot cache entries?')">
</form>

<h2>Most Viewed</h2>
{{if .TopViews}}<ol>{{range .TopViews}}<li>{{.Domain}} ({{.Count}} views)</li>{{end}}</ol>
{{else}}<p style="color:#888">No views recorded.</p>{{end}}
</body>
</html>`))

type dashboardData struct {
	TargetDate string
	AccessMode string
	Speed      string
	Seeds      []cache.SeedEntry
	Status     cache.CrawlStatus
	StateColor string
	Running    bool
	LogLines   []string
	Stats      cache.Stats
	TopViews   []cache.ViewCount
}

func (a *Admin) dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := a.cfgStore.Load()

	seeds, _ := a.store.Seeds(ctx)
	status, _ := a.store.CrawlStatus(ctx)
	logLines, _ := a.store.CrawlLog(ctx, 100)
	stats, _ := a.store.Stats(ctx)
	views, _ := a.store.TopViews(ctx, 10)

	color := "#888"
	switch status.State {
	case cache.CrawlRunning:
		color = "#4a4"
	case cache.CrawlStopping:
		color = "#c84"
	}

	data := dashboardData{
		TargetDate: cfg.Proxy.TargetDate,
		AccessMode: cfg.Access.Mode,
		Speed:      cfg.Throttle.Speed,
		Seeds:      seeds,
		Status:     status,
		StateColor: color,
		Running:    status.State == cache.CrawlRunning,
		LogLines:   logLines,
		Stats:      stats,
		TopViews:   views,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		a.logger.Warn("dashboard render", zap.Error(err))
	}
}

var cacheListTmpl = template.Must(template.New("cachelist").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Cache Browser</title>
` + styleBlock + `
</head>
<body>
<h1>Cache Browser</h1>
<p><a href="/_admin/">&laquo; dashboard</a></p>
<form method="GET" action="/_admin/cache">
<select name="tier" style="background:#12122a;color:#e0e0e0;border:1px solid #505070;padding:4px">
<option value="curated"{{if eq .Tier "curated"}} selected{{end}}>curated</option>
<option value="hot"{{if eq .Tier "hot"}} selected{{end}}>hot</option>
</select>
<input type="text" name="q" value="{{.Query}}" placeholder="search source URL">
<input type="submit" value="Search">
</form>
<table style="margin-top:8px">
<tr><th>Source URL</th><th>Type</th><th>Bytes</th><th></th></tr>
{{range .Entries}}<tr>
<td>{{.SourceURL}}</td><td>{{.ContentType}}</td><td align="right">{{.Bytes}}</td>
<td><form method="POST" action="/_admin/cache/delete" style="margin:0">
<input type="hidden" name="key" value="{{.Key}}">
<input type="submit" class="danger" value="Delete"></form></td>
</tr>{{else}}<tr><td colspan="4" style="color:#888">No entries.</td></tr>{{end}}
</table>
<p>
{{if gt .Page 1}}<a href="/_admin/cache?tier={{.Tier}}&q={{.Query}}&page={{.PrevPage}}">&laquo; prev</a>{{end}}
Page {{.Page}}
{{if .HasNext}}<a href="/_admin/cache?tier={{.Tier}}&q={{.Query}}&page={{.NextPage}}">next &raquo;</a>{{end}}
</p>
</body>
</html>`))

type cacheListData struct {
	Tier     string
	Query    string
	Entries  []cache.Entry
	Page     int
	PrevPage int
	NextPage int
	HasNext  bool
}

func (a *Admin) cacheList(w http.ResponseWriter, r *http.Request) {
	tier := cache.Tier(r.URL.Query().Get("tier"))
	if tier != cache.TierHot {
		tier = cache.TierCurated
	}
	query := r.URL.Query().Get("q")
	page := 1
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}

	// Fetch one extra row to know whether a next page exists.
	entries, err := a.store.List(r.Context(), tier, query, (page-1)*pageSize, pageSize+1)
	if err != nil {
		http.Error(w, "cache listing unavailable", http.StatusInternalServerError)
		return
	}
	hasNext := len(entries) > pageSize
	if hasNext {
		entries = entries[:pageSize]
	}

	data := cacheListData{
		Tier:     string(tier),
		Query:    query,
		Entries:  entries,
		Page:     page,
		PrevPage: page - 1,
		NextPage: page + 1,
		HasNext:  hasNext,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := cacheListTmpl.Execute(w, data); err != nil {
		a.logger.Warn("cache list render", zap.Error(err))
	}
}
