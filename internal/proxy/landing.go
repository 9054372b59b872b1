package proxy

import (
	"bytes"
	"html/template"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/exhibitlab/wayback-cache-proxy/internal/cache"
	"github.com/exhibitlab/wayback-cache-proxy/internal/config"
)

const fallbackLandingTemplate = `<html>
<head><title>Wayback Cache Proxy</title></head>
<body bgcolor="#0e0e1a" text="#e0e0e0" link="#8080ff">
<h1>Wayback Cache Proxy</h1>
<p>Point your browser's proxy settings here and surf the web as it was on
<b>{{.Date}}</b>.</p>
{{if .Text}}<p>{{.Text}}</p>{{end}}
{{if .Speed}}<p>Connection speed: <b>{{.Speed}}</b></p>{{end}}
<h2>Most viewed</h2>
{{if .MostViewed}}<ol>{{range .MostViewed}}<li>{{.Domain}} ({{.Count}} views)</li>{{end}}</ol>
{{else}}<p>No pages viewed yet.</p>{{end}}
</body></html>`

// landingData feeds the landing page template.
type landingData struct {
	Date       string
	Text       string
	Speed      string
	MostViewed []cache.ViewCount
}

// Landing serves the proxy's own landing page. The template directory
// (index.html) is an external collaborator; an inline page is the
// fallback.
type Landing struct {
	tmpl   *template.Template
	logger *zap.Logger
}

// LoadLanding reads index.html from dir when present.
func LoadLanding(dir string, logger *zap.Logger) *Landing {
	l := &Landing{
		tmpl:   template.Must(template.New("landing").Parse(fallbackLandingTemplate)),
		logger: logger,
	}
	if dir == "" {
		return l
	}
	path := filepath.Join(dir, "index.html")
	if _, err := os.Stat(path); err != nil {
		logger.Warn("landing page template missing, using fallback",
			zap.String("path", path), zap.Error(err))
		return l
	}
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		logger.Warn("landing page template unparsable, using fallback", zap.Error(err))
		return l
	}
	l.tmpl = tmpl
	logger.Info("loaded landing page", zap.String("dir", dir))
	return l
}

// Render produces the landing page body.
func (l *Landing) Render(cfg *config.Config, views []cache.ViewCount) []byte {
	speed := ""
	if cfg.Throttle.Speed != "unlimited" {
		speed = cfg.Throttle.Speed
	}
	data := landingData{
		Date:       formatArchiveDate(cfg.Proxy.TargetDate),
		Text:       cfg.HeaderBar.Text,
		Speed:      speed,
		MostViewed: views,
	}
	var buf bytes.Buffer
	if err := l.tmpl.Execute(&buf, data); err != nil {
		l.logger.Warn("landing template execution failed", zap.Error(err))
		return []byte("<html><body><h1>Wayback Cache Proxy</h1></body></html>")
	}
	return buf.Bytes()
}
