package proxy

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// errorDescriptions gives each status code a period-appropriate blurb.
var errorDescriptions = map[int]string{
	400: "The request could not be understood by the proxy.",
	403: "This URL is not in the allowlist.",
	404: "This page was not found in the Wayback Machine's archive.",
	500: "An unexpected error occurred in the proxy.",
	501: "This feature is not yet implemented.",
	502: "The Wayback Machine could not be reached.",
	504: "The request to the Wayback Machine timed out.",
}

const fallbackErrorTemplate = `<html><body><h1>{{.Code}} {{.Message}}</h1>` +
	`<p>{{.Description}}</p><hr><small>{{.URL}} &middot; {{.Date}}</small></body></html>`

// errorPageData feeds the error templates.
type errorPageData struct {
	Code        int
	Message     string
	Description string
	URL         string
	Date        string
}

// ErrorPages renders themed error pages. The template directory is an
// external collaborator: error.html is the default, NNN.html overrides
// a single code. Missing files fall back to an inline page.
type ErrorPages struct {
	perCode  map[int]*template.Template
	fallback *template.Template
	logger   *zap.Logger
}

// LoadErrorPages reads templates from dir; an empty dir yields the
// inline fallback only.
func LoadErrorPages(dir string, logger *zap.Logger) *ErrorPages {
	p := &ErrorPages{
		perCode:  make(map[int]*template.Template),
		fallback: template.Must(template.New("error").Parse(fallbackErrorTemplate)),
		logger:   logger,
	}
	if dir == "" {
		return p
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("error pages directory unreadable, using fallback",
			zap.String("dir", dir), zap.Error(err))
		return p
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".html") {
			continue
		}
		tmpl, err := template.ParseFiles(filepath.Join(dir, name))
		if err != nil {
			logger.Warn("skipping unparsable error template",
				zap.String("file", name), zap.Error(err))
			continue
		}
		base := strings.TrimSuffix(name, ".html")
		if base == "error" {
			p.fallback = tmpl
			continue
		}
		if code, err := strconv.Atoi(base); err == nil {
			p.perCode[code] = tmpl
		}
	}
	logger.Info("loaded error page templates",
		zap.String("dir", dir), zap.Int("count", len(p.perCode)))
	return p
}

// Render produces the error page body for a status code.
func (p *ErrorPages) Render(code int, message, url, date string) []byte {
	description := errorDescriptions[code]
	if description == "" {
		description = message
	}
	data := errorPageData{
		Code:        code,
		Message:     message,
		Description: description,
		URL:         url,
		Date:        date,
	}
	tmpl := p.perCode[code]
	if tmpl == nil {
		tmpl = p.fallback
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		p.logger.Warn("error template execution failed", zap.Error(err))
		return []byte(fmt.Sprintf("<html><body><h1>%d %s</h1></body></html>", code, message))
	}
	return buf.Bytes()
}
