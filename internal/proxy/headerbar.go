package proxy

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/exhibitlab/wayback-cache-proxy/internal/config"
)

var bodyTagRe = regexp.MustCompile(`(?i)<body[^>]*>`)

// renderHeaderBar builds the overlay fragment injected into served HTML.
// The markup and script must render on period browsers: inline styles,
// var-only JavaScript, document.cookie, no modern DOM APIs.
func renderHeaderBar(cfg *config.Config, pageURL, archiveDate, speed string) string {
	hb := cfg.HeaderBar

	positionCSS := "top:0"
	borderEdge := "bottom"
	if hb.Position == "bottom" {
		positionCSS = "bottom:0"
		borderEdge = "top"
	}

	speedDisplay := "Speed: " + speed
	selectorScript := ""
	if cfg.Throttle.Selector {
		var options strings.Builder
		for _, name := range config.SpeedTierNames() {
			selected := ""
			if name == speed {
				selected = " selected"
			}
			fmt.Fprintf(&options, `<option value="%s"%s>%s</option>`, name, selected, name)
		}
		speedDisplay = `Speed: <select id="wbSpeedSel" style="font-family:Courier New,monospace;` +
			`font-size:11px;background:#12122a;color:#e0e0e0;border:1px solid #505070">` +
			options.String() + `</select>`
		selectorScript = `var sel=document.getElementById("wbSpeedSel");
if(sel){
  sel.onchange=function(){
    var v=sel.options[sel.selectedIndex].value;
    document.cookie="` + cfg.Throttle.CookieName + `="+v+";path=/";
    location.reload();
  };
}
`
	}

	customText := ""
	if hb.Text != "" {
		customText = `<span style="margin-left:16px">` + html.EscapeString(hb.Text) + `</span>`
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<div id="wbHeaderBar" style="position:absolute;left:0;%s;width:100%%;`+
		`background:#0e0e1a;color:#e0e0e0;font-family:Courier New,monospace;font-size:11px;`+
		`padding:3px 8px;border-%s:1px solid #505070;z-index:9999;%s">`,
		positionCSS, borderEdge, hb.CustomCSS)
	fmt.Fprintf(&b, `<span>%s</span><span style="margin-left:16px">%s</span>`,
		html.EscapeString(pageURL), html.EscapeString(formatArchiveDate(archiveDate)))
	fmt.Fprintf(&b, `<span style="margin-left:16px">%s</span>%s</div>`, speedDisplay, customText)
	if selectorScript != "" {
		b.WriteString("\n<script>\n<!--\n" + selectorScript + "// -->\n</script>")
	}
	return b.String()
}

// injectHeaderBar inserts the fragment right after the opening <body>
// tag, or prepends it when the document has none.
func injectHeaderBar(body []byte, bar string) []byte {
	if bar == "" {
		return body
	}
	loc := bodyTagRe.FindIndex(body)
	if loc == nil {
		return append([]byte(bar+"\n"), body...)
	}
	out := make([]byte, 0, len(body)+len(bar)+2)
	out = append(out, body[:loc[1]]...)
	out = append(out, '\n')
	out = append(out, bar...)
	out = append(out, '\n')
	out = append(out, body[loc[1]:]...)
	return out
}

// formatArchiveDate renders YYYYMMDD as YYYY-MM-DD for display.
func formatArchiveDate(date string) string {
	if len(date) < 8 {
		return date
	}
	return date[:4] + "-" + date[4:6] + "-" + date[6:8]
}
