package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"adsync/pkg/run"
)

// actionColors colors the action column; unknown actions stay black.
var actionColors = map[run.Action]string{
	run.Published:  "#27ae60",
	run.Deleted:    "#8e44ad",
	run.Downloaded: "#2980b9",
	run.Verified:   "#27ae60",
	run.Skipped:    "#7f8c8d",
	run.Failed:     "#c0392b",
}

func formatReportBody(rep *run.Report) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".header { border-bottom: 2px solid #e67e22; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".summary { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(".error { background: #fdecea; color: #c0392b; padding: 10px 15px; border-radius: 8px; margin: 15px 0; }\n")
	b.WriteString("table { border-collapse: collapse; width: 100%; font-size: 0.95em; }\n")
	b.WriteString("th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #ecf0f1; vertical-align: top; }\n")
	b.WriteString(".reason { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString("th, td { border-bottom-color: #444; }\n")
	b.WriteString(".summary, .reason { color: #a0a0a0; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	fmt.Fprintf(&b, "<h2>%s</h2>\n", escapeHTML(Subject(rep)))
	fmt.Fprintf(&b, "<div class=\"summary\">Run %s &bull; ads %s &bull; started %s UTC &bull; took %s</div>\n",
		escapeHTML(rep.RunID),
		escapeHTML(rep.Selector),
		rep.Started.UTC().Format("Jan 2, 2006 at 3:04 PM"),
		rep.Duration().Round(time.Second))
	b.WriteString("</div>\n")

	if rep.Err != nil {
		fmt.Fprintf(&b, "<div class=\"error\">Run stopped: %s</div>\n", escapeHTML(rep.Err.Error()))
	}

	if len(rep.Events) > 0 {
		b.WriteString("<table>\n<tr><th>Action</th><th>Ad</th><th>File</th></tr>\n")
		for _, e := range rep.Events {
			b.WriteString("<tr>")
			fmt.Fprintf(&b, "<td style=\"color: %s;\">%s</td>", colorOf(e.Action), escapeHTML(string(e.Action)))

			b.WriteString("<td>")
			if e.Title != "" {
				b.WriteString(escapeHTML(e.Title))
			}
			if e.AdID > 0 {
				fmt.Fprintf(&b, " <span class=\"reason\">#%d</span>", e.AdID)
			}
			if e.PreviousID > 0 {
				fmt.Fprintf(&b, " <span class=\"reason\">(replaces #%d)</span>", e.PreviousID)
			}
			if e.Reason != "" {
				fmt.Fprintf(&b, "<br><span class=\"reason\">%s</span>", escapeHTML(e.Reason))
			}
			b.WriteString("</td>")

			fmt.Fprintf(&b, "<td>%s</td>", escapeHTML(e.File))
			b.WriteString("</tr>\n")
		}
		b.WriteString("</table>\n")
	}

	b.WriteString("</body>\n</html>")
	return b.String()
}

func colorOf(a run.Action) string {
	if c, ok := actionColors[a]; ok {
		return c
	}
	return "#000"
}

var escapeHTML = html.EscapeString

// formatReportText is the plain-text alternative of formatReportBody.
func formatReportText(rep *run.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", Subject(rep))
	fmt.Fprintf(&b, "Run %s, ads %s, started %s UTC, took %s\n",
		rep.RunID, rep.Selector, rep.Started.UTC().Format(time.DateTime), rep.Duration().Round(time.Second))
	if rep.Err != nil {
		fmt.Fprintf(&b, "\nRun stopped: %s\n", rep.Err)
	}
	if len(rep.Events) > 0 {
		b.WriteString("\n")
	}
	for _, e := range rep.Events {
		fmt.Fprintf(&b, "%-10s %s", e.Action, e.File)
		if e.AdID > 0 {
			fmt.Fprintf(&b, " #%d", e.AdID)
		}
		if e.PreviousID > 0 {
			fmt.Fprintf(&b, " (replaces #%d)", e.PreviousID)
		}
		if e.Title != "" {
			fmt.Fprintf(&b, " %q", e.Title)
		}
		if e.Reason != "" {
			fmt.Fprintf(&b, ": %s", e.Reason)
		}
		b.WriteString("\n")
	}
	return b.String()
}
