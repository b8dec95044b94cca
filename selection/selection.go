// Package selection decides which ads take part in a run.
package selection

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"adsync/pkg/ad"
)

// Mode is the kind of selector expression.
type Mode string

// Selector modes.
const (
	All Mode = "all"
	Due Mode = "due"
	New Mode = "new"
	IDs Mode = "ids"
)

var idListRegex = regexp.MustCompile(`^\d+(,\d+)*$`)

// Selector is a parsed --ads expression.
type Selector struct {
	Mode Mode
	IDs  []int64
}

func (s Selector) String() string {
	if s.Mode != IDs {
		return string(s.Mode)
	}
	parts := make([]string, len(s.IDs))
	for i, id := range s.IDs {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// Parse parses all, due, new, or a comma separated id list. Case and
// surrounding spaces are ignored.
func Parse(expr string) (Selector, error) {
	e := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(expr), " ", ""))
	switch Mode(e) {
	case All, Due, New:
		return Selector{Mode: Mode(e)}, nil
	}
	if !idListRegex.MatchString(e) {
		return Selector{}, fmt.Errorf("unknown ads selector %q", expr)
	}
	var ids []int64
	for _, part := range strings.Split(e, ",") {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return Selector{}, fmt.Errorf("parse ad id %q: %w", part, err)
		}
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return Selector{Mode: IDs, IDs: ids}, nil
}

// Command defaults for unrecognized selectors.
var commandDefaults = map[string]Mode{
	"publish":  Due,
	"delete":   Due,
	"download": New,
}

// commandModes lists the modes each command understands; ids are always valid.
var commandModes = map[string][]Mode{
	"publish":  {All, Due, New},
	"download": {All, New},
	"delete":   {All, Due, New},
	"verify":   {All, Due, New},
}

// ForCommand parses expr for a command. An unrecognized selector falls back to
// the command's default (due for publish and delete, new for download) with a
// warning.
func ForCommand(command, expr string, logger *slog.Logger) Selector {
	fallback, hasDefault := commandDefaults[command]
	if !hasDefault {
		fallback = All
	}

	sel, err := Parse(expr)
	if err == nil && (sel.Mode == IDs || slices.Contains(commandModes[command], sel.Mode)) {
		return sel
	}

	if strings.TrimSpace(expr) == "" {
		logger.Info("No ads selector given, using default", "command", command, "selector", fallback)
	} else {
		logger.Warn("Unsupported ads selector, using default", "command", command, "given", expr, "selector", fallback)
	}
	return Selector{Mode: fallback}
}

// Decision is the outcome of applying a selector to one ad.
type Decision struct {
	Include bool
	Reason  string // why the ad was skipped
}

func include() Decision { return Decision{Include: true} }

func skip(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Decide reports whether the effective ad a takes part in a run at now.
// Explicit ids override the inactive-ad exclusion and the new/due checks.
func (s Selector) Decide(a *ad.Ad, now time.Time) Decision {
	if s.Mode == IDs {
		if !a.Published() {
			return skip("ad has no id")
		}
		if slices.Contains(s.IDs, a.ID) {
			return include()
		}
		return skip("ad id %d is not in the list of given ids", a.ID)
	}

	if !a.Active {
		return skip("inactive ad")
	}

	switch s.Mode {
	case New:
		if a.Published() {
			return skip("not new, already has id %d", a.ID)
		}
	case Due:
		if !a.Published() {
			return include()
		}
		last, ok, err := a.LastPublished()
		if err != nil {
			// An unreadable timestamp is treated like a missing one.
			return include()
		}
		if !ok {
			return include()
		}
		// Whole days, truncated; an ad exactly interval days old is not yet due.
		days := int(now.Sub(last) / (24 * time.Hour))
		if days <= a.RepublicationInterval {
			return skip("last published %d days ago, republication is only required every %d days", days, a.RepublicationInterval)
		}
	}
	return include()
}
