// Package run contains the run report types shared by the report sinks.
package run

import "time"

// Action is what happened to one ad during a run.
type Action string

// Actions.
const (
	Published  Action = "published"
	Deleted    Action = "deleted"
	Downloaded Action = "downloaded"
	Verified   Action = "verified"
	Skipped    Action = "skipped"
	Failed     Action = "failed"
)

// Event records the outcome for one ad.
type Event struct {
	RunID      string    `json:"run_id"`
	Command    string    `json:"command"`
	Action     Action    `json:"action"`
	AdID       int64     `json:"ad_id,omitempty"`
	PreviousID int64     `json:"previous_id,omitempty"` // superseded listing of a republished ad
	File       string    `json:"file,omitempty"`
	Title      string    `json:"title,omitempty"`
	Hash       string    `json:"content_hash,omitempty"`
	Reason     string    `json:"reason,omitempty"` // skip reason or error text
	Time       time.Time `json:"time"`
}

// Report summarizes one command run.
type Report struct {
	RunID     string
	Command   string
	Selector  string
	Started   time.Time
	Finished  time.Time
	Processed int
	Skipped   int
	Failed    int
	Events    []Event
	Err       error // run-fatal error, if any
}

// Add appends e and updates the counters.
func (r *Report) Add(e Event) {
	switch e.Action {
	case Skipped:
		r.Skipped++
	case Failed:
		r.Failed++
	default:
		r.Processed++
	}
	r.Events = append(r.Events, e)
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}
