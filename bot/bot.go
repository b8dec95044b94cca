// Package bot runs the publish, delete, download and verify commands over
// the local ad files.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"adsync/deleter"
	"adsync/extract"
	"adsync/pkg/ad"
	"adsync/pkg/run"
	"adsync/publish"
	"adsync/selection"
	"adsync/storage"
)

// Loader reads the local ad files.
type Loader interface {
	LoadAll() (entries []*storage.Entry, errs []error)
	SavedIDs() (map[int64]bool, error)
	Read(path string) (*storage.Entry, error)
	Prepare(e *storage.Entry) error
}

// Publisher publishes one ad.
type Publisher interface {
	Publish(ctx context.Context, e *storage.Entry, listings []ad.Listing) (*publish.Result, error)
}

// Deleter removes remote listings.
type Deleter interface {
	Listings(ctx context.Context) ([]ad.Listing, error)
	Delete(ctx context.Context, a *ad.Ad, byTitle bool, listings []ad.Listing) error
}

// Extractor downloads ads from their pages.
type Extractor interface {
	OpenByID(ctx context.Context, id int64) (bool, error)
	OpenURL(ctx context.Context, pageURL string) (bool, error)
	Download(ctx context.Context, id int64) (*extract.Download, error)
	OwnAdURLs(ctx context.Context) ([]string, error)
}

// Sink receives the outcome of every processed ad.
type Sink interface {
	Record(ctx context.Context, e run.Event) error
}

// Archiver mirrors a downloaded ad directory.
type Archiver interface {
	Mirror(ctx context.Context, adDir string) error
}

// Config wires a Runner.
type Config struct {
	Loader        Loader
	Publisher     Publisher
	Deleter       Deleter
	Extractor     Extractor
	Sinks         []Sink
	Archives      []Archiver
	RunID         string
	DeleteByTitle bool
	Now           func() time.Time // defaults to time.Now
}

// Runner executes commands. Ads are processed one at a time in file order.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a new runner.
func New(cfg Config, logger *slog.Logger) *Runner {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{cfg: cfg, logger: logger}
}

// IsFatal reports whether err stops the whole run instead of one ad.
func IsFatal(err error) bool {
	return errors.Is(err, publish.ErrFreeAdLimit) || errors.Is(err, deleter.ErrCSRFTokenMissing)
}

func (r *Runner) newReport(command string, sel selection.Selector) *run.Report {
	return &run.Report{
		RunID:    r.cfg.RunID,
		Command:  command,
		Selector: sel.String(),
		Started:  r.cfg.Now(),
	}
}

// record adds e to the report and forwards it to the sinks.
// Sink failures are logged and never fail the run.
func (r *Runner) record(ctx context.Context, rep *run.Report, e run.Event) {
	e.RunID = rep.RunID
	e.Command = rep.Command
	if e.Time.IsZero() {
		e.Time = r.cfg.Now()
	}
	rep.Add(e)
	for _, sink := range r.cfg.Sinks {
		if err := sink.Record(ctx, e); err != nil {
			r.logger.Warn("Failed to record event", "action", e.Action, "ad_id", e.AdID, "error", err)
		}
	}
}

func (r *Runner) finish(rep *run.Report, err error) (*run.Report, error) {
	rep.Finished = r.cfg.Now()
	rep.Err = err
	r.logger.Info("Run finished",
		"command", rep.Command,
		"selector", rep.Selector,
		"processed", rep.Processed,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"duration", rep.Duration().String())
	return rep, err
}

// selectAds loads the ad files and applies the selector. Invalid files are
// reported as failures.
func (r *Runner) selectAds(ctx context.Context, rep *run.Report, sel selection.Selector) []*storage.Entry {
	entries, errs := r.cfg.Loader.LoadAll()
	for _, err := range errs {
		r.logger.Error("Invalid ad file", "error", err)
		r.record(ctx, rep, run.Event{Action: run.Failed, File: errorFile(err), Reason: err.Error()})
	}

	now := r.cfg.Now()
	var selected []*storage.Entry
	for _, e := range entries {
		d := sel.Decide(e.Ad, now)
		if !d.Include {
			r.logger.Info("Skipping ad", "file", e.Rel, "reason", d.Reason)
			r.record(ctx, rep, run.Event{Action: run.Skipped, AdID: e.Ad.ID, File: e.Rel, Title: e.Ad.Title, Reason: d.Reason})
			continue
		}
		selected = append(selected, e)
	}
	r.logger.Info("Ads selected", "selector", sel.String(), "count", len(selected), "files", len(entries))
	return selected
}

func errorFile(err error) string {
	var ve *ad.ValidationError
	if errors.As(err, &ve) {
		return ve.File
	}
	return ""
}

// Publish publishes the selected ads. Paused listings are left untouched.
func (r *Runner) Publish(ctx context.Context, sel selection.Selector) (*run.Report, error) {
	rep := r.newReport("publish", sel)
	selected := r.selectAds(ctx, rep, sel)
	if len(selected) == 0 {
		r.logger.Info("No new or outdated ads found")
		return r.finish(rep, nil)
	}

	listings, err := r.cfg.Deleter.Listings(ctx)
	if err != nil {
		return r.finish(rep, fmt.Errorf("fetch published ads: %w", err))
	}

	for i, e := range selected {
		if err := ctx.Err(); err != nil {
			r.logger.Info("Context cancelled, stopping publish", "error", err)
			return r.finish(rep, err)
		}
		a := e.Ad

		if paused(listings, a.ID) {
			r.logger.Info("Skipping reserved ad", "file", e.Rel, "id", a.ID)
			r.record(ctx, rep, run.Event{Action: run.Skipped, AdID: a.ID, File: e.Rel, Title: a.Title, Reason: "listing is reserved"})
			continue
		}

		r.logger.Info("Processing ad", "position", i+1, "total", len(selected), "file", e.Rel, "title", a.Title)
		res, err := r.cfg.Publisher.Publish(ctx, e, listings)
		if err != nil {
			r.logger.Error("Publishing ad failed", "file", e.Rel, "title", a.Title, "error", err)
			r.record(ctx, rep, run.Event{Action: run.Failed, AdID: a.ID, File: e.Rel, Title: a.Title, Reason: err.Error()})
			if IsFatal(err) {
				return r.finish(rep, err)
			}
			continue
		}
		r.record(ctx, rep, run.Event{
			Action:     run.Published,
			AdID:       res.ID,
			PreviousID: res.PreviousID,
			File:       e.Rel,
			Title:      a.Title,
			Hash:       res.Hash,
			Reason:     res.Warning,
		})
	}
	return r.finish(rep, nil)
}

func paused(listings []ad.Listing, id int64) bool {
	if id <= 0 {
		return false
	}
	return slices.ContainsFunc(listings, func(l ad.Listing) bool {
		return l.ID == id && l.State == ad.ListingStatePaused
	})
}

// Delete removes the remote listings of the selected ads and clears their ids.
func (r *Runner) Delete(ctx context.Context, sel selection.Selector) (*run.Report, error) {
	rep := r.newReport("delete", sel)
	selected := r.selectAds(ctx, rep, sel)
	if len(selected) == 0 {
		r.logger.Info("No ads to delete found")
		return r.finish(rep, nil)
	}

	listings, err := r.cfg.Deleter.Listings(ctx)
	if err != nil {
		return r.finish(rep, fmt.Errorf("fetch published ads: %w", err))
	}

	for _, e := range selected {
		if err := ctx.Err(); err != nil {
			return r.finish(rep, err)
		}
		a := e.Ad
		id := a.ID
		if err := r.cfg.Deleter.Delete(ctx, a, r.cfg.DeleteByTitle, listings); err != nil {
			r.logger.Error("Deleting ad failed", "file", e.Rel, "id", id, "error", err)
			r.record(ctx, rep, run.Event{Action: run.Failed, AdID: id, File: e.Rel, Title: a.Title, Reason: err.Error()})
			if IsFatal(err) {
				return r.finish(rep, err)
			}
			continue
		}
		e.ClearID()
		if err := e.Save(); err != nil {
			r.logger.Error("Saving ad failed", "file", e.Rel, "error", err)
			r.record(ctx, rep, run.Event{Action: run.Failed, AdID: id, File: e.Rel, Title: a.Title, Reason: err.Error()})
			continue
		}
		r.logger.Info("Ad deleted", "file", e.Rel, "id", id)
		r.record(ctx, rep, run.Event{Action: run.Deleted, AdID: id, File: e.Rel, Title: a.Title})
	}
	return r.finish(rep, nil)
}

// Download extracts ads from the marketplace: all own ads, own ads without a
// local file (new), or explicit ids.
func (r *Runner) Download(ctx context.Context, sel selection.Selector) (*run.Report, error) {
	rep := r.newReport("download", sel)

	if sel.Mode == selection.IDs {
		for _, id := range sel.IDs {
			if err := ctx.Err(); err != nil {
				return r.finish(rep, err)
			}
			ok, err := r.cfg.Extractor.OpenByID(ctx, id)
			if err != nil {
				r.recordDownloadError(ctx, rep, id, err)
				continue
			}
			if !ok {
				r.record(ctx, rep, run.Event{Action: run.Skipped, AdID: id, Reason: "no ad under the given id"})
				continue
			}
			r.download(ctx, rep, id)
		}
		return r.finish(rep, nil)
	}

	var saved map[int64]bool
	if sel.Mode == selection.New {
		var err error
		if saved, err = r.cfg.Loader.SavedIDs(); err != nil {
			return r.finish(rep, fmt.Errorf("list saved ads: %w", err))
		}
	}

	refs, err := r.cfg.Extractor.OwnAdURLs(ctx)
	if err != nil {
		return r.finish(rep, fmt.Errorf("list own ads: %w", err))
	}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return r.finish(rep, err)
		}
		id := extract.AdIDFromURL(ref)
		if id < 0 {
			r.logger.Warn("Failed to extract ad id from URL", "url", ref)
			r.record(ctx, rep, run.Event{Action: run.Failed, Reason: "no ad id in " + ref})
			continue
		}
		if saved[id] {
			r.logger.Info("Ad already saved locally", "id", id)
			r.record(ctx, rep, run.Event{Action: run.Skipped, AdID: id, Reason: "already saved"})
			continue
		}
		ok, err := r.cfg.Extractor.OpenURL(ctx, ref)
		if err != nil {
			r.recordDownloadError(ctx, rep, id, err)
			continue
		}
		if !ok {
			r.record(ctx, rep, run.Event{Action: run.Skipped, AdID: id, Reason: "ad page not found"})
			continue
		}
		r.download(ctx, rep, id)
	}
	return r.finish(rep, nil)
}

func (r *Runner) recordDownloadError(ctx context.Context, rep *run.Report, id int64, err error) {
	r.logger.Error("Downloading ad failed", "id", id, "error", err)
	r.record(ctx, rep, run.Event{Action: run.Failed, AdID: id, Reason: err.Error()})
}

// download extracts the open ad page, stores the content hash baseline and
// mirrors the ad directory.
func (r *Runner) download(ctx context.Context, rep *run.Report, id int64) {
	d, err := r.cfg.Extractor.Download(ctx, id)
	if err != nil {
		r.recordDownloadError(ctx, rep, id, err)
		return
	}

	hash, err := r.baseline(d.Path)
	if err != nil {
		r.logger.Warn("Downloaded ad has no content hash", "id", id, "file", d.Path, "error", err)
	}

	for _, archive := range r.cfg.Archives {
		if err := archive.Mirror(ctx, d.Dir); err != nil {
			r.logger.Warn("Failed to archive downloaded ad", "id", id, "dir", d.Dir, "error", err)
		}
	}
	r.record(ctx, rep, run.Event{Action: run.Downloaded, AdID: id, File: d.Path, Title: d.Ad.Title, Hash: hash})
}

// baseline stores the fingerprint of the downloaded ad's effective record,
// so later local edits are detected against the live listing.
func (r *Runner) baseline(path string) (string, error) {
	e, err := r.cfg.Loader.Read(path)
	if err != nil {
		return "", err
	}
	if err := r.cfg.Loader.Prepare(e); err != nil {
		return "", err
	}
	hash := e.Ad.UpdateFingerprint()
	if err := e.Original.Set("content_hash", hash); err != nil {
		return "", err
	}
	return hash, e.Save()
}

// Verify loads every ad file and reports invalid files and ads changed since
// their last publish. It fails when any file is invalid.
func (r *Runner) Verify(ctx context.Context, sel selection.Selector) (*run.Report, error) {
	rep := r.newReport("verify", sel)
	entries, errs := r.cfg.Loader.LoadAll()
	for _, err := range errs {
		r.logger.Error("Invalid ad file", "error", err)
		r.record(ctx, rep, run.Event{Action: run.Failed, File: errorFile(err), Reason: err.Error()})
	}

	for _, e := range entries {
		a := e.Ad
		if a.ContentHash != "" && a.Changed() {
			r.logger.Info("Ad changed since last publish", "file", e.Rel, "id", a.ID, "stored_hash", a.ContentHash, "current_hash", ad.Fingerprint(a))
		}
		r.record(ctx, rep, run.Event{Action: run.Verified, AdID: a.ID, File: e.Rel, Title: a.Title, Hash: ad.Fingerprint(a)})
	}

	if len(errs) > 0 {
		return r.finish(rep, fmt.Errorf("%d of %d ad files invalid", len(errs), len(errs)+len(entries)))
	}
	r.logger.Info("No configuration errors found", "ads", len(entries))
	return r.finish(rep, nil)
}
