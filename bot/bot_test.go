package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"adsync/deleter"
	"adsync/extract"
	"adsync/pkg/ad"
	"adsync/pkg/run"
	"adsync/publish"
	"adsync/selection"
	"adsync/storage"
)

var fixedNow = time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mustDoc(t *testing.T, content string) *storage.Document {
	t.Helper()
	doc, err := storage.ParseDocument([]byte(content))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func newLoader(t *testing.T, root string) *storage.Loader {
	t.Helper()
	return storage.NewLoader(storage.LoaderConfig{
		Root:     root,
		Patterns: []string{"./**/ad_*.yaml"},
		AdDefaults: mustDoc(t, `
active: true
type: OFFER
price_type: NEGOTIABLE
shipping_type: PICKUP
contact:
  name: Default Seller
republication_interval: 7
`),
		AdFields: mustDoc(t, "id:\ntitle:\ndescription:\ncategory:\nimages: []\n"),
	}, testLogger())
}

func writeAd(t *testing.T, root, name, content string) string {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type fakePublisher struct {
	published []string
	errs      map[string]error
	warnings  map[string]string
	nextID    int64
}

func (p *fakePublisher) Publish(_ context.Context, e *storage.Entry, _ []ad.Listing) (*publish.Result, error) {
	if err := p.errs[e.Ad.Title]; err != nil {
		return nil, err
	}
	p.published = append(p.published, e.Ad.Title)
	p.nextID++
	return &publish.Result{ID: p.nextID, PreviousID: e.Ad.ID, Hash: "h", Warning: p.warnings[e.Ad.Title]}, nil
}

type fakeDeleter struct {
	listings []ad.Listing
	deleted  []int64
	err      error
}

func (d *fakeDeleter) Listings(context.Context) ([]ad.Listing, error) {
	return d.listings, nil
}

func (d *fakeDeleter) Delete(_ context.Context, a *ad.Ad, _ bool, _ []ad.Listing) error {
	if d.err != nil {
		return d.err
	}
	d.deleted = append(d.deleted, a.ID)
	a.ID = 0
	return nil
}

type fakeSink struct {
	events []run.Event
}

func (s *fakeSink) Record(_ context.Context, e run.Event) error {
	s.events = append(s.events, e)
	return errors.New("sink down")
}

func newRunner(cfg Config) *Runner {
	cfg.RunID = "run-1"
	cfg.Now = func() time.Time { return fixedNow }
	return New(cfg, testLogger())
}

func TestPublishProcessesSelectedAds(t *testing.T) {
	root := t.TempDir()
	writeAd(t, root, "a/ad_new.yaml", "title: Brand new bicycle\ndescription: x\n")
	writeAd(t, root, "b/ad_fresh.yaml", "id: 11\ntitle: Freshly published desk\ndescription: x\nupdated_on: 2025-06-18T10:00:00\n")
	writeAd(t, root, "c/ad_old.yaml", "id: 12\ntitle: Old published lamp\ndescription: x\nupdated_on: 2025-05-01T10:00:00\n")
	writeAd(t, root, "d/ad_paused.yaml", "id: 13\ntitle: Reserved armchair\ndescription: x\n")
	writeAd(t, root, "e/ad_broken.yaml", "title: short\ndescription: x\n")

	pub := &fakePublisher{nextID: 100}
	del := &fakeDeleter{listings: []ad.Listing{{ID: 13, Title: "Reserved armchair", State: ad.ListingStatePaused}}}
	sink := &fakeSink{}
	r := newRunner(Config{Loader: newLoader(t, root), Publisher: pub, Deleter: del, Sinks: []Sink{sink}})

	rep, err := r.Publish(context.Background(), selection.Selector{Mode: selection.Due})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	want := []string{"Brand new bicycle", "Old published lamp"}
	if strings.Join(pub.published, "|") != strings.Join(want, "|") {
		t.Errorf("published = %v, want %v", pub.published, want)
	}
	if rep.Processed != 2 || rep.Skipped != 2 || rep.Failed != 1 {
		t.Errorf("report = %d/%d/%d, want 2/2/1", rep.Processed, rep.Skipped, rep.Failed)
	}
	if len(sink.events) != len(rep.Events) {
		t.Errorf("sink got %d events, report has %d", len(sink.events), len(rep.Events))
	}
	for _, e := range sink.events {
		if e.RunID != "run-1" || e.Command != "publish" || !e.Time.Equal(fixedNow) {
			t.Errorf("event not stamped: %+v", e)
		}
	}
}

func TestPublishStopsOnFatalError(t *testing.T) {
	root := t.TempDir()
	writeAd(t, root, "ad_1.yaml", "title: First bicycle ad\ndescription: x\n")
	writeAd(t, root, "ad_2.yaml", "title: Second bicycle ad\ndescription: x\n")

	pub := &fakePublisher{errs: map[string]error{"First bicycle ad": fmt.Errorf("check: %w", publish.ErrFreeAdLimit)}}
	r := newRunner(Config{Loader: newLoader(t, root), Publisher: pub, Deleter: &fakeDeleter{}})

	rep, err := r.Publish(context.Background(), selection.Selector{Mode: selection.All})
	if !errors.Is(err, publish.ErrFreeAdLimit) {
		t.Fatalf("Publish() error = %v, want ErrFreeAdLimit", err)
	}
	if len(pub.published) != 0 || rep.Failed != 1 || rep.Err == nil {
		t.Errorf("run continued after fatal error: published=%v report=%+v", pub.published, rep)
	}
}

func TestPublishContinuesAfterAdError(t *testing.T) {
	root := t.TempDir()
	writeAd(t, root, "ad_1.yaml", "title: First bicycle ad\ndescription: x\n")
	writeAd(t, root, "ad_2.yaml", "title: Second bicycle ad\ndescription: x\n")

	pub := &fakePublisher{errs: map[string]error{"First bicycle ad": errors.New("title field not found")}}
	r := newRunner(Config{Loader: newLoader(t, root), Publisher: pub, Deleter: &fakeDeleter{}})

	rep, err := r.Publish(context.Background(), selection.Selector{Mode: selection.All})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(pub.published) != 1 || rep.Failed != 1 || rep.Processed != 1 {
		t.Errorf("published=%v report=%d/%d/%d", pub.published, rep.Processed, rep.Skipped, rep.Failed)
	}
}

func TestPublishWarningCountsAsPublished(t *testing.T) {
	root := t.TempDir()
	writeAd(t, root, "ad_1.yaml", "id: 7\ntitle: First bicycle ad\ndescription: x\n")

	pub := &fakePublisher{nextID: 20, warnings: map[string]string{"First bicycle ad": "delete previous listing 7: timeout"}}
	r := newRunner(Config{Loader: newLoader(t, root), Publisher: pub, Deleter: &fakeDeleter{}})

	rep, err := r.Publish(context.Background(), selection.Selector{Mode: selection.All})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if rep.Processed != 1 || rep.Failed != 0 {
		t.Fatalf("report = %d/%d/%d, want 1/0/0", rep.Processed, rep.Skipped, rep.Failed)
	}
	ev := rep.Events[0]
	if ev.Action != run.Published || ev.AdID != 21 || ev.Reason != "delete previous listing 7: timeout" {
		t.Errorf("event = %+v", ev)
	}
}

func TestDeleteClearsPersistedID(t *testing.T) {
	root := t.TempDir()
	path := writeAd(t, root, "ad_1.yaml", "# my bike\nid: 42\ntitle: Vintage road bicycle\ndescription: x\n")

	del := &fakeDeleter{}
	r := newRunner(Config{Loader: newLoader(t, root), Deleter: del})
	rep, err := r.Delete(context.Background(), selection.Selector{Mode: selection.IDs, IDs: []int64{42}})
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(del.deleted) != 1 || del.deleted[0] != 42 {
		t.Errorf("deleted = %v", del.deleted)
	}
	doc, err := storage.LoadDocument(path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Get("id") != nil {
		t.Errorf("id still persisted")
	}
	if rep.Events[0].Action != run.Deleted || rep.Events[0].AdID != 42 {
		t.Errorf("event = %+v", rep.Events[0])
	}
}

func TestDeleteWithoutTokenStopsRun(t *testing.T) {
	root := t.TempDir()
	writeAd(t, root, "ad_1.yaml", "id: 1\ntitle: Vintage road bicycle\ndescription: x\n")
	writeAd(t, root, "ad_2.yaml", "id: 2\ntitle: Vintage city bicycle\ndescription: x\n")

	r := newRunner(Config{Loader: newLoader(t, root), Deleter: &fakeDeleter{err: deleter.ErrCSRFTokenMissing}})
	rep, err := r.Delete(context.Background(), selection.Selector{Mode: selection.All})
	if !IsFatal(err) {
		t.Fatalf("Delete() error = %v, want fatal", err)
	}
	if rep.Failed != 1 {
		t.Errorf("Failed = %d, want 1", rep.Failed)
	}
}

type fakeExtractor struct {
	dir    string
	refs   []string
	opened []string
	known  map[int64]bool
}

func (x *fakeExtractor) OpenByID(_ context.Context, id int64) (bool, error) {
	x.opened = append(x.opened, fmt.Sprint(id))
	return x.known[id], nil
}

func (x *fakeExtractor) OpenURL(_ context.Context, pageURL string) (bool, error) {
	x.opened = append(x.opened, pageURL)
	return true, nil
}

func (x *fakeExtractor) Download(_ context.Context, id int64) (*extract.Download, error) {
	dir := filepath.Join(x.dir, fmt.Sprintf("ad_%d", id))
	path := filepath.Join(dir, fmt.Sprintf("ad_%d.yaml", id))
	a := &ad.Ad{
		ID:          id,
		Active:      true,
		Type:        ad.TypeOffer,
		Title:       "Downloaded bicycle",
		Description: "Steel frame",
		Category:    "210/217",
		PriceType:   ad.PriceNegotiable,
		Contact:     ad.Contact{Name: "Alex"},
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := extract.WriteAd(path, a); err != nil {
		return nil, err
	}
	return &extract.Download{ID: id, Dir: dir, Path: path, Ad: a}, nil
}

func (x *fakeExtractor) OwnAdURLs(context.Context) ([]string, error) {
	return x.refs, nil
}

type fakeArchive struct {
	dirs []string
}

func (a *fakeArchive) Mirror(_ context.Context, dir string) error {
	a.dirs = append(a.dirs, dir)
	return nil
}

func TestDownloadNewSkipsSavedAds(t *testing.T) {
	root := t.TempDir()
	writeAd(t, root, "ad_saved.yaml", "id: 111\nactive: false\ntitle: Saved inactive ad\ndescription: x\n")
	downloads := filepath.Join(root, "downloaded-ads")

	x := &fakeExtractor{dir: downloads, refs: []string{"/s-anzeige/a/111-1-1", "/s-anzeige/b/222-1-1", "/s-anzeige/broken/"}}
	archive := &fakeArchive{}
	r := newRunner(Config{Loader: newLoader(t, root), Extractor: x, Archives: []Archiver{archive}})

	rep, err := r.Download(context.Background(), selection.Selector{Mode: selection.New})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if len(x.opened) != 1 || x.opened[0] != "/s-anzeige/b/222-1-1" {
		t.Errorf("opened = %v", x.opened)
	}
	if rep.Processed != 1 || rep.Skipped != 1 || rep.Failed != 1 {
		t.Errorf("report = %d/%d/%d, want 1/1/1", rep.Processed, rep.Skipped, rep.Failed)
	}
	if len(archive.dirs) != 1 {
		t.Errorf("archived = %v", archive.dirs)
	}

	doc, err := storage.LoadDocument(filepath.Join(downloads, "ad_222", "ad_222.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	hash := doc.String("content_hash")
	if hash == "" {
		t.Fatalf("content hash baseline missing")
	}

	// The baseline matches the effective record the loader builds later.
	e, err := newLoader(t, root).Read(filepath.Join(downloads, "ad_222", "ad_222.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if err := newLoader(t, root).Prepare(e); err != nil {
		t.Fatal(err)
	}
	if e.Ad.Changed() {
		t.Errorf("freshly downloaded ad reported as changed")
	}
}

func TestDownloadByID(t *testing.T) {
	root := t.TempDir()
	x := &fakeExtractor{dir: root, known: map[int64]bool{5: true}}
	r := newRunner(Config{Loader: newLoader(t, root), Extractor: x})

	rep, err := r.Download(context.Background(), selection.Selector{Mode: selection.IDs, IDs: []int64{5, 6}})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if rep.Processed != 1 || rep.Skipped != 1 {
		t.Errorf("report = %d/%d/%d, want 1/1/0", rep.Processed, rep.Skipped, rep.Failed)
	}
}

func TestVerify(t *testing.T) {
	root := t.TempDir()
	writeAd(t, root, "ad_ok.yaml", "title: Vintage road bicycle\ndescription: x\n")
	r := newRunner(Config{Loader: newLoader(t, root)})
	rep, err := r.Verify(context.Background(), selection.Selector{Mode: selection.All})
	if err != nil || rep.Processed != 1 {
		t.Fatalf("Verify() = %+v, %v", rep, err)
	}

	writeAd(t, root, "ad_bad.yaml", "title: Vintage road bicycle\ndescription: x\nprice_type: FIXED\n")
	rep, err = r.Verify(context.Background(), selection.Selector{Mode: selection.All})
	if err == nil {
		t.Fatalf("Verify() accepted a FIXED ad without price")
	}
	if rep.Failed != 1 || rep.Events[0].File != "ad_bad.yaml" {
		t.Errorf("report = %+v", rep)
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("x: %w", publish.ErrFreeAdLimit), true},
		{deleter.ErrCSRFTokenMissing, true},
		{errors.New("boom"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsFatal(tt.err); got != tt.want {
			t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
