package deleter

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"adsync/pkg/ad"
	"adsync/web"
	"adsync/web/webtest"
)

const root = "https://example.test"

func newSession(withToken bool) *webtest.Session {
	s := webtest.New()
	if withToken {
		s.Put(web.CSS("meta[name=_csrf]"), &web.Element{Tag: "meta", Attrs: map[string]string{"name": "_csrf", "content": "tok-123"}})
	}
	return s
}

func newDeleter(s web.Session) *Deleter {
	return New(s, root, slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestListings(t *testing.T) {
	s := newSession(true)
	s.Respond("GET", root+"/m-meine-anzeigen-verwalten.json?sort=DEFAULT", 200,
		`{"ads":[{"id":"111","title":"Bike","state":"active"},{"id":222,"title":"Desk","state":"paused"}]}`)

	listings, err := newDeleter(s).Listings(context.Background())
	if err != nil {
		t.Fatalf("Listings() error = %v", err)
	}
	if len(listings) != 2 || listings[0].ID != 111 || listings[1].State != ad.ListingStatePaused {
		t.Errorf("Listings() = %+v", listings)
	}
}

func TestDeleteByID(t *testing.T) {
	s := newSession(true)
	s.Respond("POST", root+"/m-anzeigen-loeschen.json?ids=42", 404, "")

	a := &ad.Ad{ID: 42, Title: "Vintage road bike"}
	if err := newDeleter(s).Delete(context.Background(), a, false, nil); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if a.ID != 0 {
		t.Errorf("ID = %d, want cleared", a.ID)
	}
	if len(s.Requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(s.Requests))
	}
	if got := s.Requests[0].Headers["x-csrf-token"]; got != "tok-123" {
		t.Errorf("csrf header = %q", got)
	}
	if !s.Called("open " + root + "/m-meine-anzeigen.html") {
		t.Errorf("management page not opened: %v", s.Calls)
	}
}

func TestDeleteUnpublishedMakesNoCall(t *testing.T) {
	s := newSession(true)
	a := &ad.Ad{Title: "Never published"}
	if err := newDeleter(s).Delete(context.Background(), a, false, nil); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(s.Requests) != 0 {
		t.Errorf("unexpected requests: %v", s.Calls)
	}
}

func TestDeleteByTitleRemovesDuplicates(t *testing.T) {
	s := newSession(true)
	for _, id := range []string{"1", "2", "3"} {
		s.Respond("POST", root+"/m-anzeigen-loeschen.json?ids="+id, 200, "{}")
	}
	listings := []ad.Listing{
		{ID: 1, Title: "Vintage road bike"},
		{ID: 2, Title: "Something else"},
		{ID: 3, Title: "Vintage road bike"},
		{ID: 4, Title: "Desk"},
	}

	a := &ad.Ad{ID: 2, Title: "Vintage road bike"}
	if err := newDeleter(s).Delete(context.Background(), a, true, listings); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	var deleted []string
	for _, r := range s.Requests {
		deleted = append(deleted, r.URL)
	}
	want := []string{
		root + "/m-anzeigen-loeschen.json?ids=1",
		root + "/m-anzeigen-loeschen.json?ids=2",
		root + "/m-anzeigen-loeschen.json?ids=3",
	}
	if len(deleted) != len(want) {
		t.Fatalf("deleted = %v, want %v", deleted, want)
	}
	for i := range want {
		if deleted[i] != want[i] {
			t.Errorf("deleted[%d] = %s, want %s", i, deleted[i], want[i])
		}
	}
}

func TestDeleteWithoutTokenIsFatal(t *testing.T) {
	s := newSession(false)
	s.Pages[root+"/m-meine-anzeigen.html"] = "<html><head></head></html>"

	err := newDeleter(s).Delete(context.Background(), &ad.Ad{ID: 5}, false, nil)
	if !errors.Is(err, ErrCSRFTokenMissing) {
		t.Fatalf("Delete() error = %v, want ErrCSRFTokenMissing", err)
	}
}

func TestDeleteTokenFromPageSource(t *testing.T) {
	s := newSession(false)
	s.Pages[root+"/m-meine-anzeigen.html"] = `<html><head><meta name="_csrf" content=" abc "></head></html>`
	s.Respond("POST", root+"/m-anzeigen-loeschen.json?ids=5", 200, "")

	if err := newDeleter(s).Delete(context.Background(), &ad.Ad{ID: 5}, false, nil); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := s.Requests[0].Headers["x-csrf-token"]; got != "abc" {
		t.Errorf("csrf header = %q, want abc", got)
	}
}
