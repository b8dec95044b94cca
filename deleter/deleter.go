// Package deleter removes published listings from the marketplace.
package deleter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"adsync/pkg/ad"
	"adsync/web"
)

// DefaultRootURL is the marketplace origin.
const DefaultRootURL = "https://www.kleinanzeigen.de"

// ErrCSRFTokenMissing means the management page carried no CSRF token.
// No delete call can be made without it, so the run stops.
var ErrCSRFTokenMissing = errors.New("expected CSRF token not found on management page")

// Deleter deletes listings through a logged-in browser session.
type Deleter struct {
	session web.Session
	rootURL string
	logger  *slog.Logger
}

// New creates a new deleter. An empty rootURL uses DefaultRootURL.
func New(session web.Session, rootURL string, logger *slog.Logger) *Deleter {
	if rootURL == "" {
		rootURL = DefaultRootURL
	}
	return &Deleter{session: session, rootURL: strings.TrimSuffix(rootURL, "/"), logger: logger}
}

// Listings fetches the account's remote listing snapshot.
func (d *Deleter) Listings(ctx context.Context) ([]ad.Listing, error) {
	resp, err := d.session.Request(ctx, web.Request{URL: d.rootURL + "/m-meine-anzeigen-verwalten.json?sort=DEFAULT"})
	if err != nil {
		return nil, fmt.Errorf("fetch published ads: %w", err)
	}
	var body struct {
		Ads []ad.Listing `json:"ads"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &body); err != nil {
		return nil, fmt.Errorf("decode published ads: %w", err)
	}
	d.logger.Info("Published ads fetched", "count", len(body.Ads))
	return body.Ads, nil
}

// Delete removes the remote listing(s) of a. With byTitle, every listing whose
// id or title matches is removed; otherwise only a.ID, where an already
// deleted listing counts as success. a.ID is cleared afterwards.
func (d *Deleter) Delete(ctx context.Context, a *ad.Ad, byTitle bool, listings []ad.Listing) error {
	d.logger.Info("Deleting ad if already present", "title", a.Title, "id", a.ID, "by_title", byTitle)

	token, err := d.csrfToken(ctx)
	if err != nil {
		return err
	}

	switch {
	case byTitle:
		for _, l := range listings {
			if (a.ID != 0 && l.ID == a.ID) || l.Title == a.Title {
				d.logger.Info("Deleting published ad", "id", l.ID, "title", l.Title)
				if err := d.remove(ctx, token, l.ID, 200); err != nil {
					return err
				}
			}
		}
	case a.Published():
		if err := d.remove(ctx, token, a.ID, 200, 404); err != nil {
			return err
		}
	}

	if err := d.session.Sleep(ctx, 0, 0); err != nil {
		return err
	}
	a.ID = 0
	return nil
}

func (d *Deleter) remove(ctx context.Context, token string, id int64, validCodes ...int) error {
	_, err := d.session.Request(ctx, web.Request{
		URL:        fmt.Sprintf("%s/m-anzeigen-loeschen.json?ids=%d", d.rootURL, id),
		Method:     "POST",
		Headers:    map[string]string{"x-csrf-token": token},
		ValidCodes: validCodes,
	})
	if err != nil {
		return fmt.Errorf("delete ad %d: %w", id, err)
	}
	return nil
}

// csrfToken opens the management page and reads the token from its meta tag,
// falling back to parsing the page source.
func (d *Deleter) csrfToken(ctx context.Context) (string, error) {
	if err := d.session.Open(ctx, d.rootURL+"/m-meine-anzeigen.html"); err != nil {
		return "", fmt.Errorf("open management page: %w", err)
	}

	el, found, err := web.Probe(d.session.Find(ctx, web.CSS("meta[name=_csrf]"), 0))
	if err != nil {
		return "", fmt.Errorf("find CSRF token: %w", err)
	}
	if found {
		if token, ok := el.Attr("content"); ok && token != "" {
			return token, nil
		}
	}

	html, err := d.session.HTML(ctx)
	if err != nil {
		d.logger.Debug("Management page source unavailable", "error", err)
		return "", ErrCSRFTokenMissing
	}
	token := CSRFTokenFromHTML(html)
	if token == "" {
		return "", ErrCSRFTokenMissing
	}
	return token, nil
}

// CSRFTokenFromHTML extracts the _csrf meta token from a page.
func CSRFTokenFromHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	token, _ := doc.Find(`meta[name="_csrf"]`).First().Attr("content")
	return strings.TrimSpace(token)
}
