package extract

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"adsync/web"
)

var nextPageButton = web.CSS(`.Pagination button[aria-label="Nächste"]:not([disabled])`)

// OwnAdURLs collects the links of all ads on the account's management list,
// following the pagination until no enabled next-page button remains.
func (x *Extractor) OwnAdURLs(ctx context.Context) ([]string, error) {
	s := x.session
	if err := s.Open(ctx, x.cfg.RootURL+"/m-meine-anzeigen.html"); err != nil {
		return nil, fmt.Errorf("open management page: %w", err)
	}
	if err := s.Sleep(ctx, 2*time.Second, 3*time.Second); err != nil {
		return nil, err
	}

	_, found, err := web.Probe(s.Find(ctx, web.ID("my-manageitems-adlist"), 0))
	if err != nil {
		return nil, fmt.Errorf("find ad list: %w", err)
	}
	if !found {
		x.logger.Warn("Ad list not found, maybe no ads present")
		return nil, nil
	}

	var refs []string
	for page := 1; ; page++ {
		if err := s.ScrollDown(ctx); err != nil {
			return nil, err
		}
		if err := s.Sleep(ctx, 2*time.Second, 3*time.Second); err != nil {
			return nil, err
		}

		html, err := s.HTML(ctx)
		if err != nil {
			return nil, fmt.Errorf("read management page %d: %w", page, err)
		}
		list, err := ParseAdList(strings.NewReader(html))
		if err != nil {
			return nil, err
		}
		if !list.Found {
			x.logger.Warn("Ad list disappeared", "page", page)
			break
		}
		x.logger.Info("Ads found on management page", "page", page, "items", list.Items, "refs", len(list.Refs))
		refs = append(refs, list.Refs...)

		if !list.HasNext {
			x.logger.Info("Last management page reached", "page", page)
			break
		}
		if err := s.Click(ctx, nextPageButton, 0); err != nil {
			if web.IsTimeout(err) {
				break
			}
			return nil, fmt.Errorf("open management page %d: %w", page+1, err)
		}
		if err := s.Sleep(ctx, 3*time.Second, 4*time.Second); err != nil {
			return nil, err
		}
	}

	if len(refs) == 0 {
		x.logger.Warn("No ad URLs extracted")
	}
	return refs, nil
}

// AdList is one page of the management list.
type AdList struct {
	Found   bool     // list container present
	Items   int      // listed cards
	Refs    []string // ad links in list order
	HasNext bool     // an enabled next-page button exists
}

// ParseAdList reads a management page snapshot.
func ParseAdList(r io.Reader) (*AdList, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse management page: %w", err)
	}
	container := doc.Find("#my-manageitems-adlist")
	if container.Length() == 0 {
		return &AdList{}, nil
	}

	list := &AdList{Found: true}
	container.Find(".cardbox").Each(func(_ int, card *goquery.Selection) {
		list.Items++
		if href, ok := card.Find("div.manageitems-item-ad h3 a.text-onSurface").First().Attr("href"); ok {
			list.Refs = append(list.Refs, href)
		}
	})
	doc.Find(`.Pagination button[aria-label="Nächste"]`).EachWithBreak(func(_ int, b *goquery.Selection) bool {
		if _, disabled := b.Attr("disabled"); !disabled {
			list.HasNext = true
			return false
		}
		return true
	})
	return list, nil
}
