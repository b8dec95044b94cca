// Package publish drives the marketplace's posting form for one ad at a time.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"adsync/pkg/ad"
	"adsync/storage"
	"adsync/web"
)

// DefaultRootURL is the marketplace origin.
const DefaultRootURL = "https://www.kleinanzeigen.de"

// DeleteMode says when the superseded listing of a republished ad is removed.
type DeleteMode string

// Delete modes.
const (
	DeleteBeforePublish DeleteMode = "BEFORE_PUBLISH"
	DeleteAfterPublish  DeleteMode = "AFTER_PUBLISH"
	DeleteNever         DeleteMode = "NEVER"
)

// ErrFreeAdLimit means the account reached its monthly limit of free ads.
// Every further publish would fail the same way, so the run stops.
var ErrFreeAdLimit = errors.New("monthly limit of free ads reached")

const (
	limitProbeTimeout   = 2 * time.Second
	captchaProbeTimeout = 2 * time.Second
	captchaWait         = 5 * time.Minute
	confirmTimeout      = 20 * time.Second
	checkingDoneTimeout = 5 * time.Minute

	confirmationURL = "p-anzeige-aufgeben-bestaetigung.html?adId="
)

// Remover deletes remote listings of an ad.
type Remover interface {
	Delete(ctx context.Context, a *ad.Ad, byTitle bool, listings []ad.Listing) error
}

// Prompter blocks until the user finished a manual step in the browser.
type Prompter interface {
	Confirm(ctx context.Context, message string) error
}

// Options configures a Publisher.
type Options struct {
	RootURL       string
	DeleteOld     DeleteMode
	DeleteByTitle bool
	KeepOld       bool             // --keep-old: never delete the previous listing
	Now           func() time.Time // defaults to time.Now
}

// Result describes one successful publish.
type Result struct {
	ID         int64  // id assigned by the marketplace
	PreviousID int64  // id of the superseded listing, 0 for a new ad
	Hash       string // content fingerprint of the published ad
	Warning    string // problems after the ad went live, empty when none
}

func (r *Result) warn(err error) {
	if r.Warning != "" {
		r.Warning += "; "
	}
	r.Warning += err.Error()
}

// Publisher publishes ads through a logged-in browser session.
type Publisher struct {
	session  web.Session
	remover  Remover
	prompter Prompter
	opts     Options
	logger   *slog.Logger
}

// New creates a new publisher.
func New(session web.Session, remover Remover, prompter Prompter, opts Options, logger *slog.Logger) *Publisher {
	if opts.RootURL == "" {
		opts.RootURL = DefaultRootURL
	}
	opts.RootURL = strings.TrimSuffix(opts.RootURL, "/")
	if opts.DeleteOld == "" {
		opts.DeleteOld = DeleteAfterPublish
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Publisher{session: session, remover: remover, prompter: prompter, opts: opts, logger: logger}
}

// Publish posts one prepared ad, persists the new id and timestamps into its
// file, and removes the superseded listing as configured.
func (p *Publisher) Publish(ctx context.Context, e *storage.Entry, listings []ad.Listing) (*Result, error) {
	a := e.Ad
	if err := p.checkLimit(ctx); err != nil {
		return nil, err
	}

	if p.opts.DeleteOld == DeleteBeforePublish && !p.opts.KeepOld {
		if err := p.remover.Delete(ctx, a, p.opts.DeleteByTitle, listings); err != nil {
			return nil, fmt.Errorf("delete previous listing: %w", err)
		}
	}
	previousID := a.ID

	p.logger.Info("Publishing ad", "file", e.Rel, "title", a.Title)
	if p.logger.Enabled(ctx, slog.LevelDebug) {
		if data, err := json.Marshal(a); err == nil {
			p.logger.Debug("Effective ad", "file", e.Rel, "ad", string(data))
		}
	}

	if err := p.fillForm(ctx, e); err != nil {
		return nil, err
	}
	if err := p.submit(ctx, a); err != nil {
		return nil, err
	}

	id, err := p.awaitConfirmation(ctx)
	if err != nil {
		return nil, err
	}

	if err := e.MarkPublished(id, ad.NewTimestamp(p.opts.Now())); err != nil {
		return nil, fmt.Errorf("record publish: %w", err)
	}
	if err := e.Save(); err != nil {
		return nil, fmt.Errorf("save %s: %w", e.Rel, err)
	}
	hash := a.UpdateFingerprint()
	p.logger.Info("Ad published", "file", e.Rel, "id", id, "content_hash", hash)

	res := &Result{ID: id, PreviousID: previousID, Hash: hash}

	// The new id is saved; from here on failures only leave warnings.
	if err := web.Await(ctx, "#checking-done", checkingDoneTimeout, web.ElementIs(p.session, web.ID("checking-done"), web.Displayed)); err != nil {
		p.logger.Warn("Publish check did not finish", "file", e.Rel, "id", id, "error", err)
		res.warn(fmt.Errorf("wait for publish check: %w", err))
	}

	if p.opts.DeleteOld == DeleteAfterPublish && !p.opts.KeepOld && previousID != 0 {
		if err := p.remover.Delete(ctx, a, false, listings); err != nil {
			p.logger.Warn("Failed to delete previous listing", "file", e.Rel, "previous_id", previousID, "error", err)
			res.warn(fmt.Errorf("delete previous listing %d: %w", previousID, err))
		}
	}
	return res, nil
}

// checkLimit fails when the free-ad limit banner is shown.
func (p *Publisher) checkLimit(ctx context.Context) error {
	_, found, err := web.Probe(p.session.Find(ctx, web.XPath("/html/body/div[1]/form/fieldset[6]/div[1]/header"), limitProbeTimeout))
	if err != nil {
		return fmt.Errorf("check free ad limit: %w", err)
	}
	if found {
		return ErrFreeAdLimit
	}
	return nil
}

// fillForm sets the form fields in page order: later fields depend on earlier choices.
func (p *Publisher) fillForm(ctx context.Context, e *storage.Entry) error {
	a := e.Ad
	s := p.session

	if err := s.Open(ctx, p.opts.RootURL+"/p-anzeige-aufgeben-schritt2.html"); err != nil {
		return fmt.Errorf("open posting form: %w", err)
	}

	if a.Type == ad.TypeWanted {
		if err := s.Click(ctx, web.ID("adType2"), 0); err != nil {
			return fmt.Errorf("set type: %w", err)
		}
	}
	if err := s.Input(ctx, web.ID("postad-title"), a.Title, 0); err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	if err := p.setCategory(ctx, e); err != nil {
		return err
	}
	if err := p.setSpecialAttributes(ctx, a); err != nil {
		return err
	}
	if err := p.setShipping(ctx, a); err != nil {
		return err
	}
	if err := p.setPrice(ctx, a); err != nil {
		return err
	}
	if err := p.setSellDirectly(ctx, a); err != nil {
		return err
	}

	description, err := json.Marshal(a.Description)
	if err != nil {
		return fmt.Errorf("encode description: %w", err)
	}
	if err := s.Execute(ctx, "document.querySelector('#pstad-descrptn').value = "+string(description), nil); err != nil {
		return fmt.Errorf("set description: %w", err)
	}

	if err := p.setContact(ctx, a); err != nil {
		return err
	}
	return p.uploadImages(ctx, a)
}

func (p *Publisher) setCategory(ctx context.Context, e *storage.Entry) error {
	s := p.session
	// Focusing the description triggers the automatic category detection.
	if err := s.Click(ctx, web.ID("pstad-descrptn"), 0); err != nil {
		return fmt.Errorf("trigger category detection: %w", err)
	}
	path, detected, err := web.Probe(web.TextOf(ctx, s, web.ID("postad-category-path"), 0))
	if err != nil {
		return fmt.Errorf("read detected category: %w", err)
	}
	detected = detected && path != ""

	category := e.Ad.Category
	if category == "" {
		if !detected {
			return &ad.ValidationError{File: e.Rel, Field: "category", Reason: "not specified and automatic category detection failed"}
		}
		p.logger.Info("Using automatically detected category", "file", e.Rel, "category", path)
		return nil
	}

	if err := s.Sleep(ctx, 0, 0); err != nil {
		return err
	}
	if err := s.Click(ctx, web.ID("pstad-lnk-chngeCtgry"), 0); err != nil {
		return fmt.Errorf("open category selection: %w", err)
	}
	if _, err := s.Find(ctx, web.ID("postad-step1-sbmt"), 0); err != nil {
		return fmt.Errorf("open category selection: %w", err)
	}
	if err := s.Open(ctx, p.opts.RootURL+"/p-kategorie-aendern.html#?path="+category); err != nil {
		return fmt.Errorf("select category %s: %w", category, err)
	}
	if err := s.Click(ctx, web.XPath("//*[@id='postad-step1-sbmt']/button"), 0); err != nil {
		return fmt.Errorf("confirm category %s: %w", category, err)
	}
	return nil
}

func (p *Publisher) setPrice(ctx context.Context, a *ad.Ad) error {
	if a.PriceType == ad.PriceNotApplicable {
		return nil
	}
	s := p.session
	if err := web.Skip(s.Select(ctx, web.CSS("select#price-type-react, select#micro-frontend-price-type, select#priceType"), string(a.PriceType), 0)); err != nil {
		return fmt.Errorf("set price type: %w", err)
	}
	if a.Price != "" {
		if err := s.Input(ctx, web.CSS("input#post-ad-frontend-price, input#micro-frontend-price, input#pstad-price"), string(a.Price), 0); err != nil {
			return fmt.Errorf("set price: %w", err)
		}
	}
	return nil
}

func (p *Publisher) setSellDirectly(ctx context.Context, a *ad.Ad) error {
	if a.ShippingType != ad.ShippingShipping {
		return nil
	}
	radio := "radio-buy-now-no"
	if a.SellsDirectly() && len(a.ShippingOptions) > 0 && (a.PriceType == ad.PriceFixed || a.PriceType == ad.PriceNegotiable) {
		radio = "radio-buy-now-yes"
	}
	selected, err := web.Check(ctx, p.session, web.ID(radio), web.Selected, 0)
	if err != nil {
		if web.IsTimeout(err) {
			p.logger.Debug("Sell directly option not offered", "title", a.Title)
			return nil
		}
		return fmt.Errorf("set sell directly: %w", err)
	}
	if selected {
		return nil
	}
	if err := web.Skip(p.session.Click(ctx, web.ID(radio), 0)); err != nil {
		return fmt.Errorf("set sell directly: %w", err)
	}
	return nil
}

func (p *Publisher) setContact(ctx context.Context, a *ad.Ad) error {
	s := p.session
	c := a.Contact

	if c.Zipcode != "" {
		if err := s.Input(ctx, web.ID("pstad-zip"), c.Zipcode, 0); err != nil {
			return fmt.Errorf("set zipcode: %w", err)
		}
	}

	if c.Street != "" {
		if err := p.revealField(ctx, "pstad-street", "addressVisibility"); err != nil {
			return err
		}
		if err := s.Input(ctx, web.ID("pstad-street"), c.Street, 0); err != nil {
			return fmt.Errorf("set street: %w", err)
		}
	}

	if c.Name != "" {
		readOnly, err := web.Check(ctx, s, web.ID("postad-contactname"), web.ReadOnly, 0)
		if err != nil {
			return fmt.Errorf("set contact name: %w", err)
		}
		if !readOnly {
			if err := s.Input(ctx, web.ID("postad-contactname"), c.Name, 0); err != nil {
				return fmt.Errorf("set contact name: %w", err)
			}
		}
	}

	if c.Phone != "" {
		displayed, _, err := web.Probe(web.Check(ctx, s, web.ID("postad-phonenumber"), web.Displayed, 0))
		if err != nil {
			return fmt.Errorf("set phone: %w", err)
		}
		if !displayed {
			p.logger.Debug("Phone number field not offered", "title", a.Title)
			return nil
		}
		if err := p.revealField(ctx, "postad-phonenumber", "phoneNumberVisibility"); err != nil {
			return err
		}
		if err := s.Input(ctx, web.ID("postad-phonenumber"), c.Phone, 0); err != nil {
			return fmt.Errorf("set phone: %w", err)
		}
	}
	return nil
}

// revealField enables a disabled contact field through its visibility toggle.
func (p *Publisher) revealField(ctx context.Context, field, toggle string) error {
	disabled, _, err := web.Probe(web.Check(ctx, p.session, web.ID(field), web.Disabled, 0))
	if err != nil {
		return fmt.Errorf("check %s: %w", field, err)
	}
	if !disabled {
		return nil
	}
	if err := p.session.Click(ctx, web.ID(toggle), 0); err != nil {
		return fmt.Errorf("enable %s: %w", field, err)
	}
	return p.session.Sleep(ctx, 0, 0)
}

func (p *Publisher) uploadImages(ctx context.Context, a *ad.Ad) error {
	p.logger.Info("Uploading images", "title", a.Title, "count", len(a.Images))
	for _, img := range a.Images {
		p.logger.Info("Uploading image", "file", img)
		if err := p.session.Upload(ctx, web.CSS("input[type=file]"), []string{img}, 0); err != nil {
			return fmt.Errorf("upload image %s: %w", img, err)
		}
		if err := p.session.Sleep(ctx, 0, 0); err != nil {
			return err
		}
	}
	return nil
}

// submit handles the captcha pause, the submit button, and the no-image dialog.
func (p *Publisher) submit(ctx context.Context, a *ad.Ad) error {
	s := p.session

	_, captcha, err := web.Probe(s.Find(ctx, web.CSS("iframe[name^='a-'][src^='https://www.google.com/recaptcha/api2/anchor?']"), captchaProbeTimeout))
	if err != nil {
		return fmt.Errorf("check captcha: %w", err)
	}
	if captcha {
		p.logger.Warn("Captcha present, please solve it in the browser", "title", a.Title)
		if err := s.ScrollDown(ctx); err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, captchaWait)
		defer cancel()
		if err := p.prompter.Confirm(waitCtx, "Press ENTER when the captcha is solved..."); err != nil {
			return fmt.Errorf("wait for captcha: %w", err)
		}
	}

	err = s.Click(ctx, web.ID("pstad-submit"), 0)
	if web.IsTimeout(err) {
		if err = s.Click(ctx, web.XPath("//fieldset[@id='postad-publish']//*[contains(text(),'Anzeige aufgeben')]"), 0); err == nil {
			err = s.Click(ctx, web.ID("imprint-guidance-submit"), 0)
		}
	}
	if err != nil {
		return fmt.Errorf("submit ad: %w", err)
	}

	if len(a.Images) == 0 {
		noImage := web.XPath(`//*[contains(@class, "ModalDialog--Actions")]//button[.//*[text()[contains(.,"Ohne Bild veröffentlichen")]]]`)
		shown, _, err := web.Probe(web.Check(ctx, s, noImage, web.Displayed, 0))
		if err != nil {
			return fmt.Errorf("check no-image dialog: %w", err)
		}
		if shown {
			if err := s.Click(ctx, noImage, 0); err != nil {
				return fmt.Errorf("confirm publishing without image: %w", err)
			}
		}
	}
	return nil
}

// awaitConfirmation waits for the redirect to the confirmation page and
// parses the new ad id from it.
func (p *Publisher) awaitConfirmation(ctx context.Context) (int64, error) {
	if err := web.Await(ctx, "publish confirmation", confirmTimeout, web.URLContains(p.session, confirmationURL)); err != nil {
		return 0, fmt.Errorf("wait for confirmation: %w", err)
	}
	current, err := p.session.CurrentURL(ctx)
	if err != nil {
		return 0, err
	}
	return AdIDFromConfirmation(current)
}

// AdIDFromConfirmation parses the adId query parameter of a confirmation URL.
func AdIDFromConfirmation(rawURL string) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("parse confirmation url: %w", err)
	}
	id, err := strconv.ParseInt(u.Query().Get("adId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("no ad id in confirmation url %s", rawURL)
	}
	return id, nil
}
