package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"adsync/web"
)

// ErrLoginFailed means the account page did not show the user after logging in.
var ErrLoginFailed = errors.New("login failed")

const (
	loginProbeTimeout   = 5 * time.Second
	loginCaptchaWait    = 5 * time.Minute
	deviceCheckTimeout  = 5 * time.Second
	consentProbeTimeout = 10 * time.Second
)

// Credentials are the marketplace account details.
type Credentials struct {
	Username string
	Password string
}

// Authenticator logs the browser session into the marketplace.
type Authenticator struct {
	session  web.Session
	prompter Prompter
	rootURL  string
	creds    Credentials
	logger   *slog.Logger
}

// NewAuthenticator creates a new authenticator.
func NewAuthenticator(session web.Session, prompter Prompter, rootURL string, creds Credentials, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		session:  session,
		prompter: prompter,
		rootURL:  strings.TrimSuffix(rootURL, "/"),
		creds:    creds,
		logger:   logger,
	}
}

// Login signs in unless the session already is, retrying the form once.
func (l *Authenticator) Login(ctx context.Context) error {
	l.logger.Info("Checking if already logged in", "user", l.creds.Username)
	if err := l.session.Open(ctx, l.rootURL); err != nil {
		return fmt.Errorf("open start page: %w", err)
	}
	ok, err := l.loggedIn(ctx)
	if err != nil {
		return err
	}
	if ok {
		l.logger.Info("Already logged in", "user", l.creds.Username)
		return nil
	}

	for attempt := 1; attempt <= 2; attempt++ {
		l.logger.Info("Opening login page", "attempt", attempt)
		if err := l.session.Open(ctx, l.rootURL+"/m-einloggen.html?targetUrl=/"); err != nil {
			return fmt.Errorf("open login page: %w", err)
		}
		if err := l.awaitCaptcha(ctx); err != nil {
			return err
		}
		if err := l.fillForm(ctx); err != nil {
			return err
		}
		if err := l.afterLogin(ctx); err != nil {
			return err
		}

		ok, err := l.loggedIn(ctx)
		if err != nil {
			return err
		}
		if ok {
			l.logger.Info("Login successful", "user", l.creds.Username)
			return nil
		}
		l.logger.Warn("Login not confirmed", "user", l.creds.Username, "attempt", attempt)
	}
	return ErrLoginFailed
}

// loggedIn reports whether the page header shows the configured user.
func (l *Authenticator) loggedIn(ctx context.Context) (bool, error) {
	text, found, err := web.Probe(web.TextOf(ctx, l.session, web.ID("user-email"), loginProbeTimeout))
	if err != nil {
		return false, fmt.Errorf("check login state: %w", err)
	}
	return found && strings.Contains(strings.ToLower(text), strings.ToLower(l.creds.Username)), nil
}

// awaitCaptcha gives the user time to solve a login captcha in the browser.
func (l *Authenticator) awaitCaptcha(ctx context.Context) error {
	_, found, err := web.Probe(l.session.Find(ctx, web.CSS("iframe[src*='captcha-delivery.com']"), loginProbeTimeout))
	if err != nil {
		return fmt.Errorf("check login captcha: %w", err)
	}
	if !found {
		return nil
	}
	l.logger.Warn("Captcha present, please solve it in the browser")
	if err := web.Await(ctx, "login form", loginCaptchaWait, web.ElementIs(l.session, web.ID("login-form"), web.Displayed)); err != nil {
		return fmt.Errorf("wait for captcha: %w", err)
	}
	return nil
}

func (l *Authenticator) fillForm(ctx context.Context) error {
	s := l.session
	l.logger.Info("Logging in", "user", l.creds.Username)
	if err := s.Input(ctx, web.ID("email"), l.creds.Username, 0); err != nil {
		return fmt.Errorf("enter username: %w", err)
	}
	if err := s.Input(ctx, web.ID("password"), l.creds.Password, 0); err != nil {
		return fmt.Errorf("enter password: %w", err)
	}
	if err := s.Click(ctx, web.CSS("form#login-form button[type='submit']"), 0); err != nil {
		return fmt.Errorf("submit login: %w", err)
	}
	return s.Sleep(ctx, 0, 0)
}

// afterLogin handles the device verification prompt and the consent banner.
func (l *Authenticator) afterLogin(ctx context.Context) error {
	s := l.session

	_, verify, err := web.Probe(s.Find(ctx, web.Text("Wir haben dir gerade einen 6-stelligen Code für die Telefonnummer"), deviceCheckTimeout))
	if err != nil {
		return fmt.Errorf("check device verification: %w", err)
	}
	if verify {
		l.logger.Warn("Device verification message detected, please follow the instructions in the browser")
		if err := l.prompter.Confirm(ctx, "Press ENTER when done..."); err != nil {
			return fmt.Errorf("wait for device verification: %w", err)
		}
	}

	_, banner, err := web.Probe(s.Find(ctx, web.ID("gdpr-banner-accept"), consentProbeTimeout))
	if err != nil {
		return fmt.Errorf("check consent banner: %w", err)
	}
	if !banner {
		return nil
	}
	l.logger.Debug("Declining consent banner")
	if err := s.Click(ctx, web.ID("gdpr-banner-cmp-button"), 0); err != nil {
		return fmt.Errorf("open consent settings: %w", err)
	}
	if err := web.Skip(s.Click(ctx, web.CSS("#ConsentManagementPage button.Button-secondary"), consentProbeTimeout)); err != nil {
		return fmt.Errorf("decline consent: %w", err)
	}
	return nil
}
