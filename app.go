package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"adsync/bot"
	"adsync/cache"
	"adsync/config"
	"adsync/deleter"
	"adsync/events"
	"adsync/extract"
	"adsync/history"
	"adsync/metrics"
	"adsync/notify"
	runpkg "adsync/pkg/run"
	"adsync/poll"
	"adsync/publish"
	"adsync/selection"
	"adsync/server"
	"adsync/storage"
	"adsync/web"
)

type appOptions struct {
	browser bool // publish, delete, download and serve drive a browser
	keepOld bool
	serve   bool
	stdin   io.Reader
	stdout  io.Writer
}

// app holds the collaborators of one invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	bot     bot.Config
	auth    *bot.Authenticator
	metrics *metrics.Recorder
	ledger  *history.Ledger
	sender  *notify.Sender
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions, logger *slog.Logger) (*app, error) {
	lc, err := cfg.LoaderConfig()
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(opts.serve),
	}
	a.bot = bot.Config{
		Loader:        storage.NewLoader(lc, logger),
		DeleteByTitle: cfg.Publishing.DeleteOldAdsByTitle,
		Sinks:         []bot.Sink{a.metrics},
	}
	a.connectSinks(ctx)
	a.sender = a.newSender(ctx)

	if !opts.browser {
		return a, nil
	}
	if err := cfg.RequireLogin(); err != nil {
		a.Close()
		return nil, err
	}

	session, err := web.NewChromeSession(cfg.ChromeConfig(), logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	a.closers = append(a.closers, session.Close)

	prompter := bot.NewConsolePrompter(opts.stdin, opts.stdout)
	rootURL := publish.DefaultRootURL
	del := deleter.New(session, rootURL, logger)

	a.auth = bot.NewAuthenticator(session, prompter, rootURL, bot.Credentials{
		Username: cfg.Login.Username,
		Password: cfg.Login.Password,
	}, logger)
	a.bot.Deleter = del
	a.bot.Publisher = publish.New(session, del, prompter, publish.Options{
		RootURL:       rootURL,
		DeleteOld:     cfg.Publishing.DeleteOldAds,
		DeleteByTitle: cfg.Publishing.DeleteOldAdsByTitle,
		KeepOld:       opts.keepOld,
	}, logger)
	a.bot.Extractor = extract.New(session, a.catalog(ctx, session), &http.Client{Timeout: 30 * time.Second}, extract.Config{
		RootURL:           rootURL,
		Dir:               cfg.DownloadDir(),
		DescriptionPrefix: cfg.AdDefaults.Description.Prefix,
		DescriptionSuffix: cfg.AdDefaults.Description.Suffix,
		Shipping:          cfg.ShippingMatch(),
	}, logger)
	a.bot.Archives = a.archives(ctx)
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// connectSinks enables the optional history ledger and event stream. A
// side-channel that cannot connect is skipped with a warning.
func (a *app) connectSinks(ctx context.Context) {
	if url := a.cfg.History.DatabaseURL; url != "" {
		ledger, err := history.Open(ctx, url, a.logger)
		if err != nil {
			a.logger.Warn("Failed to open history ledger, continuing without it", "error", err)
		} else {
			a.ledger = ledger
			a.bot.Sinks = append(a.bot.Sinks, ledger)
			a.closers = append(a.closers, ledger.Close)
		}
	}

	if url := a.cfg.Events.NATSURL; url != "" {
		pub, err := events.Connect(url, a.cfg.Events.SubjectPrefix, a.logger)
		if err != nil {
			a.logger.Warn("Failed to connect to NATS, continuing without events", "error", err)
		} else {
			a.bot.Sinks = append(a.bot.Sinks, pub)
			a.closers = append(a.closers, pub.Close)
		}
	}
}

// catalog returns the shipping catalog source, cached in Redis when configured.
func (a *app) catalog(ctx context.Context, session web.Session) extract.CatalogSource {
	src := &extract.SessionCatalog{Session: session}
	addr := a.cfg.Cache.RedisAddr
	if addr == "" {
		return src
	}
	client, err := cache.NewClient(ctx, addr, a.logger)
	if err != nil {
		a.logger.Warn("Failed to connect to Redis, shipping catalog not cached", "error", err)
		return src
	}
	a.closers = append(a.closers, func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", "error", err)
		}
	})
	return cache.NewCatalog(client, src, a.cfg.Cache.CatalogTTL, a.logger)
}

// archives returns the configured mirrors for downloaded ads.
func (a *app) archives(ctx context.Context) []bot.Archiver {
	ac := a.cfg.Archive
	var out []bot.Archiver

	switch {
	case ac.LocalPath != "":
		dir := ac.LocalPath
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(a.cfg.Dir(), dir)
		}
		out = append(out, storage.NewArchive(nil, "", ac.Prefix, dir, a.logger))
	case ac.GCSBucket != "":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			a.logger.Warn("Failed to initialize Storage client, GCS archive disabled", "error", err)
			break
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("Failed to close storage client", "error", err)
			}
		})
		out = append(out, storage.NewArchive(client, ac.GCSBucket, ac.Prefix, "", a.logger))
	}

	if ac.S3.Bucket != "" {
		s3, err := storage.NewS3Archive(ctx, storage.S3Config{
			Endpoint:  ac.S3.Endpoint,
			Bucket:    ac.S3.Bucket,
			AccessKey: ac.S3.AccessKey,
			SecretKey: ac.S3.SecretKey,
			Prefix:    ac.Prefix,
		}, a.logger)
		if err != nil {
			a.logger.Warn("Failed to connect to S3, S3 archive disabled", "error", err)
		} else {
			out = append(out, s3)
		}
	}
	return out
}

// newSender returns the run report sender, nil when reports are disabled.
func (a *app) newSender(ctx context.Context) *notify.Sender {
	n := a.cfg.Notify
	var provider notify.Provider
	switch n.Provider {
	case "":
		return nil
	case "mock":
		provider = notify.NewMockProvider(a.logger)
	case "brevo":
		if n.BrevoAPIKey == "" {
			a.logger.Warn("No Brevo API key, using mock email")
			provider = notify.NewMockProvider(a.logger)
			break
		}
		provider = notify.NewBrevoProvider(n.BrevoAPIKey, n.From, "adsync", a.logger)
	case "gmail":
		svc, err := initGmailService(ctx)
		if err != nil {
			a.logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
			provider = notify.NewMockProvider(a.logger)
			break
		}
		provider = notify.NewGmailProvider(svc, n.From, a.logger)
	}
	return notify.New(provider, a.logger, n.To)
}

// runCommand runs one command with a fresh run id, logging in first for the
// browser commands.
func (a *app) runCommand(ctx context.Context, command string, sel selection.Selector) (*runpkg.Report, error) {
	cfg := a.bot
	cfg.RunID = uuid.NewString()
	runner := bot.New(cfg, a.logger.With("run_id", cfg.RunID))

	if command != "verify" {
		if err := a.auth.Login(ctx); err != nil {
			now := time.Now()
			rep := &runpkg.Report{RunID: cfg.RunID, Command: command, Selector: sel.String(), Started: now, Finished: now, Err: err}
			a.finishRun(ctx, rep)
			return rep, fmt.Errorf("login: %w", err)
		}
	}

	var rep *runpkg.Report
	var err error
	switch command {
	case "publish":
		rep, err = runner.Publish(ctx, sel)
	case "delete":
		rep, err = runner.Delete(ctx, sel)
	case "download":
		rep, err = runner.Download(ctx, sel)
	case "verify":
		rep, err = runner.Verify(ctx, sel)
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
	if rep != nil {
		a.finishRun(ctx, rep)
	}
	return rep, err
}

// finishRun hands the report to metrics and the mail report.
func (a *app) finishRun(ctx context.Context, rep *runpkg.Report) {
	a.metrics.ObserveRun(rep)
	if path := a.cfg.Metrics.Textfile; path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			a.logger.Warn("Failed to write metrics", "path", path, "error", err)
		}
	}
	if a.sender == nil || rep.Command == "verify" {
		return
	}
	if err := a.sender.SendReport(ctx, rep); err != nil {
		a.logger.Warn("Failed to send run report", "error", err)
	}
}

// scheduledRun publishes due ads; it is what serve mode triggers.
type scheduledRun struct {
	app *app
}

func (s scheduledRun) Run(ctx context.Context) (*runpkg.Report, error) {
	return s.app.runCommand(ctx, "publish", selection.Selector{Mode: selection.Due})
}

// serve runs the HTTP server until ctx is done.
func (a *app) serve(ctx context.Context) error {
	monitor := poll.New(scheduledRun{app: a}, a.logger)
	sc := &server.Config{
		Poller:  monitor,
		Metrics: a.metrics.Handler(),
		Logger:  a.logger,
		Port:    a.cfg.Server.Port,
	}
	if a.ledger != nil {
		sc.History = a.ledger
	}

	if interval := a.cfg.Server.PollInterval; interval > 0 {
		a.logger.Info("Scheduling publish runs", "interval", interval.String())
		go monitor.Loop(ctx, interval)
	}

	err := server.New(sc).ListenAndServe(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	if credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON"); credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// Application Default Credentials need the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
