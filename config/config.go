// Package config loads config.yaml, layered over the embedded defaults and
// overridden from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"adsync/publish"
	"adsync/resolve"
	"adsync/resources"
	"adsync/storage"
	"adsync/web"
)

// DefaultPath is used when --config is not given.
const DefaultPath = "config.yaml"

// Config is the typed view of config.yaml.
type Config struct {
	AdFiles    []string          `yaml:"ad_files"`
	AdDefaults AdDefaults        `yaml:"ad_defaults"`
	Categories map[string]string `yaml:"categories"`
	Download   Download          `yaml:"download"`
	Publishing Publishing        `yaml:"publishing"`
	Browser    Browser           `yaml:"browser"`
	Login      Login             `yaml:"login"`
	Archive    Archive           `yaml:"archive"`
	History    History           `yaml:"history"`
	Events     Events            `yaml:"events"`
	Cache      Cache             `yaml:"cache"`
	Notify     Notify            `yaml:"notify"`
	Metrics    Metrics           `yaml:"metrics"`
	Server     Server            `yaml:"server"`

	// Path is the absolute config file path; ad file patterns are relative to its directory.
	Path string `yaml:"-"`

	adDefaults *storage.Document
}

// AdDefaults holds the typed part of ad_defaults. The full section is
// merged into every ad file as a document, see AdDefaultsDocument.
type AdDefaults struct {
	Description struct {
		Prefix string `yaml:"prefix"`
		Suffix string `yaml:"suffix"`
	} `yaml:"description"`
}

type Download struct {
	Dir                               string   `yaml:"dir" env:"ADSYNC_DOWNLOAD_DIR"`
	IncludeAllMatchingShippingOptions bool     `yaml:"include_all_matching_shipping_options"`
	ExcludedShippingOptions           []string `yaml:"excluded_shipping_options"`
}

type Publishing struct {
	DeleteOldAds        publish.DeleteMode `yaml:"delete_old_ads"`
	DeleteOldAdsByTitle bool               `yaml:"delete_old_ads_by_title"`
}

type Browser struct {
	Arguments        []string `yaml:"arguments"`
	BinaryLocation   string   `yaml:"binary_location" env:"ADSYNC_BROWSER_BINARY"`
	Extensions       []string `yaml:"extensions"`
	UsePrivateWindow bool     `yaml:"use_private_window"`
	UserDataDir      string   `yaml:"user_data_dir"   env:"ADSYNC_BROWSER_USER_DATA_DIR"`
	ProfileName      string   `yaml:"profile_name"`
	Headless         bool     `yaml:"headless"        env:"ADSYNC_BROWSER_HEADLESS"`
}

type Login struct {
	Username string `yaml:"username" env:"ADSYNC_LOGIN_USERNAME"`
	Password string `yaml:"password" env:"ADSYNC_LOGIN_PASSWORD"`
}

// Archive configures the mirrors of downloaded ads. Each mirror is enabled
// by its path or bucket.
type Archive struct {
	LocalPath string `yaml:"local_path"`
	GCSBucket string `yaml:"gcs_bucket" env:"ADSYNC_GCS_BUCKET"`
	Prefix    string `yaml:"prefix"`
	S3        S3     `yaml:"s3"`
}

type S3 struct {
	Endpoint  string `yaml:"endpoint"   env:"ADSYNC_S3_ENDPOINT"`
	Bucket    string `yaml:"bucket"     env:"ADSYNC_S3_BUCKET"`
	AccessKey string `yaml:"access_key" env:"ADSYNC_S3_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"ADSYNC_S3_SECRET_KEY"`
}

type History struct {
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
}

type Events struct {
	NATSURL       string `yaml:"nats_url"       env:"NATS_URL"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type Cache struct {
	RedisAddr  string        `yaml:"redis_addr"  env:"REDIS_ADDR"`
	CatalogTTL time.Duration `yaml:"catalog_ttl"`
}

type Notify struct {
	Provider    string `yaml:"provider"      env:"ADSYNC_NOTIFY_PROVIDER"`
	To          string `yaml:"to"            env:"ADSYNC_NOTIFY_TO"`
	From        string `yaml:"from"          env:"ADSYNC_NOTIFY_FROM"`
	BrevoAPIKey string `yaml:"brevo_api_key" env:"BREVO_API_KEY"`
}

type Metrics struct {
	Textfile string `yaml:"textfile" env:"ADSYNC_METRICS_TEXTFILE"`
}

type Server struct {
	Port         string        `yaml:"port"          env:"PORT"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Load reads the config file at path. A missing file is created from the
// embedded defaults first.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	defaults, err := storage.ParseDocument(resources.ConfigDefaults())
	if err != nil {
		return nil, fmt.Errorf("parse default config: %w", err)
	}

	doc, err := storage.LoadDocumentIfExists(abs)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		logger.Warn("Config file not found, creating it with defaults", "path", abs)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("create config directory: %w", err)
		}
		// The raw defaults keep their comments.
		if err := os.WriteFile(abs, resources.ConfigDefaults(), 0o644); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		doc = storage.NewDocument()
	}

	merged := storage.Merge(doc, defaults, storage.MergeOptions{})
	var cfg Config
	if err := merged.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment overrides: %w", err)
	}
	cfg.Path = abs

	cfg.adDefaults = storage.NewDocument()
	if n := merged.Get("ad_defaults"); n != nil {
		if cfg.adDefaults, err = storage.FromValue(n); err != nil {
			return nil, fmt.Errorf("%s: ad_defaults: %w", abs, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	logger.Info("Config loaded", "path", abs, "ad_files", cfg.AdFiles)
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.AdFiles) == 0 {
		return errors.New("ad_files must contain at least one pattern")
	}
	if !slices.Contains([]publish.DeleteMode{publish.DeleteBeforePublish, publish.DeleteAfterPublish, publish.DeleteNever}, c.Publishing.DeleteOldAds) {
		return fmt.Errorf("publishing.delete_old_ads must be one of AFTER_PUBLISH, BEFORE_PUBLISH, NEVER (got %q)", c.Publishing.DeleteOldAds)
	}
	if !slices.Contains([]string{"", "gmail", "brevo", "mock"}, c.Notify.Provider) {
		return fmt.Errorf("notify.provider must be one of gmail, brevo, mock (got %q)", c.Notify.Provider)
	}
	if c.Notify.Provider != "" && c.Notify.To == "" {
		return errors.New("notify.to is required when notify.provider is set")
	}
	return nil
}

// RequireLogin checks the credentials needed by the browser commands.
func (c *Config) RequireLogin() error {
	if c.Login.Username == "" {
		return fmt.Errorf("[login.username] not specified @ [%s]", c.Path)
	}
	if c.Login.Password == "" {
		return fmt.Errorf("[login.password] not specified @ [%s]", c.Path)
	}
	return nil
}

// Dir is the directory ad file patterns and relative paths are resolved against.
func (c *Config) Dir() string {
	return filepath.Dir(c.Path)
}

// AdDefaultsDocument returns the ad_defaults section as merged into every ad file.
func (c *Config) AdDefaultsDocument() *storage.Document {
	if c.adDefaults == nil {
		return storage.NewDocument()
	}
	return c.adDefaults
}

// LoaderConfig builds the ad loader settings: patterns, defaults, the embedded
// field template and the category tables with the user's overrides last.
func (c *Config) LoaderConfig() (storage.LoaderConfig, error) {
	fields, err := storage.ParseDocument(resources.AdFields())
	if err != nil {
		return storage.LoaderConfig{}, fmt.Errorf("parse ad field template: %w", err)
	}
	tables, err := resources.Categories()
	if err != nil {
		return storage.LoaderConfig{}, err
	}
	return storage.LoaderConfig{
		Root:              c.Dir(),
		Patterns:          c.AdFiles,
		AdDefaults:        c.AdDefaultsDocument(),
		AdFields:          fields,
		DescriptionPrefix: c.AdDefaults.Description.Prefix,
		DescriptionSuffix: c.AdDefaults.Description.Suffix,
		Categories:        resolve.NewCategories(append(tables, c.Categories)...),
	}, nil
}

// ChromeConfig maps the browser section, resolving paths against the config directory.
func (c *Config) ChromeConfig() web.ChromeConfig {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.Dir(), p)
	}
	var extensions []string
	for _, ext := range c.Browser.Extensions {
		extensions = append(extensions, abs(ext))
	}
	return web.ChromeConfig{
		BinaryLocation: c.Browser.BinaryLocation,
		Arguments:      c.Browser.Arguments,
		Extensions:     extensions,
		UserDataDir:    abs(c.Browser.UserDataDir),
		ProfileName:    c.Browser.ProfileName,
		PrivateWindow:  c.Browser.UsePrivateWindow,
		Headless:       c.Browser.Headless,
	}
}

// ShippingMatch maps the download section to extraction match options.
func (c *Config) ShippingMatch() resolve.MatchOptions {
	return resolve.MatchOptions{
		IncludeAllOfSize: c.Download.IncludeAllMatchingShippingOptions,
		Excluded:         c.Download.ExcludedShippingOptions,
	}
}

// DownloadDir is the download directory, relative paths resolved against the config directory.
func (c *Config) DownloadDir() string {
	if filepath.IsAbs(c.Download.Dir) {
		return c.Download.Dir
	}
	return filepath.Join(c.Dir(), c.Download.Dir)
}
