// Package config loads the dispatcher's process-wide configuration: a
// built-in default set, overlaid by a user-supplied YAML file, overlaid
// again by a fixed test profile when the environment says so, then
// validated against a fixed list of required environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/oleiade/reflections"
	"gopkg.in/yaml.v3"

	"github.com/labci/dispatcher/internal/osutil"
)

// EventRule filters which webhook deliveries of one event type (push,
// pull_request, ...) turn into jobs.
type EventRule struct {
	Checks      []string `yaml:"checks"`
	Actions     []string `yaml:"actions"`
	RefIgnore   []string `yaml:"ref_ignore"`
	FilesIgnore []string `yaml:"files_ignore"`
}

// Config is the fully-resolved process configuration.
type Config struct {
	ListenPort        int                    `yaml:"listen_port"`
	Timeout           int                    `yaml:"timeout"`
	MaxDescriptionLen int                    `yaml:"max_description_len"`
	StrictCoverage    bool                   `yaml:"strict_coverage"`
	DataPath          string                 `yaml:"dataPath"`
	DBFile            string                 `yaml:"dbFile"`
	Events            map[string]EventRule   `yaml:"events"`
	Routines          map[string][]string    `yaml:"routines"`
	Repos             map[string]string      `yaml:"repos"`
	Submodules        []string               `yaml:"submodules"`
	KillProcessTree   bool                   `yaml:"kill_process_tree"`

	// Populated from the environment, never from YAML: these are
	// credentials and deployment-specific addresses, not tunable policy.
	AppID           string `yaml:"-"`
	PrivateKeyPath  string `yaml:"-"`
	WebhookSecret   string `yaml:"-"`
	ProxyURL        string `yaml:"-"`
	RepoOwner       string `yaml:"-"`
	RepoName        string `yaml:"-"`
	RepoPath        string `yaml:"-"`
	TunnelHost      string `yaml:"-"`
	TunnelSubdomain string `yaml:"-"`

	// Optional environment overrides: unlike requiredEnvVars above, startup
	// proceeds without these.
	Domain       string `yaml:"-"`
	CoverallsToken string `yaml:"-"`
}

// Defaults returns the built-in configuration every load starts from.
func Defaults() *Config {
	return &Config{
		ListenPort:        8080,
		Timeout:           480000,
		MaxDescriptionLen: 140,
		StrictCoverage:    false,
		DataPath:          "./data",
		DBFile:            "./data/db.json",
		Events:            map[string]EventRule{},
		Routines:          map[string][]string{},
		Repos:             map[string]string{},
	}
}

// requiredEnvVars names every environment variable Load refuses to start
// without.
var requiredEnvVars = []string{
	"LABCI_PRIVATE_KEY_PATH",
	"LABCI_APP_ID",
	"LABCI_WEBHOOK_SECRET",
	"LABCI_WEBHOOK_PROXY_URL",
	"LABCI_REPO_PATH",
	"LABCI_REPO_NAME",
	"LABCI_REPO_OWNER",
	"LABCI_TUNNEL_HOST",
	"LABCI_TUNNEL_SUBDOMAIN",
}

// Load builds the active configuration: defaults, overlaid by the YAML file
// at path (if non-empty and present), overlaid by the test profile when
// LABCI_ENV or NODE_ENV starts with "test", then validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := overlayFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if strings.HasPrefix(os.Getenv("LABCI_ENV"), "test") || strings.HasPrefix(os.Getenv("NODE_ENV"), "test") {
		if err := mergeInto(cfg, testProfile()); err != nil {
			return nil, fmt.Errorf("applying test profile: %w", err)
		}
	}

	populateFromEnv(cfg)

	if err := validateRequiredEnv(); err != nil {
		return nil, err
	}

	for _, scripts := range cfg.Routines {
		for _, script := range scripts {
			if osutil.FileExists(script) {
				if err := osutil.ChmodExecutable(script); err != nil {
					return nil, err
				}
			}
		}
	}

	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return mergeInto(cfg, &overlay)
}

// mergeInto copies every non-zero field of overlay onto cfg, using
// reflection so new fields never need a hand-written merge clause. Missing
// fields in the overlay simply leave the existing (default) value in place.
func mergeInto(cfg, overlay *Config) error {
	fields, err := reflections.Fields(overlay)
	if err != nil {
		return err
	}

	for _, f := range fields {
		val, err := reflections.GetField(overlay, f)
		if err != nil {
			return err
		}
		if reflect.ValueOf(val).IsZero() {
			continue
		}
		if err := reflections.SetField(cfg, f, val); err != nil {
			return err
		}
	}
	return nil
}

func testProfile() *Config {
	return &Config{
		ListenPort: 0,
		DataPath:   filepath.Join(os.TempDir(), "labci-test-data"),
		DBFile:     filepath.Join(os.TempDir(), "labci-test-data", "db.json"),
		Timeout:    2000,
	}
}

func populateFromEnv(cfg *Config) {
	cfg.PrivateKeyPath = os.Getenv("LABCI_PRIVATE_KEY_PATH")
	cfg.AppID = os.Getenv("LABCI_APP_ID")
	cfg.WebhookSecret = os.Getenv("LABCI_WEBHOOK_SECRET")
	cfg.ProxyURL = os.Getenv("LABCI_WEBHOOK_PROXY_URL")
	cfg.RepoPath = os.Getenv("LABCI_REPO_PATH")
	cfg.RepoName = os.Getenv("LABCI_REPO_NAME")
	cfg.RepoOwner = os.Getenv("LABCI_REPO_OWNER")
	cfg.TunnelHost = os.Getenv("LABCI_TUNNEL_HOST")
	cfg.TunnelSubdomain = os.Getenv("LABCI_TUNNEL_SUBDOMAIN")

	cfg.Domain = os.Getenv("LABCI_USERDOMAIN")
	if cfg.Domain == "" {
		cfg.Domain = cfg.TunnelSubdomain
	}
	cfg.CoverallsToken = os.Getenv("LABCI_COVERALLS_TOKEN")
}

func validateRequiredEnv() error {
	var missing []string
	for _, name := range requiredEnvVars {
		if os.Getenv(name) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

// CheckoutPath resolves the local checkout path for a repo, consulting the
// configured repos map and falling back to RepoPath for the primary repo.
func (c *Config) CheckoutPath(owner, repo string) string {
	if p, ok := c.Repos[repo]; ok {
		return p
	}
	if repo == c.RepoName {
		return c.RepoPath
	}
	return c.RepoPath
}
