// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Pipeline  string        `mapstructure:"pipeline"`
	ProcCount int           `mapstructure:"proc_count"`
	ChunkSize int           `mapstructure:"chunk_size"`
	Paths     PathConfig    `mapstructure:"paths"`
	Driver    DriverConfig  `mapstructure:"driver"`
	Storage   StorageConfig `mapstructure:"storage"`
	Search    []SearchSite  `mapstructure:"search"`
	Details   DetailsConfig `mapstructure:"details"`
	Policy    PolicyConfig  `mapstructure:"policy"`
	Blocklist []string      `mapstructure:"blocklist"`
	Metrics   MetricsConfig `mapstructure:"metrics"`
	Logging   LoggingConfig `mapstructure:"logging"`
	Export    ExportConfig  `mapstructure:"export"`
}

// PathConfig locates the record stores and the page output directory.
// Relative children are resolved under ResourcesDir.
type PathConfig struct {
	ResourcesDir   string `mapstructure:"resources_dir"`
	HTMLDir        string `mapstructure:"html_dir"`
	SeedFile       string `mapstructure:"seed_file"`
	DescriptorFile string `mapstructure:"descriptor_file"`
}

// DriverConfig controls each worker's browser session.
type DriverConfig struct {
	Headless             bool          `mapstructure:"headless"`
	NoSandbox            bool          `mapstructure:"no_sandbox"`
	Private              bool          `mapstructure:"private"`
	DisableCache         bool          `mapstructure:"disable_cache"`
	Stealth              bool          `mapstructure:"stealth"`
	ExecPath             string        `mapstructure:"exec_path"`
	PageLoadTimeout      time.Duration `mapstructure:"page_load_timeout"`
	MaxNetworkAttempts   int           `mapstructure:"max_network_attempts"`
	MaxTimeoutAttempts   int           `mapstructure:"max_timeout_attempts"`
	MaxChallengeAttempts int           `mapstructure:"max_challenge_attempts"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
	RandomCooldown       time.Duration `mapstructure:"random_cooldown"`
	HostRPS              float64       `mapstructure:"host_rps"`
	HostBurst            int           `mapstructure:"host_burst"`
	UserAgents           []string      `mapstructure:"user_agents"`
	Proxies              []string      `mapstructure:"proxies"`
	ChallengeMarkers     []string      `mapstructure:"challenge_markers"`
	AbandonOn            []string      `mapstructure:"abandon_on"`
}

// StorageConfig selects where downloaded pages are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// SearchSite describes one paginated listing to harvest links from.
// Template placeholders: {keyword} and {page}.
type SearchSite struct {
	Name         string   `mapstructure:"name"`
	Template     string   `mapstructure:"template"`
	Keywords     []string `mapstructure:"keywords"`
	Pages        int      `mapstructure:"pages"`
	LinkSelector string   `mapstructure:"link_selector"`
	BaseURL      string   `mapstructure:"base_url"`
}

// DetailsConfig lists the selectors tried, in order, for product fields.
// ManufacturerRows selects label/value rows scanned for ManufacturerLabel.
type DetailsConfig struct {
	ManufacturerLabel     string   `mapstructure:"manufacturer_label"`
	ManufacturerRows      string   `mapstructure:"manufacturer_rows"`
	ManufacturerSelectors []string `mapstructure:"manufacturer_selectors"`
	WebsiteSelectors      []string `mapstructure:"website_selectors"`
}

// PolicyConfig holds the anchor-text patterns that identify a policy link.
type PolicyConfig struct {
	Patterns []string `mapstructure:"patterns"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ExportConfig names the spreadsheet written by the export stage.
type ExportConfig struct {
	XLSXPath string `mapstructure:"xlsx_path"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PPCRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	paths, err := cfg.Paths.Resolve()
	if err != nil {
		return Config{}, err
	}
	cfg.Paths = paths

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline", "analytics")
	v.SetDefault("proc_count", -1)
	v.SetDefault("chunk_size", 64)
	v.SetDefault("paths.resources_dir", "resources")
	v.SetDefault("paths.html_dir", "html")
	v.SetDefault("paths.seed_file", "explicit.jsonl")
	v.SetDefault("paths.descriptor_file", "descriptor.jsonl")
	v.SetDefault("driver.headless", true)
	v.SetDefault("driver.no_sandbox", true)
	v.SetDefault("driver.private", true)
	v.SetDefault("driver.disable_cache", true)
	v.SetDefault("driver.stealth", true)
	v.SetDefault("driver.page_load_timeout", "30s")
	v.SetDefault("driver.max_network_attempts", 10)
	v.SetDefault("driver.max_timeout_attempts", 10)
	v.SetDefault("driver.max_challenge_attempts", 10)
	v.SetDefault("driver.cooldown", "0s")
	v.SetDefault("driver.random_cooldown", "0s")
	v.SetDefault("driver.host_rps", 0)
	v.SetDefault("driver.host_burst", 1)
	v.SetDefault("driver.challenge_markers", []string{
		"iframe[src*='recaptcha']",
		"iframe[src*='hcaptcha']",
		"#challenge-form",
		"#cf-challenge-running",
	})
	v.SetDefault("details.manufacturer_label", "manufacturer")
	v.SetDefault("details.manufacturer_rows", "table tr")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("policy.patterns", []string{"privacy policy"})
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9102")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Pipeline) == "" {
		return fmt.Errorf("pipeline must be set")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be > 0")
	}
	if c.Paths.DescriptorFile == "" {
		return fmt.Errorf("paths.descriptor_file must be set")
	}
	if c.Driver.PageLoadTimeout <= 0 {
		return fmt.Errorf("driver.page_load_timeout must be > 0")
	}
	if c.Driver.MaxNetworkAttempts <= 0 || c.Driver.MaxTimeoutAttempts <= 0 || c.Driver.MaxChallengeAttempts <= 0 {
		return fmt.Errorf("driver max attempts must be > 0")
	}
	if c.Driver.Cooldown < 0 || c.Driver.RandomCooldown < 0 {
		return fmt.Errorf("driver cooldowns must be >= 0")
	}
	if c.Driver.HostRPS < 0 {
		return fmt.Errorf("driver.host_rps must be >= 0")
	}
	switch c.Storage.Backend {
	case "local", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be local, gcs or memory, got %q", c.Storage.Backend)
	}
	for i, site := range c.Search {
		if site.Template == "" {
			return fmt.Errorf("search[%d].template must be set", i)
		}
		if site.Pages <= 0 {
			return fmt.Errorf("search[%d].pages must be > 0", i)
		}
		if site.LinkSelector == "" {
			return fmt.Errorf("search[%d].link_selector must be set", i)
		}
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr must be set when metrics are enabled")
	}
	return nil
}

// Workers returns the worker pool size; non-positive values mean one per CPU.
func (c Config) Workers() int {
	if c.ProcCount > 0 {
		return c.ProcCount
	}
	return runtime.NumCPU()
}

// Resolve expands "~" in ResourcesDir and places relative children under it.
func (p PathConfig) Resolve() (PathConfig, error) {
	root, err := expandHome(p.ResourcesDir)
	if err != nil {
		return PathConfig{}, err
	}
	under := func(child string) string {
		if child == "" || filepath.IsAbs(child) {
			return child
		}
		return filepath.Join(root, child)
	}
	return PathConfig{
		ResourcesDir:   root,
		HTMLDir:        under(p.HTMLDir),
		SeedFile:       under(p.SeedFile),
		DescriptorFile: under(p.DescriptorFile),
	}, nil
}

// Prepare creates the resources layout a first run needs: the directories
// holding the record stores and pages, plus an empty descriptor and seed file
// when they are missing. Existing files are left untouched.
func (p PathConfig) Prepare() error {
	for _, dir := range []string{p.ResourcesDir, p.HTMLDir, parent(p.DescriptorFile), parent(p.SeedFile)} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	for _, file := range []string{p.DescriptorFile, p.SeedFile} {
		if file == "" {
			continue
		}
		f, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE, 0o600)
		if err != nil {
			return fmt.Errorf("touch %s: %w", file, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close %s: %w", file, err)
		}
	}
	return nil
}

func parent(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Dir(path)
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
