package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PaperSize is a physical page size in inches.
type PaperSize struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

// PostgresConfig describes the control-plane database holding API tokens and export quotas.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// Config is the full application configuration shared by both binaries.
type Config struct {
	Server struct {
		Host        string `yaml:"host"`
		Port        string `yaml:"port"`
		Prefork     bool   `yaml:"prefork"`
		CORSOrigins string `yaml:"cors_origins"`
	} `yaml:"server"`

	Limits struct {
		MaxHTMLBytes     int `yaml:"max_html_bytes"`
		MaxArtifactBytes int `yaml:"max_artifact_bytes"`
	} `yaml:"limits"`

	Logger struct {
		File       string `yaml:"file"`
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logger"`

	Redis struct {
		Host        string        `yaml:"host"`
		RateLimitDB int           `yaml:"rate_limit_db"`
		StateDB     int           `yaml:"state_db"`
		StateTTL    time.Duration `yaml:"state_ttl"`
	} `yaml:"redis"`

	Render struct {
		DefaultPaper     string               `yaml:"default_paper"`
		PaperSizes       map[string]PaperSize `yaml:"paper_sizes"`
		DPI              float64              `yaml:"dpi"`
		PDFScaleFactor   float64              `yaml:"pdf_scale_factor"`
		ImageScaleFactor float64              `yaml:"image_scale_factor"`
		SettleTimeout    time.Duration        `yaml:"settle_timeout"`
		NetworkQuiet     time.Duration        `yaml:"network_quiet"`
		FontGrace        time.Duration        `yaml:"font_grace"`
		JobTimeout       time.Duration        `yaml:"job_timeout"`
		ChromePath       string               `yaml:"chrome_path"`
		ChromeNoSandbox  bool                 `yaml:"chrome_no_sandbox"`
		UserDataDir      string               `yaml:"user_data_dir"`
		MaxConcurrent    int                  `yaml:"max_concurrent"`
		QueueTimeout     time.Duration        `yaml:"queue_timeout"`
	} `yaml:"render"`

	RateLimiter struct {
		Interval          time.Duration `yaml:"interval"`
		SweepInterval     time.Duration `yaml:"sweep_interval"`
		EnableUserLimiter bool          `yaml:"enable_user_limiter"`
		UserLimit         int           `yaml:"user_limit"`
	} `yaml:"rate_limiter"`

	Auth struct {
		Postgres            PostgresConfig `yaml:"postgres"`
		TokenReloadInterval time.Duration  `yaml:"token_reload_interval"`
	} `yaml:"auth"`

	Export struct {
		RenderURL     string        `yaml:"render_url"`
		APIKey        string        `yaml:"api_key"`
		RenderTimeout time.Duration `yaml:"render_timeout"`
		ArtifactRoot  string        `yaml:"artifact_root"`
		HistoryPath   string        `yaml:"history_path"`
		FreeLimit     int           `yaml:"free_limit"`
		HiddenAttr    string        `yaml:"hidden_attr"`
		MailTo        string        `yaml:"mail_to"`
	} `yaml:"export"`
}

// DefaultPaperSizes are the page formats known without any configuration.
var DefaultPaperSizes = map[string]PaperSize{
	"A3":     {Width: 11.69, Height: 16.54},
	"A4":     {Width: 8.27, Height: 11.69},
	"A5":     {Width: 5.83, Height: 8.27},
	"LETTER": {Width: 8.5, Height: 11},
	"LEGAL":  {Width: 8.5, Height: 14},
}

const defaultMaxHTMLBytes = 10 * 1024 * 1024

// Load reads the file named by CONFIG_PATH (config.yaml when unset).
func Load() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	return LoadFrom(path)
}

// LoadFrom reads, defaults and validates the config at path. It panics on
// unreadable files and invalid values so a broken deployment never starts.
func LoadFrom(path string) Config {
	raw, err := os.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("config: read %s: %v", path, err))
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		panic(fmt.Sprintf("config: parse %s: %v", path, err))
	}
	if v := os.Getenv("CHROME_BIN"); v != "" && cfg.Render.ChromePath == "" {
		cfg.Render.ChromePath = v
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return cfg
}

// ApplyDefaults fills zero values with production defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.Server.CORSOrigins == "" {
		cfg.Server.CORSOrigins = "*"
	}
	if cfg.Limits.MaxHTMLBytes == 0 {
		cfg.Limits.MaxHTMLBytes = defaultMaxHTMLBytes
	}
	if cfg.Limits.MaxArtifactBytes == 0 {
		cfg.Limits.MaxArtifactBytes = 50 * 1024 * 1024
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}

	r := &cfg.Render
	if r.PaperSizes == nil {
		r.PaperSizes = make(map[string]PaperSize, len(DefaultPaperSizes))
	}
	for name, size := range DefaultPaperSizes {
		if _, ok := r.PaperSizes[name]; !ok {
			r.PaperSizes[name] = size
		}
	}
	upper := make(map[string]PaperSize, len(r.PaperSizes))
	for name, size := range r.PaperSizes {
		upper[strings.ToUpper(name)] = size
	}
	r.PaperSizes = upper
	if r.DefaultPaper == "" {
		r.DefaultPaper = "A4"
	}
	r.DefaultPaper = strings.ToUpper(r.DefaultPaper)
	if r.DPI == 0 {
		r.DPI = 96
	}
	if r.PDFScaleFactor == 0 {
		r.PDFScaleFactor = 2
	}
	if r.ImageScaleFactor == 0 {
		r.ImageScaleFactor = 3
	}
	if r.SettleTimeout == 0 {
		r.SettleTimeout = 15 * time.Second
	}
	if r.NetworkQuiet == 0 {
		r.NetworkQuiet = 500 * time.Millisecond
	}
	if r.FontGrace == 0 {
		r.FontGrace = 300 * time.Millisecond
	}
	if r.JobTimeout == 0 {
		r.JobTimeout = 60 * time.Second
	}
	if r.QueueTimeout == 0 {
		r.QueueTimeout = 5 * time.Second
	}

	if cfg.RateLimiter.Interval == 0 {
		cfg.RateLimiter.Interval = time.Minute
	}
	if cfg.RateLimiter.SweepInterval == 0 {
		cfg.RateLimiter.SweepInterval = time.Minute
	}
	if cfg.Auth.TokenReloadInterval == 0 {
		cfg.Auth.TokenReloadInterval = time.Minute
	}

	e := &cfg.Export
	if e.RenderTimeout == 0 {
		e.RenderTimeout = 90 * time.Second
	}
	if e.FreeLimit == 0 {
		e.FreeLimit = 3
	}
	if e.HiddenAttr == "" {
		e.HiddenAttr = "data-export-hidden"
	}
}

// Validate reports the first invalid setting.
func Validate(cfg Config) error {
	if cfg.Limits.MaxHTMLBytes < 0 {
		return fmt.Errorf("limits.max_html_bytes must be positive")
	}
	if _, ok := cfg.Render.PaperSizes[cfg.Render.DefaultPaper]; !ok {
		return fmt.Errorf("render.default_paper %q is not a known paper size", cfg.Render.DefaultPaper)
	}
	for name, size := range cfg.Render.PaperSizes {
		if size.Width <= 0 || size.Height <= 0 {
			return fmt.Errorf("render.paper_sizes.%s must have positive dimensions", name)
		}
	}
	if cfg.Render.DPI <= 0 || cfg.Render.PDFScaleFactor <= 0 || cfg.Render.ImageScaleFactor <= 0 {
		return fmt.Errorf("render dpi and scale factors must be positive")
	}
	if cfg.Render.MaxConcurrent < 0 {
		return fmt.Errorf("render.max_concurrent must not be negative")
	}
	if cfg.Render.SettleTimeout < 0 || cfg.Render.JobTimeout < 0 || cfg.Render.QueueTimeout < 0 {
		return fmt.Errorf("render timeouts must not be negative")
	}
	if cfg.RateLimiter.UserLimit < 0 {
		return fmt.Errorf("rate_limiter.user_limit must not be negative")
	}
	if cfg.RateLimiter.Interval <= 0 {
		return fmt.Errorf("rate_limiter.interval must be positive")
	}
	if cfg.Export.FreeLimit < 0 {
		return fmt.Errorf("export.free_limit must not be negative")
	}
	return nil
}
