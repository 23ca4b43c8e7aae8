// Package config loads the YAML configuration shared by the decode server and
// the fundctl CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/cvm-captcha/internal/captcha"
)

type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Model      ModelConfig       `yaml:"model"`
	Captcha    CaptchaConfig     `yaml:"captcha"`
	OCR        OCRConfig         `yaml:"ocr"`
	Portal     PortalConfig      `yaml:"portal"`
	Funds      map[string]string `yaml:"funds"` // CNPJ -> display name
	Store      StoreConfig       `yaml:"store"`
	Dataset    DatasetConfig     `yaml:"dataset"`
	Downloader DownloaderConfig  `yaml:"downloader"`
	Logging    LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type ModelConfig struct {
	Path         string `yaml:"path"`
	MetadataPath string `yaml:"metadata_path"`
	// SharedLibrary is the libonnxruntime path; empty uses the loader default.
	SharedLibrary string `yaml:"shared_library"`
}

type CaptchaConfig struct {
	Thresholds captcha.Thresholds `yaml:"thresholds"`
	DigitSize  int                `yaml:"digit_size"`
	MaxGlyphs  int                `yaml:"max_glyphs"`
}

// OCRConfig configures the tie-breaking reader. With OCR disabled nothing is
// ever read, so ambiguous captchas fall back to the binary+otsu output.
type OCRConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Timeout   string   `yaml:"timeout"`
	Languages []string `yaml:"languages"`
}

type PortalConfig struct {
	URL      string `yaml:"url"`
	Headless bool   `yaml:"headless"`
	// Proxy is passed to Chrome, e.g. socks5://127.0.0.1:9050.
	Proxy       string `yaml:"proxy"`
	MaxTries    int    `yaml:"max_tries"`
	PageTimeout string `yaml:"page_timeout"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type DatasetConfig struct {
	Workers int `yaml:"workers"`
}

type DownloaderConfig struct {
	URL          string `yaml:"url"`
	Count        int    `yaml:"count"`
	Dir          string `yaml:"dir"`
	Timeout      string `yaml:"timeout"`
	Cooldown     string `yaml:"cooldown"`
	MaxRotations int    `yaml:"max_rotations"`
	TorProxy     string `yaml:"tor_proxy"`
	TorControl   string `yaml:"tor_control"`
	// TorPassword authenticates on the control port; empty sends an empty
	// AUTHENTICATE.
	TorPassword string `yaml:"tor_password"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

const (
	portalURL  = "https://cvmweb.cvm.gov.br/swb/default.asp?sg_sistema=fundosreg"
	captchaURL = "https://cvmweb.cvm.gov.br/SWB/Sistemas/SCW/CPublica/RandomTxt.aspx"
)

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Model: ModelConfig{
			Path:         filepath.Join("models", "digits.onnx"),
			MetadataPath: filepath.Join("models", "digits_metadata.json"),
		},
		Captcha: CaptchaConfig{
			Thresholds: captcha.DefaultThresholds(),
			DigitSize:  captcha.DefaultDigitSize,
			MaxGlyphs:  captcha.DefaultMaxGlyphs,
		},
		OCR: OCRConfig{
			Enabled:   true,
			Timeout:   "5s",
			Languages: []string{"eng"},
		},
		Portal: PortalConfig{
			URL:         portalURL,
			Headless:    true,
			MaxTries:    7,
			PageTimeout: "30s",
		},
		Funds:   map[string]string{},
		Store:   StoreConfig{Path: "funds.db"},
		Dataset: DatasetConfig{Workers: 4},
		Downloader: DownloaderConfig{
			URL:          captchaURL,
			Count:        1000,
			Dir:          "captchas",
			Timeout:      "6s",
			Cooldown:     "10s",
			MaxRotations: 20,
			TorProxy:     "127.0.0.1:9050",
			TorControl:   "127.0.0.1:9051",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults. A missing file is not an error.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Port = port
	}
	if path := os.Getenv("MODEL_PATH"); path != "" {
		c.Model.Path = path
	}
	if path := os.Getenv("MODEL_METADATA"); path != "" {
		c.Model.MetadataPath = path
	}
	if path := os.Getenv("ONNXRUNTIME_LIB"); path != "" {
		c.Model.SharedLibrary = path
	}
	if path := os.Getenv("STORE_PATH"); path != "" {
		c.Store.Path = path
	}
	if addr := os.Getenv("TOR_PROXY"); addr != "" {
		c.Downloader.TorProxy = addr
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate reports the first setting that is out of range.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server.port %q is not a number", c.Server.Port)
	}
	t := c.Captcha.Thresholds
	if !(0 < t.LowQuality && t.LowQuality <= t.Fallback && t.Fallback <= t.Good && t.Good < 1) {
		return fmt.Errorf("captcha.thresholds must satisfy 0 < low_quality <= fallback <= good < 1")
	}
	if t.Inversion <= 0 || t.Inversion >= 1 {
		return fmt.Errorf("captcha.thresholds.inversion %v outside (0,1)", t.Inversion)
	}
	if t.MergeRatio <= 1 {
		return fmt.Errorf("captcha.thresholds.merge_ratio %v must exceed 1", t.MergeRatio)
	}
	if c.Captcha.DigitSize <= 0 {
		return fmt.Errorf("captcha.digit_size must be positive")
	}
	if c.Captcha.MaxGlyphs < 2 || c.Captcha.MaxGlyphs > captcha.DefaultMaxGlyphs {
		return fmt.Errorf("captcha.max_glyphs %d outside [2,%d]", c.Captcha.MaxGlyphs, captcha.DefaultMaxGlyphs)
	}
	if c.Portal.MaxTries <= 0 {
		return fmt.Errorf("portal.max_tries must be positive")
	}
	if c.Dataset.Workers <= 0 {
		return fmt.Errorf("dataset.workers must be positive")
	}
	if c.Downloader.Count < 0 || c.Downloader.MaxRotations < 0 {
		return fmt.Errorf("downloader.count and downloader.max_rotations must not be negative")
	}
	for name, v := range map[string]string{
		"ocr.timeout":         c.OCR.Timeout,
		"portal.page_timeout": c.Portal.PageTimeout,
		"downloader.timeout":  c.Downloader.Timeout,
		"downloader.cooldown": c.Downloader.Cooldown,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q: want json or console", c.Logging.Format)
	}
	return nil
}

// GetOCRTimeout returns the OCR timeout as a duration.
func (c *Config) GetOCRTimeout() time.Duration {
	return duration(c.OCR.Timeout, 5*time.Second)
}

func (c *Config) GetPageTimeout() time.Duration {
	return duration(c.Portal.PageTimeout, 30*time.Second)
}

func (c *Config) GetDownloadTimeout() time.Duration {
	return duration(c.Downloader.Timeout, 6*time.Second)
}

func (c *Config) GetCooldown() time.Duration {
	return duration(c.Downloader.Cooldown, 10*time.Second)
}

func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
