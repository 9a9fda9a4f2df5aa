package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		MaxUploadMB     int64         `yaml:"maxUploadMB"`
		AllowedOrigins  []string      `yaml:"allowedOrigins"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // json | text
	} `yaml:"log"`

	// UploadDir menampung <id>/code.zip dan <id>/workspace
	UploadDir string `yaml:"uploadDir"`

	Timeouts struct {
		Extract    time.Duration `yaml:"extract"`
		Bandit     time.Duration `yaml:"bandit"`
		Semgrep    time.Duration `yaml:"semgrep"`
		Trivy      time.Duration `yaml:"trivy"`
		Dynamic    time.Duration `yaml:"dynamic"`
		Build      time.Duration `yaml:"build"`
		ActiveScan time.Duration `yaml:"activeScan"`
		Teardown   time.Duration `yaml:"teardown"`
	} `yaml:"timeouts"`

	Tools struct {
		Bandit        string `yaml:"bandit"`
		Semgrep       string `yaml:"semgrepImage"`
		SemgrepConfig string `yaml:"semgrepConfig"`
		Trivy         string `yaml:"trivyImage"`
		ZAP           string `yaml:"zapImage"`
		TempDir       string `yaml:"tempDir"`
	} `yaml:"tools"`

	Dynamic struct {
		Network       string        `yaml:"network"`
		Ports         []int         `yaml:"ports"`
		ProbeAttempts int           `yaml:"probeAttempts"`
		ProbeDelay    time.Duration `yaml:"probeDelay"`
		Concurrency   int           `yaml:"concurrency"`
	} `yaml:"dynamic"`

	Retention struct {
		TTL      time.Duration `yaml:"ttl"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"retention"`

	RateLimit struct {
		PerMinute int `yaml:"perMinute"`
		Burst     int `yaml:"burst"`
	} `yaml:"rateLimit"`

	// Database optional; kosong berarti step errors tidak disimpan
	Database struct {
		Driver   string `yaml:"driver"` // mysql | postgres
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`
	} `yaml:"database"`

	Minio struct {
		Endpoint      string        `yaml:"endpoint"`
		AccessKey     string        `yaml:"accessKey"`
		SecretKey     string        `yaml:"secretKey"`
		BucketName    string        `yaml:"bucketName"`
		Region        string        `yaml:"region"`
		UseSSL        bool          `yaml:"useSSL"`
		PresignExpiry time.Duration `yaml:"presignExpiry"`
	} `yaml:"minio"`

	AI struct {
		APIKey  string `yaml:"apiKey"`
		Model   string `yaml:"model"`
		BaseURL string `yaml:"baseURL"`
	} `yaml:"ai"`
}

// Load baca file config.yaml. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.AI.APIKey == "" {
		cfg.AI.APIKey = v
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = 512
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.UploadDir == "" {
		c.UploadDir = "/tmp/codeprobe"
	}

	t := &c.Timeouts
	setDuration(&t.Extract, 2*time.Minute)
	setDuration(&t.Bandit, 10*time.Minute)
	setDuration(&t.Semgrep, 15*time.Minute)
	setDuration(&t.Trivy, 15*time.Minute)
	setDuration(&t.Dynamic, 45*time.Minute)
	setDuration(&t.Build, 10*time.Minute)
	setDuration(&t.ActiveScan, 10*time.Minute)
	setDuration(&t.Teardown, time.Minute)

	if c.Tools.Bandit == "" {
		c.Tools.Bandit = "bandit"
	}
	if c.Tools.Semgrep == "" {
		c.Tools.Semgrep = "semgrep/semgrep:latest"
	}
	// registry ruleset; a mounted rules path also works
	if c.Tools.SemgrepConfig == "" {
		c.Tools.SemgrepConfig = "p/default"
	}
	if c.Tools.Trivy == "" {
		c.Tools.Trivy = "aquasec/trivy:latest"
	}
	if c.Tools.ZAP == "" {
		c.Tools.ZAP = "ghcr.io/zaproxy/zaproxy:stable"
	}
	if c.Tools.TempDir == "" {
		c.Tools.TempDir = os.TempDir()
	}

	if c.Dynamic.Network == "" {
		c.Dynamic.Network = "codeprobe-scan"
	}
	if len(c.Dynamic.Ports) == 0 {
		c.Dynamic.Ports = []int{80, 8080, 8000, 3000, 5000}
	}
	if c.Dynamic.ProbeAttempts == 0 {
		c.Dynamic.ProbeAttempts = 15
	}
	setDuration(&c.Dynamic.ProbeDelay, 2*time.Second)
	if c.Dynamic.Concurrency == 0 {
		c.Dynamic.Concurrency = 4
	}

	setDuration(&c.Retention.TTL, 24*time.Hour)
	setDuration(&c.Retention.Interval, 10*time.Minute)

	if c.RateLimit.PerMinute == 0 {
		c.RateLimit.PerMinute = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 5
	}

	if c.Database.Driver != "" && c.Database.Port == 0 {
		switch c.Database.Driver {
		case "mysql":
			c.Database.Port = 3306
		case "postgres":
			c.Database.Port = 5432
		}
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.AI.Model == "" {
		c.AI.Model = "gpt-4o-mini"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "", "mysql", "postgres":
	default:
		return fmt.Errorf("database.driver must be mysql or postgres, got %q", c.Database.Driver)
	}
	for _, p := range c.Dynamic.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("dynamic.ports: invalid port %d", p)
		}
	}
	if c.Dynamic.ProbeAttempts < 0 {
		return fmt.Errorf("dynamic.probeAttempts must not be negative")
	}
	return nil
}

// DatabaseEnabled reports whether step errors should be persisted.
func (c *Config) DatabaseEnabled() bool { return c.Database.Driver != "" }

// MinioEnabled reports whether report artifacts should be uploaded.
func (c *Config) MinioEnabled() bool { return c.Minio.Endpoint != "" }

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// Helper untuk build DSN Postgres (lib/pq URL form)
func (c *Config) PostgresDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Database.User, c.Database.Password),
		Host:     fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:     "/" + c.Database.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.Database.SSLMode),
	}
	return u.String()
}

// DSN picks the driver-specific form.
func (c *Config) DSN() string {
	if c.Database.Driver == "postgres" {
		return c.PostgresDSN()
	}
	return c.MySQLDSN()
}
