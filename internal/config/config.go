package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Worker launch modes.
const (
	ModeLocal  = "local"
	ModeDocker = "docker"
)

// History drivers.
const (
	DriverNone     = ""
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

type Config struct {
	Server struct {
		Port              int           `yaml:"port"`
		ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
		ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Worker struct {
		Executable      string        `yaml:"executable"`
		Dir             string        `yaml:"dir"`
		Mode            string        `yaml:"mode"`
		Image           string        `yaml:"image"`
		DockerBinary    string        `yaml:"dockerBinary"`
		Network         string        `yaml:"network"`
		MountSocket     bool          `yaml:"mountDockerSocket"`
		TerminateGrace  time.Duration `yaml:"terminateGrace"`
		LineBuffer      int           `yaml:"lineBuffer"`
		TranscriptLimit int           `yaml:"transcriptLimit"`
	} `yaml:"worker"`

	Stream struct {
		SubscriberBuffer int           `yaml:"subscriberBuffer"`
		KeepAlive        time.Duration `yaml:"keepAlive"`
	} `yaml:"stream"`

	LLM struct {
		Preflight bool          `yaml:"preflight"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"llm"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowedOrigins"`
	} `yaml:"cors"`

	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rateLimit"`

	History struct {
		Driver   string `yaml:"driver"`
		Database struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
			Name     string `yaml:"name"`
			SSLMode  string `yaml:"sslMode"`
		} `yaml:"database"`
	} `yaml:"history"`

	Archive struct {
		Enabled    bool   `yaml:"enabled"`
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"archive"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var c Config
	c.Server.Port = 8080
	c.Server.ReadHeaderTimeout = 10 * time.Second
	c.Server.ShutdownTimeout = 30 * time.Second
	c.Log.Level = "info"
	c.Log.Format = "json"
	c.Worker.Executable = "tygr"
	c.Worker.Mode = ModeLocal
	c.Worker.DockerBinary = "docker"
	c.Worker.TerminateGrace = 10 * time.Second
	c.Worker.LineBuffer = 256
	c.Worker.TranscriptLimit = 8 << 20
	c.Stream.SubscriberBuffer = 1024
	c.Stream.KeepAlive = 15 * time.Second
	c.LLM.Timeout = 10 * time.Second
	c.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	c.RateLimit.RPS = 10
	c.RateLimit.Burst = 20
	c.History.Database.SSLMode = "disable"
	c.Archive.BucketName = "scan-transcripts"
	return &c
}

// Load baca file config.yaml. Values missing from the file keep their
// defaults; a missing file yields Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Worker.Executable == "" {
		errs = append(errs, errors.New("worker.executable is required"))
	}
	switch c.Worker.Mode {
	case ModeLocal:
	case ModeDocker:
		if c.Worker.Image == "" {
			errs = append(errs, errors.New("worker.image is required in docker mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("worker.mode %q must be %q or %q", c.Worker.Mode, ModeLocal, ModeDocker))
	}
	if c.Worker.LineBuffer <= 0 {
		errs = append(errs, errors.New("worker.lineBuffer must be positive"))
	}
	if c.Stream.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("stream.subscriberBuffer must be positive"))
	}
	if c.Stream.KeepAlive <= 0 {
		errs = append(errs, errors.New("stream.keepAlive must be positive"))
	}
	switch c.History.Driver {
	case DriverNone, DriverMySQL, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("history.driver %q unsupported", c.History.Driver))
	}
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.BucketName == "") {
		errs = append(errs, errors.New("archive.endpoint and archive.bucketName are required when archive is enabled"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rateLimit values must not be negative"))
	}
	return errors.Join(errs...)
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	db := c.History.Database
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		db.User,
		db.Password,
		db.Host,
		db.Port,
		db.Name,
	)
}

// Helper untuk build DSN Postgres
func (c *Config) PostgresDSN() string {
	db := c.History.Database
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(db.User, db.Password),
		Host:     fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:     "/" + db.Name,
		RawQuery: url.Values{"sslmode": {db.SSLMode}}.Encode(),
	}
	return u.String()
}
