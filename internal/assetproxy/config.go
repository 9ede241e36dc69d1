package assetproxy

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Resolve ResolveConfig `yaml:"resolve"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Port              int    `yaml:"port" env:"ASSETPROXY_PORT"`
	PublicBaseURL     string `yaml:"publicBaseURL" env:"ASSETPROXY_PUBLIC_BASE_URL"`
	ReadHeaderTimeout string `yaml:"readHeaderTimeout"`

	readHeaderDur time.Duration
}

func (c ServerConfig) ReadHeaderTimeoutDuration() time.Duration { return c.readHeaderDur }

type ResolveConfig struct {
	MaxDepth    int      `yaml:"maxDepth" env:"ASSETPROXY_MAX_DEPTH"`
	IgnoreHosts []string `yaml:"ignoreHosts"`
}

type FetchConfig struct {
	MaxBodySize string         `yaml:"maxBodySize" env:"ASSETPROXY_MAX_BODY_SIZE"`
	Clients     []ClientConfig `yaml:"clients"`

	maxBodyBytes int64
}

// ClientConfig describes one link of the fetch chain.
type ClientConfig struct {
	Name               string `yaml:"name"`
	Timeout            string `yaml:"timeout"`
	CAFile             string `yaml:"caFile"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`

	timeoutDur time.Duration
}

type StorageConfig struct {
	Records RecordsConfig `yaml:"records"`
	Blobs   BlobsConfig   `yaml:"blobs"`
	Lock    LockConfig    `yaml:"lock"`
}

type RecordsConfig struct {
	Driver string `yaml:"driver" env:"ASSETPROXY_RECORDS_DRIVER"`
	Path   string `yaml:"path" env:"ASSETPROXY_RECORDS_PATH"`
}

type BlobsConfig struct {
	Driver      string   `yaml:"driver" env:"ASSETPROXY_BLOBS_DRIVER"`
	Dir         string   `yaml:"dir" env:"ASSETPROXY_BLOBS_DIR"`
	PathPrefix  string   `yaml:"pathPrefix"`
	Compression string   `yaml:"compression"`
	RAMCache    string   `yaml:"ramCache" env:"ASSETPROXY_BLOBS_RAM_CACHE"`
	S3          S3Config `yaml:"s3"`

	compression   CompressionMode
	ramCacheBytes int64
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint" env:"ASSETPROXY_S3_ENDPOINT"`
	Region          string `yaml:"region" env:"ASSETPROXY_S3_REGION"`
	Bucket          string `yaml:"bucket" env:"ASSETPROXY_S3_BUCKET"`
	AccessKeyID     string `yaml:"accessKeyID" env:"ASSETPROXY_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secretAccessKey" env:"ASSETPROXY_S3_SECRET_ACCESS_KEY"`
	UseSSL          bool   `yaml:"useSSL"`
	ForcePathStyle  bool   `yaml:"forcePathStyle"`
}

type LockConfig struct {
	Driver string      `yaml:"driver" env:"ASSETPROXY_LOCK_DRIVER"`
	TTL    string      `yaml:"ttl"`
	Wait   string      `yaml:"wait"`
	Redis  RedisConfig `yaml:"redis"`

	ttlDur  time.Duration
	waitDur time.Duration
}

type RedisConfig struct {
	Address  string `yaml:"address" env:"ASSETPROXY_REDIS_ADDRESS"`
	Password string `yaml:"password" env:"ASSETPROXY_REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
}

type LoggingConfig struct {
	Level         string `yaml:"level" env:"ASSETPROXY_LOG_LEVEL"`
	Format        string `yaml:"format" env:"ASSETPROXY_LOG_FORMAT"`
	LogStatsEvery string `yaml:"logStatsEvery"`

	statsEvery time.Duration
}

// DefaultIgnoreHosts are font CDNs whose stylesheets vary by user agent and
// must be loaded from the CDN itself.
var DefaultIgnoreHosts = []string{
	"fonts.googleapis.com",
	"fonts.gstatic.com",
	"use.typekit.net",
	"p.typekit.net",
}

func defaultClients() []ClientConfig {
	return []ClientConfig{
		{Name: "extended-trust", Timeout: "30s"},
		{Name: "strict", Timeout: "30s"},
	}
}

// LoadConfig reads the YAML file at path, applies ASSETPROXY_* environment
// overrides and fills in defaults.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.Server.PublicBaseURL), "/")
	if cfg.Server.PublicBaseURL == "" {
		return fmt.Errorf("server.publicBaseURL is required")
	}
	if u, err := url.Parse(cfg.Server.PublicBaseURL); err != nil || u.Host == "" {
		return fmt.Errorf("server.publicBaseURL: not an absolute URL: %q", cfg.Server.PublicBaseURL)
	}
	d, err := parseDurationDefault(cfg.Server.ReadHeaderTimeout, 10*time.Second)
	if err != nil {
		return fmt.Errorf("server.readHeaderTimeout: %w", err)
	}
	cfg.Server.readHeaderDur = d

	if cfg.Resolve.MaxDepth == 0 {
		cfg.Resolve.MaxDepth = DefaultMaxDepth
	}
	if cfg.Resolve.MaxDepth < 0 {
		return fmt.Errorf("resolve.maxDepth: must be positive")
	}
	if cfg.Resolve.IgnoreHosts == nil {
		cfg.Resolve.IgnoreHosts = append([]string(nil), DefaultIgnoreHosts...)
	}

	if cfg.Fetch.MaxBodySize == "" {
		cfg.Fetch.MaxBodySize = "32mb"
	}
	n, err := parseBytes(cfg.Fetch.MaxBodySize)
	if err != nil {
		return fmt.Errorf("fetch.maxBodySize: %w", err)
	}
	cfg.Fetch.maxBodyBytes = n
	if len(cfg.Fetch.Clients) == 0 {
		cfg.Fetch.Clients = defaultClients()
	}
	for i := range cfg.Fetch.Clients {
		c := &cfg.Fetch.Clients[i]
		if c.Name == "" {
			c.Name = fmt.Sprintf("client-%d", i)
		}
		d, err := parseDurationDefault(c.Timeout, 30*time.Second)
		if err != nil {
			return fmt.Errorf("fetch.clients[%d].timeout: %w", i, err)
		}
		c.timeoutDur = d
	}

	recs := &cfg.Storage.Records
	if recs.Driver == "" {
		recs.Driver = "leveldb"
	}
	switch recs.Driver {
	case "leveldb", "sqlite":
	default:
		return fmt.Errorf("storage.records.driver: unknown driver %q", recs.Driver)
	}
	if recs.Path == "" {
		recs.Path = "./data/records"
		if recs.Driver == "sqlite" {
			recs.Path = "./data/records.db"
		}
	}

	blobs := &cfg.Storage.Blobs
	if blobs.Driver == "" {
		blobs.Driver = "fs"
	}
	switch blobs.Driver {
	case "fs":
		if blobs.Dir == "" {
			blobs.Dir = "./data/blobs"
		}
	case "s3":
		if blobs.S3.Bucket == "" {
			return fmt.Errorf("storage.blobs.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("storage.blobs.driver: unknown driver %q", blobs.Driver)
	}
	blobs.PathPrefix = strings.Trim(blobs.PathPrefix, "/")
	if blobs.PathPrefix == "" {
		blobs.PathPrefix = "proxied"
	}
	mode, err := parseCompressionMode(blobs.Compression)
	if err != nil {
		return fmt.Errorf("storage.blobs.compression: %w", err)
	}
	blobs.compression = mode
	if blobs.RAMCache == "" {
		blobs.RAMCache = "64mb"
	}
	if blobs.ramCacheBytes, err = parseBytes(blobs.RAMCache); err != nil {
		return fmt.Errorf("storage.blobs.ramCache: %w", err)
	}

	lock := &cfg.Storage.Lock
	if lock.Driver == "" {
		lock.Driver = "local"
	}
	switch lock.Driver {
	case "local", "redis":
	default:
		return fmt.Errorf("storage.lock.driver: unknown driver %q", lock.Driver)
	}
	if lock.ttlDur, err = parseDurationDefault(lock.TTL, 30*time.Second); err != nil {
		return fmt.Errorf("storage.lock.ttl: %w", err)
	}
	if lock.waitDur, err = parseDurationDefault(lock.Wait, 10*time.Second); err != nil {
		return fmt.Errorf("storage.lock.wait: %w", err)
	}

	if cfg.Logging.statsEvery, err = parseDurationDefault(cfg.Logging.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	return nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
