package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting required to boot the immune engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Store      StoreConfig      `yaml:"store"`
	Cache      CacheConfig      `yaml:"cache"`
	NATS       NATSConfig       `yaml:"nats"`
	Weaviate   WeaviateConfig   `yaml:"weaviate"`
	Detection  DetectionConfig  `yaml:"detection"`
	Swarm      SwarmConfig      `yaml:"swarm"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	Selection  SelectionConfig  `yaml:"selection"`
	Collector  CollectorConfig  `yaml:"collector"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StoreConfig points at the bbolt memory file. An empty path keeps memory
// in-process only.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls the Valkey connection used for quarantine leases and
// similarity caching.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	MaxRetries    int           `yaml:"maxRetries"`
	TLS           bool          `yaml:"tls"`
	KeyPrefix     string        `yaml:"keyPrefix"`
	SimilarityTTL time.Duration `yaml:"similarityTTL"`
	LeaseTTL      time.Duration `yaml:"leaseTTL"`
}

// NATSConfig controls action publishing.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// WeaviateConfig configures the remote threat vector index.
type WeaviateConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Class    string        `yaml:"class"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DetectionConfig tunes anomaly detection.
type DetectionConfig struct {
	Threshold        float64 `yaml:"threshold"`
	InitialDetectors int     `yaml:"initialDetectors"`
}

// SwarmConfig controls the stigmergic environment.
type SwarmConfig struct {
	RulesPath      string        `yaml:"rulesPath"`
	WatchRules     bool          `yaml:"watchRules"`
	DecayInterval  time.Duration `yaml:"decayInterval"`
	EvaluationMode string        `yaml:"evaluationMode"`
	Agent          string        `yaml:"agent"`
}

// QuarantineConfig controls isolation periods and the auto-release sweep.
type QuarantineConfig struct {
	VerificationPeriod time.Duration `yaml:"verificationPeriod"`
	SweepInterval      time.Duration `yaml:"sweepInterval"`
}

// SelectionConfig controls the clonal selection cadence.
type SelectionConfig struct {
	Interval time.Duration `yaml:"interval"`
	Seed     int64         `yaml:"seed"`
}

// CollectorConfig controls host metric sampling.
type CollectorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Service  string        `yaml:"service"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_IMMUNE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Store:   StoreConfig{Path: "data/immune.db"},
		Cache: CacheConfig{
			Enabled:       false,
			DialTimeout:   2 * time.Second,
			ReadTimeout:   500 * time.Millisecond,
			WriteTimeout:  500 * time.Millisecond,
			MaxRetries:    2,
			KeyPrefix:     "mirador-immune:",
			SimilarityTTL: 2 * time.Minute,
			LeaseTTL:      30 * time.Second,
		},
		NATS:      NATSConfig{SubjectPrefix: "immune.actions"},
		Weaviate:  WeaviateConfig{Class: "ThreatSignature", Timeout: 5 * time.Second},
		Detection: DetectionConfig{Threshold: 2.0, InitialDetectors: 50},
		Swarm: SwarmConfig{
			RulesPath:      "configs/rules/swarm.yaml",
			WatchRules:     true,
			DecayInterval:  time.Minute,
			EvaluationMode: "first_match",
			Agent:          "BrainHub",
		},
		Quarantine: QuarantineConfig{
			VerificationPeriod: 15 * time.Minute,
			SweepInterval:      time.Minute,
		},
		Selection: SelectionConfig{Interval: 10 * time.Minute},
		Collector: CollectorConfig{Enabled: false, Interval: 15 * time.Second, Service: "host"},
	}
}

func envBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_IMMUNE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_IMMUNE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_IMMUNE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_IMMUNE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v, ok := os.LookupEnv("MIRADOR_IMMUNE_STORE_PATH"); ok {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MIRADOR_IMMUNE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = envBool(v)
	}
	if v := os.Getenv("MIRADOR_IMMUNE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_IMMUNE_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_IMMUNE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_IMMUNE_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_IMMUNE_CACHE_TLS"); envBool(v) {
		cfg.Cache.TLS = true
	}
	envDuration("MIRADOR_IMMUNE_CACHE_SIMILARITY_TTL", &cfg.Cache.SimilarityTTL)
	envDuration("MIRADOR_IMMUNE_CACHE_LEASE_TTL", &cfg.Cache.LeaseTTL)
	if v := os.Getenv("MIRADOR_IMMUNE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("MIRADOR_IMMUNE_NATS_SUBJECT_PREFIX"); v != "" {
		cfg.NATS.SubjectPrefix = v
	}
	if v := os.Getenv("MIRADOR_IMMUNE_WEAVIATE_URL"); v != "" {
		cfg.Weaviate.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_IMMUNE_WEAVIATE_API_KEY"); v != "" {
		cfg.Weaviate.APIKey = v
	}
	if v := os.Getenv("MIRADOR_IMMUNE_DETECTION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Detection.Threshold = f
		}
	}
	if v := os.Getenv("MIRADOR_IMMUNE_RULES_PATH"); v != "" {
		cfg.Swarm.RulesPath = v
	}
	if v := os.Getenv("MIRADOR_IMMUNE_RULES_WATCH"); v != "" {
		cfg.Swarm.WatchRules = envBool(v)
	}
	if v := os.Getenv("MIRADOR_IMMUNE_RULES_MODE"); v != "" {
		cfg.Swarm.EvaluationMode = v
	}
	envDuration("MIRADOR_IMMUNE_DECAY_INTERVAL", &cfg.Swarm.DecayInterval)
	envDuration("MIRADOR_IMMUNE_QUARANTINE_PERIOD", &cfg.Quarantine.VerificationPeriod)
	envDuration("MIRADOR_IMMUNE_QUARANTINE_SWEEP", &cfg.Quarantine.SweepInterval)
	envDuration("MIRADOR_IMMUNE_SELECTION_INTERVAL", &cfg.Selection.Interval)
	if v := os.Getenv("MIRADOR_IMMUNE_COLLECTOR_ENABLED"); v != "" {
		cfg.Collector.Enabled = envBool(v)
	}
	envDuration("MIRADOR_IMMUNE_COLLECTOR_INTERVAL", &cfg.Collector.Interval)
}
