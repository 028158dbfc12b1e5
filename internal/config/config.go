package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Logging    LoggingConfig    `json:"logging"`
	Redis      RedisConfig      `json:"redis"`
	Evaluation EvaluationConfig `json:"evaluation"`
	Playbooks  PlaybooksConfig  `json:"playbooks"`
}

type ServerConfig struct {
	BindAddr  string `json:"bindAddr"`
	AuthToken string `json:"authToken"` // empty disables auth on mutating routes
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level string `json:"level"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// EvaluationConfig drives the cycle scheduler and the three evaluators.
// Durations are strings ("30s", "5m") parsed at wiring time.
type EvaluationConfig struct {
	Interval     string `json:"interval"`     // cycle tick, e.g. "5m"
	WindowRange  string `json:"windowRange"`  // current window span
	BaselineDays int    `json:"baselineDays"` // reference window lookback
	StoreTimeout string `json:"storeTimeout"` // per store call
	MaxRetries   int    `json:"maxRetries"`   // per store call
	RetryBackoff string `json:"retryBackoff"`

	ModelName  string   `json:"modelName"`
	Features   []string `json:"features"`   // covariate drift operands
	Metrics    []string `json:"metrics"`    // data drift / score metrics
	Categories []string `json:"categories"` // risk categories for coverage

	Drift      DriftConfig    `json:"drift"`
	Coverage   CoverageConfig `json:"coverage"`
	AlertFloor string         `json:"alertFloor"` // minimum drift severity that alerts
	// Coverage gap width at which a gap alert escalates to high severity.
	DeepGapSize float64 `json:"deepGapSize"`

	// Consecutive store failure streak that escalates to a systemic alert.
	StoreFailureEscalation int `json:"storeFailureEscalation"`
}

type DriftConfig struct {
	Significance float64 `json:"significance"` // p-value flag level
	MinSamples   int     `json:"minSamples"`
	// Statistic magnitude tiers for severity classification.
	MediumStat float64 `json:"mediumStat"`
	HighStat   float64 `json:"highStat"`
	// Concept drift: accuracy drop delta and required consecutive cycles.
	AccuracyDelta     float64 `json:"accuracyDelta"`
	SustainedCycles   int     `json:"sustainedCycles"`
	MinLabeledSamples int     `json:"minLabeledSamples"`
}

type CoverageConfig struct {
	DefaultMinimum float64            `json:"defaultMinimum"`
	Minimums       map[string]float64 `json:"minimums"` // per-category overrides
	Hysteresis     float64            `json:"hysteresis"`
}

type PlaybooksConfig struct {
	RegistryFile  string `json:"registryFile"`
	LeaseTTL      string `json:"leaseTTL"`
	ActionTimeout string `json:"actionTimeout"`
	NotifyURL     string `json:"notifyUrl"`
	RetrainQueue  string `json:"retrainQueue"`
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg := &Config{
		Server: ServerConfig{
			BindAddr:  getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			AuthToken: getEnv("SERVER_AUTH_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "watchtower"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Evaluation: EvaluationConfig{
			Interval:     getEnv("EVAL_INTERVAL", "5m"),
			WindowRange:  getEnv("EVAL_WINDOW_RANGE", "24h"),
			BaselineDays: getEnvInt("EVAL_BASELINE_DAYS", 30),
			StoreTimeout: getEnv("EVAL_STORE_TIMEOUT", "10s"),
			MaxRetries:   getEnvInt("EVAL_STORE_RETRIES", 3),
			RetryBackoff: getEnv("EVAL_STORE_BACKOFF", "500ms"),
			ModelName:    getEnv("EVAL_MODEL_NAME", "fraud-detector"),
			Features:     getEnvList("EVAL_FEATURES", []string{"transaction_amount", "transaction_frequency", "user_behavior_score"}),
			Metrics:      getEnvList("EVAL_METRICS", []string{"fraud_probability"}),
			Categories:   getEnvList("EVAL_CATEGORIES", []string{"money_laundering", "terrorist_financing", "sanctions_evasion", "fraud"}),
			Drift: DriftConfig{
				Significance:      getEnvFloat("DRIFT_SIGNIFICANCE", 0.05),
				MinSamples:        getEnvInt("DRIFT_MIN_SAMPLES", 30),
				MediumStat:        getEnvFloat("DRIFT_MEDIUM_STAT", 0.15),
				HighStat:          getEnvFloat("DRIFT_HIGH_STAT", 0.3),
				AccuracyDelta:     getEnvFloat("DRIFT_ACCURACY_DELTA", 0.05),
				SustainedCycles:   getEnvInt("DRIFT_SUSTAINED_CYCLES", 3),
				MinLabeledSamples: getEnvInt("DRIFT_MIN_LABELED", 30),
			},
			Coverage: CoverageConfig{
				DefaultMinimum: getEnvFloat("COVERAGE_MINIMUM", 0.95),
				Minimums:       map[string]float64{},
				Hysteresis:     getEnvFloat("COVERAGE_HYSTERESIS", 0.02),
			},
			AlertFloor:             getEnv("ALERT_FLOOR", "medium"),
			DeepGapSize:            getEnvFloat("ALERT_DEEP_GAP_SIZE", 0.1),
			StoreFailureEscalation: getEnvInt("STORE_FAILURE_ESCALATION", 3),
		},
		Playbooks: PlaybooksConfig{
			RegistryFile:  getEnv("PLAYBOOK_REGISTRY_FILE", "configs/registry.yaml"),
			LeaseTTL:      getEnv("PLAYBOOK_LEASE_TTL", "2m"),
			ActionTimeout: getEnv("PLAYBOOK_ACTION_TIMEOUT", "30s"),
			NotifyURL:     getEnv("PLAYBOOK_NOTIFY_URL", ""),
			RetrainQueue:  getEnv("PLAYBOOK_RETRAIN_QUEUE", "retrain:queue"),
		},
	}

	if *configFile != "" {
		if err := loadFromFile(cfg, *configFile); err != nil {
			log.Err(err)
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Evaluation.Interval == "" {
		cfg.Evaluation.Interval = "5m"
	}
	if cfg.Evaluation.WindowRange == "" {
		cfg.Evaluation.WindowRange = "24h"
	}
	if cfg.Evaluation.BaselineDays == 0 {
		cfg.Evaluation.BaselineDays = 30
	}
	if cfg.Evaluation.StoreTimeout == "" {
		cfg.Evaluation.StoreTimeout = "10s"
	}
	if cfg.Evaluation.MaxRetries == 0 {
		cfg.Evaluation.MaxRetries = 3
	}
	if cfg.Evaluation.Drift.Significance == 0 {
		cfg.Evaluation.Drift.Significance = 0.05
	}
	if cfg.Evaluation.Drift.MinSamples == 0 {
		cfg.Evaluation.Drift.MinSamples = 30
	}
	if cfg.Evaluation.Drift.SustainedCycles == 0 {
		cfg.Evaluation.Drift.SustainedCycles = 3
	}
	if cfg.Evaluation.Coverage.DefaultMinimum == 0 {
		cfg.Evaluation.Coverage.DefaultMinimum = 0.95
	}
	if cfg.Evaluation.AlertFloor == "" {
		cfg.Evaluation.AlertFloor = "medium"
	}
	if cfg.Evaluation.DeepGapSize == 0 {
		cfg.Evaluation.DeepGapSize = 0.1
	}
	if cfg.Evaluation.StoreFailureEscalation == 0 {
		cfg.Evaluation.StoreFailureEscalation = 3
	}
	if cfg.Playbooks.LeaseTTL == "" {
		cfg.Playbooks.LeaseTTL = "2m"
	}
	if cfg.Playbooks.ActionTimeout == "" {
		cfg.Playbooks.ActionTimeout = "30s"
	}
	if cfg.Playbooks.RetrainQueue == "" {
		cfg.Playbooks.RetrainQueue = "retrain:queue"
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
