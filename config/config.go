// Package config holds the thresholds and knobs for ranking, probing and
// publishing. A Config is built once, validated and then passed by value
// to the components that need it; nothing reads it from global state.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Ranking Ranking `yaml:"ranking"`
	Probe   Probe   `yaml:"probe"`
	Batch   Batch   `yaml:"batch"`
	Source  Source  `yaml:"source"`
	Ledger  Ledger  `yaml:"ledger"`
	Publish Publish `yaml:"publish"`
}

// Ranking holds the elimination, candidacy and revival thresholds.
type Ranking struct {
	MaxConsecutiveFails int     `yaml:"max_consecutive_fails"`
	MinSuccessRate      float64 `yaml:"min_success_rate"`
	MinTestsForRate     int     `yaml:"min_tests_for_rate"`
	KingMaxDays         int     `yaml:"king_max_days"`
	InactiveDays        int     `yaml:"inactive_days"`

	ScoreThreshold     float64 `yaml:"score_threshold"`
	KingMinTests       int     `yaml:"king_min_tests"`
	KingMinSuccessRate float64 `yaml:"king_min_success_rate"`

	HistoryKingEnabled   bool          `yaml:"history_king_enabled"`
	HistoryKingMinScore  float64       `yaml:"history_king_min_score"`
	MaxKingInactiveDays  int           `yaml:"max_king_inactive_days"`
	HistoryLatencyFactor float64       `yaml:"history_latency_factor"`
	RevivalEnabled       bool          `yaml:"revival_enabled"`
	RevivalBoost         float64       `yaml:"revival_boost"`
	MaxTestLatency       time.Duration `yaml:"max_test_latency"`
}

// HistoryLatencyLimit is the highest average latency, in milliseconds, a
// past king may have and still be revived.
func (r Ranking) HistoryLatencyLimit() float64 {
	return r.HistoryLatencyFactor * float64(r.MaxTestLatency.Milliseconds())
}

type Probe struct {
	Concurrency int           `yaml:"concurrency"`
	TimeoutMin  time.Duration `yaml:"timeout_min"`
	TimeoutMax  time.Duration `yaml:"timeout_max"`
}

type Batch struct {
	MaxPoolSize           int     `yaml:"max_pool_size"`
	DailyCheckProbability float64 `yaml:"daily_check_probability"`
}

type Retry struct {
	MaxTries        uint          `yaml:"max_tries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type Source struct {
	RootURL     string        `yaml:"root_url"`
	URLs        []string      `yaml:"urls"`
	Keywords    []string      `yaml:"keywords"`
	DateLayouts []string      `yaml:"date_layouts"`
	Excludes    []string      `yaml:"excludes"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	Retry       Retry         `yaml:"retry"`
	MaxNodes    int           `yaml:"max_nodes"`
}

const (
	DriverFile  = "file"
	DriverMySQL = "mysql"
)

type Ledger struct {
	Driver        string        `yaml:"driver"`
	Path          string        `yaml:"path"`
	DSN           string        `yaml:"dsn"`
	Name          string        `yaml:"name"`
	DeadRetention time.Duration `yaml:"dead_retention"`
}

type MQTT struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Publish struct {
	NodesPath string `yaml:"nodes_path"`
	KingPath  string `yaml:"king_path"`
	MQTT      MQTT   `yaml:"mqtt"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Ranking: Ranking{
			MaxConsecutiveFails: 3,
			MinSuccessRate:      0.7,
			MinTestsForRate:     10,
			KingMaxDays:         7,
			InactiveDays:        3,

			ScoreThreshold:     60,
			KingMinTests:       5,
			KingMinSuccessRate: 0.8,

			HistoryKingEnabled:   true,
			HistoryKingMinScore:  70,
			MaxKingInactiveDays:  14,
			HistoryLatencyFactor: 0.7,
			RevivalEnabled:       true,
			RevivalBoost:         1.2,
			MaxTestLatency:       2000 * time.Millisecond,
		},
		Probe: Probe{
			Concurrency: 20,
			TimeoutMin:  1000 * time.Millisecond,
			TimeoutMax:  2500 * time.Millisecond,
		},
		Batch: Batch{
			MaxPoolSize:           250,
			DailyCheckProbability: 0.3,
		},
		Source: Source{
			Keywords:    []string{"节点", "免费", "free", "node", "v2ray", "clash"},
			DateLayouts: []string{"2006-01-02", "2006/01/02", "20060102", "2006-1-2", "1月2日", "01-02"},
			Excludes:    []string{"index", "about", "contact", "tag", "category", "page"},
			HTTPTimeout: 15 * time.Second,
			Retry: Retry{
				MaxTries:        3,
				InitialInterval: time.Second,
				MaxInterval:     8 * time.Second,
			},
			MaxNodes: 250,
		},
		Ledger: Ledger{
			Driver:        DriverFile,
			Path:          "ledger.json",
			Name:          "default",
			DeadRetention: 30 * 24 * time.Hour,
		},
		Publish: Publish{
			NodesPath: "nodes.txt",
			KingPath:  "king.txt",
			MQTT: MQTT{
				Topic:    "nodeking/result",
				ClientID: "nodeking",
			},
		},
	}
}

// Override adjusts a loaded configuration before it is validated, for
// settings that also come from flags or the environment.
type Override func(*Config)

// Load reads a YAML file on top of the defaults and applies the
// overrides. An empty path starts from the defaults alone.
func Load(path string, overrides ...Override) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		if path == "" {
			return Config{}, err
		}
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate returns all problems found, joined.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	r := c.Ranking
	check(r.MaxConsecutiveFails > 0, "ranking.max_consecutive_fails must be positive")
	check(r.MinSuccessRate >= 0 && r.MinSuccessRate <= 1, "ranking.min_success_rate must be within [0,1]")
	check(r.KingMinSuccessRate >= 0 && r.KingMinSuccessRate <= 1, "ranking.king_min_success_rate must be within [0,1]")
	check(r.KingMaxDays > 0, "ranking.king_max_days must be positive")
	check(r.InactiveDays > 0, "ranking.inactive_days must be positive")
	check(r.ScoreThreshold >= 0 && r.ScoreThreshold <= 100, "ranking.score_threshold must be within [0,100]")
	check(r.RevivalBoost > 0, "ranking.revival_boost must be positive")
	check(r.MaxTestLatency > 0, "ranking.max_test_latency must be positive")

	p := c.Probe
	check(p.Concurrency > 0, "probe.concurrency must be positive")
	check(p.TimeoutMin > 0, "probe.timeout_min must be positive")
	check(p.TimeoutMax >= p.TimeoutMin, "probe.timeout_max (%s) is below timeout_min (%s)", p.TimeoutMax, p.TimeoutMin)

	check(c.Batch.MaxPoolSize > 0, "batch.max_pool_size must be positive")
	check(c.Batch.DailyCheckProbability >= 0 && c.Batch.DailyCheckProbability <= 1,
		"batch.daily_check_probability must be within [0,1]")

	switch c.Ledger.Driver {
	case DriverFile:
		check(c.Ledger.Path != "", "ledger.path is required for the file driver")
	case DriverMySQL:
		check(c.Ledger.DSN != "", "ledger.dsn is required for the mysql driver")
	default:
		errs = append(errs, fmt.Errorf("ledger.driver %q is not supported", c.Ledger.Driver))
	}
	check(c.Ledger.DeadRetention > 0, "ledger.dead_retention must be positive")

	if c.Publish.MQTT.Broker != "" {
		check(c.Publish.MQTT.Topic != "", "publish.mqtt.topic is required when a broker is set")
	}

	return errors.Join(errs...)
}
