package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// Config holds all application configuration. Durations are plain
// seconds so the YAML file, environment and flags agree on units.
type Config struct {
	ListenAddr  string `yaml:"listen_addr" split_words:"true"`
	DBPath      string `yaml:"db_path" split_words:"true"`
	AuditDBPath string `yaml:"audit_db_path" split_words:"true"`
	CADir       string `yaml:"ca_dir" split_words:"true"`

	InitialTrustScore int   `yaml:"initial_trust_score" split_words:"true"`
	TrustThresholds   []int `yaml:"trust_thresholds" split_words:"true"`
	TrustHysteresis   int   `yaml:"trust_hysteresis" split_words:"true"`

	AttestationIntervalS int     `yaml:"attestation_interval_s" split_words:"true"`
	FlowPollIntervalS    int     `yaml:"flow_poll_interval_s" split_words:"true"`
	AnomalyWindowS       int     `yaml:"anomaly_window_s" split_words:"true"`
	ProfilingDurationS   int     `yaml:"profiling_duration_s" split_words:"true"`
	ProfilingMinPackets  int     `yaml:"profiling_min_packets" split_words:"true"`
	BaselineEMAAlpha     float64 `yaml:"baseline_ema_alpha" split_words:"true"`

	HoneypotPort    int    `yaml:"honeypot_port" split_words:"true"`
	HoneypotLogPath string `yaml:"honeypot_log_path" split_words:"true"`
	ThreatTTLS      int    `yaml:"threat_ttl_s" envconfig:"THREAT_TTL_S"`

	AlertWindowS       int `yaml:"alert_window_s" split_words:"true"`
	RecoveryWindowS    int `yaml:"recovery_window_s" split_words:"true"`
	EventQueueSize     int `yaml:"event_queue_size" split_words:"true"`
	RuleInstallRetries int `yaml:"rule_install_retries" split_words:"true"`

	SwitchAPIURL         string  `yaml:"switch_api_url" envconfig:"SWITCH_API_URL"`
	SwitchDPIDs          []int64 `yaml:"switch_dpids" envconfig:"SWITCH_DPIDS"`
	SwitchMaxQueue       int     `yaml:"switch_max_queue" split_words:"true"`
	SwitchMaxDisconnectS int     `yaml:"switch_max_disconnect_s" split_words:"true"`

	RequestTimeoutS    int    `yaml:"request_timeout_s" split_words:"true"`
	APIRateLimitPerMin int    `yaml:"api_rate_limit_per_min" split_words:"true"`
	AllowedOrigin      string `yaml:"allowed_origin" split_words:"true"`

	AdminInitialPassword string `yaml:"admin_initial_password" split_words:"true"`

	PositiveTickEnabled  bool     `yaml:"positive_tick_enabled" split_words:"true"`
	HeartbeatDeviceTypes []string `yaml:"heartbeat_device_types" split_words:"true"`

	MockMode bool `yaml:"mock_mode" split_words:"true"`
	Debug    bool `yaml:"debug"`
}

// Default returns the built-in configuration. Path-like keys have no
// default and must come from the file, the environment or flags.
func Default() *Config {
	return &Config{
		ListenAddr:           ":8443",
		InitialTrustScore:    70,
		TrustThresholds:      []int{70, 50, 30},
		TrustHysteresis:      5,
		AttestationIntervalS: 300,
		FlowPollIntervalS:    10,
		AnomalyWindowS:       60,
		ProfilingDurationS:   300,
		ProfilingMinPackets:  5,
		BaselineEMAAlpha:     0.1,
		ThreatTTLS:           86400,
		AlertWindowS:         300,
		RecoveryWindowS:      600,
		EventQueueSize:       1024,
		RuleInstallRetries:   3,
		SwitchMaxQueue:       1000,
		SwitchMaxDisconnectS: 60,
		RequestTimeoutS:      5,
		APIRateLimitPerMin:   60,
		AdminInitialPassword: "changeit",
		HeartbeatDeviceTypes: []string{"sensor", "camera"},
	}
}

// Load resolves configuration from all sources in increasing
// precedence: built-in defaults, then the YAML file, then ZTCORE_*
// environment variables, then command line flags. The result is
// validated before being returned.
func Load() (*Config, error) {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		addr       = flag.String("addr", "", "Management API listen address")
		dbPath     = flag.String("db", "", "Path to the identity SQLite database")
		caDir      = flag.String("ca-dir", "", "Directory holding the device CA material")
		mock       = flag.Bool("mock", false, "Run against the in-memory mock switch")
		debug      = flag.Bool("debug", false, "Enable verbose debug logging")
	)
	flag.Parse()

	cfg, err := LoadFile(*configPath)
	if err != nil {
		return nil, err
	}

	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *caDir != "" {
		cfg.CADir = *caDir
	}
	if *mock {
		cfg.MockMode = true
	}
	if *debug {
		cfg.Debug = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile layers the YAML file at path (if any) and the environment
// over the defaults. It does not validate; Load does.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envconfig.Process("ztcore", cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	return cfg, nil
}

// Validate checks every key and fills the derivable ones. The first
// offending key aborts startup via ConfigError.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return &domain.ConfigError{Key: "db_path", Reason: "required"}
	}
	if c.CADir == "" {
		return &domain.ConfigError{Key: "ca_dir", Reason: "required"}
	}
	if c.HoneypotLogPath == "" {
		return &domain.ConfigError{Key: "honeypot_log_path", Reason: "required"}
	}
	if !c.MockMode {
		if c.SwitchAPIURL == "" {
			return &domain.ConfigError{Key: "switch_api_url", Reason: "required unless mock_mode is set"}
		}
		if c.HoneypotPort < 1 || c.HoneypotPort > 65535 {
			return &domain.ConfigError{Key: "honeypot_port", Reason: "must be a valid switch port"}
		}
	}
	if c.InitialTrustScore < 0 || c.InitialTrustScore > 100 {
		return &domain.ConfigError{Key: "initial_trust_score", Reason: "must be within [0,100]"}
	}
	if len(c.TrustThresholds) != 3 {
		return &domain.ConfigError{Key: "trust_thresholds", Reason: "exactly three values required"}
	}
	for i, v := range c.TrustThresholds {
		if v < 0 || v > 100 {
			return &domain.ConfigError{Key: "trust_thresholds", Reason: "values must be within [0,100]"}
		}
		if i > 0 && v >= c.TrustThresholds[i-1] {
			return &domain.ConfigError{Key: "trust_thresholds", Reason: "values must be strictly descending"}
		}
	}
	if c.TrustHysteresis < 0 {
		return &domain.ConfigError{Key: "trust_hysteresis", Reason: "must not be negative"}
	}
	if c.BaselineEMAAlpha <= 0 || c.BaselineEMAAlpha > 1 {
		return &domain.ConfigError{Key: "baseline_ema_alpha", Reason: "must be within (0,1]"}
	}
	if c.ProfilingMinPackets < 1 {
		return &domain.ConfigError{Key: "profiling_min_packets", Reason: "must be at least 1"}
	}
	if c.AdminInitialPassword == "" {
		return &domain.ConfigError{Key: "admin_initial_password", Reason: "must not be empty"}
	}

	positive := []struct {
		key string
		val int
	}{
		{"attestation_interval_s", c.AttestationIntervalS},
		{"flow_poll_interval_s", c.FlowPollIntervalS},
		{"anomaly_window_s", c.AnomalyWindowS},
		{"profiling_duration_s", c.ProfilingDurationS},
		{"threat_ttl_s", c.ThreatTTLS},
		{"alert_window_s", c.AlertWindowS},
		{"recovery_window_s", c.RecoveryWindowS},
		{"event_queue_size", c.EventQueueSize},
		{"rule_install_retries", c.RuleInstallRetries},
		{"switch_max_queue", c.SwitchMaxQueue},
		{"switch_max_disconnect_s", c.SwitchMaxDisconnectS},
		{"request_timeout_s", c.RequestTimeoutS},
		{"api_rate_limit_per_min", c.APIRateLimitPerMin},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return &domain.ConfigError{Key: p.key, Reason: "must be positive"}
		}
	}

	if c.AuditDBPath == "" {
		c.AuditDBPath = filepath.Join(filepath.Dir(c.DBPath), "decisions.db")
	}
	return nil
}
