package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string          `yaml:"listen_addr"`
	PolicyPath string          `yaml:"policy_path"`
	Log        LogConfig       `yaml:"log"`
	Ticket     TicketConfig    `yaml:"ticket"`
	DB         DBConfig        `yaml:"db"`
	Replay     ReplayConfig    `yaml:"replay"`
	Redis      RedisConfig     `yaml:"redis"`
	Authz      AuthzConfig     `yaml:"authz"`
	Admission  AdmissionConfig `yaml:"admission"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Auth       AuthConfig      `yaml:"auth"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TicketConfig struct {
	Secret            string `yaml:"secret"`
	SecretPath        string `yaml:"secret_path"`
	DefaultTTLSeconds int    `yaml:"default_ttl_seconds"`
	MaxTTLSeconds     int    `yaml:"max_ttl_seconds"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ReplayConfig struct {
	Backend              string `yaml:"backend"`
	Dir                  string `yaml:"dir"`
	TTLMarginSeconds     int    `yaml:"ttl_margin_seconds"`
	PurgeIntervalSeconds int    `yaml:"purge_interval_seconds"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthzConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DefaultEffect string `yaml:"default_effect"`
	Store         string `yaml:"store"`
	Path          string `yaml:"path"`
}

// AdmissionConfig uses pointers where zero is a meaningful setting.
type AdmissionConfig struct {
	KillSwitch       bool     `yaml:"kill_switch"`
	FeedbackAlpha    *float64 `yaml:"feedback_alpha"`
	FeedbackScale    *float64 `yaml:"feedback_scale"`
	LowMark          *float64 `yaml:"low_mark"`
	HighMark         *float64 `yaml:"high_mark"`
	PersonaBiasScale *float64 `yaml:"persona_bias_scale"`
}

type RateLimitConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Backend   string `yaml:"backend"`
	PerMinute int    `yaml:"per_minute"`
}

type AuthConfig struct {
	AdminToken  string `yaml:"admin_token"`
	CallerToken string `yaml:"caller_token"`
}

type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	Sampler      string  `yaml:"sampler"`
	SamplerArg   float64 `yaml:"sampler_arg"`
}

// Replay and storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQL    = "sql"
	BackendRedis  = "redis"
)

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(raw)
}

// Parse expands ${VAR} references, decodes, applies defaults and validates.
func Parse(raw []byte) (Config, error) {
	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// Default returns a configuration that runs entirely in memory. The ticket
// secret is left empty.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.PolicyPath == "" {
		c.PolicyPath = "policies/tollgate.yaml"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Ticket.DefaultTTLSeconds == 0 {
		c.Ticket.DefaultTTLSeconds = 60
	}
	if c.Ticket.MaxTTLSeconds == 0 {
		c.Ticket.MaxTTLSeconds = 600
	}
	if c.Replay.Backend == "" {
		if c.DB.Driver != "" {
			c.Replay.Backend = BackendSQL
		} else {
			c.Replay.Backend = BackendMemory
		}
	}
	if c.Replay.Dir == "" {
		c.Replay.Dir = ".tollgate/replay"
	}
	if c.Replay.TTLMarginSeconds == 0 {
		c.Replay.TTLMarginSeconds = 5
	}
	if c.Replay.PurgeIntervalSeconds == 0 {
		c.Replay.PurgeIntervalSeconds = 60
	}
	if c.Authz.DefaultEffect == "" {
		c.Authz.DefaultEffect = "deny"
	}
	if c.Authz.Store == "" {
		c.Authz.Store = BackendMemory
	}
	if c.Authz.Path == "" {
		c.Authz.Path = ".tollgate/authz.json"
	}
	setDefault(&c.Admission.FeedbackAlpha, 0.1)
	setDefault(&c.Admission.FeedbackScale, 0.3)
	setDefault(&c.Admission.LowMark, 0.5)
	setDefault(&c.Admission.HighMark, 0.8)
	setDefault(&c.Admission.PersonaBiasScale, 0.5)
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = BackendMemory
	}
	if c.RateLimit.PerMinute == 0 {
		c.RateLimit.PerMinute = 120
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tollgate"
	}
	if c.Telemetry.Sampler == "" {
		c.Telemetry.Sampler = "parentbased"
		if c.Telemetry.SamplerArg == 0 {
			c.Telemetry.SamplerArg = 1
		}
	}
}

func setDefault(p **float64, v float64) {
	if *p == nil {
		*p = &v
	}
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.PolicyPath == "" {
		return fmt.Errorf("policy_path is required")
	}
	if c.Ticket.DefaultTTLSeconds < 1 {
		return fmt.Errorf("ticket.default_ttl_seconds must be at least 1")
	}
	if c.Ticket.MaxTTLSeconds < c.Ticket.DefaultTTLSeconds {
		return fmt.Errorf("ticket.max_ttl_seconds must be >= ticket.default_ttl_seconds")
	}
	if c.DB.Driver != "" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required when db.driver is set")
	}

	switch c.Replay.Backend {
	case BackendMemory, BackendFile, BackendRedis:
	case BackendSQL:
		if c.DB.Driver == "" {
			return fmt.Errorf("replay.backend=sql requires db.driver")
		}
	default:
		return fmt.Errorf("unsupported replay.backend: %q", c.Replay.Backend)
	}
	if c.Replay.TTLMarginSeconds < 0 {
		return fmt.Errorf("replay.ttl_margin_seconds must not be negative")
	}
	if c.Replay.PurgeIntervalSeconds < 1 {
		return fmt.Errorf("replay.purge_interval_seconds must be at least 1")
	}

	if c.Authz.DefaultEffect != "allow" && c.Authz.DefaultEffect != "deny" {
		return fmt.Errorf("authz.default_effect must be allow or deny")
	}
	switch c.Authz.Store {
	case BackendMemory, BackendFile:
	case BackendSQL:
		if c.DB.Driver == "" {
			return fmt.Errorf("authz.store=sql requires db.driver")
		}
	default:
		return fmt.Errorf("unsupported authz.store: %q", c.Authz.Store)
	}

	switch c.RateLimit.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unsupported rate_limit.backend: %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Enabled && c.RateLimit.PerMinute < 1 {
		return fmt.Errorf("rate_limit.per_minute must be at least 1")
	}
	if c.usesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when a redis backend is selected")
	}

	a := c.Admission
	for name, v := range map[string]*float64{
		"feedback_alpha": a.FeedbackAlpha,
		"low_mark":       a.LowMark,
		"high_mark":      a.HighMark,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("admission.%s must be in [0,1]", name)
		}
	}
	for name, v := range map[string]*float64{
		"feedback_scale":     a.FeedbackScale,
		"persona_bias_scale": a.PersonaBiasScale,
	} {
		if v != nil && (*v < 0 || math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("admission.%s must be a non-negative number", name)
		}
	}
	if a.LowMark != nil && a.HighMark != nil && *a.LowMark > *a.HighMark {
		return fmt.Errorf("admission.low_mark must not exceed admission.high_mark")
	}
	return nil
}

func (c Config) usesRedis() bool {
	return c.Replay.Backend == BackendRedis || (c.RateLimit.Enabled && c.RateLimit.Backend == BackendRedis)
}

// ApplyEnv applies the TOLLGATE_* overrides recognised by the gateway.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv("TOLLGATE_LISTEN_ADDR")); v != "" {
		c.ListenAddr = v
	}
	if v := strings.TrimSpace(getenv("TOLLGATE_POLICY_PATH")); v != "" {
		c.PolicyPath = v
	}
	if v := getenv("TOLLGATE_TICKET_SECRET"); v != "" && c.Ticket.Secret == "" && c.Ticket.SecretPath == "" {
		c.Ticket.Secret = v
	}
	if v := getenv("TOLLGATE_ADMIN_TOKEN"); v != "" && c.Auth.AdminToken == "" {
		c.Auth.AdminToken = v
	}
}
