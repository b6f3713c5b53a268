// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration. It is read-only after
// startup; components receive the sub-struct they need.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	LLM        LLMConfig        `mapstructure:"llm" yaml:"llm"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Executor   ExecutorConfig   `mapstructure:"executor" yaml:"executor"`
	Vision     VisionConfig     `mapstructure:"vision" yaml:"vision"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LLMConfig configures the external model endpoint shared by the planner and
// the vision validator.
type LLMConfig struct {
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey         string        `mapstructure:"api_key" yaml:"-"`
	PlannerModel   string        `mapstructure:"planner_model" yaml:"planner_model"`
	ValidatorModel string        `mapstructure:"validator_model" yaml:"validator_model"`
	APITimeout     time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature    float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP           float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK           int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens      int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	// RequestsPerSecond throttles outbound vision calls so a retry storm
	// cannot hammer the model endpoint.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

// SupervisorConfig configures the job lifecycle.
type SupervisorConfig struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`
	PlanDeadline      time.Duration `mapstructure:"plan_deadline" yaml:"plan_deadline"`
	JobRetention      time.Duration `mapstructure:"job_retention" yaml:"job_retention"`
	MaxGoalLength     int           `mapstructure:"max_goal_length" yaml:"max_goal_length"`
}

// HumanizeConfig tunes the input timing applied to typing and clicking.
type HumanizeConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	KeyDelayMinMs  int           `mapstructure:"key_delay_min_ms" yaml:"key_delay_min_ms"`
	KeyDelayMaxMs  int           `mapstructure:"key_delay_max_ms" yaml:"key_delay_max_ms"`
	ClickHoldMinMs int           `mapstructure:"click_hold_min_ms" yaml:"click_hold_min_ms"`
	ClickHoldMaxMs int           `mapstructure:"click_hold_max_ms" yaml:"click_hold_max_ms"`
	DragDuration   time.Duration `mapstructure:"drag_duration" yaml:"drag_duration"`
}

// BrowserConfig holds settings for the browser session pool.
type BrowserConfig struct {
	Headless     bool           `mapstructure:"headless" yaml:"headless"`
	MaxSessions  int            `mapstructure:"max_sessions" yaml:"max_sessions"`
	IdleTTL      time.Duration  `mapstructure:"idle_ttl" yaml:"idle_ttl"`
	ViewportW    int            `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportH    int            `mapstructure:"viewport_height" yaml:"viewport_height"`
	ProxyAddress string         `mapstructure:"proxy_address" yaml:"proxy_address"`
	Args         []string       `mapstructure:"args" yaml:"args"`
	Humanize     HumanizeConfig `mapstructure:"humanize" yaml:"humanize"`
}

// ExecutorConfig tunes the step loop.
type ExecutorConfig struct {
	NavigateTimeout time.Duration `mapstructure:"navigate_timeout" yaml:"navigate_timeout"`
	ClickTimeout    time.Duration `mapstructure:"click_timeout" yaml:"click_timeout"`
	TypeTimeout     time.Duration `mapstructure:"type_timeout" yaml:"type_timeout"`
	ScrollTimeout   time.Duration `mapstructure:"scroll_timeout" yaml:"scroll_timeout"`
	BackoffBase     time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	// DefaultURL is navigated to when a NAVIGATE step carries no target.
	DefaultURL string `mapstructure:"default_url" yaml:"default_url"`
}

// VisionConfig tunes the element locator.
type VisionConfig struct {
	// ConfidenceThreshold gates smart-click / smart-type; candidates below
	// it escalate to needs-human.
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
}

// StoreConfig selects the persistence backend. "memory" requires nothing;
// "redis" persists terminal jobs and results.
type StoreConfig struct {
	Backend       string `mapstructure:"backend" yaml:"backend"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"-"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "webpilot")
	v.SetDefault("logger.log_file", "webpilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.listen_addr", ":8789")
	v.SetDefault("server.shutdown_timeout", "15s")

	// -- LLM --
	v.SetDefault("llm.endpoint", "")
	v.SetDefault("llm.planner_model", "gemini-2.5-pro")
	v.SetDefault("llm.validator_model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "30s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 8192)
	v.SetDefault("llm.requests_per_second", 2.0)

	// -- Supervisor --
	v.SetDefault("supervisor.max_concurrent_jobs", 4)
	v.SetDefault("supervisor.plan_deadline", "10m")
	v.SetDefault("supervisor.job_retention", "1h")
	v.SetDefault("supervisor.max_goal_length", 4000)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_sessions", 8)
	v.SetDefault("browser.idle_ttl", "10m")
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.humanize.enabled", true)
	v.SetDefault("browser.humanize.key_delay_min_ms", 30)
	v.SetDefault("browser.humanize.key_delay_max_ms", 90)
	v.SetDefault("browser.humanize.click_hold_min_ms", 35)
	v.SetDefault("browser.humanize.click_hold_max_ms", 120)
	v.SetDefault("browser.humanize.drag_duration", "400ms")

	// -- Executor --
	v.SetDefault("executor.navigate_timeout", "30s")
	v.SetDefault("executor.click_timeout", "10s")
	v.SetDefault("executor.type_timeout", "10s")
	v.SetDefault("executor.scroll_timeout", "5s")
	v.SetDefault("executor.backoff_base", "250ms")
	v.SetDefault("executor.backoff_max", "5s")
	v.SetDefault("executor.default_url", "https://www.google.com")

	// -- Vision --
	v.SetDefault("vision.confidence_threshold", 0.55)

	// -- Store --
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)
}

// bindEnv wires the documented environment variables onto viper keys.
func bindEnv(v *viper.Viper) {
	v.BindEnv("server.listen_addr", "BACKEND_LISTEN_ADDR")
	v.BindEnv("llm.endpoint", "LLM_ENDPOINT")
	v.BindEnv("llm.api_key", "LLM_API_KEY")
	v.BindEnv("llm.planner_model", "DEFAULT_PLANNER_MODEL")
	v.BindEnv("llm.validator_model", "DEFAULT_VALIDATOR_MODEL")
	v.BindEnv("supervisor.max_concurrent_jobs", "MAX_CONCURRENT_JOBS")
	v.BindEnv("browser.idle_ttl", "SESSION_IDLE_TTL_SECONDS")
	v.BindEnv("supervisor.plan_deadline", "PLAN_DEADLINE_SECONDS")
	v.BindEnv("store.redis_password", "WEBPILOT_REDIS_PASSWORD")
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults alone.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a validated configuration from a viper object.
// Defaults are seeded first, so a viper with no file and no env vars yields
// a runnable configuration.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	bindEnv(v)

	// SESSION_IDLE_TTL_SECONDS / PLAN_DEADLINE_SECONDS carry bare integers;
	// append a unit so the duration decode hook accepts them.
	for _, key := range []string{"browser.idle_ttl", "supervisor.plan_deadline"} {
		if s := v.GetString(key); isBareSeconds(s) {
			v.Set(key, s+"s")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func isBareSeconds(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if c.Supervisor.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("supervisor.max_concurrent_jobs must be a positive integer")
	}
	if c.Supervisor.PlanDeadline <= 0 {
		return fmt.Errorf("supervisor.plan_deadline must be a positive duration")
	}
	if c.Browser.MaxSessions <= 0 {
		return fmt.Errorf("browser.max_sessions must be a positive integer")
	}
	if c.Browser.IdleTTL <= 0 {
		return fmt.Errorf("browser.idle_ttl must be a positive duration")
	}
	if c.Vision.ConfidenceThreshold < 0.0 || c.Vision.ConfidenceThreshold > 1.0 {
		return fmt.Errorf("vision.confidence_threshold must be between 0.0 and 1.0")
	}
	if h := c.Browser.Humanize; h.Enabled && h.KeyDelayMaxMs < h.KeyDelayMinMs {
		return fmt.Errorf("browser.humanize key delay range is inverted")
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be \"memory\" or \"redis\", got %q", c.Store.Backend)
	}
	if c.Executor.DefaultURL != "" {
		if _, err := url.ParseRequestURI(c.Executor.DefaultURL); err != nil {
			return fmt.Errorf("executor.default_url is not a valid URL: %w", err)
		}
	}
	return nil
}
