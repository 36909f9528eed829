// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Agent() AgentConfig
	Oracle() OracleConfig
	Browser() BrowserConfig
	Desktop() DesktopConfig
	Terminal() TerminalConfig
	Results() ResultsConfig
	Server() ServerConfig

	SetAgentMaxSteps(int)
	SetAgentEnableDesktop(bool)
	SetBrowserHeadless(bool)
	SetServerListenAddr(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	AgentCfg    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	OracleCfg   OracleConfig   `mapstructure:"oracle" yaml:"oracle"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	DesktopCfg  DesktopConfig  `mapstructure:"desktop" yaml:"desktop"`
	TerminalCfg TerminalConfig `mapstructure:"terminal" yaml:"terminal"`
	ResultsCfg  ResultsConfig  `mapstructure:"results" yaml:"results"`
	ServerCfg   ServerConfig   `mapstructure:"server" yaml:"server"`
}

var _ Interface = (*Config)(nil)

// --- Getters ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Agent() AgentConfig       { return c.AgentCfg }
func (c *Config) Oracle() OracleConfig     { return c.OracleCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Desktop() DesktopConfig   { return c.DesktopCfg }
func (c *Config) Terminal() TerminalConfig { return c.TerminalCfg }
func (c *Config) Results() ResultsConfig   { return c.ResultsCfg }
func (c *Config) Server() ServerConfig     { return c.ServerCfg }

// --- Setters (CLI flag overrides) ---

func (c *Config) SetAgentMaxSteps(n int)       { c.AgentCfg.MaxSteps = n }
func (c *Config) SetAgentEnableDesktop(b bool) { c.AgentCfg.EnableDesktop = b }
func (c *Config) SetBrowserHeadless(b bool)    { c.BrowserCfg.Headless = b }
func (c *Config) SetServerListenAddr(a string) { c.ServerCfg.ListenAddr = a }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// AgentConfig tunes the ReAct loop. LongSettle follows actions that usually
// trigger navigation or a repaint; ShortSettle follows everything else.
type AgentConfig struct {
	MaxSteps          int           `mapstructure:"max_steps" yaml:"max_steps"`
	HistoryWindow     int           `mapstructure:"history_window" yaml:"history_window"`
	LongSettle        time.Duration `mapstructure:"long_settle" yaml:"long_settle"`
	ShortSettle       time.Duration `mapstructure:"short_settle" yaml:"short_settle"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	RemoteClickSettle time.Duration `mapstructure:"remote_click_settle" yaml:"remote_click_settle"`
	EnableDesktop     bool          `mapstructure:"enable_desktop" yaml:"enable_desktop"`
	RepetitionHint    bool          `mapstructure:"repetition_hint" yaml:"repetition_hint"`
}

// OracleProvider names a supported vision model backend.
type OracleProvider string

const (
	ProviderGemini OracleProvider = "gemini"
	ProviderMock   OracleProvider = "mock"
)

// OracleConfig configures the vision model that chooses each action.
type OracleConfig struct {
	Provider          OracleProvider `mapstructure:"provider" yaml:"provider"`
	Model             string         `mapstructure:"model" yaml:"model"`
	APIKey            string         `mapstructure:"api_key" yaml:"api_key"`
	Endpoint          string         `mapstructure:"endpoint" yaml:"endpoint"`
	Temperature       float32        `mapstructure:"temperature" yaml:"temperature"`
	CallTimeout       time.Duration  `mapstructure:"call_timeout" yaml:"call_timeout"`
	MaxRetries        int            `mapstructure:"max_retries" yaml:"max_retries"`
	InitialInterval   time.Duration  `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval       time.Duration  `mapstructure:"max_interval" yaml:"max_interval"`
	RequestsPerSecond float64        `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int            `mapstructure:"burst" yaml:"burst"`
}

// BrowserConfig holds settings for the headless browser instance.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	DisableGPU        bool          `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	StartURL          string        `mapstructure:"start_url" yaml:"start_url"`
}

// DesktopConfig configures the X11 desktop surface.
type DesktopConfig struct {
	Display       string        `mapstructure:"display" yaml:"display"`
	ScreenshotDir string        `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	LaunchWait    time.Duration `mapstructure:"launch_wait" yaml:"launch_wait"`
	TypeDelayMs   int           `mapstructure:"type_delay_ms" yaml:"type_delay_ms"`
}

// TerminalConfig bounds the run_terminal action.
type TerminalConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	OutputLimit int           `mapstructure:"output_limit" yaml:"output_limit"`
	Shell       string        `mapstructure:"shell" yaml:"shell"`
}

// ResultsConfig locates every artifact the agent writes.
type ResultsConfig struct {
	Root         string `mapstructure:"root" yaml:"root"`
	ReadingsFile string `mapstructure:"readings_file" yaml:"readings_file"`
}

// FlightsDir is where flight recorder directories live.
func (r ResultsConfig) FlightsDir() string { return filepath.Join(r.Root, "flights") }

// ScreenshotsDir holds the per-step observations.
func (r ResultsConfig) ScreenshotsDir() string { return filepath.Join(r.Root, "react_screenshots") }

// VideosDir holds session recordings.
func (r ResultsConfig) VideosDir() string { return filepath.Join(r.Root, "videos") }

// LogsDir holds process logs.
func (r ResultsConfig) LogsDir() string { return filepath.Join(r.Root, "logs") }

// ReadingsPath is the note file appended to by the read action.
func (r ResultsConfig) ReadingsPath() string {
	if filepath.IsAbs(r.ReadingsFile) {
		return r.ReadingsFile
	}
	return filepath.Join(r.Root, r.ReadingsFile)
}

// ServerConfig configures the HTTP run-control API.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	DefaultMaxSteps int           `mapstructure:"default_max_steps" yaml:"default_max_steps"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "airport")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Agent --
	v.SetDefault("agent.max_steps", 25)
	v.SetDefault("agent.history_window", 7)
	v.SetDefault("agent.long_settle", "2s")
	v.SetDefault("agent.short_settle", "1s")
	v.SetDefault("agent.poll_interval", "100ms")
	v.SetDefault("agent.remote_click_settle", "500ms")
	v.SetDefault("agent.enable_desktop", true)
	v.SetDefault("agent.repetition_hint", true)

	// -- Oracle --
	v.SetDefault("oracle.provider", string(ProviderGemini))
	v.SetDefault("oracle.model", "gemini-2.5-flash")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.endpoint", "")
	v.SetDefault("oracle.temperature", 0.2)
	v.SetDefault("oracle.call_timeout", "60s")
	v.SetDefault("oracle.max_retries", 3)
	v.SetDefault("oracle.initial_interval", "5s")
	v.SetDefault("oracle.max_interval", "15s")
	v.SetDefault("oracle.requests_per_second", 1.0)
	v.SetDefault("oracle.burst", 1)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_gpu", true)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 720)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.start_url", "about:blank")

	// -- Desktop --
	v.SetDefault("desktop.display", ":99")
	v.SetDefault("desktop.screenshot_dir", "")
	v.SetDefault("desktop.launch_wait", "3s")
	v.SetDefault("desktop.type_delay_ms", 30)

	// -- Terminal --
	v.SetDefault("terminal.timeout", "30s")
	v.SetDefault("terminal.output_limit", 500)
	v.SetDefault("terminal.shell", "/bin/sh")

	// -- Results --
	v.SetDefault("results.root", "./results")
	v.SetDefault("results.readings_file", "react_readings.txt")

	// -- Server --
	v.SetDefault("server.listen_addr", ":8000")
	v.SetDefault("server.default_max_steps", 15)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "15s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The API key is sensitive and usually arrives through the environment.
	_ = v.BindEnv("oracle.api_key", "AIRPORT_GEMINI_API_KEY", "GOOGLE_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.OracleCfg.APIKey == "" {
		cfg.OracleCfg.APIKey = os.Getenv("GOOGLE_API_KEY")
	}

	if err := cfg.normalizePaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// normalizePaths expands '~' and fills in directories derived from the results root.
func (c *Config) normalizePaths() error {
	root, err := homedir.Expand(strings.TrimSpace(c.ResultsCfg.Root))
	if err != nil {
		return fmt.Errorf("failed to expand results.root: %w", err)
	}
	c.ResultsCfg.Root = root

	if c.DesktopCfg.ScreenshotDir == "" && root != "" {
		c.DesktopCfg.ScreenshotDir = filepath.Join(root, "desktop_screenshots")
	} else if c.DesktopCfg.ScreenshotDir != "" {
		dir, err := homedir.Expand(c.DesktopCfg.ScreenshotDir)
		if err != nil {
			return fmt.Errorf("failed to expand desktop.screenshot_dir: %w", err)
		}
		c.DesktopCfg.ScreenshotDir = dir
	}

	if c.LoggerCfg.LogFile != "" {
		lf, err := homedir.Expand(c.LoggerCfg.LogFile)
		if err != nil {
			return fmt.Errorf("failed to expand logger.log_file: %w", err)
		}
		c.LoggerCfg.LogFile = lf
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.AgentCfg.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if err := c.OracleCfg.Validate(); err != nil {
		return fmt.Errorf("oracle configuration invalid: %w", err)
	}
	if c.TerminalCfg.Timeout <= 0 {
		return fmt.Errorf("terminal.timeout must be a positive duration")
	}
	if c.TerminalCfg.OutputLimit <= 0 {
		return fmt.Errorf("terminal.output_limit must be a positive integer")
	}
	if strings.TrimSpace(c.ResultsCfg.Root) == "" {
		return fmt.Errorf("results.root is a required configuration field")
	}
	if c.ServerCfg.DefaultMaxSteps <= 0 {
		return fmt.Errorf("server.default_max_steps must be a positive integer")
	}
	return nil
}

// Validate checks the AgentConfig settings.
func (a *AgentConfig) Validate() error {
	if a.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be a positive integer")
	}
	if a.HistoryWindow <= 0 {
		return fmt.Errorf("history_window must be a positive integer")
	}
	if a.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if a.LongSettle < 0 || a.ShortSettle < 0 || a.RemoteClickSettle < 0 {
		return fmt.Errorf("settle delays must not be negative")
	}
	return nil
}

// Validate checks the OracleConfig settings.
func (o *OracleConfig) Validate() error {
	switch o.Provider {
	case ProviderGemini, ProviderMock:
	default:
		return fmt.Errorf("unsupported provider %q", o.Provider)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if o.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be greater than 0")
	}
	if o.Burst <= 0 {
		return fmt.Errorf("burst must be a positive integer")
	}
	if o.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be a positive duration")
	}
	return nil
}
