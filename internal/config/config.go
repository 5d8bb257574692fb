// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Engine() EngineConfig
	Browser() BrowserConfig
	Network() NetworkConfig
	Form() FormConfig
	Auth() AuthConfig
	Reconcile() ReconcileConfig
	Orchestrator() OrchestratorConfig
	IO() IOConfig
	Report() ReportConfig

	// Browser Setters
	SetBrowserHeadless(bool)

	// IO Setters
	SetIOInputPath(string)
	SetIOOutputPath(string)
	SetIOSheetName(string)

	// Reconcile Setters
	SetReconcileMatchThreshold(float64)

	// Report Setters
	SetReport(ReportConfig)
}

// Config holds the entire application configuration.
// Sections are exported for viper, but callers go through the Interface getters.
type Config struct {
	LoggerCfg       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	EngineCfg       EngineConfig       `mapstructure:"engine" yaml:"engine"`
	BrowserCfg      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
	NetworkCfg      NetworkConfig      `mapstructure:"network" yaml:"network"`
	FormCfg         FormConfig         `mapstructure:"form" yaml:"form"`
	AuthCfg         AuthConfig         `mapstructure:"auth" yaml:"auth"`
	ReconcileCfg    ReconcileConfig    `mapstructure:"reconcile" yaml:"reconcile"`
	OrchestratorCfg OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	IOCfg           IOConfig           `mapstructure:"io" yaml:"io"`
	ReportCfg       ReportConfig       `mapstructure:"report" yaml:"report"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig             { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig         { return c.DatabaseCfg }
func (c *Config) Engine() EngineConfig             { return c.EngineCfg }
func (c *Config) Browser() BrowserConfig           { return c.BrowserCfg }
func (c *Config) Network() NetworkConfig           { return c.NetworkCfg }
func (c *Config) Form() FormConfig                 { return c.FormCfg }
func (c *Config) Auth() AuthConfig                 { return c.AuthCfg }
func (c *Config) Reconcile() ReconcileConfig       { return c.ReconcileCfg }
func (c *Config) Orchestrator() OrchestratorConfig { return c.OrchestratorCfg }
func (c *Config) IO() IOConfig                     { return c.IOCfg }
func (c *Config) Report() ReportConfig             { return c.ReportCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }

func (c *Config) SetIOInputPath(p string)  { c.IOCfg.InputPath = p }
func (c *Config) SetIOOutputPath(p string) { c.IOCfg.OutputPath = p }
func (c *Config) SetIOSheetName(s string)  { c.IOCfg.SheetName = s }

func (c *Config) SetReconcileMatchThreshold(f float64) { c.ReconcileCfg.MatchThreshold = f }

func (c *Config) SetReport(r ReportConfig) { c.ReportCfg = r }

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

// DatabaseConfig holds the database connection details.
// An empty URL disables result history.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// EngineConfig configures the multi-check pool used by single URL runs.
type EngineConfig struct {
	Checks       []string      `mapstructure:"checks" yaml:"checks"`
	CheckTimeout time.Duration `mapstructure:"check_timeout" yaml:"check_timeout"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	DisableCache    bool           `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug           bool           `mapstructure:"debug" yaml:"debug"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	Viewport        map[string]int `mapstructure:"viewport" yaml:"viewport"`
}

// NetworkConfig tunes the network behavior of the browser sessions.
type NetworkConfig struct {
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	Headers           map[string]string `mapstructure:"headers" yaml:"headers"`
	// ResponseGrace bounds how long a row waits for in-flight body fetches
	// after the confirmation step before the capture is read.
	ResponseGrace time.Duration `mapstructure:"response_grace" yaml:"response_grace"`
}

// SelectorConfig lists the CSS selectors the form driver relies on.
type SelectorConfig struct {
	CookieAccept    string `mapstructure:"cookie_accept" yaml:"cookie_accept"`
	CookieClose     string `mapstructure:"cookie_close" yaml:"cookie_close"`
	BottomForm      string `mapstructure:"bottom_form" yaml:"bottom_form"`
	ModalTrigger    string `mapstructure:"modal_trigger" yaml:"modal_trigger"`
	ModalForm       string `mapstructure:"modal_form" yaml:"modal_form"`
	DropdownTrigger string `mapstructure:"dropdown_trigger" yaml:"dropdown_trigger"`
	DropdownOption  string `mapstructure:"dropdown_option" yaml:"dropdown_option"`
	Submit          string `mapstructure:"submit" yaml:"submit"`
	Success         string `mapstructure:"success" yaml:"success"`
}

// FormConfig describes the contact form under test and the backend it posts to.
type FormConfig struct {
	EndpointSubstring       string         `mapstructure:"endpoint_substring" yaml:"endpoint_substring"`
	Selectors               SelectorConfig `mapstructure:"selectors" yaml:"selectors"`
	TextFields              []string       `mapstructure:"text_fields" yaml:"text_fields"`
	CommentField            string         `mapstructure:"comment_field" yaml:"comment_field"`
	DropdownField           string         `mapstructure:"dropdown_field" yaml:"dropdown_field"`
	ConfirmationPlaceholder string         `mapstructure:"confirmation_placeholder" yaml:"confirmation_placeholder"`
	CookieTimeout           time.Duration  `mapstructure:"cookie_timeout" yaml:"cookie_timeout"`
	SettleInterval          time.Duration  `mapstructure:"settle_interval" yaml:"settle_interval"`
	ModalTimeout            time.Duration  `mapstructure:"modal_timeout" yaml:"modal_timeout"`
	FieldTimeout            time.Duration  `mapstructure:"field_timeout" yaml:"field_timeout"`
	DropdownTimeout         time.Duration  `mapstructure:"dropdown_timeout" yaml:"dropdown_timeout"`
	PostSubmitDelay         time.Duration  `mapstructure:"post_submit_delay" yaml:"post_submit_delay"`
	ConfirmationTimeout     time.Duration  `mapstructure:"confirmation_timeout" yaml:"confirmation_timeout"`
}

// AuthConfig holds the basic-auth credentials injected into dev environment URLs.
type AuthConfig struct {
	DevHostMarker string `mapstructure:"dev_host_marker" yaml:"dev_host_marker"`
	DevUsername   string `mapstructure:"dev_username" yaml:"dev_username"`
	DevPassword   string `mapstructure:"dev_password" yaml:"-"`
}

// ReconcileConfig tunes the field comparator.
type ReconcileConfig struct {
	// MatchThreshold is the fraction of expected fields that must match for PASS.
	MatchThreshold float64 `mapstructure:"match_threshold" yaml:"match_threshold"`
}

// OrchestratorConfig controls batch pacing.
type OrchestratorConfig struct {
	// RowInterval is the minimum spacing between row starts. Zero disables pacing.
	RowInterval time.Duration `mapstructure:"row_interval" yaml:"row_interval"`
}

// IOConfig points at the input and output workbooks.
type IOConfig struct {
	InputPath  string `mapstructure:"input_path" yaml:"input_path"`
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`
	// SheetName selects the worksheet; empty means the first sheet.
	SheetName string `mapstructure:"sheet_name" yaml:"sheet_name"`
}

// ReportConfig selects an optional machine readable report next to the workbook.
type ReportConfig struct {
	Format string `mapstructure:"format" yaml:"format"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
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
	v.SetDefault("logger.service_name", "formprobe")
	v.SetDefault("logger.log_file", "formprobe.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Engine --
	v.SetDefault("engine.checks", []string{"form"})
	v.SetDefault("engine.check_timeout", "5m")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1366, "height": 900})

	// -- Network --
	v.SetDefault("network.navigation_timeout", "60s")
	v.SetDefault("network.response_grace", "3s")

	// -- Form --
	v.SetDefault("form.endpoint_substring", "form-processor")
	v.SetDefault("form.selectors.cookie_accept", "#onetrust-accept-btn-handler")
	v.SetDefault("form.selectors.cookie_close", "#onetrust-close-btn-container button")
	v.SetDefault("form.selectors.bottom_form", "form.contact-us__form[data-tracker-identifier='Page bottom form']")
	v.SetDefault("form.selectors.modal_trigger", "div.nav-cta button.modal-trigger")
	v.SetDefault("form.selectors.modal_form", "form.contact-us__form")
	v.SetDefault("form.selectors.dropdown_trigger", "button.dropdown-trigger")
	v.SetDefault("form.selectors.dropdown_option", "li.dropdown-item")
	v.SetDefault("form.selectors.submit", "button.contact-us__form-button[type='submit']")
	v.SetDefault("form.selectors.success", "div.contact-us__success")
	v.SetDefault("form.text_fields", []string{"name_first", "name_last", "email_work", "phone_business", "job_title", "Company"})
	v.SetDefault("form.comment_field", "comment")
	v.SetDefault("form.dropdown_field", "country")
	v.SetDefault("form.confirmation_placeholder", "No Thank You message found")
	v.SetDefault("form.cookie_timeout", "5s")
	v.SetDefault("form.settle_interval", "2s")
	v.SetDefault("form.modal_timeout", "20s")
	v.SetDefault("form.field_timeout", "30s")
	v.SetDefault("form.dropdown_timeout", "5s")
	v.SetDefault("form.post_submit_delay", "8s")
	v.SetDefault("form.confirmation_timeout", "8s")

	// -- Auth --
	v.SetDefault("auth.dev_host_marker", "dev")
	v.SetDefault("auth.dev_username", "")
	v.SetDefault("auth.dev_password", "") // Should be set via env var

	// -- Reconcile --
	v.SetDefault("reconcile.match_threshold", 0.5)

	// -- Orchestrator --
	v.SetDefault("orchestrator.row_interval", "0s")

	// -- IO --
	v.SetDefault("io.input_path", "input.xlsx")
	v.SetDefault("io.output_path", "output.xlsx")
	v.SetDefault("io.sheet_name", "")

	// -- Report --
	v.SetDefault("report.format", "")
	v.SetDefault("report.path", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("auth.dev_password", "FORMPROBE_AUTH_DEV_PASSWORD")
	v.BindEnv("database.url", "FORMPROBE_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the password if Unmarshal didn't pick it up
	if cfg.AuthCfg.DevUsername != "" && cfg.AuthCfg.DevPassword == "" {
		cfg.AuthCfg.DevPassword = os.Getenv("FORMPROBE_AUTH_DEV_PASSWORD")
	}

	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves a leading ~ in every file path setting.
func (c *Config) ExpandPaths() error {
	paths := []*string{
		&c.IOCfg.InputPath,
		&c.IOCfg.OutputPath,
		&c.ReportCfg.Path,
		&c.LoggerCfg.LogFile,
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.ReconcileCfg.MatchThreshold <= 0 || c.ReconcileCfg.MatchThreshold > 1 {
		return fmt.Errorf("reconcile.match_threshold must be in (0, 1]")
	}
	if c.NetworkCfg.NavigationTimeout <= 0 {
		return fmt.Errorf("network.navigation_timeout must be a positive duration")
	}
	if c.OrchestratorCfg.RowInterval < 0 {
		return fmt.Errorf("orchestrator.row_interval must not be negative")
	}
	if err := c.FormCfg.Validate(); err != nil {
		return fmt.Errorf("form configuration invalid: %w", err)
	}
	if err := c.ReportCfg.Validate(); err != nil {
		return fmt.Errorf("report configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the form settings.
func (f *FormConfig) Validate() error {
	if strings.TrimSpace(f.EndpointSubstring) == "" {
		return fmt.Errorf("endpoint_substring is required")
	}
	if len(f.TextFields) == 0 {
		return fmt.Errorf("text_fields must list at least one field")
	}
	s := f.Selectors
	if s.BottomForm == "" || s.ModalForm == "" || s.Submit == "" {
		return fmt.Errorf("selectors.bottom_form, selectors.modal_form, and selectors.submit are required")
	}
	return nil
}

// Validate checks the report settings.
func (r *ReportConfig) Validate() error {
	switch r.Format {
	case "":
		return nil
	case "junit", "jsonl":
		if r.Path == "" {
			return fmt.Errorf("path is required when format is %q", r.Format)
		}
		return nil
	default:
		return fmt.Errorf("unsupported format %q", r.Format)
	}
}
