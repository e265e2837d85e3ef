package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable, e.g. DSD_DASHBOARD_USERNAME.
const EnvPrefix = "DSD"

// CombinedCountFile is the name of the reconciled store-count table.
const CombinedCountFile = "combined_storecounts.csv"

// StoreCountPeriods are the store-count extract periods, in join order.
var StoreCountPeriods = []int{30, 60, 90}

// Config represents the complete application configuration
type Config struct {
	Dashboard   DashboardConfig   `yaml:"dashboard" envconfig:"DASHBOARD"`
	Browser     BrowserConfig     `yaml:"browser" envconfig:"BROWSER"`
	Retry       RetryConfig       `yaml:"retry" envconfig:"RETRY"`
	Watcher     WatcherConfig     `yaml:"watcher" envconfig:"WATCHER"`
	Runner      RunnerConfig      `yaml:"runner" envconfig:"RUNNER"`
	Reports     []ReportConfig    `yaml:"reports" ignored:"true" validate:"dive"`
	StoreCounts StoreCountsConfig `yaml:"store_counts" envconfig:"STORE_COUNTS"`
	Sales       SalesConfig       `yaml:"sales" envconfig:"SALES"`
	Analysis    AnalysisConfig    `yaml:"analysis" envconfig:"ANALYSIS"`
	Render      RenderConfig      `yaml:"render" envconfig:"RENDER"`
	Mail        MailConfig        `yaml:"mail" envconfig:"MAIL"`
	Archive     ArchiveConfig     `yaml:"archive" envconfig:"ARCHIVE"`
	Status      StatusConfig      `yaml:"status" envconfig:"STATUS"`
	Logging     LoggingConfig     `yaml:"logging" envconfig:"LOGGING"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" envconfig:"TELEMETRY"`
	Paths       PathsConfig       `yaml:"paths" envconfig:"PATHS"`
}

// DashboardConfig describes the remote dashboard and how to log into it.
// Locators use the "strategy:selector" notation, e.g. "id:loginButton" or
// "scoped:css:#host>>button.export".
type DashboardConfig struct {
	EntryURL          string        `yaml:"entry_url" envconfig:"ENTRY_URL" validate:"required,url"`
	Username          string        `yaml:"-" envconfig:"USERNAME"`
	Password          string        `yaml:"-" envconfig:"PASSWORD"`
	UsernameLocators  []string      `yaml:"username_locators" envconfig:"USERNAME_LOCATORS" validate:"min=1"`
	PasswordLocators  []string      `yaml:"password_locators" envconfig:"PASSWORD_LOCATORS" validate:"min=1"`
	SubmitLocators    []string      `yaml:"submit_locators" envconfig:"SUBMIT_LOCATORS"`
	PostLoginLocators []string      `yaml:"post_login_locators" envconfig:"POST_LOGIN_LOCATORS"`
	LoginTimeout      time.Duration `yaml:"login_timeout" envconfig:"LOGIN_TIMEOUT" validate:"gt=0"`
	ExportLocators    []string      `yaml:"export_locators" envconfig:"EXPORT_LOCATORS" validate:"min=1"`
	FormatLocators    []string      `yaml:"format_locators" envconfig:"FORMAT_LOCATORS"`
	ConfirmLocators   []string      `yaml:"confirm_locators" envconfig:"CONFIRM_LOCATORS"`
	OverlaySelectors  []string      `yaml:"overlay_selectors" envconfig:"OVERLAY_SELECTORS"`
}

// BrowserConfig contains chromedp allocator settings
type BrowserConfig struct {
	Headless     bool          `yaml:"headless" envconfig:"HEADLESS"`
	ExecPath     string        `yaml:"exec_path" envconfig:"EXEC_PATH"`
	WindowWidth  int           `yaml:"window_width" envconfig:"WINDOW_WIDTH" validate:"gt=0"`
	WindowHeight int           `yaml:"window_height" envconfig:"WINDOW_HEIGHT" validate:"gt=0"`
	PageTimeout  time.Duration `yaml:"page_timeout" envconfig:"PAGE_TIMEOUT" validate:"gt=0"`
}

// RetryConfig bounds every interactive step
type RetryConfig struct {
	MaxAttempts          uint          `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS" validate:"gte=1"`
	InterAttemptDelay    time.Duration `yaml:"inter_attempt_delay" envconfig:"INTER_ATTEMPT_DELAY" validate:"gte=0"`
	PresenceTimeout      time.Duration `yaml:"presence_timeout" envconfig:"PRESENCE_TIMEOUT" validate:"gt=0"`
	DisabledPollInterval time.Duration `yaml:"disabled_poll_interval" envconfig:"DISABLED_POLL_INTERVAL" validate:"gt=0"`
	DisabledTimeout      time.Duration `yaml:"disabled_timeout" envconfig:"DISABLED_TIMEOUT" validate:"gt=0"`
}

// WatcherConfig tunes download completion detection
type WatcherConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL" validate:"gt=0"`
	StabilityPolls  int           `yaml:"stability_polls" envconfig:"STABILITY_POLLS" validate:"gte=2"`
	DownloadTimeout time.Duration `yaml:"download_timeout" envconfig:"DOWNLOAD_TIMEOUT" validate:"gt=0"`
	PreferredName   string        `yaml:"preferred_name" envconfig:"PREFERRED_NAME"`
}

// RunnerConfig paces report jobs on the shared session
type RunnerConfig struct {
	JobInterval time.Duration `yaml:"job_interval" envconfig:"JOB_INTERVAL" validate:"gte=0"`
	NavSettle   time.Duration `yaml:"nav_settle" envconfig:"NAV_SETTLE" validate:"gte=0"`
}

// ReportConfig is one configured report job. Only loadable from YAML.
type ReportConfig struct {
	Sequence   int    `yaml:"sequence" validate:"gt=0"`
	Name       string `yaml:"name" validate:"required"`
	URL        string `yaml:"url" validate:"required,url"`
	Kind       string `yaml:"kind" validate:"oneof=sales storecount other"`
	PeriodDays int    `yaml:"period_days" validate:"gte=0"`
}

// StoreCountsConfig names the columns of the store-count extracts
type StoreCountsConfig struct {
	DistributorColumn string `yaml:"distributor_column" envconfig:"DISTRIBUTOR_COLUMN" validate:"required"`
	ProductColumn     string `yaml:"product_column" envconfig:"PRODUCT_COLUMN" validate:"required"`
	StoreColumn       string `yaml:"store_column" envconfig:"STORE_COLUMN" validate:"required"`
}

// SalesConfig names the columns used for Total-row labeling
type SalesConfig struct {
	LocationColumn string `yaml:"location_column" envconfig:"LOCATION_COLUMN" validate:"required"`
	ProductColumn  string `yaml:"product_column" envconfig:"PRODUCT_COLUMN" validate:"required"`
}

// AnalysisConfig drives the optional EDA dashboard step
type AnalysisConfig struct {
	Enabled          bool          `yaml:"enabled" envconfig:"ENABLED"`
	URL              string        `yaml:"url" envconfig:"URL" validate:"omitempty,url"`
	SourceSequence   int           `yaml:"source_sequence" envconfig:"SOURCE_SEQUENCE"`
	UploadLocators   []string      `yaml:"upload_locators" envconfig:"UPLOAD_LOCATORS"`
	AnalyzeLocators  []string      `yaml:"analyze_locators" envconfig:"ANALYZE_LOCATORS"`
	DownloadLocators []string      `yaml:"download_locators" envconfig:"DOWNLOAD_LOCATORS"`
	ReadyTimeout     time.Duration `yaml:"ready_timeout" envconfig:"READY_TIMEOUT" validate:"gte=0"`
	DownloadTimeout  time.Duration `yaml:"download_timeout" envconfig:"DOWNLOAD_TIMEOUT" validate:"gte=0"`
}

// RenderConfig controls document rendering
type RenderConfig struct {
	Enabled     bool `yaml:"enabled" envconfig:"ENABLED"`
	Workbook    bool `yaml:"workbook" envconfig:"WORKBOOK"`
	Concurrency int  `yaml:"concurrency" envconfig:"CONCURRENCY" validate:"gte=1"`
}

// MailConfig configures the notification dispatcher
type MailConfig struct {
	Mode            string   `yaml:"mode" envconfig:"MODE" validate:"oneof=gmail log"`
	Sender          string   `yaml:"sender" envconfig:"SENDER"`
	Recipients      []string `yaml:"recipients" envconfig:"RECIPIENTS" validate:"dive,email"`
	Subject         string   `yaml:"subject" envconfig:"SUBJECT"`
	Body            string   `yaml:"body" envconfig:"BODY"`
	CredentialsFile string   `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
}

// ArchiveConfig configures the optional object-store archive
type ArchiveConfig struct {
	Backend   string `yaml:"backend" envconfig:"BACKEND" validate:"oneof=none s3 gcs"`
	Bucket    string `yaml:"bucket" envconfig:"BUCKET"`
	Prefix    string `yaml:"prefix" envconfig:"PREFIX"`
	Region    string `yaml:"region" envconfig:"REGION"`
	Endpoint  string `yaml:"endpoint" envconfig:"ENDPOINT"`
	PathStyle bool   `yaml:"path_style" envconfig:"PATH_STYLE"`
}

// StatusConfig configures the live status server
type StatusConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
	Addr    string `yaml:"addr" envconfig:"ADDR"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	FileName string `yaml:"file_name" envconfig:"FILE_NAME"`
	Format   string `yaml:"format" envconfig:"FORMAT" validate:"oneof=json text"`
	Source   bool   `yaml:"source" envconfig:"SOURCE"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string `yaml:"environment" envconfig:"ENVIRONMENT"`
	Tracing        string `yaml:"tracing" envconfig:"TRACING" validate:"oneof=stdout none"`
	WriteTextfile  bool   `yaml:"write_textfile" envconfig:"WRITE_TEXTFILE"`
	MetricsEnabled bool   `yaml:"metrics_enabled" envconfig:"METRICS_ENABLED"`
}

// PathsConfig contains file system path overrides
type PathsConfig struct {
	BaseDir      string `yaml:"base_dir" envconfig:"BASE_DIR"`
	DownloadsDir string `yaml:"downloads_dir" envconfig:"DOWNLOADS_DIR"`
	ReportsDir   string `yaml:"reports_dir" envconfig:"REPORTS_DIR"`
	LogsDir      string `yaml:"logs_dir" envconfig:"LOGS_DIR"`
	StateDir     string `yaml:"state_dir" envconfig:"STATE_DIR"`
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile == "" {
		configFile = getConfigFilePath()
	}
	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Environment overrides only the variables that are actually set
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays a YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// getConfigFilePath returns the first config file found in the common locations
func getConfigFilePath() string {
	locations := []string{
		"dsdreports.yaml",
		"configs/dsdreports.yaml",
		"../configs/dsdreports.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if len(c.Reports) == 0 {
		return fmt.Errorf("at least one report must be configured")
	}

	seen := make(map[int]bool, len(c.Reports))
	for _, r := range c.Reports {
		if seen[r.Sequence] {
			return fmt.Errorf("duplicate report sequence: %d", r.Sequence)
		}
		seen[r.Sequence] = true
		if r.Kind == "storecount" && r.PeriodDays == 0 {
			return fmt.Errorf("store count report %d has no period_days", r.Sequence)
		}
	}
	if err := c.validateStoreCountPeriods(); err != nil {
		return err
	}

	if c.Mail.Mode == "gmail" && c.Mail.CredentialsFile == "" {
		return fmt.Errorf("gmail mode requires mail.credentials_file")
	}

	if c.Archive.Backend != "none" && c.Archive.Bucket == "" {
		return fmt.Errorf("archive backend %s requires a bucket", c.Archive.Backend)
	}

	return nil
}

// validateStoreCountPeriods requires the store-count reports, when any are
// configured, to cover StoreCountPeriods once each.
func (c *Config) validateStoreCountPeriods() error {
	periods := make(map[int]int)
	for _, r := range c.Reports {
		if r.Kind != "storecount" {
			continue
		}
		if !slices.Contains(StoreCountPeriods, r.PeriodDays) {
			return fmt.Errorf("store count report %d has period_days %d, want one of %v",
				r.Sequence, r.PeriodDays, StoreCountPeriods)
		}
		if prev, ok := periods[r.PeriodDays]; ok {
			return fmt.Errorf("store count reports %d and %d both cover %d days",
				prev, r.Sequence, r.PeriodDays)
		}
		periods[r.PeriodDays] = r.Sequence
	}
	if len(periods) == 0 {
		return nil
	}
	for _, p := range StoreCountPeriods {
		if _, ok := periods[p]; !ok {
			return fmt.Errorf("no store count report covers %d days", p)
		}
	}
	return nil
}

// ResolvePaths resolves and applies configured path overrides
func (c *Config) ResolvePaths() (*Paths, error) {
	paths, err := GetPaths(c.Paths.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get paths: %w", err)
	}
	paths.applyOverrides(c.Paths)
	return paths, nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Dashboard: DashboardConfig{
			EntryURL:          "https://dsdlink.com/Home?DashboardID=185125",
			UsernameLocators:  []string{"id:ews-login-username", "id:username"},
			PasswordLocators:  []string{"id:ews-login-password", "id:password"},
			SubmitLocators:    []string{"id:loginButton", "css:button[type='submit']"},
			PostLoginLocators: []string{"css:#DashboardContainer", "css:.dashboard-header"},
			LoginTimeout:      30 * time.Second,
			ExportLocators:    []string{"id:ActionButtonExport", "id:downloadButton", "scoped:css:#ReportFrame>>#ActionButtonExport"},
			OverlaySelectors:  []string{".modal-backdrop", ".blockUI", "#loadingOverlay"},
		},
		Browser: BrowserConfig{
			Headless:     true,
			WindowWidth:  1920,
			WindowHeight: 1080,
			PageTimeout:  60 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:          3,
			InterAttemptDelay:    2 * time.Second,
			PresenceTimeout:      20 * time.Second,
			DisabledPollInterval: time.Second,
			DisabledTimeout:      10 * time.Second,
		},
		Watcher: WatcherConfig{
			PollInterval:    time.Second,
			StabilityPolls:  3,
			DownloadTimeout: 90 * time.Second,
		},
		Runner: RunnerConfig{
			JobInterval: 2 * time.Second,
			NavSettle:   3 * time.Second,
		},
		Reports: DefaultReports(),
		StoreCounts: StoreCountsConfig{
			DistributorColumn: "Distributor Location",
			ProductColumn:     "Product Name",
			StoreColumn:       "Retailer",
		},
		Sales: SalesConfig{
			LocationColumn: "Location",
			ProductColumn:  "ProductName",
		},
		Analysis: AnalysisConfig{
			Enabled:          false,
			URL:              "https://automatedanalytics.onrender.com/",
			SourceSequence:   3,
			UploadLocators:   []string{"css:input[type='file']"},
			AnalyzeLocators:  []string{"id:download-pdf"},
			DownloadLocators: []string{"id:download-analysis-btn"},
			ReadyTimeout:     60 * time.Second,
			DownloadTimeout:  60 * time.Second,
		},
		Render: RenderConfig{
			Enabled:     true,
			Workbook:    true,
			Concurrency: 2,
		},
		Mail: MailConfig{
			Mode:    "log",
			Subject: "Automated DSD Reports",
			Body:    "This is an automated email.\n\nAttached are the latest DSD reports.\n",
		},
		Archive: ArchiveConfig{
			Backend: "none",
			Prefix:  "dsdreports",
		},
		Status: StatusConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8090",
		},
		Logging: LoggingConfig{
			Level:    "info",
			FileName: "dsdreports.log",
			Format:   "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "dsdreports",
			Environment:    "production",
			Tracing:        "none",
			WriteTextfile:  true,
			MetricsEnabled: true,
		},
	}
}

// DefaultReports returns the stock report list of the DSD dashboard.
func DefaultReports() []ReportConfig {
	const base = "https://dsdlink.com/Home?DashboardID=100120&ReportID="
	return []ReportConfig{
		{Sequence: 1, Name: "Sales Summary", URL: base + "22972383", Kind: "sales"},
		{Sequence: 2, Name: "Brand Performance", URL: base + "22972382", Kind: "sales"},
		{Sequence: 3, Name: "Weekly Volume", URL: base + "22972378", Kind: "sales"},
		{Sequence: 4, Name: "Retail Sales", URL: base + "22972365", Kind: "sales"},
		{Sequence: 5, Name: "Store Counts 30 Days", URL: base + "23124246", Kind: "storecount", PeriodDays: 30},
		{Sequence: 6, Name: "Store Counts 60 Days", URL: base + "23153930", Kind: "storecount", PeriodDays: 60},
		{Sequence: 7, Name: "Store Counts 90 Days", URL: base + "23157734", Kind: "storecount", PeriodDays: 90},
	}
}
