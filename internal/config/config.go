// Package config provides centralized configuration for the scenario runner.
// It loads configuration from CLI flags and environment variables, validates it,
// and provides defaults that work against a locally running Self Changer.
//
// CLI flags select what to run (-run, -suite, -driver, -workers) and how to run it
// (-fixture, -mcp). Environment variables provide secrets and service configuration.
package config

import (
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/selfchanger-e2e/internal/logutil"
	"github.com/kuitang/selfchanger-e2e/internal/urlutil"
)

const (
	defaultS3Region = "auto"

	DriverPlaywright = "playwright"
	DriverRod        = "rod"
	DriverChromedp   = "chromedp"
)

// Config holds all runner configuration.
type Config struct {
	// Target
	BaseURL string

	// Browser
	Driver      string // playwright, rod or chromedp
	Headless    bool
	BrowserBin  string // optional Chromium binary for rod/chromedp
	Screenshots bool   // capture a screenshot when a scenario fails

	// Scheduling and timing
	Workers           int
	StepTimeout       time.Duration
	NavigationTimeout time.Duration
	PollInterval      time.Duration
	LaunchRate        float64 // sessions per second

	// Selection
	SuiteFile string // YAML suite; empty means the built-in Self Changer suite
	RunFilter string // regexp over scenario names

	// Outputs
	ArtifactsDir string
	ReportDir    string

	// S3 artifact sink (uses AWS_ env vars; BUCKET_NAME enables it)
	AWSEndpointS3      string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSBucketName      string
	AWSPublicURL       string

	// Run history (SQLCipher)
	HistoryDBPath string
	HistoryKey    string
	FlakyWindow   int

	// Failure notification
	ResendAPIKey string
	NotifyFrom   string
	NotifyTo     []string

	// Observability
	LogLevel    string
	MetricsAddr string
	Trace       bool

	// Alternate modes
	MCPAddr           string
	MCPRate           float64 // MCP requests per second per client
	MCPBurst          int
	UseFixture        bool
	FixtureReplyDelay time.Duration
}

// Flags are the CLI flag values layered over the environment.
type Flags struct {
	BaseURL     string
	Driver      string
	Headless    string // "", "true" or "false"; empty defers to HEADLESS
	Workers     int
	SuiteFile   string
	RunFilter   string
	Artifacts   string
	Report      string
	MetricsAddr string
	Trace       bool
	MCPAddr     string
	Fixture     bool
	NoNotify    bool
	NoHistory   bool
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// ParseFlags parses CLI flags from args (normally os.Args[1:]).
func ParseFlags(name string, args []string, output io.Writer) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	fs.StringVar(&f.BaseURL, "base-url", "", "Application URL (overrides BASE_URL)")
	fs.StringVar(&f.Driver, "driver", "", "Browser driver: playwright, rod or chromedp (overrides BROWSER_DRIVER)")
	fs.StringVar(&f.Headless, "headless", "", "Run the browser headless: true or false (overrides HEADLESS)")
	fs.IntVar(&f.Workers, "workers", 0, "Parallel scenario workers (overrides WORKERS)")
	fs.StringVar(&f.SuiteFile, "suite", "", "YAML suite file (default: built-in Self Changer suite)")
	fs.StringVar(&f.RunFilter, "run", "", "Only run scenarios whose name matches this regexp")
	fs.StringVar(&f.Artifacts, "artifacts", "", "Directory for failure artifacts (overrides ARTIFACTS_DIR)")
	fs.StringVar(&f.Report, "report", "", "Directory for run reports (overrides REPORT_DIR)")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.BoolVar(&f.Trace, "trace", false, "Export OpenTelemetry spans to stdout")
	fs.StringVar(&f.MCPAddr, "mcp", "", "Serve MCP tools on this address instead of running once")
	fs.BoolVar(&f.Fixture, "fixture", false, "Start the reference Self Changer fixture and run against it")
	fs.BoolVar(&f.NoNotify, "no-notify", false, "Never send failure email")
	fs.BoolVar(&f.NoHistory, "no-history", false, "Do not record run history")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// LoadConfig loads configuration from environment variables and CLI flag values.
func LoadConfig(f Flags) (*Config, error) {
	cfg := &Config{}

	cfg.BaseURL = getEnvOrDefault("BASE_URL", "http://localhost:3000")
	if f.BaseURL != "" {
		cfg.BaseURL = f.BaseURL
	}
	cfg.BaseURL = urlutil.NormalizeBase(cfg.BaseURL)

	cfg.Driver = strings.ToLower(getEnvOrDefault("BROWSER_DRIVER", DriverPlaywright))
	if f.Driver != "" {
		cfg.Driver = strings.ToLower(strings.TrimSpace(f.Driver))
	}
	cfg.Headless = parseBoolOrDefault("HEADLESS", true)
	if f.Headless != "" {
		if v, err := strconv.ParseBool(f.Headless); err == nil {
			cfg.Headless = v
		}
	}
	cfg.BrowserBin = getEnvOrDefault("BROWSER_BIN", "")
	cfg.Screenshots = parseBoolOrDefault("SCREENSHOTS", true)

	cfg.Workers = parseIntOrDefault("WORKERS", defaultWorkers())
	if f.Workers > 0 {
		cfg.Workers = f.Workers
	}
	cfg.StepTimeout = parseDurationOrDefault("STEP_TIMEOUT", 5*time.Second)
	cfg.NavigationTimeout = parseDurationOrDefault("NAVIGATION_TIMEOUT", 30*time.Second)
	cfg.PollInterval = parseDurationOrDefault("POLL_INTERVAL", 100*time.Millisecond)
	cfg.LaunchRate = parseFloat64OrDefault("LAUNCH_RATE", 4)

	cfg.SuiteFile = getEnvOrDefault("SUITE_FILE", "")
	if f.SuiteFile != "" {
		cfg.SuiteFile = f.SuiteFile
	}
	cfg.RunFilter = f.RunFilter

	cfg.ArtifactsDir = getEnvOrDefault("ARTIFACTS_DIR", "./artifacts")
	if f.Artifacts != "" {
		cfg.ArtifactsDir = f.Artifacts
	}
	cfg.ReportDir = getEnvOrDefault("REPORT_DIR", "./report")
	if f.Report != "" {
		cfg.ReportDir = f.Report
	}

	cfg.AWSEndpointS3 = getEnvOrDefault("AWS_ENDPOINT_URL_S3", "")
	cfg.AWSRegion = getEnvOrDefault("AWS_REGION", defaultS3Region)
	cfg.AWSAccessKeyID = getEnvOrDefault("AWS_ACCESS_KEY_ID", "")
	cfg.AWSSecretAccessKey = getEnvOrDefault("AWS_SECRET_ACCESS_KEY", "")
	cfg.AWSBucketName = getEnvOrDefault("BUCKET_NAME", "")
	cfg.AWSPublicURL = getEnvOrDefault("S3_PUBLIC_URL", "")
	if cfg.AWSPublicURL == "" && cfg.AWSEndpointS3 != "" && cfg.AWSBucketName != "" {
		cfg.AWSPublicURL = strings.TrimRight(cfg.AWSEndpointS3, "/") + "/" + cfg.AWSBucketName
	}

	if !f.NoHistory {
		cfg.HistoryDBPath = getEnvOrDefault("HISTORY_DB", "")
		cfg.HistoryKey = getEnvOrDefault("HISTORY_KEY", "")
	}
	cfg.FlakyWindow = parseIntOrDefault("FLAKY_WINDOW", 10)

	if !f.NoNotify {
		cfg.ResendAPIKey = getEnvOrDefault("RESEND_API_KEY", "")
		cfg.NotifyTo = splitList(getEnvOrDefault("NOTIFY_TO", ""))
	}
	cfg.NotifyFrom = getEnvOrDefault("NOTIFY_FROM", "e2e@selfchanger.dev")

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", "")
	if f.MetricsAddr != "" {
		cfg.MetricsAddr = f.MetricsAddr
	}
	cfg.Trace = f.Trace || parseBoolOrDefault("TRACE", false)

	cfg.MCPAddr = f.MCPAddr
	cfg.MCPRate = parseFloat64OrDefault("MCP_RATE", 2)
	cfg.MCPBurst = parseIntOrDefault("MCP_BURST", 10)
	cfg.UseFixture = f.Fixture
	cfg.FixtureReplyDelay = parseDurationOrDefault("FIXTURE_REPLY_DELAY", 300*time.Millisecond)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []string

	if !c.UseFixture {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("BASE_URL must be an absolute http(s) URL, got %q", c.BaseURL))
		}
	}

	switch c.Driver {
	case DriverPlaywright, DriverRod, DriverChromedp:
	default:
		errs = append(errs, fmt.Sprintf("BROWSER_DRIVER must be one of playwright, rod, chromedp, got %q", c.Driver))
	}

	if c.Workers <= 0 {
		errs = append(errs, "WORKERS must be positive")
	}
	if c.StepTimeout <= 0 {
		errs = append(errs, "STEP_TIMEOUT must be positive")
	}
	if c.NavigationTimeout <= 0 {
		errs = append(errs, "NAVIGATION_TIMEOUT must be positive")
	}
	if c.PollInterval <= 0 {
		errs = append(errs, "POLL_INTERVAL must be positive")
	} else if c.StepTimeout > 0 && c.PollInterval >= c.StepTimeout {
		errs = append(errs, "POLL_INTERVAL must be shorter than STEP_TIMEOUT")
	}
	if c.LaunchRate <= 0 {
		errs = append(errs, "LAUNCH_RATE must be positive")
	}
	if c.MCPAddr != "" && (c.MCPRate <= 0 || c.MCPBurst <= 0) {
		errs = append(errs, "MCP_RATE and MCP_BURST must be positive")
	}

	if c.RunFilter != "" {
		if _, err := regexp.Compile(c.RunFilter); err != nil {
			errs = append(errs, fmt.Sprintf("-run is not a valid regexp: %v", err))
		}
	}

	// S3: a bucket turns the sink on, and then credentials are required
	if c.AWSBucketName != "" {
		if c.AWSEndpointS3 == "" {
			errs = append(errs, "AWS_ENDPOINT_URL_S3 is required when BUCKET_NAME is set")
		}
		if c.AWSAccessKeyID == "" {
			errs = append(errs, "AWS_ACCESS_KEY_ID is required when BUCKET_NAME is set")
		}
		if c.AWSSecretAccessKey == "" {
			errs = append(errs, "AWS_SECRET_ACCESS_KEY is required when BUCKET_NAME is set")
		}
	}

	if c.HistoryDBPath != "" && len(c.HistoryKey) < 16 {
		errs = append(errs, "HISTORY_KEY must be at least 16 characters when HISTORY_DB is set")
	}
	if c.FlakyWindow < 2 {
		errs = append(errs, "FLAKY_WINDOW must be at least 2")
	}

	if len(c.NotifyTo) > 0 && c.ResendAPIKey == "" {
		errs = append(errs, "RESEND_API_KEY is required when NOTIFY_TO is set (or pass -no-notify)")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}

	return nil
}

// S3Enabled reports whether failure artifacts go to S3 in addition to disk.
func (c *Config) S3Enabled() bool {
	return c.AWSBucketName != ""
}

// HistoryEnabled reports whether runs are recorded in the history database.
func (c *Config) HistoryEnabled() bool {
	return c.HistoryDBPath != ""
}

// NotifyEnabled reports whether failing runs are emailed.
func (c *Config) NotifyEnabled() bool {
	return c.ResendAPIKey != "" && len(c.NotifyTo) > 0
}

// PrintStartupSummary prints a human-readable summary of the configuration to w.
func (c *Config) PrintStartupSummary(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "selfchanger-e2e starting...")

	if c.UseFixture {
		fmt.Fprintln(w, "  Target:    reference fixture (-fixture)")
	} else {
		fmt.Fprintf(w, "  Target:    %s\n", c.BaseURL)
	}
	fmt.Fprintf(w, "  Driver:    %s (headless=%t)\n", c.Driver, c.Headless)
	fmt.Fprintf(w, "  Workers:   %d\n", c.Workers)
	fmt.Fprintf(w, "  Timeouts:  step=%s navigation=%s poll=%s\n", c.StepTimeout, c.NavigationTimeout, c.PollInterval)

	if c.SuiteFile != "" {
		fmt.Fprintf(w, "  Suite:     %s\n", c.SuiteFile)
	} else {
		fmt.Fprintln(w, "  Suite:     built-in Self Changer")
	}

	if c.S3Enabled() {
		fmt.Fprintf(w, "  Artifacts: %s + s3://%s (endpoint: %s)\n", c.ArtifactsDir, c.AWSBucketName, c.AWSEndpointS3)
	} else {
		fmt.Fprintf(w, "  Artifacts: %s\n", c.ArtifactsDir)
	}

	if c.HistoryEnabled() {
		fmt.Fprintf(w, "  History:   %s (key %s)\n", c.HistoryDBPath, logutil.Redact("HISTORY_KEY", c.HistoryKey))
	} else {
		fmt.Fprintln(w, "  History:   disabled")
	}

	if c.NotifyEnabled() {
		fmt.Fprintf(w, "  Notify:    Resend (key %s) -> %s\n", logutil.Redact("RESEND_API_KEY", c.ResendAPIKey), strings.Join(c.NotifyTo, ", "))
	} else {
		fmt.Fprintln(w, "  Notify:    disabled")
	}

	if c.MCPAddr != "" {
		fmt.Fprintf(w, "  MCP:       %s/mcp (%.1f req/s, burst %d per client)\n", c.MCPAddr, c.MCPRate, c.MCPBurst)
	}
	if c.MetricsAddr != "" {
		fmt.Fprintf(w, "  Metrics:   %s/metrics\n", c.MetricsAddr)
	}
	fmt.Fprintln(w, "")
}

// Helper functions for parsing environment variables

func defaultWorkers() int {
	return min(runtime.NumCPU(), 4)
}

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
