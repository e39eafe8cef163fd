// Package config loads collector and agent settings from defaults, the
// environment (optionally seeded from a .env file) and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/bc-dunia/hostpulse/internal/logging"
	"github.com/bc-dunia/hostpulse/internal/otel"
)

// Log holds logger settings shared by both processes.
type Log struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Options converts the settings for logging.New.
func (l Log) Options() logging.Options {
	return logging.Options{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	}
}

func (l Log) validate() error {
	if _, err := logging.ParseLevel(l.Level); err != nil {
		return err
	}
	if !logging.ValidFormat(l.Format) {
		return fmt.Errorf("unknown log format: %s", l.Format)
	}
	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		return errors.New("log rotation limits must be >= 0")
	}
	return nil
}

// Collector holds the collector process settings.
type Collector struct {
	Addr            string
	ShutdownTimeout time.Duration
	Log             Log
	MetricsExporter string
	TraceExporter   string
	OTLPEndpoint    string
	OTLPInsecure    bool
	TraceSampleRate float64
}

// Agent holds the agent process settings.
type Agent struct {
	CollectorAddr    string
	Hostname         string
	Interval         time.Duration
	CPUWindow        time.Duration
	DiskPath         string
	FallbackDiskPath string
	DialTimeout      time.Duration
	Log              Log
}

func loadLog() Log {
	return Log{
		Level:      strings.ToLower(env("LOG_LEVEL", DefaultLogLevel)),
		Format:     strings.ToLower(env("LOG_FORMAT", DefaultLogFormat)),
		File:       env("LOG_FILE", ""),
		MaxSizeMB:  envInt("LOG_MAX_SIZE_MB", DefaultLogMaxSizeMB),
		MaxBackups: envInt("LOG_MAX_BACKUPS", DefaultLogMaxBackups),
		MaxAgeDays: envInt("LOG_MAX_AGE_DAYS", DefaultLogMaxAgeDays),
	}
}

func registerLogFlags(fs *flag.FlagSet, l *Log) {
	fs.StringVar(&l.Level, "log-level", l.Level, "Log level: debug, info, warn, error")
	fs.StringVar(&l.Format, "log-format", l.Format, "Log format: json or text")
	fs.StringVar(&l.File, "log-file", l.File, "Also write logs to this file, rotated by size")
}

// LoadCollector builds the collector settings from args (without the program name).
func LoadCollector(args []string) (Collector, error) {
	_ = godotenv.Load() // ignore error if .env not found

	cfg := Collector{
		Addr:            env("ADDR", DefaultAddr),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
		Log:             loadLog(),
		MetricsExporter: strings.ToLower(env("METRICS_EXPORTER", string(otel.ExporterNone))),
		TraceExporter:   strings.ToLower(env("TRACE_EXPORTER", string(otel.ExporterNone))),
		OTLPEndpoint:    env("OTLP_ENDPOINT", DefaultOTLPEndpoint),
		OTLPInsecure:    envBool("OTLP_INSECURE", false),
		TraceSampleRate: envFloat("TRACE_SAMPLE_RATE", DefaultTraceSampleRate),
	}

	fs := flag.NewFlagSet("collector", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "TCP address to listen on")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "How long to drain connections on shutdown (0 = wait indefinitely)")
	fs.StringVar(&cfg.MetricsExporter, "metrics-exporter", cfg.MetricsExporter, "Metrics exporter: none, stdout, otlp-grpc, otlp-http")
	fs.StringVar(&cfg.TraceExporter, "trace-exporter", cfg.TraceExporter, "Trace exporter: none, stdout, otlp-grpc, otlp-http")
	fs.StringVar(&cfg.OTLPEndpoint, "otlp-endpoint", cfg.OTLPEndpoint, "OTLP collector endpoint")
	fs.BoolVar(&cfg.OTLPInsecure, "otlp-insecure", cfg.OTLPInsecure, "Disable TLS for OTLP")
	fs.Float64Var(&cfg.TraceSampleRate, "trace-sample-rate", cfg.TraceSampleRate, "Fraction of ingest spans to sample (0.0-1.0)")
	registerLogFlags(fs, &cfg.Log)

	if err := fs.Parse(args); err != nil {
		return Collector{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Collector{}, err
	}
	return cfg, nil
}

func (c Collector) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("addr is required")
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("shutdown timeout must be >= 0")
	}
	if _, err := otel.ParseExporterType(c.MetricsExporter); err != nil {
		return fmt.Errorf("metrics exporter: %w", err)
	}
	if _, err := otel.ParseExporterType(c.TraceExporter); err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("trace sample rate must be within [0, 1], got %g", c.TraceSampleRate)
	}
	return c.Log.validate()
}

// MetricsConfig maps the settings onto the OpenTelemetry metrics configuration.
func (c Collector) MetricsConfig() *otel.MetricsConfig {
	exporter, _ := otel.ParseExporterType(c.MetricsExporter)
	cfg := otel.DefaultMetricsConfig()
	cfg.Enabled = exporter != otel.ExporterNone
	cfg.ExporterType = exporter
	cfg.OTLPEndpoint = c.OTLPEndpoint
	cfg.OTLPInsecure = c.OTLPInsecure
	return cfg
}

// TraceConfig maps the settings onto the OpenTelemetry tracer configuration.
func (c Collector) TraceConfig() *otel.Config {
	exporter, _ := otel.ParseExporterType(c.TraceExporter)
	cfg := otel.DefaultConfig()
	cfg.Enabled = exporter != otel.ExporterNone
	cfg.ExporterType = exporter
	cfg.OTLPEndpoint = c.OTLPEndpoint
	cfg.OTLPInsecure = c.OTLPInsecure
	cfg.SampleRate = c.TraceSampleRate
	return cfg
}

// LoadAgent builds the agent settings from args (without the program name).
func LoadAgent(args []string) (Agent, error) {
	_ = godotenv.Load() // ignore error if .env not found

	cfg := Agent{
		CollectorAddr:    env("COLLECTOR_ADDR", DefaultAddr),
		Hostname:         env("HOSTNAME", ""),
		Interval:         envDuration("INTERVAL", DefaultInterval),
		CPUWindow:        envDuration("CPU_WINDOW", DefaultCPUWindow),
		DiskPath:         env("DISK_PATH", DefaultDiskPath),
		FallbackDiskPath: env("FALLBACK_DISK_PATH", DefaultFallbackDiskPath),
		DialTimeout:      envDuration("DIAL_TIMEOUT", DefaultDialTimeout),
		Log:              loadLog(),
	}

	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.StringVar(&cfg.CollectorAddr, "collector-addr", cfg.CollectorAddr, "Collector TCP address")
	fs.StringVar(&cfg.Hostname, "hostname", cfg.Hostname, "Hostname to report (default: detected)")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "Pause between reports")
	fs.DurationVar(&cfg.CPUWindow, "cpu-window", cfg.CPUWindow, "CPU utilisation measurement window")
	fs.StringVar(&cfg.DiskPath, "disk-path", cfg.DiskPath, "Filesystem path to report disk usage for")
	fs.StringVar(&cfg.FallbackDiskPath, "fallback-disk-path", cfg.FallbackDiskPath, "Path tried when --disk-path cannot be read (empty disables)")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Timeout for connecting to the collector (0 = none)")
	registerLogFlags(fs, &cfg.Log)

	if err := fs.Parse(args); err != nil {
		return Agent{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}

func (a Agent) Validate() error {
	if strings.TrimSpace(a.CollectorAddr) == "" {
		return errors.New("collector addr is required")
	}
	if a.Interval <= 0 {
		return errors.New("interval must be > 0")
	}
	if a.CPUWindow <= 0 {
		return errors.New("cpu window must be > 0")
	}
	if strings.TrimSpace(a.DiskPath) == "" {
		return errors.New("disk path is required")
	}
	if a.DialTimeout < 0 {
		return errors.New("dial timeout must be >= 0")
	}
	return a.Log.validate()
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(env(key, ""))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
