package config

import "time"

// Default configuration constants for the collector and agent
const (
	DefaultAddr             = "127.0.0.1:8080"
	DefaultInterval         = 5 * time.Second
	DefaultCPUWindow        = time.Second
	DefaultDialTimeout      = 0 // no connect timeout unless configured
	DefaultShutdownTimeout  = 0 // drain without a deadline unless configured
	DefaultDiskPath         = "/"
	DefaultFallbackDiskPath = "/System/Volumes/Data"
	DefaultEventBufferSize  = 10000
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultLogMaxSizeMB     = 100
	DefaultLogMaxBackups    = 3
	DefaultLogMaxAgeDays    = 28
	DefaultTraceSampleRate  = 1.0
	DefaultOTLPEndpoint     = "localhost:4317"
	EnvPrefix               = "HOSTPULSE_"
)
