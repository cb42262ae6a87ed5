package config

import "time"

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultDataDir     = "./data/tinystation"
	DefaultMaxMemoryMB = 48
)

// Bus defaults
const (
	DefaultBusMode      = "direct"
	DefaultTickInterval = 50 * time.Millisecond
	DefaultMaxPerTick   = 50
	DefaultStreamBuffer = 100
	DefaultMaxOverflows = 10
	AlertTopic          = "alert"
)

// Source defaults
const (
	DefaultSourceInterval = 5 * time.Second
	DefaultRestartBackoff = 5 * time.Second
)

// Store defaults
const (
	DefaultFlushInterval   = 10 * time.Second
	DefaultDownsampleBatch = 100
	DefaultRetentionDays   = 7
	CleanupInterval        = 1 * time.Hour
	BadgerGCInterval       = 10 * time.Minute
	AveragedBucketWidth    = 300 * time.Second
)

// Alert defaults
const (
	DefaultAlertLevel    = "info"
	DefaultAlertCooldown = 300 * time.Second
)

// History query limits
const (
	DefaultHistoryHours  = 24.0
	MaxHistoryHours      = 720.0
	DefaultHistoryPoints = 300
	MaxHistoryPoints     = 1000
	QueryTimeout         = 10 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
