package config

import "notifrelay/internal/filter"

// Config is the relay's file configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "30s", "1h"). Secrets may be left empty and
// supplied through the environment (see env.go).
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Ingest       IngestConfig       `json:"ingest"`
	Filter       FilterConfig       `json:"filter"`
	Queue        QueueConfig        `json:"queue"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Registry     RegistryConfig     `json:"registry"`
	Transport    TransportConfig    `json:"transport"`
	Devices      []DeviceConfig     `json:"devices"`
	Storage      StorageConfig      `json:"storage"`
	Admin        AdminConfig        `json:"admin"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	Alerts       AlertsConfig       `json:"alerts"`
	Systemd      SystemdConfig      `json:"systemd"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alerts  LoggingAlert `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards WARN+ log records to the alert sender.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// IngestConfig controls the capture boundary.
//
// Defaults: capacity 1024, submit_wait "0s" (fail fast), workers 2,
// max_content_bytes 4096.
type IngestConfig struct {
	Capacity        int    `json:"capacity,omitempty"`
	SubmitWait      string `json:"submit_wait,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	MaxContentBytes int    `json:"max_content_bytes,omitempty"`
}

type FilterConfig struct {
	Rules []filter.Rule `json:"rules"`
	// MaxTextBytes caps the text a content pattern scans.
	MaxTextBytes int `json:"max_text_bytes,omitempty"`
}

// QueueConfig controls per-target delivery queues.
//
// Defaults: max_depth 1000, max_attempts 5, backoff 1s * 2^n capped at 5m
// with 20% jitter, ack_retention "10m".
type QueueConfig struct {
	MaxDepth      int      `json:"max_depth,omitempty"`
	MaxAttempts   int      `json:"max_attempts,omitempty"`
	BackoffBase   string   `json:"backoff_base,omitempty"`
	BackoffFactor float64  `json:"backoff_factor,omitempty"`
	BackoffMax    string   `json:"backoff_max,omitempty"`
	BackoffJitter *float64 `json:"backoff_jitter,omitempty"`
	AckRetention  string   `json:"ack_retention,omitempty"`
	StoreTimeout  string   `json:"store_timeout,omitempty"`
}

type DispatchConfig struct {
	SendTimeout string  `json:"send_timeout,omitempty"`
	AckTimeout  string  `json:"ack_timeout,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
}

type RegistryConfig struct {
	HeartbeatTimeout string `json:"heartbeat_timeout,omitempty"`
	SweepInterval    string `json:"sweep_interval,omitempty"`
}

// TransportConfig controls the device stream listener. Changes need a restart.
type TransportConfig struct {
	Addr         string `json:"addr"`
	TLSCert      string `json:"tls_cert,omitempty"`
	TLSKey       string `json:"tls_key,omitempty"`
	HelloTimeout string `json:"hello_timeout,omitempty"`
	Keepalive    string `json:"keepalive,omitempty"`
}

// DeviceConfig pairs one remote client. Token may come from RELAY_DEVICE_TOKENS.
type DeviceConfig struct {
	ID          string `json:"id"`
	Token       string `json:"token,omitempty"`
	MinPriority string `json:"min_priority,omitempty"`
}

// StorageConfig selects the durable queue backend. Changes need a restart.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./relay.db" }
type StorageConfig struct {
	Driver       string      `json:"driver"`
	Path         string      `json:"path,omitempty"`
	BusyTimeout  string      `json:"busy_timeout,omitempty"`
	CompactEvery int         `json:"compact_every,omitempty"`
	NoSync       bool        `json:"no_sync,omitempty"`
	Redis        RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	URL            string `json:"url,omitempty"`
	Password       string `json:"password,omitempty"`
	Prefix         string `json:"prefix,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

// AdminConfig controls the operator HTTP API.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:7070").
//   - A non-loopback address needs a token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// HousekeepingConfig holds cron specs; omitted specs take the defaults and
// "off" disables a job.
type HousekeepingConfig struct {
	Timezone            string `json:"timezone,omitempty"`
	AckPrune            string `json:"ack_prune,omitempty"`
	DeadLetterSweep     string `json:"dead_letter_sweep,omitempty"`
	DeadLetterRetention string `json:"dead_letter_retention,omitempty"`
	Compact             string `json:"compact,omitempty"`
}

type AlertsConfig struct {
	RatePerMin int            `json:"rate_per_min,omitempty"`
	Telegram   TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
