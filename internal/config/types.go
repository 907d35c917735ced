package config

import "time"

// Config is the root configuration structure for scanfleet.
// Serialised to ~/.scanfleet/config.json.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Redis    RedisConfig    `mapstructure:"redis"    json:"redis"`
	Sonar    SonarConfig    `mapstructure:"sonar"    json:"sonar"`
	Scan     ScanConfig     `mapstructure:"scan"     json:"scan"`
	Ingest   IngestConfig   `mapstructure:"ingest"   json:"ingest"`
	Repos    ReposConfig    `mapstructure:"repos"    json:"repos"`
	Git      GitConfig      `mapstructure:"git"      json:"git"`
	Serve    ServeConfig    `mapstructure:"serve"    json:"serve"`
	Notify   NotifyConfig   `mapstructure:"notify"   json:"notify"`
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the MySQL data source name (used when Driver == "mysql").
	DSN string `mapstructure:"dsn"    json:"dsn"`
}

// RedisConfig controls the broker connection backing the work queue.
type RedisConfig struct {
	// URL format: redis://[:password@]host:port[/db]
	URL string `mapstructure:"url" json:"url"`
	// Namespace prefixes every queue key so multiple fleets can share a broker.
	Namespace string `mapstructure:"namespace" json:"namespace"`
}

// InstanceConfig describes one analysis server the fleet may submit to.
type InstanceConfig struct {
	Name string `mapstructure:"name" json:"name" yaml:"name"`
	Host string `mapstructure:"host" json:"host" yaml:"host"`
	// Token authenticates scanner submissions and metrics reads.
	Token string `mapstructure:"token" json:"token" yaml:"token"` // #nosec G101 -- config field, not a hardcoded credential
	// ConcurrencyCap is the maximum number of simultaneous analyses this
	// instance may run. Enforced by the lock manager.
	ConcurrencyCap int `mapstructure:"concurrency_cap" json:"concurrency_cap" yaml:"concurrency_cap"`
	// ScannerPath overrides the scanner binary used for this instance.
	ScannerPath string `mapstructure:"scanner_path" json:"scanner_path" yaml:"scanner_path"`
}

// SonarConfig holds everything about the analysis server fleet and its
// protocol surfaces (webhook, metrics read API).
type SonarConfig struct {
	// Instances is the inline fleet definition.
	Instances []InstanceConfig `mapstructure:"instances" json:"instances"`
	// InstancesFile optionally points at a YAML fleet file merged over
	// Instances (entries with the same name win).
	InstancesFile string `mapstructure:"instances_file" json:"instances_file"`

	// WebhookSecret signs/verifies completion callbacks (HMAC-SHA256).
	WebhookSecret string `mapstructure:"webhook_secret" json:"webhook_secret"` // #nosec G101 -- config field, not a hardcoded credential
	// WebhookSignatureHeaders lists the header names checked for the
	// hex-encoded HMAC. All are tried in order.
	WebhookSignatureHeaders []string `mapstructure:"webhook_signature_headers" json:"webhook_signature_headers"`

	// Metrics is the metric key set fetched for every successful analysis.
	Metrics []string `mapstructure:"metrics" json:"metrics"`
	// MetricsChunkSize caps the number of keys per read-API call.
	MetricsChunkSize int `mapstructure:"metrics_chunk_size" json:"metrics_chunk_size"`
	// MetricsHTTPTimeoutMS is the per-request timeout for metrics reads.
	MetricsHTTPTimeoutMS int `mapstructure:"metrics_http_timeout_ms" json:"metrics_http_timeout_ms"`
	// MetricsRetryMax bounds retries on 5xx/timeout per chunk.
	MetricsRetryMax int `mapstructure:"metrics_retry_max" json:"metrics_retry_max"`
	// MetricsNotFoundDeadlineSeconds bounds 404 (component not yet
	// indexed) retries after a successful analysis.
	MetricsNotFoundDeadlineSeconds int `mapstructure:"metrics_not_found_deadline_seconds" json:"metrics_not_found_deadline_seconds"`

	// ScannerDefaultProps is the system-default analysis property blob.
	// Resolution order at scan time: job override, project override, this.
	ScannerDefaultProps string `mapstructure:"scanner_default_props" json:"scanner_default_props"`
}

// ScanConfig controls the job lifecycle: leases, retries, timeouts.
type ScanConfig struct {
	Workers int `mapstructure:"workers" json:"workers"`

	LeaseTTLSeconds              int `mapstructure:"lease_ttl_seconds"                json:"lease_ttl_seconds"`
	ReconcilerIntervalSeconds    int `mapstructure:"reconciler_interval_seconds"      json:"reconciler_interval_seconds"`
	WaitForWebhookTimeoutSeconds int `mapstructure:"wait_for_webhook_timeout_seconds" json:"wait_for_webhook_timeout_seconds"`
	ScanTimeoutSeconds           int `mapstructure:"scan_timeout_seconds"             json:"scan_timeout_seconds"`
	StaleQueueThresholdSeconds   int `mapstructure:"stale_queue_threshold_seconds"    json:"stale_queue_threshold_seconds"`

	MaxRetries         int     `mapstructure:"max_retries"           json:"max_retries"`
	RetryBackoffBaseMS int     `mapstructure:"retry_backoff_base_ms" json:"retry_backoff_base_ms"`
	RetryBackoffCapMS  int     `mapstructure:"retry_backoff_cap_ms"  json:"retry_backoff_cap_ms"`
	RetryJitterRatio   float64 `mapstructure:"retry_jitter_ratio"    json:"retry_jitter_ratio"`

	// NoSlotBackoffMS is the visibility delay applied when no instance
	// slot is available.
	NoSlotBackoffMS int `mapstructure:"no_slot_backoff_ms" json:"no_slot_backoff_ms"`

	// LogDir is where per-commit scanner logs are written.
	LogDir string `mapstructure:"log_dir" json:"log_dir"`
}

// IngestConfig controls project CSV parsing.
type IngestConfig struct {
	// CSVEncoding is the fallback charset tried when a CSV is not valid
	// UTF-8 (e.g. "latin-1", "windows-1252"). Empty means UTF-8 only.
	CSVEncoding string `mapstructure:"csv_encoding" json:"csv_encoding"`
	// ChunkSize is the number of jobs created per batch.
	ChunkSize int `mapstructure:"ingestion_chunk_size" json:"ingestion_chunk_size"`
}

// ReposConfig controls the local repository cache.
type ReposConfig struct {
	// Workdir is the root under which bare clones and working copies live.
	Workdir string `mapstructure:"workdir" json:"workdir"`
	// GCDiskFreeThresholdMB triggers bare-clone garbage collection when
	// free disk drops below it. Zero disables GC.
	GCDiskFreeThresholdMB int `mapstructure:"gc_disk_free_threshold_mb" json:"gc_disk_free_threshold_mb"`
	// GCSchedule is the cron expression for the cache maintenance sweep.
	GCSchedule string `mapstructure:"gc_schedule" json:"gc_schedule"`
}

// GitConfig holds credentials for each supported git hosting platform.
type GitConfig struct {
	GitHub []GitHubConfig `mapstructure:"github" json:"github"`
	GitLab []GitLabConfig `mapstructure:"gitlab" json:"gitlab"`
}

// GitHubConfig holds credentials for a single GitHub instance.
type GitHubConfig struct {
	Token string `mapstructure:"token" json:"token"`
	// Host allows enterprise GitHub (e.g. github.mycompany.com).
	Host string `mapstructure:"host"  json:"host"`
}

// GitLabConfig holds credentials for a single GitLab instance.
type GitLabConfig struct {
	Token string `mapstructure:"token" json:"token"`
	Host  string `mapstructure:"host"  json:"host"`
}

// ServeConfig controls the webhook intake daemon.
type ServeConfig struct {
	// Port is the HTTP port the intake listens on (default: 6380).
	Port int `mapstructure:"port" json:"port"`
	// MetricsWorkers is the number of goroutines draining the metrics
	// fetch queue fed by correlated webhooks.
	MetricsWorkers int `mapstructure:"metrics_workers" json:"metrics_workers"`
}

// NotifyConfig controls outbound operator notifications.
type NotifyConfig struct {
	Slack   SlackNotifyConfig   `mapstructure:"slack"   json:"slack"`
	Webhook WebhookNotifyConfig `mapstructure:"webhook" json:"webhook"`
	// Events is the explicit list of event types to notify on.
	// Empty means use defaults: commit_failed, project_done.
	Events []string `mapstructure:"events" json:"events"`
}

// SlackNotifyConfig holds the Slack incoming webhook URL.
type SlackNotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url" json:"webhook_url"`
}

// WebhookNotifyConfig holds generic HTTP webhook settings.
type WebhookNotifyConfig struct {
	URL    string `mapstructure:"url"    json:"url"`
	Secret string `mapstructure:"secret" json:"secret"` // HMAC-SHA256 signing key // #nosec G101 -- config field, not a hardcoded credential
}

// Duration accessors keep the second/millisecond config units in one place.

func (c ScanConfig) LeaseTTL() time.Duration { return time.Duration(c.LeaseTTLSeconds) * time.Second }

func (c ScanConfig) ReconcilerInterval() time.Duration {
	return time.Duration(c.ReconcilerIntervalSeconds) * time.Second
}

func (c ScanConfig) WaitForWebhookTimeout() time.Duration {
	return time.Duration(c.WaitForWebhookTimeoutSeconds) * time.Second
}

func (c ScanConfig) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutSeconds) * time.Second
}

func (c ScanConfig) StaleQueueThreshold() time.Duration {
	return time.Duration(c.StaleQueueThresholdSeconds) * time.Second
}

func (c ScanConfig) RetryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseMS) * time.Millisecond
}

func (c ScanConfig) RetryBackoffCap() time.Duration {
	return time.Duration(c.RetryBackoffCapMS) * time.Millisecond
}

func (c ScanConfig) NoSlotBackoff() time.Duration {
	return time.Duration(c.NoSlotBackoffMS) * time.Millisecond
}

func (c SonarConfig) MetricsHTTPTimeout() time.Duration {
	return time.Duration(c.MetricsHTTPTimeoutMS) * time.Millisecond
}

func (c SonarConfig) MetricsNotFoundDeadline() time.Duration {
	return time.Duration(c.MetricsNotFoundDeadlineSeconds) * time.Second
}
