package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"
)

const (
	DefaultConfigDir  = ".scanfleet"
	DefaultConfigFile = "config.json"
	DefaultDBFile     = ".scanfleet/scanfleet.db"
	DefaultWorkdir    = ".scanfleet/repos"
	DefaultLogDir     = ".scanfleet/logs"
)

// Load reads the config file and returns a populated Config.
// The configPath flag may override the default location.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("SCANFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !isNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
		// No config yet — defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)

	if cfg.Sonar.InstancesFile != "" {
		if err := mergeInstancesFile(&cfg); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// Save writes the config to disk as JSON.
func Save(cfg *Config, configPath string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	if configPath == "" {
		configPath = filepath.Join(home, DefaultConfigDir, DefaultConfigFile)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}

	return os.WriteFile(configPath, data, 0o600)
}

// Validate checks the fields every daemon command depends on.
func Validate(cfg *Config) error {
	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if len(cfg.Sonar.Instances) == 0 {
		return fmt.Errorf("at least one analysis instance must be configured (sonar.instances)")
	}
	seen := map[string]bool{}
	for _, inst := range cfg.Sonar.Instances {
		if inst.Name == "" || inst.Host == "" {
			return fmt.Errorf("instance entries require name and host")
		}
		if inst.ConcurrencyCap <= 0 {
			return fmt.Errorf("instance %s: concurrency_cap must be > 0", inst.Name)
		}
		if seen[inst.Name] {
			return fmt.Errorf("duplicate instance name %q", inst.Name)
		}
		seen[inst.Name] = true
	}
	if cfg.Scan.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("scan.lease_ttl_seconds must be > 0")
	}
	if len(cfg.Sonar.Metrics) == 0 {
		return fmt.Errorf("sonar.metrics must list at least one metric key")
	}
	return nil
}

// Instance returns the instance config by name.
func (c *Config) Instance(name string) (InstanceConfig, bool) {
	for _, inst := range c.Sonar.Instances {
		if inst.Name == name {
			return inst, true
		}
	}
	return InstanceConfig{}, false
}

// mergeInstancesFile layers a YAML fleet file over the inline instances.
// Entries with the same name replace their inline counterpart.
func mergeInstancesFile(cfg *Config) error {
	data, err := os.ReadFile(cfg.Sonar.InstancesFile)
	if err != nil {
		return fmt.Errorf("reading instances file: %w", err)
	}

	var doc struct {
		Instances []InstanceConfig `yaml:"instances"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing instances file %s: %w", cfg.Sonar.InstancesFile, err)
	}

	byName := map[string]int{}
	for i, inst := range cfg.Sonar.Instances {
		byName[inst.Name] = i
	}
	for _, inst := range doc.Instances {
		if i, ok := byName[inst.Name]; ok {
			cfg.Sonar.Instances[i] = inst
		} else {
			cfg.Sonar.Instances = append(cfg.Sonar.Instances, inst)
		}
	}
	return nil
}

// setDefaults populates viper with sensible out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))
	v.SetDefault("database.dsn", "")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.namespace", "scanfleet")

	v.SetDefault("sonar.webhook_signature_headers",
		[]string{"X-Sonar-Webhook-HMAC-SHA256", "X-Hub-Signature-256"})
	v.SetDefault("sonar.metrics", []string{
		"ncloc", "complexity", "code_smells", "bugs", "vulnerabilities",
		"coverage", "duplicated_lines_density", "sqale_index",
	})
	v.SetDefault("sonar.metrics_chunk_size", 15)
	v.SetDefault("sonar.metrics_http_timeout_ms", 10000)
	v.SetDefault("sonar.metrics_retry_max", 5)
	v.SetDefault("sonar.metrics_not_found_deadline_seconds", 120)

	v.SetDefault("scan.workers", 4)
	v.SetDefault("scan.lease_ttl_seconds", 900)
	v.SetDefault("scan.reconciler_interval_seconds", 60)
	v.SetDefault("scan.wait_for_webhook_timeout_seconds", 600)
	v.SetDefault("scan.scan_timeout_seconds", 1800)
	v.SetDefault("scan.stale_queue_threshold_seconds", 3600)
	v.SetDefault("scan.max_retries", 3)
	v.SetDefault("scan.retry_backoff_base_ms", 5000)
	v.SetDefault("scan.retry_backoff_cap_ms", 300000)
	v.SetDefault("scan.retry_jitter_ratio", 0.2)
	v.SetDefault("scan.no_slot_backoff_ms", 15000)
	v.SetDefault("scan.log_dir", filepath.Join(home, DefaultLogDir))

	v.SetDefault("ingest.csv_encoding", "latin-1")
	v.SetDefault("ingest.ingestion_chunk_size", 500)

	v.SetDefault("repos.workdir", filepath.Join(home, DefaultWorkdir))
	v.SetDefault("repos.gc_disk_free_threshold_mb", 2048)
	v.SetDefault("repos.gc_schedule", "@hourly")

	v.SetDefault("serve.port", 6380)
	v.SetDefault("serve.metrics_workers", 2)
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
	cfg.Scan.LogDir = expandHome(cfg.Scan.LogDir, home)
	cfg.Repos.Workdir = expandHome(cfg.Repos.Workdir, home)
	cfg.Sonar.InstancesFile = expandHome(cfg.Sonar.InstancesFile, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}
