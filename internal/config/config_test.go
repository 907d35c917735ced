package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Redis.URL = "redis://localhost:6379/0"
	cfg.Sonar.Instances = []InstanceConfig{
		{Name: "primary", Host: "http://sonar:9000", ConcurrencyCap: 2},
	}
	cfg.Sonar.Metrics = []string{"ncloc"}
	cfg.Scan.LeaseTTLSeconds = 900
	return cfg
}

func TestValidate(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	broken := validConfig()
	broken.Sonar.Instances = nil
	if err := Validate(broken); err == nil {
		t.Fatal("no instances must fail validation")
	}

	broken = validConfig()
	broken.Sonar.Instances[0].ConcurrencyCap = 0
	if err := Validate(broken); err == nil {
		t.Fatal("zero concurrency cap must fail validation")
	}

	broken = validConfig()
	broken.Sonar.Instances = append(broken.Sonar.Instances, broken.Sonar.Instances[0])
	if err := Validate(broken); err == nil {
		t.Fatal("duplicate instance names must fail validation")
	}
}

func TestMergeInstancesFile(t *testing.T) {
	fleet := `instances:
  - name: primary
    host: http://sonar-a:9000
    token: tok-a
    concurrency_cap: 4
  - name: secondary
    host: http://sonar-b:9000
    token: tok-b
    concurrency_cap: 2
`
	path := filepath.Join(t.TempDir(), "instances.yaml")
	if err := os.WriteFile(path, []byte(fleet), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := validConfig()
	cfg.Sonar.InstancesFile = path
	if err := mergeInstancesFile(cfg); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if len(cfg.Sonar.Instances) != 2 {
		t.Fatalf("instances = %d, want 2", len(cfg.Sonar.Instances))
	}
	// The file entry replaces the inline one with the same name.
	primary, ok := cfg.Instance("primary")
	if !ok || primary.ConcurrencyCap != 4 || primary.Host != "http://sonar-a:9000" {
		t.Fatalf("primary not replaced: %+v", primary)
	}
	if _, ok := cfg.Instance("secondary"); !ok {
		t.Fatal("secondary not appended")
	}
}

func TestInstanceLookup(t *testing.T) {
	cfg := validConfig()
	if _, ok := cfg.Instance("primary"); !ok {
		t.Fatal("known instance not found")
	}
	if _, ok := cfg.Instance("ghost"); ok {
		t.Fatal("unknown instance resolved")
	}
}
