package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pgcrab.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	doc := `
[listen]
host = "0.0.0.0"
port = 6432
api_port = 8080

[defaults]
min_connections = 2
max_connections = 20

[[shards]]
name = "shard0"
host = "localhost"
port = 5433
user = "pgcrab"
password = "pgcrabpass"

[[users]]
username = "app"
password = "apppass"
`
	path := writeTemp(t, doc)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen.Port != 6432 {
		t.Errorf("expected listen port 6432, got %d", cfg.Listen.Port)
	}
	if cfg.Defaults.MaxConnections != 20 {
		t.Errorf("expected max connections 20, got %d", cfg.Defaults.MaxConnections)
	}
	if len(cfg.Shards) != 1 || cfg.Shards[0].Name != "shard0" {
		t.Fatalf("expected one shard named shard0, got %+v", cfg.Shards)
	}
	if cfg.Shards[0].EffectiveMaxConnections(cfg.Defaults) != 20 {
		t.Errorf("expected shard to inherit default max connections")
	}
	if cfg.Router.ConflictPolicy != ConflictPolicyStrict {
		t.Errorf("expected default conflict policy strict, got %q", cfg.Router.ConflictPolicy)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("PGCRAB_TEST_PASSWORD", "secret123")
	defer os.Unsetenv("PGCRAB_TEST_PASSWORD")

	doc := `
[[shards]]
name = "shard0"
host = "localhost"
user = "pgcrab"
password = "${PGCRAB_TEST_PASSWORD}"
`
	path := writeTemp(t, doc)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Shards[0].Password != "secret123" {
		t.Errorf("expected substituted password, got %q", cfg.Shards[0].Password)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "missing host",
			doc: `
[[shards]]
name = "shard0"
user = "pgcrab"
password = "x"
`,
		},
		{
			name: "duplicate shard name",
			doc: `
[[shards]]
name = "shard0"
host = "a"
user = "pgcrab"
password = "x"
[[shards]]
name = "shard0"
host = "b"
user = "pgcrab"
password = "x"
`,
		},
		{
			name: "bad conflict policy",
			doc: `
[router]
conflict_policy = "bogus"
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.doc)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestShardRecordsAppliesDefaults(t *testing.T) {
	doc := `
[defaults]
min_connections = 1
max_connections = 5

[[shards]]
name = "shard0"
host = "localhost"
user = "pgcrab"
password = "x"
`
	cfg, err := Load(writeTemp(t, doc))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	records := cfg.ShardRecords()
	if len(records) != 1 {
		t.Fatalf("expected 1 shard record, got %d", len(records))
	}
	if records[0].MinConnections != 1 || records[0].MaxConnections != 5 {
		t.Errorf("expected defaults applied, got %+v", records[0])
	}
	if records[0].Port != 5432 {
		t.Errorf("expected default port 5432, got %d", records[0].Port)
	}
}

func TestLoadUsers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.toml")
	doc := `
[[users]]
username = "app"
password = "apppass"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	users, err := LoadUsers(path)
	if err != nil {
		t.Fatalf("LoadUsers failed: %v", err)
	}
	if len(users) != 1 || users[0].Username != "app" {
		t.Fatalf("unexpected users: %+v", users)
	}
}
