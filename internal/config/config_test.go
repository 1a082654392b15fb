package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lakesync.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile_Defaults(t *testing.T) {
	t.Setenv("LAKESYNC_DEV_MODE", "true")
	path := writeConfig(t, `
gateway:
  id: gw-test
  flush_format: json
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port lost: %d", cfg.Server.Port)
	}
	if cfg.Gateway.ID != "gw-test" {
		t.Errorf("yaml value lost: %s", cfg.Gateway.ID)
	}
	if time.Duration(cfg.Gateway.MaxBufferAge) != 30*time.Second {
		t.Errorf("default buffer age lost: %v", cfg.Gateway.MaxBufferAge)
	}
}

func TestLoadFromFile_DurationParsing(t *testing.T) {
	t.Setenv("LAKESYNC_DEV_MODE", "true")
	path := writeConfig(t, `
gateway:
  id: gw
  flush_format: json
  max_buffer_age: 2m30s
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if time.Duration(cfg.Gateway.MaxBufferAge) != 2*time.Minute+30*time.Second {
		t.Errorf("duration parsed wrong: %v", cfg.Gateway.MaxBufferAge)
	}
}

func TestLoadFromFile_EnvOverrides(t *testing.T) {
	t.Setenv("LAKESYNC_DEV_MODE", "true")
	t.Setenv("LAKESYNC_PORT", "9999")
	t.Setenv("LAKESYNC_GATEWAY_ID", "from-env")
	path := writeConfig(t, `
gateway:
  id: from-yaml
  flush_format: json
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9999 || cfg.Gateway.ID != "from-env" {
		t.Errorf("env overrides not applied: port=%d id=%s", cfg.Server.Port, cfg.Gateway.ID)
	}
}

func TestValidate_ParquetRequiresSchemas(t *testing.T) {
	t.Setenv("LAKESYNC_DEV_MODE", "true")
	path := writeConfig(t, `
gateway:
  id: gw
  flush_format: parquet
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("parquet without schemas must fail validation")
	}
}

func TestValidate_RequiresSecretOutsideDevMode(t *testing.T) {
	t.Setenv("LAKESYNC_DEV_MODE", "")
	t.Setenv("LAKESYNC_AUTH_SECRET", "")
	path := writeConfig(t, `
gateway:
  id: gw
  flush_format: json
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("missing auth secret must fail validation")
	}
}

func TestValidate_ConnectorTypes(t *testing.T) {
	t.Setenv("LAKESYNC_DEV_MODE", "true")
	path := writeConfig(t, `
gateway:
  id: gw
  flush_format: json
connectors:
  - type: oracle-cdc
    name: bad
    dsn: whatever
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("unknown connector type must fail validation")
	}
}

func TestLoadFromFile_Connectors(t *testing.T) {
	t.Setenv("LAKESYNC_DEV_MODE", "true")
	path := writeConfig(t, `
gateway:
  id: gw
  flush_format: json
connectors:
  - type: postgres-cdc
    name: primary-pg
    dsn: postgres://localhost/app
    tables: [todos, users]
    ingest:
      interval: 5s
      chunk_size: 200
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Connectors) != 1 {
		t.Fatalf("connector lost: %d", len(cfg.Connectors))
	}
	conn := cfg.Connectors[0]
	if conn.Type != "postgres-cdc" || len(conn.Tables) != 2 {
		t.Errorf("connector parsed wrong: %+v", conn)
	}
	if time.Duration(conn.Ingest.Interval) != 5*time.Second || conn.Ingest.ChunkSize != 200 {
		t.Errorf("ingest settings wrong: %+v", conn.Ingest)
	}
}

func TestLoadFromFile_Schemas(t *testing.T) {
	t.Setenv("LAKESYNC_DEV_MODE", "true")
	path := writeConfig(t, `
gateway:
  id: gw
  flush_format: parquet
schemas:
  - table: tickets
    source_table: jira_issues
    external_id_column: external_id
    columns:
      - {name: external_id, type: string}
      - {name: title, type: string}
      - {name: done, type: boolean}
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ts := cfg.Schemas[0]
	if ts.Source() != "jira_issues" || ts.ExternalIDColumn != "external_id" {
		t.Errorf("schema parsed wrong: %+v", ts)
	}
}
