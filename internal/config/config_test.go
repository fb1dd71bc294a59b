package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Identity.Audience != "passage-api" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Store.Driver != DriverSQLite {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
	if !cfg.Store.AutoMigrate {
		t.Error("Store.AutoMigrate = false, want true")
	}
	if cfg.Workflow.MaxCumulativeDays != 21 {
		t.Errorf("Workflow.MaxCumulativeDays = %d, want 21", cfg.Workflow.MaxCumulativeDays)
	}
	if cfg.Workflow.SweepInterval != 2*time.Minute {
		t.Errorf("Workflow.SweepInterval = %v, want 2m", cfg.Workflow.SweepInterval)
	}
	// Unset in the file, so the default survives.
	if cfg.Workflow.ReconcileInterval != 10*time.Minute {
		t.Errorf("Workflow.ReconcileInterval = %v, want 10m", cfg.Workflow.ReconcileInterval)
	}

	tr, ok := cfg.Entities["travel_request"]
	if !ok {
		t.Fatal("Entities[travel_request] not found")
	}
	if tr.Sink != SinkTable || tr.Table != "travel_requests" {
		t.Errorf("travel_request entity = %+v", tr)
	}
	if tr.Labels["approved"] != "Approved" {
		t.Errorf("travel_request approved label = %q", tr.Labels["approved"])
	}
	if cfg.Entities["claim"].Sink != SinkLog {
		t.Errorf("claim sink = %q, want log", cfg.Entities["claim"].Sink)
	}
	if cfg.Notify.Stream != "passage:events" {
		t.Errorf("Notify.Stream = %q", cfg.Notify.Stream)
	}
	b := cfg.Notify.Breaker
	if b.FailureThreshold != 3 || b.Cooldown != 10*time.Second {
		t.Errorf("Notify.Breaker = %+v, want threshold 3 and 10s cooldown", b)
	}
	if b.SuccessThreshold != 1 {
		t.Errorf("Notify.Breaker.SuccessThreshold = %d, want default 1", b.SuccessThreshold)
	}
}

func TestLoad_missingFile(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missingIdentity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
}

func TestLoad_incompleteTableSink(t *testing.T) {
	_, err := Load("testdata/bad_entity.yaml")
	if err == nil {
		t.Fatal("Load() with incomplete table sink should return error")
	}
	if !strings.Contains(err.Error(), "entities.visa_application") {
		t.Errorf("error = %v, want mention of entities.visa_application", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Workflow.MaxCumulativeDays != 30 {
		t.Errorf("default MaxCumulativeDays = %d, want 30", cfg.Workflow.MaxCumulativeDays)
	}
	if cfg.Directory.Cache.TTL != 5*time.Minute {
		t.Errorf("default Directory.Cache.TTL = %v, want 5m", cfg.Directory.Cache.TTL)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PASSAGE_SERVER_PORT", "3000")
	t.Setenv("PASSAGE_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("PASSAGE_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("PASSAGE_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("PASSAGE_NOTIFY_DRIVER", "log")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if cfg.Notify.Driver != "log" {
		t.Errorf("Notify.Driver = %q, want log (env override)", cfg.Notify.Driver)
	}
}

func TestStoreConfig_ResolveDSN(t *testing.T) {
	s := StoreConfig{DSNEnv: "PASSAGE_TEST_DSN", DSN: "file-dsn"}
	if got := s.ResolveDSN(); got != "file-dsn" {
		t.Errorf("ResolveDSN() = %q, want file-dsn", got)
	}
	t.Setenv("PASSAGE_TEST_DSN", "env-dsn")
	if got := s.ResolveDSN(); got != "env-dsn" {
		t.Errorf("ResolveDSN() = %q, want env-dsn", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults with identity disabled", func(c *Config) {}, false},
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, true},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, true},
		{"postgres without dsn", func(c *Config) {
			c.Store.Driver = DriverPostgres
			c.Store.DSNEnv = ""
		}, true},
		{"zero cumulative threshold", func(c *Config) { c.Workflow.MaxCumulativeDays = 0 }, true},
		{"unknown sink", func(c *Config) {
			c.Entities = map[string]EntityConfig{"claim": {Sink: "webhook"}}
		}, true},
		{"redis without addr", func(c *Config) {
			c.Notify.Driver = "redis"
			c.Notify.AddrEnv = ""
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Identity.Disabled = true
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
