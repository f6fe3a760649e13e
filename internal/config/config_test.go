package config

import (
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/wardflow_test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Errorf("expected default env development, got %s", cfg.Env)
	}
	if cfg.DBMaxConns != 20 {
		t.Errorf("expected default max conns 20, got %d", cfg.DBMaxConns)
	}
	if cfg.MigrationsDir != "migrations" {
		t.Errorf("expected default migrations dir, got %s", cfg.MigrationsDir)
	}
	if !cfg.IsDev() {
		t.Error("expected IsDev true by default")
	}
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("expected DATABASE_URL in error, got %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/wardflow_test")
	t.Setenv("PORT", "9100")
	t.Setenv("ENV", "production")
	t.Setenv("DB_MAX_CONNS", "50")
	t.Setenv("CORS_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9100" {
		t.Errorf("expected port 9100, got %s", cfg.Port)
	}
	if !cfg.IsProduction() {
		t.Error("expected IsProduction true")
	}
	if cfg.DBMaxConns != 50 {
		t.Errorf("expected max conns 50, got %d", cfg.DBMaxConns)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("expected 2 CORS origins, got %v", cfg.CORSOrigins)
	}
}

func TestValidate(t *testing.T) {
	longKey := strings.Repeat("k", 32)

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"production without signing key", Config{Env: "production", RequestTimeout: 30}, true},
		{"production with signing key", Config{Env: "production", AuthSigningKey: longKey, RequestTimeout: 30}, false},
		{"short signing key", Config{Env: "development", AuthSigningKey: "short", RequestTimeout: 30}, true},
		{"development without key", Config{Env: "development", RequestTimeout: 30}, false},
		{"zero timeout", Config{Env: "development", RequestTimeout: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
