package config

import "testing"

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is unset")
	}
}

func TestLoad_DefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/billing")
	t.Setenv("SFTP_REMOTE_DIRS", "anthem/outbound,esi/outbound")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("Port = %q, want default 8000", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Errorf("Env = %q, want default development", cfg.Env)
	}
	if cfg.SFTPPort != 22 {
		t.Errorf("SFTPPort = %d, want default 22", cfg.SFTPPort)
	}
	if len(cfg.SFTPRemoteDirs) != 2 || cfg.SFTPRemoteDirs[0] != "anthem/outbound" {
		t.Errorf("SFTPRemoteDirs = %v", cfg.SFTPRemoteDirs)
	}
	if !cfg.IsDev() {
		t.Error("IsDev() = false for development env")
	}
}

func TestValidate_ProductionRequiresBucketAndGateway(t *testing.T) {
	cfg := &Config{Env: "production", DatabaseURL: "postgres://db"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for production without GCS_BUCKET")
	}

	cfg.GCSBucket = "maven-accumulation"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for production without gateway credentials")
	}

	cfg.GatewayBaseURL = "https://gateway.example.com"
	cfg.GatewayAPIKey = "sk_test"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_SFTPUserRequired(t *testing.T) {
	cfg := &Config{Env: "staging", SFTPHost: "sftp.payer.example.com"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when SFTP_HOST is set without SFTP_USER")
	}
}

func TestValidate_RejectsUnknownEnv(t *testing.T) {
	cfg := &Config{Env: "qa"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown ENV")
	}
}
