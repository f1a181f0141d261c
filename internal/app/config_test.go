package app

import "testing"

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8080" || cfg.LogLevel != "info" {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.DBDSN != "file:cognihub.sqlite" || cfg.DataDir != "data" {
		t.Fatalf("storage defaults: %+v", cfg)
	}
	if cfg.OTelEnabled {
		t.Fatal("tracing should default to off")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("COGNIHUB_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("COGNIHUB_LOG_LEVEL", "debug")
	t.Setenv("COGNIHUB_OTEL_ENABLED", "true")
	t.Setenv("COGNIHUB_OTEL_ENDPOINT", "collector:4318")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" || cfg.LogLevel != "debug" {
		t.Fatalf("env overrides: %+v", cfg)
	}
	if !cfg.OTelEnabled || cfg.OTelEndpoint != "collector:4318" {
		t.Fatalf("otel config: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Config{ListenAddr: ":8080", DBDSN: "file:x.sqlite", DataDir: "data"}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	bad := cfg
	bad.ListenAddr = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("empty listen addr accepted")
	}

	bad = cfg
	bad.OTelEnabled = true
	bad.OTelEndpoint = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("otel enabled without endpoint accepted")
	}
}
