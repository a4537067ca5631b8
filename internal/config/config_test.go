package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bus != BusMemory || cfg.AccessTTL != 15*time.Minute || cfg.OutboxBatchSize != 100 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.HasSigningKey() {
		t.Fatal("no signing key expected by default")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retail.yaml")
	yaml := `
service:
  name: outlet
  http_addr: ":8181"
bus:
  kind: kafka
  kafka_brokers: ["k1:9092"]
auth:
  access_ttl: 5m
outbox:
  batch_size: 20
gateway:
  upstreams:
    /v1/auth: http://auth:8080
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("RETAIL_HTTP_ADDR", ":9999")
	t.Setenv("RETAIL_JWT_SECRET", "s3cret")
	t.Setenv("RETAIL_REFRESH_TTL", "48h")
	t.Setenv("RETAIL_UPSTREAMS", "/v1/outlets=http://outlet:8080")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service != ServiceOutlet || cfg.HTTPAddr != ":9999" {
		t.Fatalf("env must override file: %+v", cfg)
	}
	if cfg.AccessTTL != 5*time.Minute || cfg.RefreshTTL != 48*time.Hour || cfg.OutboxBatchSize != 20 {
		t.Fatalf("unexpected durations/sizes %+v", cfg)
	}
	if cfg.Upstreams["/v1/auth"] != "http://auth:8080" || cfg.Upstreams["/v1/outlets"] != "http://outlet:8080" {
		t.Fatalf("unexpected upstreams %v", cfg.Upstreams)
	}
	if !cfg.HasSigningKey() {
		t.Fatal("expected signing key from env")
	}
}

func TestLoadRejectsBadSettings(t *testing.T) {
	t.Setenv("RETAIL_BUS", "rabbitmq")
	if _, err := Load(""); err == nil {
		t.Fatal("rabbitmq without url must fail")
	}
	t.Setenv("RETAIL_BUS", "memory")
	t.Setenv("RETAIL_ACCESS_TTL", "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("bad duration must fail")
	}
}
