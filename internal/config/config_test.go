package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Path != "sequent.db" {
		t.Fatalf("storage.path = %q", cfg.Storage.Path)
	}
	if cfg.Linking.StartWait != 7250*time.Millisecond || cfg.Linking.Interval != 100*time.Millisecond {
		t.Fatalf("linking = %+v", cfg.Linking)
	}
	if cfg.Publishing.BackoffMin != 5*time.Millisecond || cfg.Publishing.BackoffFactor != 1.5 {
		t.Fatalf("publishing = %+v", cfg.Publishing)
	}
	if cfg.Subscription.DiscoveryBatchSize != 7250 || cfg.Subscription.MaxWorkers != 15 {
		t.Fatalf("subscription = %+v", cfg.Subscription)
	}
	if cfg.Retry.MaxAttempts != 7 || cfg.Retry.DelayBase != time.Second || cfg.Retry.Multiplier != 1.0 {
		t.Fatalf("retry = %+v", cfg.Retry)
	}
	if cfg.Transport.Kind != "memory" {
		t.Fatalf("transport.kind = %q", cfg.Transport.Kind)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sequent.yaml")
	content := []byte(`
storage:
  path: /tmp/test.db
transport:
  kind: nats
  nats:
    url: nats://localhost:4222
subscription:
  max_workers: 3
ingest:
  rabbitmq:
    tls:
      enabled: true
      server_name: broker.internal
      ca_file: /etc/sequent/ca.pem
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Path != "/tmp/test.db" {
		t.Fatalf("storage.path = %q", cfg.Storage.Path)
	}
	if cfg.Transport.Kind != "nats" || cfg.Transport.NATS.URL != "nats://localhost:4222" {
		t.Fatalf("transport = %+v", cfg.Transport)
	}
	if cfg.Subscription.MaxWorkers != 3 {
		t.Fatalf("max_workers = %d", cfg.Subscription.MaxWorkers)
	}
	tls := cfg.Ingest.RabbitMQ.TLS
	if !tls.Enabled || tls.ServerName != "broker.internal" || tls.CAFile != "/etc/sequent/ca.pem" {
		t.Fatalf("rabbitmq tls = %+v", tls)
	}
	// Untouched keys keep their defaults.
	if cfg.Retry.MaxAttempts != 7 {
		t.Fatalf("retry = %+v", cfg.Retry)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	cfg := base()
	cfg.Storage.Path = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty storage path must fail")
	}

	cfg = base()
	cfg.Transport.Kind = "nats"
	if err := cfg.Validate(); err == nil {
		t.Fatal("nats without url must fail")
	}

	cfg = base()
	cfg.Transport.Kind = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown transport must fail")
	}

	cfg = base()
	cfg.Subscription.MaxWorkers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero workers must fail")
	}

	cfg = base()
	cfg.Publishing.BackoffMax = time.Millisecond
	cfg.Publishing.BackoffMin = time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("inverted backoff bounds must fail")
	}
}
