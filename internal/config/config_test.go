package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadUsesDefaultsAndYAMLOverrides(t *testing.T) {
	clearConfigEnv(t)

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	yaml := `
payments:
  promo_reservation_ttl: 20m
  catalog_path: /etc/quizarena/products.yaml
jobs:
  credit_grace: 15m
  daily_reconcile_at: "04:30"
  max_recovery_attempts: 5
rate:
  purchase_init_per_minute: 9
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Payments.PromoReservationTTL != 20*time.Minute {
		t.Fatalf("unexpected promo reservation ttl: %s", cfg.Payments.PromoReservationTTL)
	}
	if cfg.Payments.CatalogPath != "/etc/quizarena/products.yaml" {
		t.Fatalf("unexpected catalog path: %s", cfg.Payments.CatalogPath)
	}
	if cfg.Jobs.CreditGrace != 15*time.Minute {
		t.Fatalf("unexpected credit grace: %s", cfg.Jobs.CreditGrace)
	}
	if cfg.Jobs.MaxRecoveryAttempts != 5 {
		t.Fatalf("unexpected max recovery attempts: %d", cfg.Jobs.MaxRecoveryAttempts)
	}
	hour, minute, err := cfg.Jobs.DailyReconcileTime()
	if err != nil || hour != 4 || minute != 30 {
		t.Fatalf("unexpected daily reconcile time: %d:%d (%v)", hour, minute, err)
	}
	if cfg.Rate.PurchaseInitPerMinute != 9 {
		t.Fatalf("unexpected purchase init rate: %d", cfg.Rate.PurchaseInitPerMinute)
	}

	if cfg.Payments.Currency != "XTR" {
		t.Fatalf("currency default should stay XTR, got %s", cfg.Payments.Currency)
	}
	if cfg.Jobs.InvoiceGrace != 24*time.Hour {
		t.Fatalf("invoice grace default should stay 24h, got %s", cfg.Jobs.InvoiceGrace)
	}
	if cfg.Rate.PurchaseInitPerHour != 30 {
		t.Fatalf("purchase init hourly default should stay 30, got %d", cfg.Rate.PurchaseInitPerHour)
	}
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load config with missing file: %v", err)
	}

	if cfg.Jobs.RecoveryInterval != 5*time.Minute {
		t.Fatalf("unexpected recovery interval: %s", cfg.Jobs.RecoveryInterval)
	}
	if cfg.Jobs.MaxRecoveryAttempts != 3 {
		t.Fatalf("unexpected max recovery attempts: %d", cfg.Jobs.MaxRecoveryAttempts)
	}
	if cfg.Jobs.DailyReconcileAt != "03:00" {
		t.Fatalf("unexpected daily reconcile time: %s", cfg.Jobs.DailyReconcileAt)
	}
	if cfg.Payments.PromoReservationTTL != 15*time.Minute {
		t.Fatalf("unexpected promo reservation ttl: %s", cfg.Payments.PromoReservationTTL)
	}
	if cfg.S3.Endpoint != "" {
		t.Fatalf("archiving should be disabled by default, got endpoint %q", cfg.S3.Endpoint)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("GATEWAY_TOKEN", "secret-gateway")
	t.Setenv("JOBS_CREDIT_GRACE", "2m")
	t.Setenv("JOBS_BATCH_SIZE", "25")
	t.Setenv("POSTGRES_MAX_CONNS", "32")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Payments.GatewayToken != "secret-gateway" {
		t.Fatalf("unexpected gateway token: %q", cfg.Payments.GatewayToken)
	}
	if cfg.Jobs.CreditGrace != 2*time.Minute {
		t.Fatalf("unexpected credit grace: %s", cfg.Jobs.CreditGrace)
	}
	if cfg.Jobs.BatchSize != 25 {
		t.Fatalf("unexpected batch size: %d", cfg.Jobs.BatchSize)
	}
	if cfg.Postgres.MaxConns != 32 {
		t.Fatalf("unexpected max conns: %d", cfg.Postgres.MaxConns)
	}
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("JOBS_INVOICE_GRACE", "a day")

	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for malformed duration")
	}
}

func TestLoadRejectsBadDailyReconcileTime(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("JOBS_DAILY_RECONCILE_AT", "25:00")

	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for invalid daily reconcile time")
	}
}

func TestLoadRejectsInsecureProductionConfig(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "default jwt secret",
			env:  map[string]string{"GATEWAY_TOKEN": "gw"},
		},
		{
			name: "missing gateway token",
			env:  map[string]string{"JWT_SECRET": "real-secret"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv("APP_ENV", "prod")
			for key, value := range tt.env {
				t.Setenv(key, value)
			}
			if _, err := Load(""); err == nil {
				t.Fatalf("expected production config to be rejected")
			}
		})
	}
}

func TestLoadAcceptsProductionConfig(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("APP_ENV", "prod")
	t.Setenv("JWT_SECRET", "real-secret")
	t.Setenv("GATEWAY_TOKEN", "gw")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load production config: %v", err)
	}
	if !cfg.IsProd() {
		t.Fatalf("expected prod env")
	}
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV",
		"HTTP_ADDR",
		"HTTP_READ_TIMEOUT",
		"HTTP_WRITE_TIMEOUT",
		"HTTP_IDLE_TIMEOUT",
		"LOG_LEVEL",
		"POSTGRES_DSN",
		"POSTGRES_MAX_CONNS",
		"POSTGRES_MIGRATE",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"S3_ENDPOINT",
		"S3_ACCESS_KEY",
		"S3_SECRET_KEY",
		"S3_BUCKET",
		"S3_PREFIX",
		"S3_USE_SSL",
		"JWT_SECRET",
		"JWT_ISSUER",
		"BOT_TOKEN",
		"BOT_DEBUG",
		"PAYMENTS_CATALOG_PATH",
		"PAYMENTS_CURRENCY",
		"PAYMENTS_PROMO_RESERVATION_TTL",
		"GATEWAY_TOKEN",
		"JOBS_METRICS_ADDR",
		"JOBS_RECOVERY_INTERVAL",
		"JOBS_EXPIRY_INTERVAL",
		"JOBS_PROMO_ROLLBACK_INTERVAL",
		"JOBS_RECONCILE_INTERVAL",
		"JOBS_CLEANUP_INTERVAL",
		"JOBS_DAILY_RECONCILE_AT",
		"JOBS_CREDIT_GRACE",
		"JOBS_INVOICE_GRACE",
		"JOBS_BATCH_SIZE",
		"JOBS_MAX_RECOVERY_ATTEMPTS",
		"JOBS_LEASE_TTL",
		"JOBS_EVENT_RETENTION",
		"JOBS_REPORT_RETENTION",
		"RATE_PURCHASE_INIT_PER_MINUTE",
		"RATE_PURCHASE_INIT_PER_HOUR",
	} {
		t.Setenv(key, "")
	}
}
