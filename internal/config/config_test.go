package config

import "testing"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("WEBHOOK_SECRET", "whsec")
	t.Setenv("DATABASE_URL", "postgres://localhost/billing")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.Store != StorePostgres || cfg.PaymentsMode != ModePlatform {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.ConnectMode() {
		t.Error("platform mode reported as connect")
	}
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	setRequired(t)
	t.Setenv("BILLING_STORE", "dynamo")

	if _, err := Load(); err == nil {
		t.Fatal("unknown store accepted")
	}
}

func TestLoadRejectsUnknownPaymentsMode(t *testing.T) {
	setRequired(t)
	t.Setenv("PAYMENTS_MODE", "hybrid")

	if _, err := Load(); err == nil {
		t.Fatal("unknown payments mode accepted")
	}
}

func TestLoadRequiresDatabaseURLForPostgres(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("postgres store without DATABASE_URL accepted")
	}
}

func TestLoadMemoryStoreWithoutDatabase(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BILLING_STORE", StoreMemory)
	t.Setenv("PAYMENTS_MODE", ModeConnect)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.ConnectMode() {
		t.Error("connect mode not reported")
	}
}
