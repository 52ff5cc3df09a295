package config

import "testing"

func TestLoadRejectsInvalidTaxRate(t *testing.T) {
	t.Setenv("TAX_RATE_PERCENT", "not-a-number")

	cfg := Load()
	if cfg.TaxRatePercent.String() != "11" {
		t.Fatalf("expected default tax rate 11, got %s", cfg.TaxRatePercent)
	}

	t.Setenv("TAX_RATE_PERCENT", "150")
	cfg = Load()
	if cfg.TaxRatePercent.String() != "11" {
		t.Fatalf("expected default for out-of-range rate, got %s", cfg.TaxRatePercent)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("RECEIPT_TTL_SECONDS", "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.ReceiptTTLSeconds != 86400 {
		t.Fatalf("expected default receipt TTL 86400, got %d", cfg.ReceiptTTLSeconds)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("address = %s, want :8080", cfg.Address())
	}
}
