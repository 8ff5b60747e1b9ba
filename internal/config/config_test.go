package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "PORT")
	unsetEnvWithCleanup(t, "SERVER_PORT")
	unsetEnvWithCleanup(t, "VERIFICATION_FEE_BANDS")
	unsetEnvWithCleanup(t, "VERIFICATION_FEE_MAX")
	unsetEnvWithCleanup(t, "SETTLEMENT_ENABLED")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default server port 8080, got %q", cfg.ServerPort)
	}
	if cfg.VerificationFeeBands != "1000:1,5000:5,10000:10,20000:15,30000:20,50000:30" {
		t.Fatalf("unexpected default fee bands: %q", cfg.VerificationFeeBands)
	}
	if cfg.VerificationFeeMax != 50 {
		t.Fatalf("expected default max fee 50, got %d", cfg.VerificationFeeMax)
	}
	if cfg.SettlementEnabled {
		t.Fatal("settlement chaining should default to disabled")
	}
	if cfg.DarajaBaseURL != "https://sandbox.safaricom.co.ke" {
		t.Fatalf("unexpected default daraja base url: %q", cfg.DarajaBaseURL)
	}
	if cfg.PendingExpiryMinutes != 30 {
		t.Fatalf("expected default pending expiry 30, got %d", cfg.PendingExpiryMinutes)
	}
}

func TestLoadConfig_PortEnvOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8085")
	setEnvWithCleanup(t, "PORT", "10000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "10000" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_FeeBandOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "VERIFICATION_FEE_BANDS", "500:2,2000:8")
	setEnvWithCleanup(t, "VERIFICATION_FEE_MAX", "25")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.VerificationFeeBands != "500:2,2000:8" {
		t.Fatalf("unexpected fee bands: %q", cfg.VerificationFeeBands)
	}
	if cfg.VerificationFeeMax != 25 {
		t.Fatalf("unexpected max fee: %d", cfg.VerificationFeeMax)
	}
}

func TestLoadConfig_CoercesBrokenKnobs(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "VERIFICATION_FEE_MAX", "-5")
	setEnvWithCleanup(t, "STK_PUSH_TIMEOUT_SECONDS", "0")
	setEnvWithCleanup(t, "PENDING_EXPIRY_MINUTES", "-1")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.VerificationFeeMax != 50 {
		t.Fatalf("expected coerced max fee 50, got %d", cfg.VerificationFeeMax)
	}
	if cfg.STKPushTimeoutSeconds != 20 {
		t.Fatalf("expected coerced stk timeout 20, got %d", cfg.STKPushTimeoutSeconds)
	}
	if cfg.PendingExpiryMinutes != 30 {
		t.Fatalf("expected coerced pending expiry 30, got %d", cfg.PendingExpiryMinutes)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
