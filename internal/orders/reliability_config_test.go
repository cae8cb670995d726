package orders

import (
	"testing"
	"time"
)

func TestLoadReliabilityConfigFromEnv_Parses(t *testing.T) {
	t.Setenv("STOCKFLOW_RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("STOCKFLOW_RETRY_BASE_DELAY", "50ms")
	t.Setenv("STOCKFLOW_RETRY_MAX_DELAY", "500ms")
	t.Setenv("STOCKFLOW_COMPENSATION_TIMEOUT", "5s")
	t.Setenv("STOCKFLOW_BREAKER_MAX_FAILURES", "4")
	t.Setenv("STOCKFLOW_BREAKER_RESET_TIMEOUT", "2s")
	t.Setenv("STOCKFLOW_RATE_LIMIT_INTERVAL", "1ms")
	t.Setenv("STOCKFLOW_RATE_LIMIT_BURST", "100")

	cfg, err := LoadReliabilityConfigFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Fatalf("expected retry attempts 3, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.RetryBaseDelay != 50*time.Millisecond {
		t.Fatalf("expected retry base delay 50ms, got %v", cfg.RetryBaseDelay)
	}
	if cfg.RetryMaxDelay != 500*time.Millisecond {
		t.Fatalf("expected retry max delay 500ms, got %v", cfg.RetryMaxDelay)
	}
	if cfg.CompensationTimeout != 5*time.Second {
		t.Fatalf("expected compensation timeout 5s, got %v", cfg.CompensationTimeout)
	}
	if cfg.BreakerMaxFailures != 4 {
		t.Fatalf("expected breaker failures 4, got %d", cfg.BreakerMaxFailures)
	}
	if cfg.BreakerResetTimeout != 2*time.Second {
		t.Fatalf("expected breaker reset 2s, got %v", cfg.BreakerResetTimeout)
	}
	if cfg.RateLimitInterval != time.Millisecond {
		t.Fatalf("expected rate interval 1ms, got %v", cfg.RateLimitInterval)
	}
	if cfg.RateLimitBurst != 100 {
		t.Fatalf("expected rate burst 100, got %d", cfg.RateLimitBurst)
	}
}

func TestLoadReliabilityConfigFromEnv_Missing(t *testing.T) {
	if _, err := LoadReliabilityConfigFromEnv(); err == nil {
		t.Fatalf("expected missing env error")
	}
}

func TestLoadReliabilityConfigFromEnv_RejectsNegative(t *testing.T) {
	t.Setenv("STOCKFLOW_RETRY_MAX_ATTEMPTS", "-1")

	if _, err := LoadReliabilityConfigFromEnv(); err == nil {
		t.Fatalf("expected negative value error")
	}
}

func TestReliabilityConfig_RetryPolicy(t *testing.T) {
	cfg := ReliabilityConfig{RetryMaxAttempts: 4, RetryBaseDelay: time.Second, RetryMaxDelay: 8 * time.Second}

	policy := cfg.RetryPolicy()
	if policy.MaxAttempts != 4 || policy.BaseDelay != time.Second || policy.MaxDelay != 8*time.Second {
		t.Fatalf("unexpected policy %+v", policy)
	}
}
