package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatValid(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.25")
	v, err := envFloat("TEST_FLOAT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0.25 {
		t.Fatalf("expected 0.25, got %f", v)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "nope")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-float value, got nil")
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatMapMergesOverDefaults(t *testing.T) {
	t.Setenv("TEST_REWARD_MAP", "purchase=5, click=2.5")
	got := envFloatMap("TEST_REWARD_MAP", map[string]float64{"click": 1.0, "hover": 0.1})
	if got["click"] != 2.5 {
		t.Fatalf("expected click overridden to 2.5, got %f", got["click"])
	}
	if got["purchase"] != 5 {
		t.Fatalf("expected purchase 5, got %f", got["purchase"])
	}
	if got["hover"] != 0.1 {
		t.Fatalf("expected untouched default hover 0.1, got %f", got["hover"])
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("HTMLAI_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid HTMLAI_PORT")
	}
	if got := err.Error(); !contains(got, "HTMLAI_PORT") || !contains(got, "abc") {
		t.Fatalf("error should mention HTMLAI_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("HTMLAI_PORT", "abc")
	t.Setenv("HTMLAI_MIN_TRIALS_PER_SLOT", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !contains(got, "HTMLAI_PORT") {
		t.Fatalf("error should mention HTMLAI_PORT, got: %s", got)
	}
	if !contains(got, "HTMLAI_MIN_TRIALS_PER_SLOT") {
		t.Fatalf("error should mention HTMLAI_MIN_TRIALS_PER_SLOT, got: %s", got)
	}
}

func TestLoadFailsWithoutLLMAPIKey(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail when LLM_API_KEY is unset")
	}
	if !contains(err.Error(), "LLM_API_KEY") {
		t.Fatalf("error should mention LLM_API_KEY, got: %s", err.Error())
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	t.Setenv("LLM_API_KEY", "test-key")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.Epsilon != 0.2 {
		t.Fatalf("expected default epsilon 0.2, got %f", cfg.Epsilon)
	}
	if cfg.MinTrialsPerSlot != 5 {
		t.Fatalf("expected default min trials 5, got %d", cfg.MinTrialsPerSlot)
	}
	if cfg.RewardMapping["click"] != 1.0 {
		t.Fatalf("expected default click reward 1.0, got %f", cfg.RewardMapping["click"])
	}
}

func TestLoad_OTELEndpointParsing(t *testing.T) {
	t.Setenv("LLM_API_KEY", "test-key")
	endpoint := "https://otel.example.com:4317"
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", endpoint)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}
	if cfg.OTELEndpoint != endpoint {
		t.Fatalf("expected OTELEndpoint %q, got %q", endpoint, cfg.OTELEndpoint)
	}
}

func TestLoad_AllEnvVarsHonored(t *testing.T) {
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("HTMLAI_PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/testdb")
	t.Setenv("REDIS_URL", "redis://db:6379/1")
	t.Setenv("HTMLAI_EPSILON", "0.3")
	t.Setenv("HTMLAI_REGEN_SCORE_GAP", "0.15")
	t.Setenv("HTMLAI_MIN_TRIALS_PER_SLOT", "50")
	t.Setenv("HTMLAI_REGEN_LOCK_TTL", "45s")
	t.Setenv("HTMLAI_REQUEST_DEADLINE", "3s")
	t.Setenv("OTEL_SERVICE_NAME", "htmlai-test")
	t.Setenv("HTMLAI_LOG_LEVEL", "debug")
	t.Setenv("HTMLAI_CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("HTMLAI_RATE_LIMIT_FAIL_CLOSED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}

	if cfg.Port != 9090 {
		t.Fatalf("expected Port 9090, got %d", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://test:test@db:5432/testdb" {
		t.Fatalf("expected DatabaseURL %q, got %q", "postgres://test:test@db:5432/testdb", cfg.DatabaseURL)
	}
	if cfg.RedisURL != "redis://db:6379/1" {
		t.Fatalf("expected RedisURL %q, got %q", "redis://db:6379/1", cfg.RedisURL)
	}
	if cfg.Epsilon != 0.3 {
		t.Fatalf("expected Epsilon 0.3, got %f", cfg.Epsilon)
	}
	if cfg.RegenScoreGap != 0.15 {
		t.Fatalf("expected RegenScoreGap 0.15, got %f", cfg.RegenScoreGap)
	}
	if cfg.MinTrialsPerSlot != 50 {
		t.Fatalf("expected MinTrialsPerSlot 50, got %d", cfg.MinTrialsPerSlot)
	}
	if cfg.RegenLockTTL != 45*time.Second {
		t.Fatalf("expected RegenLockTTL 45s, got %s", cfg.RegenLockTTL)
	}
	if cfg.RequestDeadline != 3*time.Second {
		t.Fatalf("expected RequestDeadline 3s, got %s", cfg.RequestDeadline)
	}
	if cfg.ServiceName != "htmlai-test" {
		t.Fatalf("expected ServiceName %q, got %q", "htmlai-test", cfg.ServiceName)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected LogLevel %q, got %q", "debug", cfg.LogLevel)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("expected 2 CORS origins, got %d", len(cfg.CORSAllowedOrigins))
	}
	if cfg.CORSAllowedOrigins[0] != "https://a.example.com" {
		t.Fatalf("expected first CORS origin %q, got %q", "https://a.example.com", cfg.CORSAllowedOrigins[0])
	}
	if !cfg.RateLimitFailClosed {
		t.Fatal("expected RateLimitFailClosed true")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstring(s, substr)
}

func searchSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
