package config

import (
	"strings"
	"testing"
	"time"
)

// TestLoadDefaults is not t.Parallel because it mutates process-wide environment variables.
func TestLoadDefaults(t *testing.T) {
	keys := []string{
		"HOST", "PORT", "SERVER_ENV",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"JWT_SECRET", "JWT_EXPIRES_IN",
		"ALLOWED_ORIGINS",
		"STUN_SERVERS", "TURN_URL", "TURN_TCP_URL", "TURNS_URL", "TURN_USERNAME", "TURN_CREDENTIAL",
		"GATEWAY_MAX_CONNECTIONS", "HEARTBEAT_INTERVAL_MS", "HEARTBEAT_TIMEOUT_MS",
		"RATE_LIMIT_WS_EVENTS_PER_SECOND", "RATE_LIMIT_WS_BURST",
		"RATE_LIMIT_HTTP_REQUESTS", "RATE_LIMIT_HTTP_WINDOW_SECONDS",
		"BCRYPT_COST", "LOG_FORMAT", "METRICS_ENABLED",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
	t.Setenv("JWT_SECRET", "test-secret-for-defaults-minimum-32")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want %q", cfg.Host, "0.0.0.0")
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("Env = %q, want %q", cfg.Env, "production")
	}
	if cfg.DatabaseMaxConn != 25 {
		t.Errorf("DatabaseMaxConn = %d, want 25", cfg.DatabaseMaxConn)
	}
	if cfg.DatabaseMinConn != 5 {
		t.Errorf("DatabaseMinConn = %d, want 5", cfg.DatabaseMinConn)
	}
	if cfg.JWTExpiresIn != 7*24*time.Hour {
		t.Errorf("JWTExpiresIn = %v, want 168h", cfg.JWTExpiresIn)
	}
	if cfg.GatewayMaxConnections != 10000 {
		t.Errorf("GatewayMaxConnections = %d, want 10000", cfg.GatewayMaxConnections)
	}
	if cfg.HeartbeatIntervalMS != 30000 {
		t.Errorf("HeartbeatIntervalMS = %d, want 30000", cfg.HeartbeatIntervalMS)
	}
	if cfg.HeartbeatTimeoutMS != 90000 {
		t.Errorf("HeartbeatTimeoutMS = %d, want 90000", cfg.HeartbeatTimeoutMS)
	}
	if cfg.BcryptCost != 12 {
		t.Errorf("BcryptCost = %d, want 12", cfg.BcryptCost)
	}
}

func TestLoadValidationRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for missing JWT_SECRET")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Errorf("error %q does not mention JWT_SECRET", err.Error())
	}
}

func TestLoadValidationJWTSecretTooShort(t *testing.T) {
	t.Setenv("JWT_SECRET", "short")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for short JWT_SECRET")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET must be at least 32 characters") {
		t.Errorf("error %q does not mention minimum length", err.Error())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SERVER_ENV", "development")
	t.Setenv("DB_MAX_CONNS", "50")
	t.Setenv("JWT_SECRET", "test-secret-key-that-is-32-chars!")
	t.Setenv("JWT_EXPIRES_IN", "24h")
	t.Setenv("BCRYPT_COST", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Errorf("Env = %q, want %q", cfg.Env, "development")
	}
	if cfg.DatabaseMaxConn != 50 {
		t.Errorf("DatabaseMaxConn = %d, want 50", cfg.DatabaseMaxConn)
	}
	if cfg.JWTExpiresIn != 24*time.Hour {
		t.Errorf("JWTExpiresIn = %v, want 24h", cfg.JWTExpiresIn)
	}
	if cfg.BcryptCost != 10 {
		t.Errorf("BcryptCost = %d, want 10", cfg.BcryptCost)
	}
	if cfg.LogFormat != "console" {
		t.Errorf("LogFormat = %q, want %q (development override)", cfg.LogFormat, "console")
	}
}

func TestLoadInvalidInt(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-for-defaults-minimum-32")
	t.Setenv("PORT", "not-a-number")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "PORT") {
		t.Errorf("error %q does not mention PORT", err.Error())
	}
	if !strings.Contains(err.Error(), "not-a-number") {
		t.Errorf("error %q does not include the invalid value", err.Error())
	}
}

func TestLoadMultipleErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-for-defaults-minimum-32")
	t.Setenv("PORT", "abc")
	t.Setenv("DB_MAX_CONNS", "xyz")
	t.Setenv("METRICS_ENABLED", "nope")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want multiple parse errors")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "PORT") {
		t.Errorf("error missing PORT, got: %s", errStr)
	}
	if !strings.Contains(errStr, "DB_MAX_CONNS") {
		t.Errorf("error missing DB_MAX_CONNS, got: %s", errStr)
	}
	if !strings.Contains(errStr, "METRICS_ENABLED") {
		t.Errorf("error missing METRICS_ENABLED, got: %s", errStr)
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"development", true},
		{"production", false},
		{"", false},
		{"staging", false},
	}
	for _, tt := range tests {
		cfg := &Config{Env: tt.env}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment() with env=%q = %v, want %v", tt.env, got, tt.want)
		}
	}
}

func TestHeartbeatDurations(t *testing.T) {
	cfg := &Config{HeartbeatIntervalMS: 30000, HeartbeatTimeoutMS: 90000}
	if got := cfg.HeartbeatInterval(); got != 30*time.Second {
		t.Errorf("HeartbeatInterval() = %v, want 30s", got)
	}
	if got := cfg.HeartbeatTimeout(); got != 90*time.Second {
		t.Errorf("HeartbeatTimeout() = %v, want 90s", got)
	}
}
