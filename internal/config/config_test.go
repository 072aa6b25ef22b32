package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		App:     AppConfig{Env: "local", Port: 8080},
		DB:      DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "checkin"},
		Redis:   RedisConfig{Host: "localhost", Port: 6379},
		Auth:    AuthConfig{JWTSecret: "secret"},
		LiveKit: LiveKitConfig{URL: "https://livekit.local", APIKey: "key", APISecret: "sec"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "checkin"
	c.Auth.JWTAudience = "checkin-api"
	c.applyDefaults()
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestDefaults_LocalSSLModeAndDispatch(t *testing.T) {
	c := validConfig()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Dispatch.PollInterval != 5*time.Minute {
		t.Fatalf("expected 5m poll default, got %s", c.Dispatch.PollInterval)
	}
	if c.Dispatch.StaleAfter != 15*time.Minute {
		t.Fatalf("expected stale-after 3x poll, got %s", c.Dispatch.StaleAfter)
	}
	if c.Dispatch.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts default, got %d", c.Dispatch.MaxAttempts)
	}
}

func TestValidate_StaleAfterMustExceedPoll(t *testing.T) {
	c := validConfig()
	c.applyDefaults()
	c.Dispatch.StaleAfter = c.Dispatch.PollInterval
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for stale-after <= poll interval")
	}
}
