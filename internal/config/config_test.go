package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("ENV", "")
	t.Setenv("ESCALATION_WINDOW_MINUTES", "")
	t.Setenv("SMS_ADMIN_NUMBERS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}
	if cfg.EscalationWindow != 5*time.Minute {
		t.Errorf("expected 5m escalation window, got %s", cfg.EscalationWindow)
	}
	if cfg.StreamHeartbeat != 25*time.Second {
		t.Errorf("expected 25s heartbeat, got %s", cfg.StreamHeartbeat)
	}
	if cfg.StreamMaxAge != 6*time.Hour {
		t.Errorf("expected 6h max age, got %s", cfg.StreamMaxAge)
	}
}

func TestLoad_EscalationWindowFloor(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"0", time.Minute},
		{"-3", time.Minute},
		{"1", time.Minute},
		{"12", 12 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Setenv("ESCALATION_WINDOW_MINUTES", tt.raw)
			cfg, err := Load()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.EscalationWindow != tt.want {
				t.Errorf("EscalationWindow = %s, want %s", cfg.EscalationWindow, tt.want)
			}
		})
	}
}

func TestLoad_JWTSecret(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		secret  string
		want    string
		wantErr bool
	}{
		{"development falls back", "development", "", devJWTSecret, false},
		{"production requires secret", "production", "", "", true},
		{"production with secret", "production", "s3cr3t", "s3cr3t", false},
		{"explicit secret in development", "development", "local", "local", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENV", tt.env)
			t.Setenv("JWT_SECRET", tt.secret)
			t.Setenv("SMS_ADMIN_NUMBERS", "")

			cfg, err := Load()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got secret %q", cfg.JWTSecret)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.JWTSecret != tt.want {
				t.Errorf("JWTSecret = %q, want %q", cfg.JWTSecret, tt.want)
			}
		})
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("PORT", "eighty")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric PORT")
	}
}

func TestParsePhoneList(t *testing.T) {
	numbers, err := ParsePhoneList(" +16502530000, (650) 253-0000 ,,", "US")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(numbers) != 2 {
		t.Fatalf("expected 2 numbers, got %d", len(numbers))
	}
	for _, n := range numbers {
		if n != "+16502530000" {
			t.Errorf("expected E.164 +16502530000, got %s", n)
		}
	}

	if _, err := ParsePhoneList("12345", "US"); err == nil {
		t.Error("expected error for invalid number")
	}
}

func TestIsPlaceholderNumber(t *testing.T) {
	tests := []struct {
		number string
		want   bool
	}{
		{"", true},
		{"+1XXXXXXXXXX", true},
		{"your_twilio_number", true},
		{"+10000000000", true},
		{"+16502530000", false},
	}

	for _, tt := range tests {
		if got := IsPlaceholderNumber(tt.number); got != tt.want {
			t.Errorf("IsPlaceholderNumber(%q) = %v, want %v", tt.number, got, tt.want)
		}
	}
}

func TestSMSEnabled(t *testing.T) {
	cfg := &Config{SMSSenderNumber: "+16502530000", SMSAdminNumbers: []string{"+16502530001"}}
	if !cfg.SMSEnabled() {
		t.Error("expected SMS enabled")
	}

	cfg.SMSSenderNumber = "+1xxxxxxxxxx"
	if cfg.SMSEnabled() {
		t.Error("placeholder sender should disable SMS")
	}

	cfg.SMSSenderNumber = "+16502530000"
	cfg.SMSAdminNumbers = nil
	if cfg.SMSEnabled() {
		t.Error("no destinations should disable SMS")
	}
}

func TestPushEnabled(t *testing.T) {
	cfg := &Config{VAPIDPublicKey: "pub"}
	if cfg.PushEnabled() {
		t.Error("push should need both keys")
	}
	cfg.VAPIDPrivateKey = "priv"
	if !cfg.PushEnabled() {
		t.Error("expected push enabled")
	}
}
