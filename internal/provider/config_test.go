package provider

import (
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "empty type returns error",
			config:  Config{},
			wantErr: "transport type is required",
		},
		{
			name:    "smtp without host returns error",
			config:  Config{Type: TypeSMTP},
			wantErr: "smtp: host is required",
		},
		{
			name:    "smtp with unknown tls mode returns error",
			config:  Config{Type: TypeSMTP, Host: "relay.example.com", TLSMode: "ssl3"},
			wantErr: `smtp: unsupported tls_mode "ssl3"`,
		},
		{
			name:   "smtp with host succeeds",
			config: Config{Type: TypeSMTP, Host: "relay.example.com"},
		},
		{
			name:    "sendgrid without api key returns error",
			config:  Config{Type: TypeSendGrid},
			wantErr: "sendgrid: api_key is required",
		},
		{
			name:   "sendgrid with api key succeeds",
			config: Config{Type: TypeSendGrid, APIKey: "sg-key"},
		},
		{
			name:    "mailgun without domain returns error",
			config:  Config{Type: TypeMailgun, APIKey: "mg-key"},
			wantErr: "mailgun: domain is required",
		},
		{
			name:   "mailgun with key and domain succeeds",
			config: Config{Type: TypeMailgun, APIKey: "mg-key", Domain: "mg.example.com"},
		},
		{
			name:   "stdout needs nothing",
			config: Config{Type: TypeStdout},
		},
		{
			name:    "unknown type returns error",
			config:  Config{Type: "pigeon"},
			wantErr: "unsupported transport type: pigeon",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.wantErr)
			}
			if err.Error() != tt.wantErr {
				t.Errorf("expected error %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestConfig_Validate_SMTPDefaults(t *testing.T) {
	cfg := Config{Type: TypeSMTP, Host: "relay.example.com"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 587 {
		t.Errorf("expected port 587, got %d", cfg.Port)
	}
	if cfg.TLSMode != TLSModeStartTLS {
		t.Errorf("expected tls mode %q, got %q", TLSModeStartTLS, cfg.TLSMode)
	}
	if cfg.LocalName != "localhost" {
		t.Errorf("expected local name localhost, got %q", cfg.LocalName)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %v", cfg.Timeout)
	}
}

func TestConfig_Validate_KeepsExplicitTimeout(t *testing.T) {
	cfg := Config{Type: TypeStdout, Timeout: 5 * time.Second}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", cfg.Timeout)
	}
}
