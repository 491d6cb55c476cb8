package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNew(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     Config
		wantNil bool
		wantErr bool
	}{
		{name: "disabled", cfg: Config{}, wantNil: true},
		{name: "none", cfg: Config{Type: "none"}, wantNil: true},
		{name: "local", cfg: Config{Type: "local", Path: t.TempDir()}},
		{name: "unsupported falls back to local", cfg: Config{Type: "gcs", Path: t.TempDir()}},
		{name: "local without path", cfg: Config{Type: "local"}, wantErr: true},
		{name: "s3 without bucket", cfg: Config{Type: "s3"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := New(ctx, tt.cfg, zerolog.Nop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (store == nil) != tt.wantNil {
				t.Errorf("New() = %v, wantNil %v", store, tt.wantNil)
			}
			if !tt.wantNil {
				if _, ok := store.(*LocalFileStore); !ok {
					t.Errorf("New() = %T, want *LocalFileStore", store)
				}
			}
		})
	}
}

func TestConfigEnabled(t *testing.T) {
	if (Config{}).Enabled() {
		t.Error("empty config should be disabled")
	}
	if (Config{Type: "none"}).Enabled() {
		t.Error("none should be disabled")
	}
	if !(Config{Type: "s3"}).Enabled() {
		t.Error("s3 should be enabled")
	}
}

func TestKey(t *testing.T) {
	at := time.Date(2025, 3, 7, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))

	tests := []struct {
		id   string
		want string
	}{
		{"abc-123", "2025/03/08/abc-123.eml"},
		{"CAF1x@mail.example.org", "2025/03/08/CAF1x@mail.example.org.eml"},
		{"../../etc/passwd", "2025/03/08/.._.._etc_passwd.eml"},
		{"a b/c", "2025/03/08/a_b_c.eml"},
	}
	for _, tt := range tests {
		if got := Key(at, tt.id); got != tt.want {
			t.Errorf("Key(%q) = %q, want %q", tt.id, got, tt.want)
		}
		if err := checkKey(Key(at, tt.id)); err != nil {
			t.Errorf("checkKey(Key(%q)) = %v", tt.id, err)
		}
	}
}

func TestCheckKey(t *testing.T) {
	bad := []string{"", "/abs/key", "a/../b", "..", "a//b", "a/"}
	for _, k := range bad {
		if err := checkKey(k); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("checkKey(%q) = %v, want ErrInvalidKey", k, err)
		}
	}
	if err := checkKey("2025/01/01/x.eml"); err != nil {
		t.Errorf("checkKey(valid) = %v", err)
	}
}
