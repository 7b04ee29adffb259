package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("regfox.api_key", "key")
	configViper.Set("regfox.form_id", "42")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("http address default = %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "regmirror.db" {
		t.Fatalf("database path default = %q", cfg.DatabasePath)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level default = %q", cfg.LogLevel)
	}
	if cfg.APIURL != "https://api.webconnex.com/v2/public" {
		t.Fatalf("api url default = %q", cfg.APIURL)
	}
	if cfg.SyncInterval != time.Minute {
		t.Fatalf("sync interval default = %v", cfg.SyncInterval)
	}
	if !cfg.EventStart.IsZero() {
		t.Fatalf("event start should be zero when unset, got %v", cfg.EventStart)
	}
}

func TestLoadParsesStartDate(t *testing.T) {
	configViper := NewViper()
	configViper.Set("regfox.api_key", "key")
	configViper.Set("regfox.form_id", "42")
	configViper.Set("regfox.start_date", "2020-06-15")
	configViper.Set("regfox.event_name", "Summer Conference")
	configViper.Set("sync.interval", "30s")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := time.Date(2020, time.June, 15, 0, 0, 0, 0, time.UTC)
	if !cfg.EventStart.Equal(want) {
		t.Fatalf("event start = %v, want %v", cfg.EventStart, want)
	}
	if cfg.EventName != "Summer Conference" {
		t.Fatalf("event name = %q", cfg.EventName)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Fatalf("sync interval = %v", cfg.SyncInterval)
	}
}

func TestLoadRejectsMalformedStartDate(t *testing.T) {
	configViper := NewViper()
	configViper.Set("regfox.api_key", "key")
	configViper.Set("regfox.form_id", "42")
	configViper.Set("regfox.start_date", "15/06/2020")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected malformed start date to fail")
	}
}

func TestLoadValidatesRequiredKeys(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(v map[string]any)
		wantErr string
	}{
		{
			name:    "missing api key",
			prepare: func(v map[string]any) { delete(v, "regfox.api_key") },
			wantErr: "regfox.api_key",
		},
		{
			name:    "missing form id",
			prepare: func(v map[string]any) { delete(v, "regfox.form_id") },
			wantErr: "regfox.form_id",
		},
		{
			name:    "blank database path",
			prepare: func(v map[string]any) { v["database.path"] = "  " },
			wantErr: "database.path",
		},
		{
			name:    "non-positive sync interval",
			prepare: func(v map[string]any) { v["sync.interval"] = "0s" },
			wantErr: "sync.interval",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			values := map[string]any{
				"regfox.api_key": "key",
				"regfox.form_id": "42",
			}
			tc.prepare(values)

			configViper := NewViper()
			for key, value := range values {
				configViper.Set(key, value)
			}

			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not name %q", err, tc.wantErr)
			}
		})
	}
}
