package telegram

import (
	"path/filepath"
	"testing"
	"time"
)

func TestParseRuntimeConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		env     map[string]string
		want    parsedRuntimeConfig
		wantErr bool
	}{
		{
			name: "defaults",
			raw:  `{"app_id":1,"app_hash":"hash"}`,
			want: parsedRuntimeConfig{
				appID:          1,
				appHash:        "hash",
				publishTimeout: defaultRuntimePublishDelay,
				updateBuffer:   defaultRuntimeUpdateBuffer,
				authTimeout:    defaultRuntimeAuthTimeout,
				sessionFile:    defaultRuntimeSessionFile,
			},
		},
		{
			name: "environment overrides file values",
			raw:  `{"app_id":1,"app_hash":"hash","phone":"+1","publish_timeout":"5s"}`,
			env: map[string]string{
				"TALLY_TELEGRAM_APP_ID":       "42",
				"TALLY_TELEGRAM_APP_HASH":     "secret",
				"TALLY_TELEGRAM_PHONE":        "+2",
				"TALLY_TELEGRAM_PASSWORD":     "pw",
				"TALLY_TELEGRAM_SESSION_FILE": "data/session.json",
				"TALLY_TELEGRAM_CODE":         "  ",
			},
			want: parsedRuntimeConfig{
				appID:          42,
				appHash:        "secret",
				publishTimeout: 5 * time.Second,
				updateBuffer:   defaultRuntimeUpdateBuffer,
				authTimeout:    defaultRuntimeAuthTimeout,
				phone:          "+2",
				password:       "pw",
				sessionFile:    "data/session.json",
			},
		},
		{
			name: "app credentials from environment only",
			raw:  `{}`,
			env: map[string]string{
				"TALLY_TELEGRAM_APP_ID":   "7",
				"TALLY_TELEGRAM_APP_HASH": "h",
			},
			want: parsedRuntimeConfig{
				appID:          7,
				appHash:        "h",
				publishTimeout: defaultRuntimePublishDelay,
				updateBuffer:   defaultRuntimeUpdateBuffer,
				authTimeout:    defaultRuntimeAuthTimeout,
				sessionFile:    defaultRuntimeSessionFile,
			},
		},
		{name: "bad publish timeout", raw: `{"app_id":1,"app_hash":"hash","publish_timeout":"bad"}`, wantErr: true},
		{name: "negative auth timeout", raw: `{"app_id":1,"app_hash":"hash","auth_timeout":"-1s"}`, wantErr: true},
		{name: "missing app id", raw: `{"app_hash":"hash"}`, wantErr: true},
		{name: "missing app hash", raw: `{"app_id":1}`, wantErr: true},
		{name: "empty payload", raw: ``, wantErr: true},
		{name: "malformed json", raw: `{`, wantErr: true},
		{
			name:    "non numeric app id in environment",
			raw:     `{"app_hash":"hash"}`,
			env:     map[string]string{"TALLY_TELEGRAM_APP_ID": "abc"},
			wantErr: true,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			lookup := func(key string) (string, bool) {
				value, ok := testCase.env[key]
				return value, ok
			}
			got, err := parseRuntimeConfig([]byte(testCase.raw), lookup)
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse runtime config failed: %v", err)
			}
			if got != testCase.want {
				t.Fatalf("config = %+v, want %+v", got, testCase.want)
			}
		})
	}
}

func TestNewGotdSessionStorage(t *testing.T) {
	t.Parallel()

	sessionPath := filepath.Join(t.TempDir(), "nested", "telegram", "session.json")
	storage, err := newGotdSessionStorage(sessionPath)
	if err != nil {
		t.Fatalf("new gotd session storage failed: %v", err)
	}
	if !filepath.IsAbs(storage.Path) {
		t.Fatalf("session path = %q, want absolute", storage.Path)
	}
	if _, err := newGotdSessionStorage("   "); err == nil {
		t.Fatal("expected empty path error")
	}
}
