package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.DatabaseDriver != DatabaseDriverSQLite || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database defaults %+v", cfg)
	}
	if cfg.Collab.MaxEditors != 5 || cfg.Collab.FlushInterval != 5*time.Second || cfg.Collab.FlushThreshold != 100 {
		t.Fatalf("unexpected collab defaults %+v", cfg.Collab)
	}
	if !cfg.Collab.WriteBackIDs || cfg.Collab.CanonicalRoot != "blocks" || cfg.Collab.LegacyRoot != "prosemirror" {
		t.Fatalf("unexpected document defaults %+v", cfg.Collab)
	}
	if cfg.TAuthIssuer != "tauth" || cfg.TAuthCookieName != "app_session" {
		t.Fatalf("unexpected session defaults %+v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("GRAVITY_COLLAB_TAUTH_SIGNING_SECRET", "from-env")
	t.Setenv("GRAVITY_COLLAB_COLLAB_MAX_EDITORS", "3")
	t.Setenv("GRAVITY_COLLAB_HTTP_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.TAuthSigningKey != "from-env" || cfg.Collab.MaxEditors != 3 {
		t.Fatalf("environment not applied: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadValidates(t *testing.T) {
	cases := []struct {
		name    string
		values  map[string]any
		message string
	}{
		{name: "missing secret", values: map[string]any{}, message: "tauth.signing_secret"},
		{name: "unknown driver", values: map[string]any{"database.driver": "oracle"}, message: "database.driver"},
		{name: "postgres without dsn", values: map[string]any{"database.driver": "postgres"}, message: "database.dsn"},
		{name: "zero editors", values: map[string]any{"collab.max_editors": 0}, message: "collab.max_editors"},
		{name: "same roots", values: map[string]any{"collab.legacy_root": "blocks"}, message: "collab.legacy_root"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			if testCase.name != "missing secret" {
				configViper.Set("tauth.signing_secret", "secret")
			}
			for key, value := range testCase.values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.message, err)
			}
		})
	}
}
