package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fhir-infra/fhirhub"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	cfg, err := loadConfig(writeConfig(t, `{
		"packages": {"enabled": true, "master": "https://feeds.example/master.json", "mirror": "./mirror", "db": "packages.db"},
		"registry": {"enabled": true, "master": "https://registry.example/master.json"},
		"shl": {"enabled": true, "db": "shl.db", "adminPassword": "hunter2", "baseUrl": "https://shl.example"}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Packages.Schedule == "" || cfg.Registry.Schedule == "" {
		t.Error("default schedules not applied")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()
	tt := []struct {
		Name string
		Body string
	}{
		{"BadJSON", `{`},
		{"MissingMaster", `{"packages": {"enabled": true, "db": "p.db", "mirror": "./m"}}`},
		{"MissingAdminPassword", `{"shl": {"enabled": true, "db": "shl.db"}}`},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			if _, err := loadConfig(writeConfig(t, tc.Body)); !errors.Is(err, fhirhub.ErrConfig) {
				t.Errorf("got: %v, want config error", err)
			}
		})
	}
	t.Run("MissingFile", func(t *testing.T) {
		if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.json")); !errors.Is(err, fhirhub.ErrConfig) {
			t.Errorf("got: %v, want config error", err)
		}
	})
}
