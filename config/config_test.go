package config

import (
	"os"
	"testing"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `optflow:
  name: "TestApp"
  version: "1.0"
venue:
  ws:
    url: "wss://www.deribit.com/ws/api/v2"
    currency: "BTC"
  rest:
    base_url: "https://www.deribit.com"
engine:
  bucket_width: 500
snapshot:
  path: "/tmp/optflow-state.json"
archive:
  enabled: false
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Optflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Optflow.Name)
	}
	if cfg.Channels.TradeBuffer != 1024 {
		t.Errorf("unexpected trade buffer default: %d", cfg.Channels.TradeBuffer)
	}
	if cfg.Venue.REST.Currency != "BTC" {
		t.Errorf("rest currency should fall back to ws currency, got %s", cfg.Venue.REST.Currency)
	}
}

func TestLoadConfigMissingSnapshotPath(t *testing.T) {
	content := `optflow:
  name: "TestApp"
  version: "1.0"
venue:
  ws:
    url: "wss://www.deribit.com/ws/api/v2"
    currency: "BTC"
  rest:
    base_url: "https://www.deribit.com"
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatal("expected validation error for missing snapshot.path")
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
