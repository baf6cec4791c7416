package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Matrix = MatrixConfig{
		Homeserver:  "https://matrix.example.org",
		UserID:      "@me:example.org",
		AccessToken: "syt_secret",
	}
	cfg.Guard.MinEncryptionStrength = 90
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Matrix != cfg.Matrix {
		t.Errorf("Matrix = %+v, want %+v", loaded.Matrix, cfg.Matrix)
	}
	if loaded.Guard != cfg.Guard {
		t.Errorf("Guard = %+v, want %+v", loaded.Guard, cfg.Guard)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `default_session = "main"

[pipeline]
max_retries = 5

[guard]
throw_on_error = false
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	p, err := cfg.PipelineSettings()
	if err != nil {
		t.Fatal(err)
	}
	if p.Retry.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", p.Retry.MaxRetries)
	}
	if p.Retry.BaseDelay != 2*time.Second {
		t.Errorf("BaseDelay = %v, want 2s (default)", p.Retry.BaseDelay)
	}
	if p.Dedup.Window != time.Minute || p.Dedup.MaxEntries != 10000 {
		t.Errorf("Dedup = %+v, want 1m/10000", p.Dedup)
	}
	if cfg.Guard.ThrowOnError {
		t.Error("ThrowOnError should be false")
	}
	if !cfg.Guard.MandatoryEncryption || cfg.Guard.MinEncryptionStrength != 80 {
		t.Errorf("unset guard fields should keep defaults, got %+v", cfg.Guard)
	}
}

func TestPipelineSettings(t *testing.T) {
	tests := []struct {
		name    string
		p       PipelineConfig
		want    time.Duration
		wantErr bool
	}{
		{"empty falls back", PipelineConfig{}, 0, false},
		{"parsed", PipelineConfig{RetryDelay: "500ms"}, 500 * time.Millisecond, false},
		{"garbage", PipelineConfig{RetryDelay: "soon"}, 0, true},
		{"negative", PipelineConfig{RetryDelay: "-1s"}, 0, true},
		{"bad window", PipelineConfig{DedupWindow: "x"}, 0, true},
		{"negative retries", PipelineConfig{MaxRetries: -1}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Pipeline: tt.p}
			got, err := cfg.PipelineSettings()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got.Retry.BaseDelay != tt.want {
				t.Errorf("BaseDelay = %v, want %v", got.Retry.BaseDelay, tt.want)
			}
		})
	}
}

func TestZeroMaxRetriesMeansManualOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[pipeline]\nmax_retries = 0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	p, err := cfg.PipelineSettings()
	if err != nil {
		t.Fatal(err)
	}
	if !p.Retry.ManualOnly {
		t.Errorf("max_retries = 0 should disable automatic retries, got %+v", p.Retry)
	}

	// Omitting the key keeps the default budget.
	p, err = Default().PipelineSettings()
	if err != nil {
		t.Fatal(err)
	}
	if p.Retry.ManualOnly || p.Retry.MaxRetries != 3 {
		t.Errorf("default retry config = %+v, want 3 automatic retries", p.Retry)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[pipeline]\nretry_delay = \"often\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for bad retry_delay")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
