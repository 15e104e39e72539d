package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()
	if c.DataDir != DefaultDataDir {
		t.Errorf("DataDir = %q", c.DataDir)
	}
	if c.DownloadThreads != 16 {
		t.Errorf("DownloadThreads = %d", c.DownloadThreads)
	}
	if c.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d", c.MaxRetries)
	}
	if c.Port != 80 {
		t.Errorf("Port = %d", c.Port)
	}
}

func TestValidate(t *testing.T) {
	c := Config{Username: "user@example.com"}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	c.Username = ""
	if err := c.Validate(); err == nil {
		t.Fatal("missing username accepted")
	}
}

func TestLoadFilePrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
username = "file@example.com"
data_dir = "/tmp/photos"
download_threads = 4
fail_on_mfa = true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	// Flag-provided values win over the file.
	c := Config{Username: "flag@example.com"}
	if err := c.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if c.Username != "flag@example.com" {
		t.Errorf("flag value overridden: %q", c.Username)
	}
	if c.DataDir != "/tmp/photos" {
		t.Errorf("file value not merged: %q", c.DataDir)
	}
	if c.DownloadThreads != 4 {
		t.Errorf("DownloadThreads = %d", c.DownloadThreads)
	}
	if !c.FailOnMFA {
		t.Error("bool not merged")
	}
}

func TestPaths(t *testing.T) {
	c := Config{DataDir: "/data"}
	if got := c.LockPath(); got != "/data/.library.lock" {
		t.Errorf("LockPath = %q", got)
	}
	if got := c.TrustTokenPath(); got != "/data/.trust-token.icloud" {
		t.Errorf("TrustTokenPath = %q", got)
	}
	if got := c.AssetDir(); got != "/data/_All-Photos" {
		t.Errorf("AssetDir = %q", got)
	}
}

func TestScrubArgs(t *testing.T) {
	args := []string{"icloud-photos-sync", "-p", "hunter2", "--password=hunter2", "sync"}
	scrubArgs(args, "hunter2", PasswordPlaceholder)
	if args[2] != PasswordPlaceholder {
		t.Errorf("positional secret not scrubbed: %q", args[2])
	}
	if args[3] != "--password="+PasswordPlaceholder {
		t.Errorf("flag=value secret not scrubbed: %q", args[3])
	}
	if args[4] != "sync" {
		t.Errorf("non-secret touched: %q", args[4])
	}
}
