package remote

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "blockferry.yaml", `
remotes:
  - name: scratch
    provider: memory
  - name: archive
    prefix: "cold/"
    dir: /var/lib/blockferry
  - name: reports
    provider: s3
    s3_bucket: acme-reports
    s3_region: eu-west-1
    s3_use_path_style: true
transfer:
  block_size: 8388608
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Remotes) != 3 {
		t.Fatalf("len(Remotes) = %d, want 3", len(cfg.Remotes))
	}

	// A remote without a provider defaults to the file backend.
	archive := cfg.Remotes[1]
	if archive.Provider != "file" || archive.Dir != "/var/lib/blockferry" || archive.Prefix != "cold/" {
		t.Errorf("archive remote = %+v", archive)
	}

	reports := cfg.Remotes[2]
	if reports.S3Bucket != "acme-reports" || reports.S3Region != "eu-west-1" || !reports.S3UsePathStyle {
		t.Errorf("reports remote = %+v", reports)
	}

	// Unset transfer fields keep their defaults.
	if cfg.Transfer.BlockSize != 8388608 {
		t.Errorf("BlockSize = %d, want 8388608", cfg.Transfer.BlockSize)
	}
	if cfg.Transfer.Parallelism != 5 {
		t.Errorf("Parallelism = %d, want 5", cfg.Transfer.Parallelism)
	}
	if cfg.Transfer.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Transfer.MaxRetries)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load = %v, want a read error", err)
	}
}

func TestLoadConfigExampleFallback(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "blockferry.example.yaml", `
remotes:
  - name: example
    provider: memory
`)

	cfg, err := Load(filepath.Join(dir, "blockferry.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Remotes) != 1 || cfg.Remotes[0].Name != "example" {
		t.Errorf("Remotes = %+v, want the example remote", cfg.Remotes)
	}
}

func TestConfigRemote(t *testing.T) {
	cfg := &Config{Remotes: []RemoteConfig{{Name: "scratch", Provider: "memory"}}}

	rc, err := cfg.Remote("scratch")
	if err != nil {
		t.Fatalf("Remote failed: %v", err)
	}
	if rc.Provider != "memory" {
		t.Errorf("Provider = %q, want %q", rc.Provider, "memory")
	}

	if _, err := cfg.Remote("prod"); err == nil || !strings.Contains(err.Error(), "is not configured") {
		t.Errorf("Remote(prod) = %v, want a not-configured error", err)
	}
}

func TestConfigOpen(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{Remotes: []RemoteConfig{
		{Name: "scratch", Provider: "memory"},
		{Name: "local", Provider: "file", Prefix: "team/", Dir: dir},
	}}

	b, err := cfg.Open(context.Background(), "scratch", "blob.bin")
	if err != nil {
		t.Fatalf("Open(scratch) failed: %v", err)
	}
	if _, ok := b.(*MemoryBlob); !ok {
		t.Errorf("Open(scratch) = %T, want *MemoryBlob", b)
	}

	// The file provider roots the blob under dir with the remote's prefix.
	fb, err := cfg.Open(context.Background(), "local", "blob.bin")
	if err != nil {
		t.Fatalf("Open(local) failed: %v", err)
	}
	uploadString(t, fb, "content")
	if _, err := os.Stat(filepath.Join(dir, "team", "blob.bin", "meta.yaml")); err != nil {
		t.Errorf("blob sidecar not at the prefixed path: %v", err)
	}

	if _, err := cfg.Open(context.Background(), "scratch", ""); err != nil {
		t.Errorf("Open with empty blob name failed: %v", err)
	}
}

func TestConfigOpenUnknownProvider(t *testing.T) {
	cfg := &Config{Remotes: []RemoteConfig{{Name: "odd", Provider: "ftp"}}}

	_, err := cfg.Open(context.Background(), "odd", "blob.bin")
	if err == nil || !strings.Contains(err.Error(), "unknown remote provider") {
		t.Errorf("Open = %v, want an unknown-provider error", err)
	}
}
