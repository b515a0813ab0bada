package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testAddress = "0x00000000000000000000000000000000000a11ce"

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Ledger.ContractAddress = testAddress
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Ledger.MaxBlockRange != 2000 {
		t.Errorf("expected max block range 2000, got %d", cfg.Ledger.MaxBlockRange)
	}
	if cfg.PollInterval() != 5*time.Second {
		t.Errorf("expected poll interval 5s, got %s", cfg.PollInterval())
	}
	if !strings.Contains(cfg.Storage.Path, "mmrmirror") {
		t.Errorf("storage path should contain mmrmirror: %s", cfg.Storage.Path)
	}

	// The contract address has no default.
	var verrs ValidationErrors
	if err := cfg.Validate(); !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if fields := verrs.Fields(); len(fields) != 1 || fields[0] != "ledger.contract_address" {
		t.Errorf("unexpected invalid fields: %v", fields)
	}

	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestRetryPolicy(t *testing.T) {
	p := validConfig().RetryPolicy()
	if err := p.Validate(); err != nil {
		t.Fatalf("default retry policy invalid: %v", err)
	}
	if p.MaxAttempts != 5 || p.BaseDelay != 250*time.Millisecond || p.MaxDelay != 10*time.Second {
		t.Errorf("unexpected policy: %+v", p)
	}
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "config.toml",
			content: `
[ledger]
contract_address = "` + testAddress + `"
max_block_range = 500

[storage]
type = "memory"

[sync]
poll_interval_ms = 250
`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `
ledger:
  contract_address: "` + testAddress + `"
  max_block_range: 500
storage:
  type: memory
sync:
  poll_interval_ms: 250
`,
		},
		{
			name: "json",
			file: "config.json",
			content: `{
  "ledger": {"contract_address": "` + testAddress + `", "max_block_range": 500},
  "storage": {"type": "memory"},
  "sync": {"poll_interval_ms": 250}
}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Ledger.MaxBlockRange != 500 {
				t.Errorf("expected max block range 500, got %d", cfg.Ledger.MaxBlockRange)
			}
			if !cfg.MemoryStorage() {
				t.Errorf("expected memory storage, got %q", cfg.Storage.Type)
			}
			if cfg.PollInterval() != 250*time.Millisecond {
				t.Errorf("expected 250ms, got %s", cfg.PollInterval())
			}
			// Unset fields keep their defaults.
			if cfg.Logging.Level != "info" {
				t.Errorf("expected default log level, got %q", cfg.Logging.Level)
			}
		})
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		field   string
	}{
		{"bad address", "c.toml", "[ledger]\ncontract_address = \"0x1234\"\n", "ledger.contract_address"},
		{"zero range", "c.toml", "[ledger]\ncontract_address = \"" + testAddress + "\"\nmax_block_range = 0\n", "ledger.max_block_range"},
		{"fast poll", "c.toml", "[ledger]\ncontract_address = \"" + testAddress + "\"\n[sync]\npoll_interval_ms = 10\n", "sync.poll_interval_ms"},
		{"storage type", "c.toml", "[ledger]\ncontract_address = \"" + testAddress + "\"\n[storage]\ntype = \"leveldb\"\n", "storage.type"},
		{"log file", "c.toml", "[ledger]\ncontract_address = \"" + testAddress + "\"\n[logging]\noutput = \"file\"\nfile_path = \"\"\n", "logging.file_path"},
		{"ws scheme", "c.toml", "[ledger]\ncontract_address = \"" + testAddress + "\"\nws_url = \"http://node:8546\"\n", "ledger.ws_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			found := false
			for _, f := range verrs.Fields() {
				if f == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected %s among %v", tt.field, verrs.Fields())
			}
		})
	}

	if _, err := Load(writeFile(t, "config.ini", "x=1")); err == nil {
		t.Error("expected unsupported format error")
	}
	if _, err := Load(writeFile(t, "config.toml", "[ledger\n")); err == nil {
		t.Error("expected decode error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MMRMIRROR_CONTRACT_ADDRESS", testAddress)
	t.Setenv("MMRMIRROR_RPC_URL", "https://rpc.example.org")
	t.Setenv("MMRMIRROR_MAX_BLOCK_RANGE", "123")
	t.Setenv("MMRMIRROR_STORAGE_TYPE", "memory")
	t.Setenv("MMRMIRROR_SYNC_LIVE", "false")
	t.Setenv("MMRMIRROR_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Ledger.RPCURL != "https://rpc.example.org" {
		t.Errorf("rpc url not overridden: %s", cfg.Ledger.RPCURL)
	}
	if cfg.Ledger.MaxBlockRange != 123 {
		t.Errorf("max block range not overridden: %d", cfg.Ledger.MaxBlockRange)
	}
	if cfg.Sync.Live {
		t.Error("live sync not overridden")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level not overridden: %s", cfg.Logging.Level)
	}

	t.Setenv("MMRMIRROR_POLL_INTERVAL_MS", "soon")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for malformed override")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := validConfig()
	cfg.Ledger.WSURL = "wss://node.example.org"
	cfg.Blocks.PublishHistory = true
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *loaded != *cfg {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", loaded, cfg)
	}
}

func TestLoaderWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	write := func(level string) {
		content := "[ledger]\ncontract_address = \"" + testAddress + "\"\n[logging]\nlevel = \"" + level + "\"\n"
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
	}
	write("info")

	l := NewLoader(path)
	defer l.Close()
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	changed := make(chan [2]string, 4)
	l.OnChange(func(old, new *Config) {
		changed <- [2]string{old.Logging.Level, new.Logging.Level}
	})
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	write("bogus")
	select {
	case err := <-l.Errors():
		if !strings.Contains(err.Error(), "logging.level") {
			t.Errorf("unexpected reload error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("invalid config was not reported")
	}
	if l.Config().Logging.Level != "info" {
		t.Errorf("invalid reload replaced config")
	}

	write("debug")
	select {
	case c := <-changed:
		if c != [2]string{"info", "debug"} {
			t.Errorf("unexpected change %v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("change not observed")
	}
	if l.Config().Logging.Level != "debug" {
		t.Errorf("config not reloaded: %s", l.Config().Logging.Level)
	}
}
