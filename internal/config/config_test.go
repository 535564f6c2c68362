package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mfsmaster.cfg")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaultsForOmittedKeys(t *testing.T) {
	path := writeConfig(t, "DATA_PATH = /srv/mfs\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkersMax != 250 {
		t.Errorf("WorkersMax = %d, want default 250", cfg.WorkersMax)
	}
	if cfg.DataPath != "/srv/mfs" {
		t.Errorf("DataPath = %q, want /srv/mfs", cfg.DataPath)
	}
}

func TestLoadParsesRecognizedKeysAndKeepsUnknownInExtra(t *testing.T) {
	path := writeConfig(t, "# comment\nWORKERS_MAX = 10\nWORKERS_MAX_IDLE=2\nSOME_FUTURE_KEY = whatever\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkersMax != 10 || cfg.WorkersMaxIdle != 2 {
		t.Errorf("got WorkersMax=%d WorkersMaxIdle=%d", cfg.WorkersMax, cfg.WorkersMaxIdle)
	}
	if cfg.Extra["SOME_FUTURE_KEY"] != "whatever" {
		t.Errorf("Extra[SOME_FUTURE_KEY] = %q, want whatever", cfg.Extra["SOME_FUTURE_KEY"])
	}
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	path := writeConfig(t, "not-a-valid-line\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestCappedMetaSaveFreqRespectsBackLogs(t *testing.T) {
	cfg := Default()
	cfg.BackLogs = 10
	cfg.MetaSaveFreq = 9
	if got := cfg.CappedMetaSaveFreq(); got != 5 {
		t.Errorf("CappedMetaSaveFreq() = %d, want 5", got)
	}
}

func TestCappedBackMetaCopiesClampsTo99(t *testing.T) {
	cfg := Default()
	cfg.BackMetaCopies = 500
	if got := cfg.CappedBackMetaCopies(); got != 99 {
		t.Errorf("CappedBackMetaCopies() = %d, want 99", got)
	}
}
