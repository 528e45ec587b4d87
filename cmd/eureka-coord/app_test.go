package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/version"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("EUREKA_CONFIG_DIR", t.TempDir())
	t.Setenv("EUREKA_CONFIG", "")
	t.Setenv("EUREKA_STORE", "")
}

func executeRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func diskStore(t *testing.T) string {
	t.Helper()
	return "--store=disk://" + filepath.Join(t.TempDir(), "data")
}

func TestVersionCommand(t *testing.T) {
	isolateEnv(t)
	out, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if want := version.Module() + " " + version.Current() + "\n"; out != want {
		t.Fatalf("got %q want %q", out, want)
	}
	out, err = executeRootCommand(t, "version", "--short")
	if err != nil || out != version.Current()+"\n" {
		t.Fatalf("version --short: %q %v", out, err)
	}
}

func TestConfigGenStdoutUsesFlagNames(t *testing.T) {
	isolateEnv(t)
	out, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if doc["store"] != "local" || doc["auto-rollback-timeout"] != "5m0s" || doc["exhausted-policy"] != "complete" {
		t.Fatalf("unexpected defaults: %v", doc)
	}
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	for key := range doc {
		if root.PersistentFlags().Lookup(key) == nil {
			t.Fatalf("config key %q has no matching flag", key)
		}
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := executeRootCommand(t, "config", "gen", "--out", path); err != nil {
		t.Fatalf("first gen: %v", err)
	}
	if _, err := executeRootCommand(t, "config", "gen", "--out", path); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, err := executeRootCommand(t, "config", "gen", "--out", path, "--force"); err != nil {
		t.Fatalf("forced gen: %v", err)
	}
}

func TestConfigFileSuppliesStore(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	data := "store: disk://" + filepath.Join(dir, "data") + "\n"
	if err := os.WriteFile(cfgPath, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := executeRootCommand(t, "queue", "put", "jobs", "k1", `{"n":1}`, "--config", cfgPath); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, err := executeRootCommand(t, "queue", "next", "jobs", "--config", cfgPath)
	if err != nil || out != "k1\t{\"n\":1}\n" {
		t.Fatalf("next through config file store: %q %v", out, err)
	}
}

func TestQueueCommands(t *testing.T) {
	isolateEnv(t)
	store := diskStore(t)
	if out, err := executeRootCommand(t, "queue", "put", "docs", "doc-1", `"CREATE"`, store); err != nil || out != "put doc-1\n" {
		t.Fatalf("put: %q %v", out, err)
	}
	out, err := executeRootCommand(t, "queue", "next", "docs", store)
	if err != nil || out != "doc-1\t\"CREATE\"\n" {
		t.Fatalf("next: %q %v", out, err)
	}
	out, err = executeRootCommand(t, "queue", "next", "docs", store)
	if err != nil || !strings.Contains(out, "no open elements") {
		t.Fatalf("second next: %q %v", out, err)
	}
	if out, err := executeRootCommand(t, "queue", "done", "docs", "doc-1", store); err != nil || out != "done doc-1\n" {
		t.Fatalf("done: %q %v", out, err)
	}
	if _, err := executeRootCommand(t, "queue", "done", "docs", "doc-1", store); err == nil {
		t.Fatal("second done must fail")
	}
	if _, err := executeRootCommand(t, "queue", "put", "docs", "doc-2", "CREATE", store); err == nil || !strings.Contains(err.Error(), "not valid JSON") {
		t.Fatalf("expected JSON validation error, got %v", err)
	}
}

func TestRefCommands(t *testing.T) {
	isolateEnv(t)
	store := diskStore(t)
	if _, err := executeRootCommand(t, "ref", "get", "cursor", store); err == nil || !strings.Contains(err.Error(), "unset") {
		t.Fatalf("expected unset error, got %v", err)
	}
	if out, err := executeRootCommand(t, "ref", "cas", "cursor", "null", `{"seq":1}`, store); err != nil || out != "swapped\n" {
		t.Fatalf("cas on unset: %q %v", out, err)
	}
	if _, err := executeRootCommand(t, "ref", "cas", "cursor", "null", `{"seq":2}`, store); err == nil {
		t.Fatal("stale cas must fail")
	}
	if out, err := executeRootCommand(t, "ref", "cas", "cursor", `{ "seq": 1 }`, `{"seq":2}`, store); err != nil || out != "swapped\n" {
		t.Fatalf("cas with reformatted expected value: %q %v", out, err)
	}
	if _, err := executeRootCommand(t, "ref", "set", "cursor", "7", store); err != nil {
		t.Fatalf("set: %v", err)
	}
	out, err := executeRootCommand(t, "ref", "get", "cursor", store)
	if err != nil || out != "7\n" {
		t.Fatalf("get: %q %v", out, err)
	}
}

func TestLockTryAcquiresAndReleases(t *testing.T) {
	isolateEnv(t)
	out, err := executeRootCommand(t, "lock", "try", "doc-1", diskStore(t))
	if err != nil {
		t.Fatalf("lock try: %v", err)
	}
	if out != "acquired doc-1\nreleased doc-1\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestWALListAndPrune(t *testing.T) {
	isolateEnv(t)
	store := diskStore(t)
	out, err := executeRootCommand(t, "wal", "list", store)
	if err != nil || out != "no open transactions\n" {
		t.Fatalf("wal list: %q %v", out, err)
	}
	out, err = executeRootCommand(t, "wal", "list", "--json", store)
	if err != nil || strings.TrimSpace(out) != "[]" {
		t.Fatalf("wal list --json: %q %v", out, err)
	}
	out, err = executeRootCommand(t, "prune", store)
	if err != nil || out != "purged=0 rolled_back=0 failed=0 abandoned=0 escalated=0\n" {
		t.Fatalf("prune: %q %v", out, err)
	}
}

func TestInvalidConfigFails(t *testing.T) {
	isolateEnv(t)
	if _, err := executeRootCommand(t, "prune", "--store", "ftp://nowhere"); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
	if _, err := executeRootCommand(t, "prune", "--config", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing explicit config error")
	}
}
