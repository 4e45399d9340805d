package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/keygate/keygate/internal/model"
)

// run executes the CLI with args and returns what it wrote to stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd("1.2.3", "abc123", "2026-01-01")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionJSON(t *testing.T) {
	out, err := run(t, "", "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	if info["version"] != "1.2.3" || info["commit"] != "abc123" {
		t.Errorf("unexpected version info: %v", info)
	}
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, "", "config", "init", "--dir", dir); err != nil {
		t.Fatalf("config init: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "keygate.yaml"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "default_daily_quota: 100") {
		t.Errorf("unexpected config:\n%s", data)
	}

	if _, err := run(t, "", "config", "init", "--dir", dir); err == nil {
		t.Error("expected an error when the file exists")
	}
	if _, err := run(t, "", "config", "init", "--dir", dir, "--force"); err != nil {
		t.Errorf("--force: %v", err)
	}
}

func TestKeyLifecycle(t *testing.T) {
	dataDir := t.TempDir()
	key := func(args ...string) (string, error) {
		return run(t, "", append(append([]string{"key"}, args...), "--data-dir", dataDir)...)
	}

	out, err := key("create", "--name", "ci", "--owner", "ci@example.com", "--quota", "3", "--json")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var created struct {
		Key string `json:"api_key"`
		model.Credential
	}
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	if !strings.HasPrefix(created.Key, "kg_") || created.DailyQuota != 3 || created.Role != model.RoleUser {
		t.Fatalf("unexpected key: %+v", created)
	}

	out, err = key("list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, created.DisplayPrefix) || !strings.Contains(out, "0/3") {
		t.Errorf("list output missing key:\n%s", out)
	}

	// Validation reads the key from stdin and does not consume quota.
	out, err = run(t, created.Key+"\n", "key", "validate", "--data-dir", dataDir)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "quota remaining today: 3") {
		t.Errorf("validate output:\n%s", out)
	}

	id := strconv.FormatInt(created.ID, 10)
	if _, err := key("update", id, "--quota", "10"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := key("revoke", id); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := key("revoke", id); err == nil {
		t.Error("second revoke should fail")
	}

	out, err = run(t, "", "key", "validate", created.Key, "--data-dir", dataDir)
	if err == nil || !strings.Contains(out, "key not found or inactive") {
		t.Errorf("revoked key validated: err=%v out=%q", err, out)
	}

	if _, err := key("delete", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := key("show", id); err == nil {
		t.Error("show after delete should fail")
	}
}

func TestKeyCreateRejectsBadRole(t *testing.T) {
	_, err := run(t, "", "key", "create", "--name", "x", "--owner", "x@example.com", "--role", "root", "--data-dir", t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "invalid --role") {
		t.Errorf("got %v", err)
	}
}

func TestParseID(t *testing.T) {
	for _, arg := range []string{"0", "-3", "abc", ""} {
		if _, err := parseID(arg); err == nil {
			t.Errorf("parseID(%q) should fail", arg)
		}
	}
	if id, err := parseID("42"); err != nil || id != 42 {
		t.Errorf("parseID(42) = %d, %v", id, err)
	}
}
