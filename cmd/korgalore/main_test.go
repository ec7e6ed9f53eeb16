package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// setupDirs points the XDG directories at temp space and writes a
// minimal config with one pipe target and one delivery.
func setupDirs(t *testing.T, config string) string {
	t.Helper()
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(base, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(base, "data"))
	configDir := filepath.Join(base, "config", "korgalore")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if config != "" {
		if err := os.WriteFile(filepath.Join(configDir, "korgalore.toml"),
			[]byte(config), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return configDir
}

const testConfig = `
[targets.sink]
type = "pipe"
command = "cat"

[feeds.lkml]
url = "https://lore.kernel.org/lkml"

[deliveries.lkml]
feed = "lkml"
target = "sink"
labels = ["lkml"]
`

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersionCommand(t *testing.T) {
	code, out, _ := runCLI("version")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(out, "korgalore") {
		t.Errorf("output = %q", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := runCLI("frobnicate")
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(errOut, "unknown command") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestNoArgsShowsHelp(t *testing.T) {
	code, out, _ := runCLI()
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(out, "Usage:") {
		t.Errorf("output = %q", out)
	}
}

func TestDeliveriesList(t *testing.T) {
	setupDirs(t, testConfig)
	code, out, errOut := runCLI("deliveries", "list")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, errOut)
	}
	if !strings.Contains(out, "lkml: lkml -> sink [lkml]") {
		t.Errorf("output = %q", out)
	}
}

func TestDeliveriesListNoConfig(t *testing.T) {
	setupDirs(t, "")
	code, _, errOut := runCLI("deliveries", "list")
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(errOut, "no config file") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestTargetsList(t *testing.T) {
	setupDirs(t, testConfig)
	code, out, _ := runCLI("targets", "list")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(out, "sink: pipe") {
		t.Errorf("output = %q", out)
	}
}

func TestBozoAddAndList(t *testing.T) {
	configDir := setupDirs(t, testConfig)

	code, out, errOut := runCLI("bozo", "add", "spammer@example.com",
		"--reason", "test noise")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, errOut)
	}
	if !strings.Contains(out, "Added 1") {
		t.Errorf("output = %q", out)
	}

	data, err := os.ReadFile(filepath.Join(configDir, "bozofilter.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "spammer@example.com") ||
		!strings.Contains(string(data), "test noise") {
		t.Errorf("bozofilter content:\n%s", data)
	}

	code, out, _ = runCLI("bozo", "list")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(out, "spammer@example.com") {
		t.Errorf("output = %q", out)
	}
}

func TestSubscribeLifecycle(t *testing.T) {
	configDir := setupDirs(t, testConfig)

	code, out, errOut := runCLI("subscribe", "add",
		"https://lore.kernel.org/netdev", "--target", "sink")
	if code != 0 {
		t.Fatalf("add: exit code = %d, stderr = %q", code, errOut)
	}
	if !strings.Contains(out, `"netdev"`) {
		t.Errorf("add output = %q", out)
	}
	confFile := filepath.Join(configDir, "conf.d", "netdev.toml")
	data, err := os.ReadFile(confFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[deliveries.netdev]") ||
		!strings.Contains(string(data), "[feeds.netdev]") {
		t.Errorf("subscription file:\n%s", data)
	}

	// The new subscription must survive a config load.
	code, out, errOut = runCLI("deliveries", "list")
	if code != 0 {
		t.Fatalf("list after add: exit = %d, stderr = %q", code, errOut)
	}
	if !strings.Contains(out, "netdev") {
		t.Errorf("deliveries output = %q", out)
	}

	code, _, errOut = runCLI("subscribe", "pause", "netdev")
	if code != 0 {
		t.Fatalf("pause: exit code = %d, stderr = %q", code, errOut)
	}
	data, _ = os.ReadFile(confFile)
	if !strings.Contains(string(data), "[deliveries-paused.netdev]") {
		t.Errorf("paused file:\n%s", data)
	}

	code, out, _ = runCLI("subscribe", "list")
	if code != 0 {
		t.Fatalf("list: exit code = %d", code)
	}
	if !strings.Contains(out, "netdev (paused)") {
		t.Errorf("list output = %q", out)
	}

	code, _, errOut = runCLI("subscribe", "resume", "netdev")
	if code != 0 {
		t.Fatalf("resume: exit code = %d, stderr = %q", code, errOut)
	}
	data, _ = os.ReadFile(confFile)
	if !strings.Contains(string(data), "[deliveries.netdev]") {
		t.Errorf("resumed file:\n%s", data)
	}

	code, _, errOut = runCLI("subscribe", "stop", "netdev")
	if code != 0 {
		t.Fatalf("stop: exit code = %d, stderr = %q", code, errOut)
	}
	if _, err := os.Stat(confFile); !os.IsNotExist(err) {
		t.Error("subscription file still present after stop")
	}
}

func TestSubscribeAddUnknownTarget(t *testing.T) {
	setupDirs(t, testConfig)
	code, _, errOut := runCLI("subscribe", "add",
		"https://lore.kernel.org/netdev", "--target", "nope")
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(errOut, "unknown target") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestTrackListEmpty(t *testing.T) {
	setupDirs(t, testConfig)
	code, out, errOut := runCLI("track", "list")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, errOut)
	}
	if !strings.Contains(out, "No tracked threads") {
		t.Errorf("output = %q", out)
	}
}

func TestSubscriptionName(t *testing.T) {
	tests := []struct {
		ref, want string
	}{
		{"https://lore.kernel.org/lkml/", "lkml"},
		{"https://lore.kernel.org/netdev", "netdev"},
		{"lei:/home/u/searches/kvm", "kvm"},
	}
	for _, tt := range tests {
		if got := subscriptionName(tt.ref); got != tt.want {
			t.Errorf("subscriptionName(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}
