package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nodekeeper/internal/ipc"
	"nodekeeper/internal/testsupport"
)

func TestNodeLifecycleCommands(t *testing.T) {
	env := setupCLITestEnv(t)
	env.fake.Reply("status", []byte("OK"))
	env.fake.Reply("net get status", []byte("online"))

	out, _, err := runCLI(t, []string{"status"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "== Node ==")
	requireContains(t, out, "[INFO] Stopped")

	if _, _, err := runCLI(t, []string{"command", "status"}, env.socketPath, env.configPath); err == nil ||
		!strings.Contains(err.Error(), "not running") {
		t.Fatalf("expected not running error before start, got %v", err)
	}

	env.startNode(t)

	out, _, err = runCLI(t, []string{"start"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	requireContains(t, out, "Node already running")
	if runs := env.fake.Runs(); runs != 1 {
		t.Fatalf("expected one run, got %d", runs)
	}

	out, _, err = runCLI(t, []string{"status"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "[OK] Running")
	requireContains(t, out, env.cfg.Paths.WorkingDir)

	out, _, err = runCLI(t, []string{"command", "status"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if out != "OK\n" {
		t.Fatalf("command output %q", out)
	}
	out, _, err = runCLI(t, []string{"command", "--args", "net", "get", "status"}, env.socketPath, env.configPath)
	if err != nil || out != "online\n" {
		t.Fatalf("command --args: %q %v", out, err)
	}
	out, _, err = runCLI(t, []string{"command", "--json", `{"method":"net get","params":["status"]}`}, env.socketPath, env.configPath)
	if err != nil || out != "online\n" {
		t.Fatalf("command --json: %q %v", out, err)
	}
	if _, _, err := runCLI(t, []string{"command", "--json", "--args", "x"}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected --json with --args to fail")
	}

	out, _, err = runCLI(t, []string{"stop"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	requireContains(t, out, "Node stopped")
	if env.status(t).Running {
		t.Fatal("expected node stopped")
	}

	out, _, err = runCLI(t, []string{"status", "--json"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var status ipc.StatusResponse
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if status.State != "stopped" || status.LastExit == nil || status.LastExit.Outcome != "exited" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestConfigureSetupAndVersion(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"version"}, env.socketPath, env.configPath)
	if err != nil || strings.TrimSpace(out) != "fake-node 1.0" {
		t.Fatalf("version: %q %v", out, err)
	}

	out, _, err = runCLI(t, []string{"configure", "-e", "net", "set"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	requireContains(t, out, ": -e net set")

	testsupport.WriteTree(t, env.cfg.Paths.WorkingDir, map[string]string{"etc/stale.cfg": "old"})
	out, _, err = runCLI(t, []string{"setup", "--from-scratch"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	requireContains(t, out, "provisioned from scratch")
	tree := testsupport.ReadTree(t, env.cfg.Paths.WorkingDir)
	if _, stale := tree["etc/stale.cfg"]; stale || tree["etc/node.cfg"] != "cfg" {
		t.Fatalf("unexpected working directory %v", tree)
	}
}

func TestListenHistoryAndClients(t *testing.T) {
	env := setupCLITestEnv(t)
	env.startNode(t)

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, _, err := runCLI(t, []string{"listen", "--count", "2"}, env.socketPath, env.configPath)
		done <- result{out, err}
	}()
	waitFor(t, 5*time.Second, func() bool { return env.status(t).Subscribers == 1 })

	out, _, err := runCLI(t, []string{"clients"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("clients: %v", err)
	}
	requireContains(t, out, ipc.TransportSocket)
	requireContains(t, out, "yes")

	env.fake.Emit("block 1 accepted")
	env.fake.Emit("block 2 accepted")

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("listen: %v", res.err)
		}
		first := strings.Index(res.out, "block 1 accepted")
		second := strings.Index(res.out, "block 2 accepted")
		if first < 0 || second < first {
			t.Fatalf("unexpected listen output %q", res.out)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("listen did not return")
	}

	waitFor(t, 5*time.Second, func() bool {
		out, _, err := runCLI(t, []string{"history"}, env.socketPath, env.configPath)
		return err == nil && strings.Contains(out, "block 2 accepted")
	})

	out, _, err = runCLI(t, []string{"history", "--json", "--limit", "1"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("history --json: %v", err)
	}
	var history ipc.HistoryResponse
	if err := json.Unmarshal([]byte(out), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Notifications) != 1 || history.Notifications[0].Message != "block 2 accepted" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestStatusWithoutDaemon(t *testing.T) {
	env := setupCLITestEnv(t)
	missing := filepath.Join(filepath.Dir(env.socketPath), "missing.sock")

	out, _, err := runCLI(t, []string{"status"}, missing, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Not running")
	requireContains(t, out, "== Binaries ==")

	if _, _, err := runCLI(t, []string{"version"}, missing, env.configPath); err == nil ||
		!strings.Contains(err.Error(), "nodekeeper start") {
		t.Fatalf("expected dial hint, got %v", err)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"config", "validate"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, env.cfg.Paths.WorkingDir)

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, env.socketPath, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, env.socketPath, ""); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target, "--overwrite"}, env.socketPath, ""); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestLogsShowsTrailingLines(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"logs"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	requireContains(t, out, "No log entries")

	if err := os.WriteFile(env.cfg.LogPath(), []byte("first\nsecond\nthird\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	out, _, err = runCLI(t, []string{"logs", "-n", "2"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out != "second\nthird\n" {
		t.Fatalf("unexpected logs output %q", out)
	}
}
