package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"nodekeeper/internal/config"
	"nodekeeper/internal/daemonrun"
	"nodekeeper/internal/ipc"
	"nodekeeper/internal/logging"
	"nodekeeper/internal/testsupport"
	"nodekeeper/internal/worker/workertest"
)

type cliTestEnv struct {
	cfg        *config.Config
	fake       *workertest.Fake
	socketPath string
	configPath string
}

// setupCLITestEnv runs a daemon in-process against a fake node and writes a
// matching config file for the CLI to load.
func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	homeDir := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)

	cfg := testsupport.NewConfig(t, testsupport.WithAssetBundle(map[string]string{
		"etc/node.cfg":        "cfg",
		"share/default.setup": "setup",
	}))
	cfg.API.Bind = ""

	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)

	fake := workertest.NewFake()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- daemonrun.Run(ctx, cfg, daemonrun.Options{
			Handle: fake,
			Logger: logging.NewNop(),
			Ready:  ready,
		})
	}()
	select {
	case <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("daemon did not become ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("daemon did not shut down")
		}
	})

	return &cliTestEnv{
		cfg:        cfg,
		fake:       fake,
		socketPath: cfg.Paths.SocketPath,
		configPath: configPath,
	}
}

func (env *cliTestEnv) status(t *testing.T) *ipc.StatusResponse {
	t.Helper()
	client, err := ipc.Dial(env.socketPath)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	defer client.Close()
	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return status
}

func (env *cliTestEnv) startNode(t *testing.T) {
	t.Helper()
	out, _, err := runCLI(t, []string{"start"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	requireContains(t, out, "Node starting")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.fake.WaitRunning(ctx); err != nil {
		t.Fatalf("WaitRunning: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return env.status(t).Running })
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--socket", socket}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
