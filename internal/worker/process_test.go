package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nodekeeper/internal/config"
)

func useHelperProcess(t *testing.T) {
	t.Helper()
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", filepath.Base(name)}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
}

func newTestHandle(t *testing.T, args ...string) *ProcessHandle {
	t.Helper()
	cfg := config.Default()
	cfg.Worker.Args = args
	handle, err := NewProcessHandle(&cfg)
	if err != nil {
		t.Fatalf("NewProcessHandle: %v", err)
	}
	return handle
}

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
	ready chan struct{}
	once  sync.Once
}

func newLineRecorder() *lineRecorder {
	return &lineRecorder{ready: make(chan struct{})}
}

func (r *lineRecorder) notify(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
	if line == "ready" {
		r.once.Do(func() { close(r.ready) })
	}
}

func (r *lineRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestRunStreamsStdoutAndReportsStatus(t *testing.T) {
	useHelperProcess(t)
	workDir := t.TempDir()
	handle := newTestHandle(t, "-D", "{workdir}")

	rec := newLineRecorder()
	status, err := handle.Run(workDir, rec.notify)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if status != 3 {
		t.Fatalf("expected exit status 3, got %d", status)
	}

	lines := rec.snapshot()
	if len(lines) != 4 {
		t.Fatalf("expected 4 notification lines, got %v", lines)
	}
	if lines[0] != "args=-D "+workDir {
		t.Fatalf("expected working dir placeholder to be substituted, got %q", lines[0])
	}
	wantDir, _ := filepath.EvalSymlinks(workDir)
	gotDir, _ := filepath.EvalSymlinks(strings.TrimPrefix(lines[1], "cwd="))
	if gotDir != wantDir {
		t.Fatalf("expected node to run in %q, got %q", wantDir, gotDir)
	}
	if lines[2] != "evt1" || lines[3] != "evt2" {
		t.Fatalf("unexpected events: %v", lines[2:])
	}
}

func TestRunReportsSpawnFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Worker.Binary = filepath.Join(t.TempDir(), "missing-node")
	handle, err := NewProcessHandle(&cfg)
	if err != nil {
		t.Fatalf("NewProcessHandle: %v", err)
	}
	_, err = handle.Run(t.TempDir(), nil)
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
}

func TestCommandRequiresLiveWorker(t *testing.T) {
	useHelperProcess(t)
	handle := newTestHandle(t)
	if _, err := handle.Command([]byte("net get status")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := handle.Kill(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning from Kill, got %v", err)
	}
}

func TestCommandAndKillAgainstLiveWorker(t *testing.T) {
	useHelperProcess(t)
	handle := newTestHandle(t, "--block")

	rec := newLineRecorder()
	type result struct {
		status int
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := handle.Run(t.TempDir(), rec.notify)
		done <- result{status, err}
	}()

	select {
	case <-rec.ready:
	case <-time.After(10 * time.Second):
		t.Fatal("node helper never became ready")
	}

	out, err := handle.Command([]byte("  net   get status "))
	if err != nil {
		t.Fatalf("Command returned error: %v", err)
	}
	if string(out) != "cli:net|get|status\n" {
		t.Fatalf("unexpected cli output %q", out)
	}

	if err := handle.Kill(); err != nil {
		t.Fatalf("Kill returned error: %v", err)
	}
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Run returned error after kill: %v", res.err)
		}
		if res.status == 0 {
			t.Fatal("expected non-zero status after kill")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Kill")
	}
}

func TestConfigureBuildsToolArguments(t *testing.T) {
	useHelperProcess(t)
	handle := newTestHandle(t)
	workDir := t.TempDir()

	tests := []struct {
		command string
		want    string
	}{
		{command: "--init share/default.setup", want: fmt.Sprintf("config:--path|%s|--non-interactive|--init|share/default.setup", workDir)},
		{command: "net set mainnet", want: fmt.Sprintf("config:--path|%s|--non-interactive|--exec|net set mainnet", workDir)},
		{command: "", want: fmt.Sprintf("config:--path|%s|--non-interactive", workDir)},
	}
	for _, tt := range tests {
		got, err := handle.Configure(workDir, tt.command)
		if err != nil {
			t.Fatalf("Configure(%q) returned error: %v", tt.command, err)
		}
		if got != tt.want {
			t.Fatalf("Configure(%q) = %q, want %q", tt.command, got, tt.want)
		}
	}
}

func TestConfigureSurfacesToolFailure(t *testing.T) {
	useHelperProcess(t)
	handle := newTestHandle(t)
	_, err := handle.Configure(t.TempDir(), "--fail")
	if err == nil || !strings.Contains(err.Error(), "bad config") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestVersionTrimsOutput(t *testing.T) {
	useHelperProcess(t)
	handle := newTestHandle(t)
	version, err := handle.Version()
	if err != nil {
		t.Fatalf("Version returned error: %v", err)
	}
	if version != "cellframe-node 5.3-test" {
		t.Fatalf("unexpected version %q", version)
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}
	name, rest := args[1], args[2:]

	switch name {
	case "cellframe-node":
		if len(rest) == 1 && rest[0] == "--version" {
			fmt.Println("  cellframe-node 5.3-test  ")
			os.Exit(0)
		}
		if len(rest) == 1 && rest[0] == "--block" {
			fmt.Println("ready")
			time.Sleep(time.Minute)
			os.Exit(0)
		}
		cwd, _ := os.Getwd()
		fmt.Println("args=" + strings.Join(rest, " "))
		fmt.Println("cwd=" + cwd)
		fmt.Println("evt1")
		fmt.Fprintln(os.Stderr, "node warning")
		fmt.Println("evt2")
		os.Exit(3)
	case "cellframe-node-cli":
		fmt.Println("cli:" + strings.Join(rest, "|"))
		os.Exit(0)
	case "cellframe-node-config":
		for _, arg := range rest {
			if arg == "--fail" {
				fmt.Fprintln(os.Stderr, "bad config")
				os.Exit(1)
			}
		}
		fmt.Println("config:" + strings.Join(rest, "|"))
		os.Exit(0)
	}
	os.Exit(2)
}
