package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"nodekeeper/internal/config"
	"nodekeeper/internal/logging"
)

var commandContext = exec.CommandContext

// Option configures a ProcessHandle.
type Option func(*ProcessHandle)

// WithLogger routes worker stderr and lifecycle logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *ProcessHandle) {
		if logger != nil {
			p.logger = logging.NewComponentLogger(logger, "worker")
		}
	}
}

// ProcessHandle runs the node as a child process and talks to it through its
// companion CLI and configuration binaries.
type ProcessHandle struct {
	binary         string
	args           []string
	cliBinary      string
	configBinary   string
	commandTimeout time.Duration
	logger         *slog.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	workingDir string
}

// NewProcessHandle constructs a handle from the worker section of cfg.
func NewProcessHandle(cfg *config.Config, opts ...Option) (*ProcessHandle, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if strings.TrimSpace(cfg.Worker.Binary) == "" {
		return nil, errors.New("worker binary required")
	}
	p := &ProcessHandle{
		binary:         cfg.Worker.Binary,
		args:           append([]string(nil), cfg.Worker.Args...),
		cliBinary:      cfg.Worker.CLIBinary,
		configBinary:   cfg.Worker.ConfigBinary,
		commandTimeout: cfg.CommandTimeout(),
		logger:         logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run starts the node and blocks until it exits. Each stdout line is passed to
// notify. A non-zero exit is reported through the status, not the error.
func (p *ProcessHandle) Run(workingDir string, notify func(string)) (int, error) {
	cmd := commandContext(context.Background(), p.binary, expandArgs(p.args, workingDir)...) //nolint:gosec
	cmd.Dir = workingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	p.mu.Lock()
	if p.cmd != nil {
		p.mu.Unlock()
		return -1, fmt.Errorf("%w: worker already running", ErrSpawnFailed)
	}
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return -1, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	p.cmd = cmd
	p.workingDir = workingDir
	p.mu.Unlock()

	p.logger.Info("node process started",
		logging.Int("pid", cmd.Process.Pid),
		logging.String("binary", p.binary),
	)

	defer func() {
		p.mu.Lock()
		p.cmd = nil
		p.mu.Unlock()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) {
			if notify != nil {
				notify(line)
			}
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			p.logger.Info("node stderr", logging.String("line", line))
		})
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("wait for node: %w", err)
	}
	return 0, nil
}

// Command splits cmd on whitespace and runs the node CLI with those fields.
// The CLI's stdout is returned untouched.
func (p *ProcessHandle) Command(cmd []byte) ([]byte, error) {
	return p.CommandArgs(strings.Fields(string(cmd)))
}

// CommandArgs runs the node CLI with pre-split arguments.
func (p *ProcessHandle) CommandArgs(args []string) ([]byte, error) {
	workingDir, ok := p.liveWorkingDir()
	if !ok {
		return nil, ErrNotRunning
	}
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	if p.cliBinary == "" {
		return nil, errors.New("worker cli binary not configured")
	}
	out, err := p.output(workingDir, p.cliBinary, args)
	if err != nil {
		return nil, fmt.Errorf("node cli %q: %w", args[0], err)
	}
	return out, nil
}

// Configure runs the node configuration tool against workingDir. A command
// beginning with "-" is passed as tool flags, anything else via --exec.
func (p *ProcessHandle) Configure(workingDir, command string) (string, error) {
	if p.configBinary == "" {
		return "", errors.New("worker config binary not configured")
	}
	out, err := p.output(workingDir, p.configBinary, configureArgs(workingDir, command))
	if err != nil {
		return "", fmt.Errorf("node config: %w", err)
	}
	return strings.TrimRight(string(out), "\r\n"), nil
}

// Version reports the node binary version string.
func (p *ProcessHandle) Version() (string, error) {
	out, err := p.output("", p.binary, []string{"--version"})
	if err != nil {
		return "", fmt.Errorf("node version: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Kill sends SIGKILL to the node's process group.
func (p *ProcessHandle) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return ErrNotRunning
	}
	if err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill node process group: %w", err)
	}
	return nil
}

func (p *ProcessHandle) liveWorkingDir() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return "", false
	}
	return p.workingDir, true
}

func (p *ProcessHandle) output(dir, binary string, args []string) ([]byte, error) {
	ctx := context.Background()
	if p.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.commandTimeout)
		defer cancel()
	}
	cmd := commandContext(ctx, binary, args...) //nolint:gosec
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("timed out after %s: %w", p.commandTimeout, ctx.Err())
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

func configureArgs(workingDir, command string) []string {
	args := []string{"--path", workingDir, "--non-interactive"}
	command = strings.TrimSpace(command)
	if command == "" {
		return args
	}
	if strings.HasPrefix(command, "-") {
		return append(args, strings.Fields(command)...)
	}
	return append(args, "--exec", command)
}

func expandArgs(args []string, workingDir string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = strings.ReplaceAll(arg, config.WorkingDirPlaceholder, workingDir)
	}
	return out
}

func scanLines(r io.Reader, forward func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		forward(scanner.Text())
	}
	// Keep draining so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}
