// Package workertest provides an in-memory worker.Handle for supervisor and
// transport tests.
package workertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"nodekeeper/internal/worker"
)

// Fake is a scriptable worker.Handle. Run blocks until the exit command is
// received, Exit is called, or Kill is called.
type Fake struct {
	mu sync.Mutex

	exitCommand  string
	ignoreExit   bool
	spawnErr     error
	replies      map[string][]byte
	commandErr   error
	configureErr error
	version      string
	gate         chan struct{}

	running    bool
	notify     func(string)
	exitCh     chan int
	runningCh  chan struct{}
	live       int
	maxLive    int
	runs       int
	inFlight   int
	overlapped bool
	commands   []string
	configures []string
}

var (
	_ worker.Handle        = (*Fake)(nil)
	_ worker.ArgsCommander = (*Fake)(nil)
	_ worker.Killer        = (*Fake)(nil)
)

// NewFake returns a fake whose exit command is "exit".
func NewFake() *Fake {
	return &Fake{
		exitCommand: "exit",
		replies:     make(map[string][]byte),
		version:     "fake-node 1.0",
		runningCh:   make(chan struct{}),
	}
}

// Reply scripts the response returned for an exact command.
func (f *Fake) Reply(cmd string, response []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[cmd] = append([]byte(nil), response...)
}

// FailCommands makes every non-exit command fail with err.
func (f *Fake) FailCommands(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commandErr = err
}

// FailConfigure makes Configure fail with err.
func (f *Fake) FailConfigure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configureErr = err
}

// FailSpawn makes the next runs fail immediately, wrapped in worker.ErrSpawnFailed.
func (f *Fake) FailSpawn(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawnErr = err
}

// IgnoreExit makes the worker ignore the exit command so only Kill stops it.
func (f *Fake) IgnoreExit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignoreExit = true
}

// SetVersion changes the version string.
func (f *Fake) SetVersion(v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version = v
}

// Hold blocks every command and configure call until the returned release
// function is called.
func (f *Fake) Hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gate == gate {
				f.gate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

func (f *Fake) Run(workingDir string, notify func(string)) (int, error) {
	f.mu.Lock()
	f.runs++
	if f.spawnErr != nil {
		err := f.spawnErr
		f.mu.Unlock()
		return -1, fmt.Errorf("%w: %v", worker.ErrSpawnFailed, err)
	}
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	exitCh := make(chan int, 1)
	f.exitCh = exitCh
	f.notify = notify
	f.running = true
	close(f.runningCh)
	f.mu.Unlock()

	status := <-exitCh

	f.mu.Lock()
	f.live--
	f.running = false
	f.notify = nil
	f.exitCh = nil
	f.runningCh = make(chan struct{})
	f.mu.Unlock()
	return status, nil
}

func (f *Fake) Command(cmd []byte) ([]byte, error) {
	return f.handleCommand(string(cmd))
}

func (f *Fake) CommandArgs(args []string) ([]byte, error) {
	return f.handleCommand(strings.Join(args, " "))
}

func (f *Fake) handleCommand(cmd string) ([]byte, error) {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil, worker.ErrNotRunning
	}
	gate := f.enter()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	defer f.leave()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cmd == f.exitCommand {
		if !f.ignoreExit {
			f.exitLocked(0)
		}
		return []byte("bye"), nil
	}
	if f.commandErr != nil {
		return nil, f.commandErr
	}
	if reply, ok := f.replies[cmd]; ok {
		return append([]byte(nil), reply...), nil
	}
	return []byte(cmd), nil
}

func (f *Fake) Configure(workingDir, command string) (string, error) {
	f.mu.Lock()
	gate := f.enter()
	f.configures = append(f.configures, command)
	f.mu.Unlock()
	defer f.leave()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configureErr != nil {
		return "", f.configureErr
	}
	return "configured " + workingDir + ": " + command, nil
}

func (f *Fake) Version() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, nil
}

// Kill ends the current run with status -9.
func (f *Fake) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return worker.ErrNotRunning
	}
	f.exitLocked(-9)
	return nil
}

// Exit makes the worker terminate on its own with status.
func (f *Fake) Exit(status int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return false
	}
	f.exitLocked(status)
	return true
}

// Emit delivers msg through the notify callback of the live run.
func (f *Fake) Emit(msg string) bool {
	f.mu.Lock()
	notify := f.notify
	f.mu.Unlock()
	if notify == nil {
		return false
	}
	notify(msg)
	return true
}

// WaitRunning blocks until a run is live.
func (f *Fake) WaitRunning(ctx context.Context) error {
	for {
		f.mu.Lock()
		if f.running {
			f.mu.Unlock()
			return nil
		}
		ch := f.runningCh
		f.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitCommands blocks until at least n commands have been received.
func (f *Fake) WaitCommands(ctx context.Context, n int) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		f.mu.Lock()
		got := len(f.commands)
		f.mu.Unlock()
		if got >= n {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Runs reports how many times Run was called.
func (f *Fake) Runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

// MaxLive reports the highest number of simultaneously live runs observed.
func (f *Fake) MaxLive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLive
}

// Overlapped reports whether two command or configure calls were ever in flight together.
func (f *Fake) Overlapped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlapped
}

// Commands returns every command received, in order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// Configures returns every configure command received, in order.
func (f *Fake) Configures() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.configures...)
}

func (f *Fake) enter() chan struct{} {
	f.inFlight++
	if f.inFlight > 1 {
		f.overlapped = true
	}
	return f.gate
}

func (f *Fake) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *Fake) exitLocked(status int) {
	select {
	case f.exitCh <- status:
	default:
	}
}
