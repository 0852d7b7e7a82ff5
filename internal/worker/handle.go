package worker

import "errors"

var (
	// ErrNotRunning is returned by command entry points when no worker is live.
	ErrNotRunning = errors.New("worker not running")
	// ErrSpawnFailed wraps failures to create the worker process.
	ErrSpawnFailed = errors.New("worker spawn failed")
)

// Handle is the opaque boundary to the node.
//
// Run blocks until the worker exits and returns its status. notify may be
// invoked from any goroutine until Run returns. Command and Configure are not
// reentrant; callers serialize them.
type Handle interface {
	Run(workingDir string, notify func(string)) (int, error)
	Command(cmd []byte) ([]byte, error)
	Configure(workingDir, command string) (string, error)
	Version() (string, error)
}

// ArgsCommander accepts commands that are already split into arguments.
type ArgsCommander interface {
	CommandArgs(args []string) ([]byte, error)
}

// Killer is implemented by handles that can force the worker down.
type Killer interface {
	Kill() error
}
