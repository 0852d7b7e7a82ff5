package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nodekeeper/internal/config"
	"nodekeeper/internal/logging"
	"nodekeeper/internal/notify"
	"nodekeeper/internal/provision"
	"nodekeeper/internal/worker"
)

const (
	defaultExitCommand = "exit"
	defaultQueueSize   = 1024
	exitRetryBackoff   = 100 * time.Millisecond
)

// Observer receives lifecycle and command events, typically for metrics.
type Observer interface {
	StateChanged(state string)
	SessionEnded(outcome string)
	CommandObserved(kind, result string, elapsed time.Duration)
	NotificationOverflow()
}

// Options configure a Supervisor.
type Options struct {
	WorkingDir    string
	ExitCommand   string
	SetupCommand  string
	CommandPolicy string
	// StopTimeout bounds how long Stop waits after the exit command before
	// killing the node. Zero waits indefinitely.
	StopTimeout time.Duration
	QueueSize   int
	Provisioner provision.Provisioner
	Observer    Observer
	// OnExit is called after every session ends, outside the supervisor lock.
	OnExit func(ExitInfo)
	Logger *slog.Logger
}

// OptionsFromConfig maps the worker and notification sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WorkingDir:    cfg.Paths.WorkingDir,
		ExitCommand:   cfg.Worker.ExitCommand,
		SetupCommand:  cfg.Worker.SetupCommand,
		CommandPolicy: cfg.Worker.CommandPolicy,
		StopTimeout:   cfg.StopTimeout(),
		QueueSize:     cfg.Notifications.QueueSize,
	}
}

// ExitInfo describes how the last session ended.
type ExitInfo struct {
	SessionID   string    `json:"session_id"`
	StartedAt   time.Time `json:"started_at"`
	At          time.Time `json:"at"`
	Status      int       `json:"status"`
	Err         string    `json:"error,omitempty"`
	SpawnFailed bool      `json:"spawn_failed,omitempty"`
	Killed      bool      `json:"killed,omitempty"`
	Outcome     string    `json:"outcome"`
}

// Status is a snapshot of the supervisor.
type Status struct {
	State      State     `json:"-"`
	StateName  string    `json:"state"`
	Running    bool      `json:"running"`
	SessionID  string    `json:"session_id,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	WorkingDir string    `json:"working_dir"`
	LastExit   *ExitInfo `json:"last_exit,omitempty"`
}

// Supervisor drives one worker.Handle.
type Supervisor struct {
	handle      worker.Handle
	hub         *notify.Hub
	provisioner provision.Provisioner
	observer    Observer
	onExit      func(ExitInfo)
	logger      *slog.Logger

	workingDir   string
	exitCommand  string
	setupCommand string
	rejectBusy   bool
	stopTimeout  time.Duration
	queueSize    int

	cmdSem chan struct{}

	mu       sync.Mutex
	state    State
	changed  chan struct{}
	sess     *session
	lastExit *ExitInfo
	closed   bool
}

// New constructs a stopped supervisor.
func New(handle worker.Handle, hub *notify.Hub, opts Options) (*Supervisor, error) {
	if handle == nil {
		return nil, errors.New("worker handle required")
	}
	if hub == nil {
		return nil, errors.New("notification hub required")
	}
	if opts.ExitCommand == "" {
		opts.ExitCommand = defaultExitCommand
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	s := &Supervisor{
		handle:       handle,
		hub:          hub,
		provisioner:  opts.Provisioner,
		observer:     opts.Observer,
		onExit:       opts.OnExit,
		logger:       logging.NewComponentLogger(opts.Logger, "supervisor"),
		workingDir:   opts.WorkingDir,
		exitCommand:  opts.ExitCommand,
		setupCommand: opts.SetupCommand,
		rejectBusy:   opts.CommandPolicy == config.CommandPolicyReject,
		stopTimeout:  opts.StopTimeout,
		queueSize:    opts.QueueSize,
		cmdSem:       make(chan struct{}, 1),
		state:        Stopped,
		changed:      make(chan struct{}),
	}
	return s, nil
}

// Start launches the node unless it is already starting or running. A stop
// in progress is awaited first. The returned flag reports whether the node is
// (being) started.
func (s *Supervisor) Start() (bool, error) {
	s.mu.Lock()
	for {
		if s.closed {
			s.mu.Unlock()
			return false, ErrClosed
		}
		switch s.state {
		case Starting, Running:
			s.mu.Unlock()
			return true, nil
		case Stopping:
			changed := s.changed
			s.mu.Unlock()
			<-changed
			s.mu.Lock()
			continue
		}

		sess := newSession(s.queueSize, s.logger)
		s.sess = sess
		s.setStateLocked(Starting)
		s.mu.Unlock()

		sess.logger.Info("starting node", logging.String("working_dir", s.workingDir))
		go s.pump(sess)
		go s.runSession(sess)
		return true, nil
	}
}

// Stop asks the node to exit and blocks until its session has fully ended.
// Stopping an already stopped supervisor succeeds immediately.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	sess := s.sess
	switch {
	case s.state == Stopped || sess == nil:
		s.mu.Unlock()
		return nil
	case s.state == Stopping:
		s.mu.Unlock()
		<-sess.done
		return nil
	}
	wasRunning := s.state == Running
	s.setStateLocked(Stopping)
	s.mu.Unlock()

	sess.stopRequested.Store(true)
	sess.logger.Info("stopping node")
	if wasRunning {
		go s.requestExit(sess)
	}

	if s.stopTimeout > 0 {
		timer := time.NewTimer(s.stopTimeout)
		defer timer.Stop()
		select {
		case <-sess.done:
			return nil
		case <-timer.C:
			s.kill(sess)
		}
	}
	<-sess.done
	return nil
}

// requestExit sends the exit command through the serialized command path
// until the node accepts it or the session ends on its own.
func (s *Supervisor) requestExit(sess *session) {
	for attempt := 1; ; attempt++ {
		select {
		case s.cmdSem <- struct{}{}:
		case <-sess.done:
			return
		}
		_, err := s.handle.Command([]byte(s.exitCommand))
		<-s.cmdSem
		if err == nil {
			return
		}
		if attempt == 1 && !errors.Is(err, worker.ErrNotRunning) {
			logging.WarnWithContext(sess.logger, "exit command rejected; retrying", "exit_command_failed",
				logging.Error(err),
				logging.String(logging.FieldCommand, s.exitCommand),
				logging.String(logging.FieldImpact, "stop waits until the node accepts the exit command"),
			)
		}
		select {
		case <-sess.done:
			return
		case <-time.After(exitRetryBackoff):
		}
	}
}

func (s *Supervisor) kill(sess *session) {
	killer, ok := s.handle.(worker.Killer)
	if !ok {
		logging.WarnWithContext(sess.logger, "stop deadline passed; worker cannot be killed", "stop_timeout",
			logging.Duration("stop_timeout", s.stopTimeout),
			logging.String(logging.FieldImpact, "stop keeps waiting for the node to exit"),
		)
		return
	}
	sess.killed.Store(true)
	logging.WarnWithContext(sess.logger, "stop deadline passed; killing node", "stop_timeout",
		logging.Duration("stop_timeout", s.stopTimeout),
		logging.String(logging.FieldImpact, "node terminated without a clean shutdown"),
	)
	if err := killer.Kill(); err != nil && !errors.Is(err, worker.ErrNotRunning) {
		logging.ErrorWithContext(sess.logger, "kill node failed", "kill_failed", logging.Error(err))
	}
}

// IsRunning reports whether a session is starting or running.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (s.state == Starting || s.state == Running) && s.sess != nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot including the last session outcome.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:      s.state,
		StateName:  s.state.String(),
		Running:    (s.state == Starting || s.state == Running) && s.sess != nil,
		WorkingDir: s.workingDir,
	}
	if s.sess != nil {
		st.SessionID = s.sess.id
		st.StartedAt = s.sess.startedAt
	}
	if s.lastExit != nil {
		exit := *s.lastExit
		st.LastExit = &exit
	}
	return st
}

// AwaitState blocks until the supervisor reaches want or ctx ends.
func (s *Supervisor) AwaitState(ctx context.Context, want State) error {
	for {
		s.mu.Lock()
		if s.state == want {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("await %s: %w", want, ctx.Err())
		}
	}
}

// Close stops the node and rejects further starts.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

func (s *Supervisor) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.logger.Debug("state changed",
		logging.String("from", s.state.String()),
		logging.String(logging.FieldState, next.String()),
	)
	s.state = next
	close(s.changed)
	s.changed = make(chan struct{})
	if s.observer != nil {
		s.observer.StateChanged(next.String())
	}
}
