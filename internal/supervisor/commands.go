package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"nodekeeper/internal/logging"
	"nodekeeper/internal/worker"
)

// Command result labels reported to the observer.
const (
	resultOK         = "ok"
	resultError      = "error"
	resultBusy       = "busy"
	resultNotRunning = "not_running"
	resultCancelled  = "cancelled"
)

// Command forwards cmd to the running node and returns its reply unmodified.
func (s *Supervisor) Command(ctx context.Context, cmd []byte) ([]byte, error) {
	return s.serialized(ctx, "command", true, func() ([]byte, error) {
		return s.handle.Command(cmd)
	})
}

// CommandArgs forwards a command that is already split into arguments.
func (s *Supervisor) CommandArgs(ctx context.Context, args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	return s.serialized(ctx, "command_args", true, func() ([]byte, error) {
		if ac, ok := s.handle.(worker.ArgsCommander); ok {
			return ac.CommandArgs(args)
		}
		return s.handle.Command([]byte(strings.Join(args, " ")))
	})
}

// CommandJSON accepts {"method": "...", "params": [...]} and forwards the
// method followed by its params as command arguments.
func (s *Supervisor) CommandJSON(ctx context.Context, payload string) ([]byte, error) {
	args, err := ParseJSONCommand(payload)
	if err != nil {
		return nil, err
	}
	return s.CommandArgs(ctx, args)
}

// ParseJSONCommand converts a JSON command object into argument form.
func ParseJSONCommand(payload string) ([]string, error) {
	if !gjson.Valid(payload) {
		return nil, errors.New("command json: invalid document")
	}
	doc := gjson.Parse(payload)
	if !doc.IsObject() {
		return nil, errors.New("command json: expected an object")
	}
	method := strings.TrimSpace(doc.Get("method").String())
	if method == "" {
		return nil, errors.New("command json: method required")
	}
	args := strings.Fields(method)
	params := doc.Get("params")
	switch {
	case !params.Exists():
	case params.IsArray():
		for _, p := range params.Array() {
			args = append(args, p.String())
		}
	default:
		args = append(args, params.String())
	}
	return args, nil
}

// Configure runs the node configuration tool. It does not require a running
// node but is serialized with commands.
func (s *Supervisor) Configure(ctx context.Context, command string) (string, error) {
	out, err := s.serialized(ctx, "configure", false, func() ([]byte, error) {
		reply, err := s.handle.Configure(s.workingDir, command)
		return []byte(reply), err
	})
	return string(out), err
}

// Setup provisions the working directory and then runs the setup command
// through the configuration tool. Failures wrap ErrProvisioningFailed, except
// ErrBusy and context cancellation which are returned as is.
func (s *Supervisor) Setup(ctx context.Context, fromScratch bool) error {
	_, err := s.serialized(ctx, "setup", false, func() ([]byte, error) {
		if s.provisioner == nil {
			return nil, errors.New("no provisioner configured")
		}
		if err := s.provisioner.Provision(ctx, s.workingDir, fromScratch); err != nil {
			return nil, err
		}
		if s.setupCommand == "" {
			return nil, nil
		}
		reply, err := s.handle.Configure(s.workingDir, s.setupCommand)
		if err != nil {
			return nil, fmt.Errorf("setup command: %w", err)
		}
		return []byte(reply), nil
	})
	if err != nil {
		if errors.Is(err, ErrBusy) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrProvisioningFailed, err)
	}
	s.logger.Info("working directory provisioned",
		logging.String("working_dir", s.workingDir),
		logging.Bool("from_scratch", fromScratch),
	)
	return nil
}

// Version reports the node version.
func (s *Supervisor) Version(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.handle.Version()
}

func (s *Supervisor) serialized(ctx context.Context, kind string, requireRunning bool, fn func() ([]byte, error)) ([]byte, error) {
	started := time.Now()
	if requireRunning && s.State() != Running {
		s.observe(kind, resultNotRunning, started)
		return nil, ErrWorkerNotRunning
	}
	if err := s.acquire(ctx); err != nil {
		if errors.Is(err, ErrBusy) {
			s.observe(kind, resultBusy, started)
		} else {
			s.observe(kind, resultCancelled, started)
		}
		return nil, err
	}
	defer func() { <-s.cmdSem }()

	if requireRunning && s.State() != Running {
		s.observe(kind, resultNotRunning, started)
		return nil, ErrWorkerNotRunning
	}
	out, err := fn()
	if err != nil {
		if errors.Is(err, worker.ErrNotRunning) {
			s.observe(kind, resultNotRunning, started)
			return nil, fmt.Errorf("%w: %w", ErrWorkerNotRunning, err)
		}
		s.observe(kind, resultError, started)
		s.logger.Debug("command failed", logging.String("kind", kind), logging.Error(err))
		return nil, err
	}
	s.observe(kind, resultOK, started)
	return out, nil
}

func (s *Supervisor) acquire(ctx context.Context) error {
	if s.rejectBusy {
		select {
		case s.cmdSem <- struct{}{}:
			return nil
		default:
			return ErrBusy
		}
	}
	select {
	case s.cmdSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) observe(kind, result string, started time.Time) {
	if s.observer != nil {
		s.observer.CommandObserved(kind, result, time.Since(started))
	}
}
