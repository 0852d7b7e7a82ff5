package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nodekeeper/internal/logging"
	"nodekeeper/internal/notify"
	"nodekeeper/internal/worker"
)

// Session outcomes reported to the observer and recorded in ExitInfo.
const (
	OutcomeExited      = "exited"
	OutcomeFailed      = "failed"
	OutcomeKilled      = "killed"
	OutcomeSpawnFailed = "spawn_failed"
	OutcomeCancelled   = "cancelled"
)

type session struct {
	id        string
	startedAt time.Time
	logger    *slog.Logger

	queue    chan string
	pumpDone chan struct{}
	done     chan struct{}

	emitMu     sync.Mutex
	emitClosed bool

	stopRequested atomic.Bool
	killed        atomic.Bool
	overflow      atomic.Uint64
}

func newSession(queueSize int, logger *slog.Logger) *session {
	id := uuid.NewString()
	return &session{
		id:        id,
		startedAt: time.Now().UTC(),
		logger:    logging.WithSession(logger, id),
		queue:     make(chan string, queueSize),
		pumpDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// runSession owns one node run from Starting to Stopped.
func (s *Supervisor) runSession(sess *session) {
	s.mu.Lock()
	if s.state != Starting || s.sess != sess {
		s.mu.Unlock()
		s.finishSession(sess, ExitInfo{Status: -1, Err: "stopped before the node was launched", Outcome: OutcomeCancelled})
		return
	}
	s.setStateLocked(Running)
	s.mu.Unlock()

	status, err := s.handle.Run(s.workingDir, func(msg string) { s.emit(sess, msg) })

	info := ExitInfo{Status: status}
	switch {
	case err != nil && errors.Is(err, worker.ErrSpawnFailed):
		spawnErr := fmt.Errorf("%w: %w", ErrWorkerSpawnFailed, err)
		info.Err = spawnErr.Error()
		info.SpawnFailed = true
		info.Outcome = OutcomeSpawnFailed
		logging.ErrorWithContext(sess.logger, "node failed to start", "worker_spawn_failed",
			logging.Error(spawnErr),
			logging.String(logging.FieldErrorHint, "check worker.binary and the working directory"),
		)
	case err != nil:
		info.Err = err.Error()
		info.Outcome = OutcomeFailed
		logging.ErrorWithContext(sess.logger, "node run failed", "worker_failed", logging.Error(err))
	case sess.killed.Load():
		info.Outcome = OutcomeKilled
		sess.logger.Info("node killed", logging.Int("status", status))
	case status != 0:
		info.Outcome = OutcomeFailed
		if sess.stopRequested.Load() {
			sess.logger.Info("node stopped with non-zero status", logging.Int("status", status))
		} else {
			logging.WarnWithContext(sess.logger, "node exited unexpectedly", "worker_exit",
				logging.Int("status", status),
				logging.String(logging.FieldErrorHint, "inspect the node log in the working directory"),
				logging.String(logging.FieldImpact, "node is stopped until started again"),
			)
		}
	default:
		info.Outcome = OutcomeExited
		sess.logger.Info("node stopped", logging.Int("status", status))
	}
	s.finishSession(sess, info)
}

// finishSession closes the notification queue, waits for the pump to drain,
// and only then publishes the Stopped state.
func (s *Supervisor) finishSession(sess *session, info ExitInfo) {
	sess.emitMu.Lock()
	sess.emitClosed = true
	close(sess.queue)
	sess.emitMu.Unlock()
	<-sess.pumpDone

	info.SessionID = sess.id
	info.StartedAt = sess.startedAt
	info.At = time.Now().UTC()
	info.Killed = sess.killed.Load()

	s.mu.Lock()
	s.lastExit = &info
	if s.sess == sess {
		s.sess = nil
	}
	s.setStateLocked(Stopped)
	close(sess.done)
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.SessionEnded(info.Outcome)
	}
	if s.onExit != nil {
		s.onExit(info)
	}
}

// emit is the node's notify callback. It never blocks: when the session
// queue is full the message is dropped and counted.
func (s *Supervisor) emit(sess *session, msg string) {
	sess.emitMu.Lock()
	defer sess.emitMu.Unlock()
	if sess.emitClosed {
		return
	}
	select {
	case sess.queue <- msg:
		return
	default:
	}
	dropped := sess.overflow.Add(1)
	if s.observer != nil {
		s.observer.NotificationOverflow()
	}
	if dropped == 1 || dropped%1000 == 0 {
		logging.WarnWithContext(sess.logger, "notification queue full; dropping node message", "notification_overflow",
			logging.Uint64("dropped", dropped),
			logging.Int("queue_size", cap(sess.queue)),
			logging.String(logging.FieldErrorHint, "raise notifications.queue_size"),
			logging.String(logging.FieldImpact, "subscribers miss node notifications"),
		)
	}
}

func (s *Supervisor) pump(sess *session) {
	defer close(sess.pumpDone)
	for msg := range sess.queue {
		s.hub.Publish(notify.Notification{Session: sess.id, Message: msg})
	}
}
