package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"nodekeeper/internal/journal"
	"nodekeeper/internal/logging"
	"nodekeeper/internal/notify"
	"nodekeeper/internal/supervisor"
)

var (
	// ErrNotSubscribed is returned by Poll before Subscribe.
	ErrNotSubscribed = errors.New("connection has no subscription")
	// ErrHistoryDisabled is returned by History when no journal is configured.
	ErrHistoryDisabled = errors.New("notification history disabled")
)

const (
	defaultPollWait = time.Second
	maxPollWait     = 30 * time.Second
)

// Backend bundles what the control surface operates on.
type Backend struct {
	Supervisor *supervisor.Supervisor
	Hub        *notify.Hub
	// Journal is optional; History fails with ErrHistoryDisabled without it.
	Journal  *journal.Store
	Registry *Registry
	LockPath string
	PID      int
}

// Server exposes supervisor control via JSON-RPC over a Unix domain socket.
type Server struct {
	path     string
	backend  Backend
	logger   *slog.Logger
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, backend Backend, logger *slog.Logger) (*Server, error) {
	if backend.Supervisor == nil {
		return nil, errors.New("ipc server requires supervisor")
	}
	if backend.Hub == nil {
		return nil, errors.New("ipc server requires notification hub")
	}
	if backend.Registry == nil {
		backend.Registry = NewRegistry(nil)
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:     path,
		backend:  backend,
		logger:   logger,
		listener: listener,
		ctx:      serverCtx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
				continue
			}
			s.track(conn, true)
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer s.track(c, false)
				s.serveConn(c)
			}(conn)
		}
	}()
}

// serveConn runs one connection with its own rpc.Server and service so the
// connection owns its client identity and subscription.
func (s *Server) serveConn(conn net.Conn) {
	connCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	id := s.backend.Registry.Add(TransportSocket, "unix")
	svc := &service{
		backend: s.backend,
		ctx:     connCtx,
		id:      id,
		logger:  logging.WithClient(s.logger, id, TransportSocket),
	}
	defer svc.teardown()

	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(ServiceName, svc); err != nil {
		logging.ErrorWithContext(s.logger, "register rpc service", "ipc_register_failed", logging.Error(err))
		_ = conn.Close()
		return
	}
	svc.logger.Debug("client connected")
	rpcServer.ServeCodec(&connCodec{ServerCodec: jsonrpc.NewServerCodec(conn), cancel: cancel})
	svc.logger.Debug("client disconnected")
}

func (s *Server) track(conn net.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}

// Close stops the server, disconnects every client, and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually or rerun nodekeeper stop"))
	}
}

// connCodec cancels the connection context as soon as the client goes away,
// which releases any Poll still waiting on the subscription.
type connCodec struct {
	rpc.ServerCodec
	cancel context.CancelFunc
}

func (c *connCodec) ReadRequestHeader(r *rpc.Request) error {
	err := c.ServerCodec.ReadRequestHeader(r)
	if err != nil {
		c.cancel()
	}
	return err
}

type service struct {
	backend Backend
	ctx     context.Context
	id      string
	logger  *slog.Logger

	mu  sync.Mutex
	sub *notify.Subscription
}

func (s *service) teardown() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		s.backend.Hub.Unsubscribe(sub.ID())
	}
	s.backend.Registry.Remove(s.id)
}

func (s *service) commandContext(timeoutMillis int) (context.Context, context.CancelFunc) {
	if timeoutMillis > 0 {
		return context.WithTimeout(s.ctx, time.Duration(timeoutMillis)*time.Millisecond)
	}
	return context.WithCancel(s.ctx)
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	s.logger.Debug("node start requested")
	running, err := s.backend.Supervisor.Start()
	if err != nil {
		return err
	}
	resp.Running = running
	resp.Message = "node starting"
	s.logger.Info("node start requested via IPC",
		logging.String(logging.FieldEventType, "node_start"))
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.logger.Debug("node stop requested")
	if err := s.backend.Supervisor.Stop(); err != nil {
		return err
	}
	resp.Stopped = true
	s.logger.Info("node stopped via IPC",
		logging.String(logging.FieldEventType, "node_stop"))
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	*resp = BuildStatus(s.backend)
	return nil
}

// BuildStatus assembles a StatusResponse from the backend.
func BuildStatus(b Backend) StatusResponse {
	st := b.Supervisor.Status()
	resp := StatusResponse{
		State:       st.StateName,
		Running:     st.Running,
		SessionID:   st.SessionID,
		StartedAt:   st.StartedAt,
		WorkingDir:  st.WorkingDir,
		LastExit:    st.LastExit,
		PID:         b.PID,
		Subscribers: b.Hub.Len(),
		LockPath:    b.LockPath,
	}
	if b.Registry != nil {
		resp.Clients = b.Registry.Len()
	}
	if b.Journal != nil {
		resp.JournalPath = b.Journal.Path()
	}
	return resp
}

func (s *service) Command(req CommandRequest, resp *CommandResponse) error {
	ctx, cancel := s.commandContext(req.TimeoutMillis)
	defer cancel()
	reply, err := s.backend.Supervisor.Command(ctx, req.Command)
	if err != nil {
		return err
	}
	resp.Reply = reply
	return nil
}

func (s *service) CommandArgs(req CommandArgsRequest, resp *CommandResponse) error {
	ctx, cancel := s.commandContext(req.TimeoutMillis)
	defer cancel()
	reply, err := s.backend.Supervisor.CommandArgs(ctx, req.Args)
	if err != nil {
		return err
	}
	resp.Reply = reply
	return nil
}

func (s *service) CommandJSON(req CommandJSONRequest, resp *CommandResponse) error {
	ctx, cancel := s.commandContext(req.TimeoutMillis)
	defer cancel()
	reply, err := s.backend.Supervisor.CommandJSON(ctx, req.Payload)
	if err != nil {
		return err
	}
	resp.Reply = reply
	return nil
}

func (s *service) Configure(req ConfigureRequest, resp *ConfigureResponse) error {
	out, err := s.backend.Supervisor.Configure(s.ctx, req.Command)
	if err != nil {
		return err
	}
	resp.Output = out
	return nil
}

func (s *service) Setup(req SetupRequest, resp *SetupResponse) error {
	s.logger.Info("setup requested via IPC",
		logging.String(logging.FieldEventType, "setup"),
		logging.Bool("from_scratch", req.FromScratch))
	if err := s.backend.Supervisor.Setup(s.ctx, req.FromScratch); err != nil {
		return err
	}
	resp.Done = true
	return nil
}

func (s *service) Version(_ VersionRequest, resp *VersionResponse) error {
	version, err := s.backend.Supervisor.Version(s.ctx)
	if err != nil {
		return err
	}
	resp.Version = version
	return nil
}

func (s *service) Subscribe(_ SubscribeRequest, resp *SubscribeResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil && !s.sub.Dropped() {
		resp.ID = s.sub.ID()
		return nil
	}
	// A dropped subscription has already left the hub, so the id is free again.
	sub, err := s.backend.Hub.Subscribe(s.id)
	if err != nil {
		return err
	}
	s.sub = sub
	s.backend.Registry.SetSubscribed(s.id, true)
	resp.ID = sub.ID()
	return nil
}

func (s *service) Unsubscribe(_ UnsubscribeRequest, resp *UnsubscribeResponse) error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	resp.Removed = s.backend.Hub.Unsubscribe(sub.ID())
	s.backend.Registry.SetSubscribed(s.id, false)
	return nil
}

func (s *service) Poll(req PollRequest, resp *PollResponse) error {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub == nil {
		return ErrNotSubscribed
	}
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if wait <= 0 {
		wait = defaultPollWait
	}
	if wait > maxPollWait {
		wait = maxPollWait
	}
	batch, ok := sub.Poll(s.ctx, wait, req.Limit)
	resp.Notifications = batch
	if !ok {
		resp.Closed = true
		resp.Dropped = sub.Dropped()
		s.mu.Lock()
		if s.sub == sub {
			s.sub = nil
		}
		s.mu.Unlock()
		s.backend.Registry.SetSubscribed(s.id, false)
	}
	return nil
}

func (s *service) History(req HistoryRequest, resp *HistoryResponse) error {
	if s.backend.Journal == nil {
		return ErrHistoryDisabled
	}
	items, err := s.backend.Journal.History(s.ctx, journal.Query{Limit: req.Limit, Session: req.Session})
	if err != nil {
		return err
	}
	resp.Notifications = items
	if req.Sessions > 0 {
		sessions, err := s.backend.Journal.Sessions(s.ctx, req.Sessions)
		if err != nil {
			return err
		}
		resp.Sessions = sessions
	}
	return nil
}

func (s *service) Clients(_ ClientsRequest, resp *ClientsResponse) error {
	resp.Clients = s.backend.Registry.List()
	return nil
}
