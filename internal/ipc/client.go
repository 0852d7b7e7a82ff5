package ipc

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"time"

	"nodekeeper/internal/notify"
	"nodekeeper/internal/supervisor"
)

const streamPollWait = 500 * time.Millisecond

// remoteErrors are matched by message prefix when a call fails on the server.
var remoteErrors = []error{
	supervisor.ErrProvisioningFailed,
	supervisor.ErrWorkerNotRunning,
	supervisor.ErrWorkerSpawnFailed,
	supervisor.ErrBusy,
	supervisor.ErrClosed,
	ErrNotSubscribed,
	ErrHistoryDisabled,
	notify.ErrClosed,
	notify.ErrDuplicate,
	context.DeadlineExceeded,
	context.Canceled,
}

// RemoteError is a server-side failure that keeps the server's message and
// unwraps to the matching sentinel, if any.
type RemoteError struct {
	Message  string
	sentinel error
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return e.sentinel }

func mapError(err error) error {
	var serverErr rpc.ServerError
	if !errors.As(err, &serverErr) {
		return err
	}
	msg := string(serverErr)
	for _, known := range remoteErrors {
		if strings.HasPrefix(msg, known.Error()) {
			return &RemoteError{Message: msg, sentinel: known}
		}
	}
	return &RemoteError{Message: msg}
}

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	return nil
}

func (c *Client) call(method string, req, resp any) error {
	if err := c.client.Call(ServiceName+"."+method, req, resp); err != nil {
		return mapError(err)
	}
	return nil
}

// Start requests the node to start.
func (c *Client) Start() (*StartResponse, error) {
	var resp StartResponse
	if err := c.call("Start", StartRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop requests the node to stop and waits until it has.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.call("Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the supervisor status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call("Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Command sends a raw command and returns the node reply.
func (c *Client) Command(cmd []byte, timeout time.Duration) ([]byte, error) {
	var resp CommandResponse
	req := CommandRequest{Command: cmd, TimeoutMillis: int(timeout / time.Millisecond)}
	if err := c.call("Command", req, &resp); err != nil {
		return nil, err
	}
	return resp.Reply, nil
}

// CommandArgs sends a command split into arguments.
func (c *Client) CommandArgs(args []string, timeout time.Duration) ([]byte, error) {
	var resp CommandResponse
	req := CommandArgsRequest{Args: args, TimeoutMillis: int(timeout / time.Millisecond)}
	if err := c.call("CommandArgs", req, &resp); err != nil {
		return nil, err
	}
	return resp.Reply, nil
}

// CommandJSON sends a JSON command document.
func (c *Client) CommandJSON(payload string, timeout time.Duration) ([]byte, error) {
	var resp CommandResponse
	req := CommandJSONRequest{Payload: payload, TimeoutMillis: int(timeout / time.Millisecond)}
	if err := c.call("CommandJSON", req, &resp); err != nil {
		return nil, err
	}
	return resp.Reply, nil
}

// Configure runs the configuration tool with command.
func (c *Client) Configure(command string) (string, error) {
	var resp ConfigureResponse
	if err := c.call("Configure", ConfigureRequest{Command: command}, &resp); err != nil {
		return "", err
	}
	return resp.Output, nil
}

// Setup provisions the node working directory.
func (c *Client) Setup(fromScratch bool) error {
	var resp SetupResponse
	return c.call("Setup", SetupRequest{FromScratch: fromScratch}, &resp)
}

// Version returns the node version.
func (c *Client) Version() (string, error) {
	var resp VersionResponse
	if err := c.call("Version", VersionRequest{}, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// Subscribe creates this connection's notification subscription.
func (c *Client) Subscribe() (string, error) {
	var resp SubscribeResponse
	if err := c.call("Subscribe", SubscribeRequest{}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Unsubscribe removes this connection's subscription.
func (c *Client) Unsubscribe() (bool, error) {
	var resp UnsubscribeResponse
	if err := c.call("Unsubscribe", UnsubscribeRequest{}, &resp); err != nil {
		return false, err
	}
	return resp.Removed, nil
}

// Poll waits up to wait for queued notifications.
func (c *Client) Poll(wait time.Duration, limit int) (*PollResponse, error) {
	var resp PollResponse
	req := PollRequest{WaitMillis: int(wait / time.Millisecond), Limit: limit}
	if err := c.call("Poll", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History queries the notification journal.
func (c *Client) History(req HistoryRequest) (*HistoryResponse, error) {
	var resp HistoryResponse
	if err := c.call("History", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Clients lists connected control clients.
func (c *Client) Clients() ([]ClientInfo, error) {
	var resp ClientsResponse
	if err := c.call("Clients", ClientsRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Clients, nil
}

// Stream delivers pushed notifications from Notifications.
type Stream struct {
	ch   chan notify.Notification
	done chan struct{}
	err  error
}

// C is closed when the stream ends.
func (s *Stream) C() <-chan notify.Notification { return s.ch }

// Err blocks until the stream has ended and reports why. It is nil when ctx
// was cancelled or the subscription was removed by Unsubscribe.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// ErrSubscriptionDropped is reported by Stream.Err when the daemon dropped the
// subscriber for not keeping up.
var ErrSubscriptionDropped = errors.New("subscription dropped by daemon")

// Notifications subscribes and streams notifications until ctx ends, the
// subscription closes, or the connection fails.
func (c *Client) Notifications(ctx context.Context) (*Stream, error) {
	if _, err := c.Subscribe(); err != nil {
		return nil, err
	}
	stream := &Stream{
		ch:   make(chan notify.Notification, 64),
		done: make(chan struct{}),
	}
	go func() {
		defer close(stream.done)
		defer close(stream.ch)
		for ctx.Err() == nil {
			resp, err := c.Poll(streamPollWait, 0)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, ErrNotSubscribed) {
					stream.err = err
				}
				return
			}
			for _, n := range resp.Notifications {
				select {
				case stream.ch <- n:
				case <-ctx.Done():
					return
				}
			}
			if resp.Closed {
				if resp.Dropped {
					stream.err = ErrSubscriptionDropped
				}
				return
			}
		}
	}()
	return stream, nil
}
