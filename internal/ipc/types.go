package ipc

import (
	"time"

	"nodekeeper/internal/journal"
	"nodekeeper/internal/notify"
	"nodekeeper/internal/supervisor"
)

// ServiceName is the JSON-RPC service every method is registered under.
const ServiceName = "Node"

// StartRequest launches the node.
type StartRequest struct{}

// StartResponse reports whether the node is starting or running.
type StartResponse struct {
	Running bool   `json:"running"`
	Message string `json:"message"`
}

// StopRequest stops the node and waits for its session to end.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches supervisor status.
type StatusRequest struct{}

// ExitInfo mirrors the supervisor's last-session record.
type ExitInfo = supervisor.ExitInfo

// StatusResponse combines supervisor state with daemon details.
type StatusResponse struct {
	State       string    `json:"state"`
	Running     bool      `json:"running"`
	SessionID   string    `json:"session_id,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	WorkingDir  string    `json:"working_dir"`
	LastExit    *ExitInfo `json:"last_exit,omitempty"`
	PID         int       `json:"pid"`
	Clients     int       `json:"clients"`
	Subscribers int       `json:"subscribers"`
	LockPath    string    `json:"lock_path,omitempty"`
	JournalPath string    `json:"journal_path,omitempty"`
}

// CommandRequest carries a raw command. Bytes are base64 on the wire so they
// reach the node unmodified.
type CommandRequest struct {
	Command []byte `json:"command"`
	// TimeoutMillis bounds how long the request may wait for the command slot.
	TimeoutMillis int `json:"timeout_ms,omitempty"`
}

// CommandArgsRequest carries a command already split into arguments.
type CommandArgsRequest struct {
	Args          []string `json:"args"`
	TimeoutMillis int      `json:"timeout_ms,omitempty"`
}

// CommandJSONRequest carries a {"method": ..., "params": [...]} document.
type CommandJSONRequest struct {
	Payload       string `json:"payload"`
	TimeoutMillis int    `json:"timeout_ms,omitempty"`
}

// CommandResponse holds the node reply exactly as produced.
type CommandResponse struct {
	Reply []byte `json:"reply"`
}

// ConfigureRequest runs the configuration tool.
type ConfigureRequest struct {
	Command string `json:"command"`
}

// ConfigureResponse holds the configuration tool output.
type ConfigureResponse struct {
	Output string `json:"output"`
}

// SetupRequest provisions the working directory.
type SetupRequest struct {
	FromScratch bool `json:"from_scratch"`
}

// SetupResponse reports setup completion.
type SetupResponse struct {
	Done bool `json:"done"`
}

// VersionRequest asks for the node version.
type VersionRequest struct{}

// VersionResponse holds the node version.
type VersionResponse struct {
	Version string `json:"version"`
}

// SubscribeRequest creates the connection's notification subscription.
type SubscribeRequest struct{}

// SubscribeResponse returns the subscription id.
type SubscribeResponse struct {
	ID string `json:"id"`
}

// UnsubscribeRequest removes the connection's subscription.
type UnsubscribeRequest struct{}

// UnsubscribeResponse reports whether a subscription existed.
type UnsubscribeResponse struct {
	Removed bool `json:"removed"`
}

// PollRequest waits for notifications on the connection's subscription.
type PollRequest struct {
	WaitMillis int `json:"wait_ms"`
	Limit      int `json:"limit"`
}

// PollResponse returns the next batch. Closed is set once the subscription
// has ended (unsubscribed or dropped for falling behind).
type PollResponse struct {
	Notifications []notify.Notification `json:"notifications"`
	Closed        bool                  `json:"closed"`
	Dropped       bool                  `json:"dropped,omitempty"`
}

// HistoryRequest queries the notification journal.
type HistoryRequest struct {
	Limit    int    `json:"limit"`
	Session  string `json:"session,omitempty"`
	Sessions int    `json:"sessions,omitempty"`
}

// HistoryResponse holds journal entries, oldest notification first.
type HistoryResponse struct {
	Notifications []notify.Notification `json:"notifications"`
	Sessions      []journal.Session     `json:"sessions,omitempty"`
}

// ClientsRequest lists connected clients.
type ClientsRequest struct{}

// ClientsResponse holds every connected client across transports.
type ClientsResponse struct {
	Clients []ClientInfo `json:"clients"`
}
