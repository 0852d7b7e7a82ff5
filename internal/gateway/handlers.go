package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"nodekeeper/internal/ipc"
	"nodekeeper/internal/journal"
	"nodekeeper/internal/supervisor"
)

const maxCommandBody = 1 << 20

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CommandRequest is the JSON form of POST /api/command. Exactly one of
// Command, Args, or Method is used, in that order of precedence.
type CommandRequest struct {
	Command       string   `json:"command"`
	Args          []string `json:"args"`
	Method        string   `json:"method"`
	TimeoutMillis int      `json:"timeout_ms"`
}

// CommandResponse carries the node reply. Replies that are not valid UTF-8
// are sent base64 encoded in ReplyBase64 and Reply is left empty.
type CommandResponse struct {
	Reply       string `json:"reply"`
	ReplyBase64 string `json:"reply_b64,omitempty"`
}

func newCommandResponse(reply []byte) CommandResponse {
	if utf8.Valid(reply) {
		return CommandResponse{Reply: string(reply)}
	}
	return CommandResponse{ReplyBase64: base64.StdEncoding.EncodeToString(reply)}
}

func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	c.JSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: err.Error()}})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, supervisor.ErrWorkerNotRunning):
		return http.StatusConflict, "WORKER_NOT_RUNNING"
	case errors.Is(err, supervisor.ErrBusy):
		return http.StatusTooManyRequests, "BUSY"
	case errors.Is(err, supervisor.ErrProvisioningFailed):
		return http.StatusInternalServerError, "PROVISIONING_FAILED"
	case errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	case errors.Is(err, ipc.ErrHistoryDisabled):
		return http.StatusNotFound, "HISTORY_DISABLED"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "CANCELLED"
	default:
		return http.StatusBadGateway, "NODE_ERROR"
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Code: "INVALID_REQUEST", Message: message}})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"state":  s.backend.Supervisor.State().String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, ipc.BuildStatus(s.backend))
}

func (s *Server) handleStart(c *gin.Context) {
	running, err := s.backend.Supervisor.Start()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ipc.StartResponse{Running: running, Message: "node starting"})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.backend.Supervisor.Stop(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ipc.StopResponse{Stopped: true})
}

// handleCommand accepts either a JSON CommandRequest or a raw body. Raw
// bodies (any non-JSON content type) are forwarded byte for byte and the
// reply is returned the same way.
func (s *Server) handleCommand(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCommandBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: ErrorDetail{
				Code:    "REQUEST_TOO_LARGE",
				Message: "command body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes",
			}})
			return
		}
		badRequest(c, "read body: "+err.Error())
		return
	}
	timeout := parseTimeout(c.Query("timeout_ms"))

	if !strings.HasPrefix(c.ContentType(), "application/json") {
		if len(body) == 0 {
			badRequest(c, "command required")
			return
		}
		ctx, cancel := commandContext(c.Request.Context(), timeout)
		defer cancel()
		reply, err := s.backend.Supervisor.Command(ctx, body)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/octet-stream", reply)
		return
	}

	if !gjson.ValidBytes(body) {
		badRequest(c, "invalid JSON body")
		return
	}
	doc := gjson.ParseBytes(body)
	if ms := doc.Get("timeout_ms"); ms.Exists() {
		timeout = time.Duration(ms.Int()) * time.Millisecond
	}
	ctx, cancel := commandContext(c.Request.Context(), timeout)
	defer cancel()

	var reply []byte
	switch {
	case doc.Get("command").String() != "":
		reply, err = s.backend.Supervisor.Command(ctx, []byte(doc.Get("command").String()))
	case doc.Get("args").IsArray():
		args := make([]string, 0, len(doc.Get("args").Array()))
		for _, arg := range doc.Get("args").Array() {
			args = append(args, arg.String())
		}
		reply, err = s.backend.Supervisor.CommandArgs(ctx, args)
	case doc.Get("method").Exists():
		reply, err = s.backend.Supervisor.CommandJSON(ctx, string(body))
	default:
		badRequest(c, "one of command, args, or method is required")
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCommandResponse(reply))
}

func (s *Server) handleConfigure(c *gin.Context) {
	var req ipc.ConfigureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		badRequest(c, "command required")
		return
	}
	out, err := s.backend.Supervisor.Configure(c.Request.Context(), req.Command)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ipc.ConfigureResponse{Output: out})
}

func (s *Server) handleSetup(c *gin.Context) {
	var req ipc.SetupRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if err := s.backend.Supervisor.Setup(c.Request.Context(), req.FromScratch); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ipc.SetupResponse{Done: true})
}

func (s *Server) handleVersion(c *gin.Context) {
	version, err := s.backend.Supervisor.Version(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ipc.VersionResponse{Version: version})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.backend.Journal == nil {
		writeError(c, ipc.ErrHistoryDisabled)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	sessions, _ := strconv.Atoi(c.Query("sessions"))
	items, err := s.backend.Journal.History(c.Request.Context(), journal.Query{Limit: limit, Session: c.Query("session")})
	if err != nil {
		writeError(c, err)
		return
	}
	resp := ipc.HistoryResponse{Notifications: items}
	if sessions > 0 {
		if resp.Sessions, err = s.backend.Journal.Sessions(c.Request.Context(), sessions); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleClients(c *gin.Context) {
	c.JSON(http.StatusOK, ipc.ClientsResponse{Clients: s.backend.Registry.List()})
}

func parseTimeout(raw string) time.Duration {
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func commandContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(parent, timeout)
	}
	return context.WithCancel(parent)
}
