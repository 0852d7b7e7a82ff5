package gateway_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"

	"nodekeeper/internal/gateway"
	"nodekeeper/internal/ipc"
	"nodekeeper/internal/metrics"
	"nodekeeper/internal/notify"
	"nodekeeper/internal/provision"
	"nodekeeper/internal/supervisor"
	"nodekeeper/internal/testsupport"
	"nodekeeper/internal/worker/workertest"
)

type harness struct {
	fake     *workertest.Fake
	hub      *notify.Hub
	sup      *supervisor.Supervisor
	registry *ipc.Registry
	srv      *gateway.Server
	http     *httptest.Server
	workDir  string
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	fake := workertest.NewFake()
	hub := notify.NewHub(notify.Options{DeliveryTimeout: cfg.DeliveryTimeout()})
	opts := supervisor.OptionsFromConfig(cfg)
	opts.Provisioner = &provision.DirProvisioner{Bundle: fstest.MapFS{
		"etc/node.cfg":        {Data: []byte("cfg")},
		"share/default.setup": {Data: []byte("setup")},
	}}
	sup, err := supervisor.New(fake, hub, opts)
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	registry := ipc.NewRegistry(nil)
	srv, err := gateway.NewServer(ipc.Backend{
		Supervisor: sup,
		Hub:        hub,
		Registry:   registry,
	}, gateway.Options{Token: token, Metrics: metrics.NewCollector().Handler()})
	if err != nil {
		t.Fatalf("gateway.NewServer: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		httpSrv.Close()
		_ = sup.Close()
		hub.Close()
	})
	return &harness{
		fake:     fake,
		hub:      hub,
		sup:      sup,
		registry: registry,
		srv:      srv,
		http:     httpSrv,
		workDir:  cfg.Paths.WorkingDir,
	}
}

func (h *harness) do(t *testing.T, method, path, contentType string, body []byte, token string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, h.http.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func (h *harness) doJSON(t *testing.T, method, path string, payload any) (int, []byte) {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	return h.do(t, method, path, "application/json", body, "")
}

func (h *harness) awaitRunning(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.fake.WaitRunning(ctx); err != nil {
		t.Fatalf("WaitRunning: %v", err)
	}
	if err := h.sup.AwaitState(ctx, supervisor.Running); err != nil {
		t.Fatalf("AwaitState: %v", err)
	}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRESTLifecycleAndCommands(t *testing.T) {
	h := newHarness(t, "")
	h.fake.Reply("status", []byte("OK"))
	h.fake.Reply("net get status", []byte("online"))

	status, body := h.doJSON(t, http.MethodPost, "/api/command", gateway.CommandRequest{Command: "status"})
	if status != http.StatusConflict {
		t.Fatalf("expected 409 while stopped, got %d %s", status, body)
	}
	if errResp := decode[gateway.ErrorResponse](t, body); errResp.Error.Code != "WORKER_NOT_RUNNING" {
		t.Fatalf("unexpected error body %s", body)
	}

	if status, body := h.doJSON(t, http.MethodPost, "/api/start", nil); status != http.StatusAccepted {
		t.Fatalf("start: %d %s", status, body)
	}
	h.awaitRunning(t)

	status, body = h.doJSON(t, http.MethodGet, "/api/status", nil)
	if st := decode[ipc.StatusResponse](t, body); status != http.StatusOK || !st.Running || st.State != "running" {
		t.Fatalf("status: %d %s", status, body)
	}

	_, body = h.doJSON(t, http.MethodPost, "/api/command", gateway.CommandRequest{Command: "status"})
	if reply := decode[gateway.CommandResponse](t, body); reply.Reply != "OK" {
		t.Fatalf("command reply %s", body)
	}
	_, body = h.doJSON(t, http.MethodPost, "/api/command", gateway.CommandRequest{Args: []string{"net", "get", "status"}})
	if reply := decode[gateway.CommandResponse](t, body); reply.Reply != "online" {
		t.Fatalf("args reply %s", body)
	}
	_, body = h.do(t, http.MethodPost, "/api/command", "application/json", []byte(`{"method":"net","params":["get","status"]}`), "")
	if reply := decode[gateway.CommandResponse](t, body); reply.Reply != "online" {
		t.Fatalf("method reply %s", body)
	}

	raw := []byte{'x', 0x00, 0xff, '\n'}
	status, body = h.do(t, http.MethodPost, "/api/command", "application/octet-stream", raw, "")
	if status != http.StatusOK || !bytes.Equal(body, raw) {
		t.Fatalf("raw command: %d %v", status, body)
	}

	if status, body := h.doJSON(t, http.MethodPost, "/api/stop", nil); status != http.StatusOK {
		t.Fatalf("stop: %d %s", status, body)
	}
	if h.sup.IsRunning() {
		t.Fatal("expected node stopped")
	}
}

func TestSetupConfigureVersionAndHistory(t *testing.T) {
	h := newHarness(t, "")

	if status, body := h.doJSON(t, http.MethodPost, "/api/setup", ipc.SetupRequest{FromScratch: true}); status != http.StatusOK {
		t.Fatalf("setup: %d %s", status, body)
	}
	if tree := testsupport.ReadTree(t, h.workDir); tree["etc/node.cfg"] != "cfg" {
		t.Fatalf("unexpected working directory %v", tree)
	}
	if status, body := h.doJSON(t, http.MethodPost, "/api/setup", nil); status != http.StatusOK {
		t.Fatalf("setup without body: %d %s", status, body)
	}

	status, body := h.doJSON(t, http.MethodPost, "/api/configure", ipc.ConfigureRequest{Command: "-a"})
	if out := decode[ipc.ConfigureResponse](t, body); status != http.StatusOK || !strings.HasSuffix(out.Output, ": -a") {
		t.Fatalf("configure: %d %s", status, body)
	}
	if status, _ := h.doJSON(t, http.MethodPost, "/api/configure", ipc.ConfigureRequest{}); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty configure, got %d", status)
	}

	_, body = h.doJSON(t, http.MethodGet, "/api/version", nil)
	if v := decode[ipc.VersionResponse](t, body); v.Version != "fake-node 1.0" {
		t.Fatalf("version %s", body)
	}

	if status, _ := h.doJSON(t, http.MethodGet, "/api/history", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 with history disabled, got %d", status)
	}
}

func TestBearerToken(t *testing.T) {
	h := newHarness(t, "s3cret")

	if status, _ := h.do(t, http.MethodGet, "/api/status", "", nil, ""); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
	if status, _ := h.do(t, http.MethodGet, "/api/status", "", nil, "wrong"); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", status)
	}
	if status, _ := h.do(t, http.MethodGet, "/api/status", "", nil, "s3cret"); status != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", status)
	}
	if status, _ := h.do(t, http.MethodGet, "/api/status?token=s3cret", "", nil, ""); status != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", status)
	}
	if status, _ := h.do(t, http.MethodGet, "/health", "", nil, ""); status != http.StatusOK {
		t.Fatalf("health must stay open, got %d", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, "")
	status, body := h.do(t, http.MethodGet, "/metrics", "", nil, "")
	if status != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("metrics: %d", status)
	}
}

func dialNotifications(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/api/notifications"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessages(t *testing.T, conn *websocket.Conn, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(out) < n {
		var evt notify.Notification
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read notification after %v: %v", out, err)
		}
		out = append(out, evt.Message)
	}
	return out
}

func TestWebSocketPushesToEverySubscriber(t *testing.T) {
	h := newHarness(t, "")
	a := dialNotifications(t, h)
	b := dialNotifications(t, h)
	eventually(t, "two subscribers", func() bool { return h.hub.Len() == 2 })

	_, body := h.doJSON(t, http.MethodGet, "/api/clients", nil)
	clients := decode[ipc.ClientsResponse](t, body)
	if len(clients.Clients) != 2 || clients.Clients[0].Transport != ipc.TransportWebSocket || !clients.Clients[0].Subscribed {
		t.Fatalf("unexpected clients %s", body)
	}

	if _, err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.awaitRunning(t)
	h.fake.Emit("evt1")
	h.fake.Emit("evt2")
	if got := readMessages(t, a, 2); got[0] != "evt1" || got[1] != "evt2" {
		t.Fatalf("a received %v", got)
	}
	if got := readMessages(t, b, 2); got[0] != "evt1" || got[1] != "evt2" {
		t.Fatalf("b received %v", got)
	}

	_ = a.Close()
	eventually(t, "a torn down", func() bool { return h.hub.Len() == 1 && h.registry.Len() == 1 })
	h.fake.Emit("evt3")
	if got := readMessages(t, b, 1); got[0] != "evt3" {
		t.Fatalf("b received %v", got)
	}
}

func TestOversizedRawCommandIsRejected(t *testing.T) {
	h := newHarness(t, "")
	if _, err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.awaitRunning(t)

	body := append(bytes.Repeat([]byte("a"), 1<<20), []byte("TAIL")...)
	status, resp := h.do(t, http.MethodPost, "/api/command", "text/plain", body, "")
	if status != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d %s", status, resp)
	}
	if errResp := decode[gateway.ErrorResponse](t, resp); errResp.Error.Code != "REQUEST_TOO_LARGE" {
		t.Fatalf("unexpected error body %s", resp)
	}
	if got := h.fake.Commands(); len(got) != 0 {
		t.Fatalf("oversized command must not reach the node, got %d commands", len(got))
	}
}

func TestJSONCommandEncodesBinaryReply(t *testing.T) {
	h := newHarness(t, "")
	binary := []byte{'o', 'k', 0xff, 0x00}
	h.fake.Reply("dump", binary)
	h.fake.Reply("text", []byte("plain"))
	if _, err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.awaitRunning(t)

	_, body := h.doJSON(t, http.MethodPost, "/api/command", gateway.CommandRequest{Command: "dump"})
	reply := decode[gateway.CommandResponse](t, body)
	decoded, err := base64.StdEncoding.DecodeString(reply.ReplyBase64)
	if err != nil || !bytes.Equal(decoded, binary) || reply.Reply != "" {
		t.Fatalf("binary reply %s: %v", body, err)
	}

	_, body = h.doJSON(t, http.MethodPost, "/api/command", gateway.CommandRequest{Command: "text"})
	if reply := decode[gateway.CommandResponse](t, body); reply.Reply != "plain" || reply.ReplyBase64 != "" {
		t.Fatalf("text reply %s", body)
	}
}

func TestNotificationsRefusedAfterShutdown(t *testing.T) {
	h := newHarness(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/api/notifications"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		_ = conn.Close()
		t.Fatal("expected websocket upgrade to be refused after shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v (%v)", resp, err)
	}
	_ = resp.Body.Close()
	if h.hub.Len() != 0 || h.registry.Len() != 0 {
		t.Fatal("refused socket must not register a subscriber")
	}
}
