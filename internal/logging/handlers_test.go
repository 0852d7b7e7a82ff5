package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestConsoleHandlerLiftsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newConsoleHandler(&buf, consoleOptions{Level: slog.LevelInfo}))
	logger = NewComponentLogger(logger, "supervisor")

	logger.Info("node started", String("state", "running"), String("note", "two words"))

	line := buf.String()
	if !strings.Contains(line, "INFO  supervisor: node started") {
		t.Fatalf("unexpected line %q", line)
	}
	if strings.Contains(line, "component=") {
		t.Fatalf("component should be lifted out of attrs: %q", line)
	}
	if !strings.Contains(line, ` state=running note="two words"`) {
		t.Fatalf("missing attrs in %q", line)
	}
}

func TestConsoleHandlerGroupsPrefixKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newConsoleHandler(&buf, consoleOptions{Level: slog.LevelDebug}))

	logger.WithGroup("queue").With(Int("depth", 3)).Debug("sample", slog.Group("sub", String("id", "a")))

	line := buf.String()
	for _, want := range []string{"DEBUG", "queue.depth=3", "queue.sub.id=a"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
}

func TestConsoleHandlerColor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newConsoleHandler(&buf, consoleOptions{Color: true}))
	logger.Error("boom")
	if !strings.Contains(buf.String(), "\x1b[31mERROR\x1b[0m") {
		t.Fatalf("expected coloured level, got %q", buf.String())
	}
}

func TestTeeHandlerRespectsEachLevel(t *testing.T) {
	var info, debug bytes.Buffer
	logger := slog.New(TeeHandler(
		newJSONHandler(&info, slog.LevelInfo, false),
		nil,
		newJSONHandler(&debug, slog.LevelDebug, false),
	))

	logger.Debug("detail")
	logger.With(String(FieldComponent, "ipc")).Info("ready")

	if strings.Contains(info.String(), "detail") {
		t.Fatalf("info handler received debug record: %q", info.String())
	}
	if strings.Count(debug.String(), "\n") != 2 {
		t.Fatalf("debug handler should see both records: %q", debug.String())
	}
	if !strings.Contains(info.String(), `"component":"ipc"`) {
		t.Fatalf("bound attrs missing: %q", info.String())
	}
}

func TestTeeHandlerCollapses(t *testing.T) {
	if _, ok := TeeHandler().(NoopHandler); !ok {
		t.Fatal("empty tee should be a no-op")
	}
	single := newJSONHandler(&bytes.Buffer{}, slog.LevelInfo, false)
	if TeeHandler(nil, single) != single {
		t.Fatal("single handler should be returned unwrapped")
	}
}

func TestWithSessionSurvivesGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := WithSession(slog.New(newJSONHandler(&buf, slog.LevelInfo, false)), "s-1")

	logger.WithGroup("exit").Info("node exited", Int("status", 0))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if record[FieldSessionID] != "s-1" {
		t.Fatalf("session id should stay top level: %v", record)
	}
	if _, ok := record["ts"].(string); !ok {
		t.Fatalf("expected ts key: %v", record)
	}
}

func TestWithClientTagsRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := WithClient(slog.New(newJSONHandler(&buf, slog.LevelInfo, false)), "c-9", "ws")
	logger.Info("connected")

	out := buf.String()
	if !strings.Contains(out, `"client_id":"c-9"`) || !strings.Contains(out, `"transport":"ws"`) {
		t.Fatalf("unexpected record %q", out)
	}
	if WithClient(nil, "x", "ipc").Enabled(context.Background(), slog.LevelError) {
		t.Fatal("nil base should yield a no-op logger")
	}
}

func TestWithSessionEmptyIDReturnsBase(t *testing.T) {
	base := NewNop()
	if WithSession(base, "") != base {
		t.Fatal("empty session id should not wrap")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
