package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chorus-dev/chorus/internal/common/logger"
)

// syncBuffer guards the stdin buffer, the client writes from its read goroutine
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func newTestClient(stdout io.Reader) (*Client, *syncBuffer) {
	stdin := &syncBuffer{}
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return NewClient(stdin, stdout, log), stdin
}

func collectMessages(t *testing.T, stdout io.Reader, want int) []*CLIMessage {
	t.Helper()
	client, _ := newTestClient(stdout)

	var mu sync.Mutex
	var messages []*CLIMessage
	client.SetMessageHandler(func(msg *CLIMessage) {
		mu.Lock()
		messages = append(messages, msg)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	<-client.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(messages)
		mu.Unlock()
		if n >= want {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected %d messages, got %d", want, n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	client.Stop()

	mu.Lock()
	defer mu.Unlock()
	return messages
}

func TestClient_ParsesStream(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"eng-1"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`,
		`{"type":"result","result":"done","is_error":false}`,
	}, "\n") + "\n"

	messages := collectMessages(t, strings.NewReader(stream), 3)

	if messages[0].Type != MessageTypeSystem || messages[0].SessionID != "eng-1" {
		t.Errorf("unexpected init message %+v", messages[0])
	}
	if messages[1].Type != MessageTypeAssistant {
		t.Errorf("expected assistant message, got %s", messages[1].Type)
	}
	if messages[1].Message == nil || messages[1].Message.Content[0].Text != "hi" {
		t.Error("expected assistant text to be parsed")
	}
	if messages[2].Type != MessageTypeResult {
		t.Errorf("expected result message, got %s", messages[2].Type)
	}
	if messages[2].GetResultString() != "done" {
		t.Errorf("expected result text 'done', got %q", messages[2].GetResultString())
	}
}

func TestClient_PreservesRawContent(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant"}}`
	messages := collectMessages(t, strings.NewReader(line+"\n"), 1)

	if string(messages[0].RawContent) != line {
		t.Errorf("expected raw line preserved, got %s", messages[0].RawContent)
	}
}

func TestClient_SkipsMalformedLines(t *testing.T) {
	stream := "not json at all\n" +
		`{"type":"result","result":"ok"}` + "\n"

	messages := collectMessages(t, strings.NewReader(stream), 1)
	if messages[0].Type != MessageTypeResult {
		t.Errorf("expected the valid line to survive, got %+v", messages[0])
	}
}

func TestClient_DispatchesControlRequests(t *testing.T) {
	stream := `{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}` + "\n"

	client, _ := newTestClient(strings.NewReader(stream))

	type captured struct {
		requestID string
		req       *ControlRequest
	}
	reqCh := make(chan captured, 1)
	client.SetRequestHandler(func(requestID string, req *ControlRequest) {
		reqCh <- captured{requestID, req}
	})
	relayed := make(chan *CLIMessage, 1)
	client.SetMessageHandler(func(msg *CLIMessage) {
		relayed <- msg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	<-client.Start(ctx)
	defer client.Stop()

	select {
	case got := <-reqCh:
		if got.requestID != "req-1" {
			t.Errorf("expected request id req-1, got %s", got.requestID)
		}
		if got.req.Subtype != SubtypeCanUseTool || got.req.ToolName != "Bash" {
			t.Errorf("unexpected control request %+v", got.req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("control request never dispatched")
	}

	// Control requests are not relayed as stream messages
	select {
	case msg := <-relayed:
		t.Errorf("unexpected relayed message %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_AutoDeniesWithoutHandler(t *testing.T) {
	stream := `{"type":"control_request","request_id":"req-9","request":{"subtype":"can_use_tool","tool_name":"Write"}}` + "\n"

	client, stdin := newTestClient(strings.NewReader(stream))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	<-client.Start(ctx)
	defer client.Stop()

	deadline := time.After(2 * time.Second)
	for stdin.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("no error response written")
		case <-time.After(5 * time.Millisecond):
		}
	}

	var resp ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(stdin.Bytes()), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.RequestID != "req-9" {
		t.Errorf("expected response for req-9, got %s", resp.RequestID)
	}
	if resp.Response.Subtype != "error" {
		t.Errorf("expected error response, got %s", resp.Response.Subtype)
	}
}

func TestClient_SendUserMessage(t *testing.T) {
	client, stdin := newTestClient(strings.NewReader(""))

	if err := client.SendUserMessage("hello engine"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	var msg UserMessage
	if err := json.Unmarshal(bytes.TrimSpace(stdin.Bytes()), &msg); err != nil {
		t.Fatalf("failed to parse written message: %v", err)
	}
	if msg.Type != MessageTypeUser {
		t.Errorf("expected user message, got %s", msg.Type)
	}
	if msg.Message.Role != "user" || msg.Message.Content != "hello engine" {
		t.Errorf("unexpected message body %+v", msg.Message)
	}
}

func TestClient_SendControlResponse(t *testing.T) {
	client, stdin := newTestClient(strings.NewReader(""))

	err := client.SendControlResponse(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: "req-1",
		Response: &ControlResponse{
			Subtype: "success",
			Result:  &PermissionResult{Behavior: BehaviorAllow},
		},
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	line := stdin.String()
	if !strings.HasSuffix(line, "\n") {
		t.Error("expected newline-terminated message")
	}
	var resp ControlResponseMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &resp); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if resp.Response.Result.Behavior != BehaviorAllow {
		t.Errorf("expected allow behavior, got %s", resp.Response.Result.Behavior)
	}
}
