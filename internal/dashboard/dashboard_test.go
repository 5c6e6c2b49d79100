package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/fieldops/fieldsync/internal/audit"
	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/reconcile"
	"github.com/fieldops/fieldsync/internal/record"
	"github.com/fieldops/fieldsync/internal/scheduler"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fixedStats struct {
	stats queue.Stats
	err   error
}

func (f fixedStats) Stats(context.Context) (queue.Stats, error) { return f.stats, f.err }

// dial connects a client to srv and consumes the hello message.
func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeHello {
		t.Fatalf("first message = %s, want hello", msg.Type)
	}
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", s.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: quietLogger()})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	var health map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: quietLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := dial(t, ctx, "ws://"+server.Addr()+"/ws")
	b := dial(t, ctx, "ws://"+server.Addr()+"/ws")
	waitForClients(t, server, 2)

	server.Broadcast(Message{Type: MessageTypeQueueStats, Data: json.RawMessage(`{"pending":3}`)})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypeQueueStats {
			t.Errorf("Type = %s, want queue_stats", msg.Type)
		}
		if msg.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
		if string(msg.Data) != `{"pending":3}` {
			t.Errorf("Data = %s", msg.Data)
		}
	}
}

func TestClientDisconnect(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: quietLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, "ws://"+server.Addr()+"/ws")
	waitForClients(t, server, 1)

	_ = conn.Close(websocket.StatusNormalClosure, "")
	waitForClients(t, server, 0)
}

func TestMountedHandlers(t *testing.T) {
	server := NewServer(&Config{Logger: quietLogger()})
	server.Run()
	defer server.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWebSocket)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws")
	waitForClients(t, server, 1)

	handler := NewHandler(server, nil, quietLogger())
	handler.OnAuditAppended(&audit.Entry{
		ID:      "a1",
		TaskID:  "t1",
		ActorID: "driverA",
		Action:  audit.ActionStatusChange,
		Diff:    []audit.FieldChange{{Field: "status", Before: "open", After: "done"}},
	})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeAuditAppended {
		t.Fatalf("Type = %s, want audit_appended", msg.Type)
	}
	var data AuditData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal data: %v", err)
	}
	if data.TaskID != "t1" || len(data.Fields) != 1 || data.Fields[0] != "status" {
		t.Errorf("data = %+v", data)
	}
}

func TestHandlerEvents(t *testing.T) {
	server := NewServer(&Config{Logger: quietLogger()})
	server.Run()
	defer server.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWebSocket)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws")
	waitForClients(t, server, 1)

	handler := NewHandler(server, fixedStats{stats: queue.Stats{Pending: 2, Failed: 1}}, quietLogger())
	edit := &queue.Edit{ID: "e1", RecordID: "t1", Tag: queue.TagForms, Attempt: 2}

	handler.OnApplied(edit, &record.ServerRecord{ID: "t1"})
	handler.OnConflict(edit, reconcile.Result{
		Conflict:      true,
		WinningSource: reconcile.SourceServer,
		Ribbon:        &reconcile.Ribbon{UpdatedBy: "dispatcher", UpdatedAt: 150},
	})
	handler.OnRetry(edit, errors.New("timeout"))
	handler.OnRejected(edit, &record.Rejection{Code: 422, Message: "bad status", Terminal: true})
	handler.OnFlushComplete(scheduler.Report{Tag: queue.TagForms, Attempted: 1})

	want := []MessageType{
		MessageTypeEditApplied,
		MessageTypeConflict,
		MessageTypeEditRetry,
		MessageTypeEditRejected,
		MessageTypeSyncComplete,
		MessageTypeQueueStats,
	}
	var got []Message
	for range want {
		got = append(got, readMessage(t, ctx, conn))
	}
	for i, msg := range got {
		if msg.Type != want[i] {
			t.Errorf("message %d = %s, want %s", i, msg.Type, want[i])
		}
	}

	var conflict ConflictData
	if err := json.Unmarshal(got[1].Data, &conflict); err != nil {
		t.Fatalf("Failed to unmarshal conflict: %v", err)
	}
	if conflict.Ribbon == nil || conflict.Ribbon.UpdatedBy != "dispatcher" {
		t.Errorf("conflict = %+v", conflict)
	}

	var rejected EditData
	if err := json.Unmarshal(got[3].Data, &rejected); err != nil {
		t.Fatalf("Failed to unmarshal rejection: %v", err)
	}
	if !rejected.Terminal || rejected.Error == "" {
		t.Errorf("rejected = %+v", rejected)
	}

	var stats queue.Stats
	if err := json.Unmarshal(got[5].Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if stats.Pending != 2 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}

	totals := handler.Totals()
	if totals.Applied != 1 || totals.Conflicts != 1 || totals.Retried != 1 || totals.Rejected != 1 {
		t.Errorf("totals = %+v", totals)
	}
}

func TestBroadcastWithoutClients(t *testing.T) {
	server := NewServer(&Config{Logger: quietLogger()})
	server.Run()
	defer server.Stop()

	// No clients and a full buffer must not block.
	for i := 0; i < 500; i++ {
		server.Broadcast(Message{Type: MessageTypeQueueStats})
	}
}
