package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/audit"
	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/reconcile"
	"github.com/fieldops/fieldsync/internal/record"
	"github.com/fieldops/fieldsync/internal/scheduler"
)

// EditData describes an edit that was applied, retried or rejected.
type EditData struct {
	EditID   string    `json:"editId"`
	RecordID string    `json:"recordId"`
	Tag      queue.Tag `json:"tag"`
	Attempt  int       `json:"attempt"`
	Error    string    `json:"error,omitempty"`
	Terminal bool      `json:"terminal,omitempty"`
}

// ConflictData describes a reconciliation where both copies had changed.
type ConflictData struct {
	EditID        string            `json:"editId"`
	RecordID      string            `json:"recordId"`
	WinningSource reconcile.Source  `json:"winningSource"`
	Ribbon        *reconcile.Ribbon `json:"ribbon,omitempty"`
}

// AuditData is a trimmed audit entry.
type AuditData struct {
	EntryID string       `json:"entryId"`
	TaskID  string       `json:"taskId"`
	ActorID string       `json:"actorId"`
	Action  audit.Action `json:"action"`
	Fields  []string     `json:"fields"`
}

// Totals counts events since the handler was created.
type Totals struct {
	Applied   int `json:"applied"`
	Retried   int `json:"retried"`
	Rejected  int `json:"rejected"`
	Conflicts int `json:"conflicts"`
	Audited   int `json:"audited"`
}

// StatsSource reports queue depth. *queue.Queue satisfies it.
type StatsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// Handler turns scheduler and audit events into dashboard messages.
// It implements scheduler.Events.
type Handler struct {
	server *Server
	source StatsSource
	logger *log.Logger

	mu     sync.Mutex
	totals Totals
}

var _ scheduler.Events = (*Handler)(nil)

// NewHandler creates a handler broadcasting on server. source may be nil,
// in which case no queue_stats messages are sent.
func NewHandler(server *Server, source StatsSource, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, source: source, logger: logger}
}

func editData(e *queue.Edit) EditData {
	return EditData{EditID: e.ID, RecordID: e.RecordID, Tag: e.Tag, Attempt: e.Attempt}
}

// OnApplied handles an edit the server accepted.
func (h *Handler) OnApplied(e *queue.Edit, rec *record.ServerRecord) {
	h.count(func(t *Totals) { t.Applied++ })
	h.send(MessageTypeEditApplied, editData(e))
}

// OnConflict handles a reconciliation that found concurrent changes.
func (h *Handler) OnConflict(e *queue.Edit, res reconcile.Result) {
	h.count(func(t *Totals) { t.Conflicts++ })
	h.send(MessageTypeConflict, ConflictData{
		EditID:        e.ID,
		RecordID:      e.RecordID,
		WinningSource: res.WinningSource,
		Ribbon:        res.Ribbon,
	})
}

// OnRetry handles an edit scheduled for another attempt.
func (h *Handler) OnRetry(e *queue.Edit, err error) {
	h.count(func(t *Totals) { t.Retried++ })
	d := editData(e)
	d.Error = err.Error()
	h.send(MessageTypeEditRetry, d)
}

// OnRejected handles an edit the server refused for good.
func (h *Handler) OnRejected(e *queue.Edit, err error) {
	h.count(func(t *Totals) { t.Rejected++ })
	d := editData(e)
	d.Error = err.Error()
	d.Terminal = true
	h.send(MessageTypeEditRejected, d)
}

// OnFlushComplete handles the end of a flush and follows it with queue stats.
func (h *Handler) OnFlushComplete(r scheduler.Report) {
	h.send(MessageTypeSyncComplete, r)
	h.BroadcastStats(context.Background())
}

// OnAuditAppended handles a new audit log entry.
func (h *Handler) OnAuditAppended(e *audit.Entry) {
	h.count(func(t *Totals) { t.Audited++ })
	fields := make([]string, 0, len(e.Diff))
	for _, c := range e.Diff {
		fields = append(fields, c.Field)
	}
	h.send(MessageTypeAuditAppended, AuditData{
		EntryID: e.ID,
		TaskID:  e.TaskID,
		ActorID: e.ActorID,
		Action:  e.Action,
		Fields:  fields,
	})
}

// BroadcastStats sends the current queue depth.
func (h *Handler) BroadcastStats(ctx context.Context) {
	if h.source == nil {
		return
	}
	stats, err := h.source.Stats(ctx)
	if err != nil {
		h.logger.Printf("Failed to read queue stats: %v", err)
		return
	}
	h.send(MessageTypeQueueStats, stats)
}

// Totals returns the event counts so far.
func (h *Handler) Totals() Totals {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totals
}

func (h *Handler) count(fn func(*Totals)) {
	h.mu.Lock()
	fn(&h.totals)
	h.mu.Unlock()
}

func (h *Handler) send(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: raw})
}
