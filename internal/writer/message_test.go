package writer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/sitestream/internal/model"
)

// fakeDB records queued inserts. Rows whose status_id was already inserted
// for the same user and kind report zero rows affected.
type fakeDB struct {
	mu      sync.Mutex
	batches [][]*pgx.QueuedQuery
	seen    map[[3]any]bool
	err     error
}

func newFakeDB() *fakeDB {
	return &fakeDB{seen: make(map[[3]any]bool)}
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b.QueuedQueries)

	res := &fakeResults{err: f.err}
	for _, q := range b.QueuedQueries {
		affected := int64(1)
		if id, ok := q.Arguments[2].(*int64); ok && id != nil {
			key := [3]any{q.Arguments[0], q.Arguments[1], *id}
			if f.seen[key] {
				affected = 0
			}
			f.seen[key] = true
		}
		res.affected = append(res.affected, affected)
	}
	return res
}

func (f *fakeDB) Rows() []*pgx.QueuedQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*pgx.QueuedQuery
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func (f *fakeDB) Batches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type fakeResults struct {
	affected []int64
	next     int
	err      error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	n := r.affected[r.next]
	r.next++
	if n == 0 {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func statusMessage(user string, id int64, text string) model.Message {
	raw, _ := json.Marshal(map[string]any{"id": id, "text": text})
	return model.Message{
		ForUser:    user,
		Kind:       model.KindStatus,
		Text:       text,
		StatusID:   id,
		Raw:        raw,
		ReceivedAt: 1705320000000000,
	}
}

func stopWriter(t *testing.T, w *MessageWriter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestToRow(t *testing.T) {
	row := toRow(statusMessage("12", 99, "hi"))

	if row.ForUser != 12 {
		t.Errorf("ForUser = %d, want 12", row.ForUser)
	}
	if row.Kind != model.KindStatus {
		t.Errorf("Kind = %s, want status", row.Kind)
	}
	if row.StatusID == nil || *row.StatusID != 99 {
		t.Errorf("StatusID = %v, want 99", row.StatusID)
	}
	if row.Body != `{"id":99,"text":"hi"}` {
		t.Errorf("Body = %s", row.Body)
	}
	if row.ReceivedAt != 1705320000000000 {
		t.Errorf("ReceivedAt = %d", row.ReceivedAt)
	}
}

func TestToRow_NoStatus(t *testing.T) {
	row := toRow(model.Message{ForUser: "abc", Kind: model.KindEvent})

	if row.StatusID != nil {
		t.Errorf("StatusID = %v, want nil", *row.StatusID)
	}
	if row.ForUser != 0 {
		t.Errorf("ForUser = %d, want 0 for non-numeric", row.ForUser)
	}
	if row.Body != "null" {
		t.Errorf("Body = %q, want null", row.Body)
	}
}

func TestMessageWriter_FlushOnBatchSize(t *testing.T) {
	db := newFakeDB()
	w := NewMessageWriter(Config{BatchSize: 2, FlushInterval: time.Hour}, db, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i := range 4 {
		if err := w.HandleMessage(context.Background(), statusMessage("1", int64(i+1), "x")); err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
	}
	stopWriter(t, w)

	if got := db.Batches(); got != 2 {
		t.Errorf("batches = %d, want 2", got)
	}
	rows := db.Rows()
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(rows))
	}
	if rows[0].SQL != insertMessageSQL {
		t.Errorf("unexpected SQL: %s", rows[0].SQL)
	}
	stats := w.Stats()
	if stats.Inserts != 4 || stats.Flushes != 2 || stats.Errors != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMessageWriter_FlushOnInterval(t *testing.T) {
	db := newFakeDB()
	w := NewMessageWriter(Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, db, nil)

	w.Start(context.Background())
	w.HandleMessage(context.Background(), statusMessage("1", 1, "x"))

	deadline := time.Now().Add(time.Second)
	for db.Batches() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if db.Batches() == 0 {
		t.Fatal("expected interval flush")
	}
	stopWriter(t, w)
}

func TestMessageWriter_FinalFlushOnStop(t *testing.T) {
	db := newFakeDB()
	w := NewMessageWriter(Config{BatchSize: 100, FlushInterval: time.Hour}, db, nil)

	w.Start(context.Background())
	w.HandleMessage(context.Background(), statusMessage("1", 1, "a"))
	w.HandleMessage(context.Background(), statusMessage("1", 2, "b"))
	stopWriter(t, w)

	if got := len(db.Rows()); got != 2 {
		t.Errorf("rows = %d, want 2", got)
	}
	if err := w.HandleMessage(context.Background(), statusMessage("1", 3, "c")); !errors.Is(err, ErrClosed) {
		t.Errorf("HandleMessage after Stop = %v, want ErrClosed", err)
	}
}

func TestMessageWriter_CountsConflicts(t *testing.T) {
	db := newFakeDB()
	w := NewMessageWriter(Config{BatchSize: 100, FlushInterval: time.Hour}, db, nil)

	w.Start(context.Background())
	w.HandleMessage(context.Background(), statusMessage("1", 7, "a"))
	w.HandleMessage(context.Background(), statusMessage("1", 7, "a"))
	w.HandleMessage(context.Background(), statusMessage("2", 7, "a"))
	stopWriter(t, w)

	stats := w.Stats()
	if stats.Inserts != 2 || stats.Conflicts != 1 {
		t.Errorf("stats = %+v, want 2 inserts and 1 conflict", stats)
	}
}

func TestMessageWriter_InsertError(t *testing.T) {
	db := newFakeDB()
	db.err = errors.New("connection reset")
	w := NewMessageWriter(Config{BatchSize: 100, FlushInterval: time.Hour}, db, nil)

	w.Start(context.Background())
	w.HandleMessage(context.Background(), statusMessage("1", 1, "a"))
	stopWriter(t, w)

	stats := w.Stats()
	if stats.Errors != 1 || stats.Inserts != 0 {
		t.Errorf("stats = %+v, want 1 error", stats)
	}
}

func TestMessageWriter_KindFilter(t *testing.T) {
	db := newFakeDB()
	w := NewMessageWriter(Config{BatchSize: 100, FlushInterval: time.Hour}, db, nil)

	w.Start(context.Background())
	w.HandleMessage(context.Background(), model.Message{Kind: model.KindControl, Raw: json.RawMessage(`{}`)})
	w.HandleMessage(context.Background(), statusMessage("1", 1, "a"))
	stopWriter(t, w)

	if got := len(db.Rows()); got != 1 {
		t.Errorf("rows = %d, want 1 (control skipped)", got)
	}
	if got := w.Stats().Skipped; got != 1 {
		t.Errorf("Skipped = %d, want 1", got)
	}

	only := NewMessageWriter(Config{Kinds: []string{model.KindDelete}}, newFakeDB(), nil)
	if only.accepts(model.KindStatus) {
		t.Error("status should be filtered out")
	}
	if !only.accepts(model.KindDelete) {
		t.Error("delete should be accepted")
	}
}

func TestMessageWriter_HandleMessage_AddsToBatch(t *testing.T) {
	w := NewMessageWriter(Config{BatchSize: 100, FlushInterval: time.Hour}, nil, nil)

	w.handleMessage(statusMessage("1", 1, "a"))

	w.batchMu.Lock()
	batchLen := len(w.batch)
	w.batchMu.Unlock()

	if batchLen != 1 {
		t.Errorf("batch length = %d, want 1", batchLen)
	}
}

func TestMessageWriter_Lifecycle(t *testing.T) {
	w := NewMessageWriter(Config{BatchSize: 10, FlushInterval: 100 * time.Millisecond}, newFakeDB(), nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	stopWriter(t, w)

	if w.Name() != "archive" {
		t.Errorf("Name() = %q, want archive", w.Name())
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BatchSize != 1000 {
		t.Errorf("BatchSize = %d, want 1000", cfg.BatchSize)
	}
	if cfg.FlushInterval != 5*time.Second {
		t.Errorf("FlushInterval = %v, want 5s", cfg.FlushInterval)
	}
}
