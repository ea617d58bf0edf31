package repair

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/idlink/internal/database"
	"github.com/hitoshi/idlink/internal/metrics"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// mockExecutor はExecutorのモック実装。呼び出しごとにaffectedの値を順に返す。
type mockExecutor struct {
	mu       sync.Mutex
	affected []int64
	err      error
	errAt    int
	queries  []string
	args     [][]any
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call := len(m.queries)
	m.queries = append(m.queries, query)
	m.args = append(m.args, args)

	if m.err != nil && call == m.errAt {
		return nil, m.err
	}
	if call < len(m.affected) {
		return &fakeResult{rowsAffected: m.affected[call]}, nil
	}
	return &fakeResult{rowsAffected: 0}, nil
}

func (m *mockExecutor) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}

// recordingCollector はRecordLinksRepairedの呼び出しを記録する。
type recordingCollector struct {
	metrics.NopCollector
	mu       sync.Mutex
	repaired []int
}

func (c *recordingCollector) RecordLinksRepaired(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repaired = append(c.repaired, count)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestNewRepairJob_Defaults(t *testing.T) {
	var buf bytes.Buffer
	job := NewRepairJob(&mockExecutor{}, database.DriverPostgres, newTestLogger(&buf), nil)

	if job == nil {
		t.Fatal("NewRepairJob は nil を返してはならない")
	}
	if job.MaxPasses != defaultMaxPasses {
		t.Errorf("MaxPasses = %d, want %d", job.MaxPasses, defaultMaxPasses)
	}
	if _, ok := job.metrics.(metrics.NopCollector); !ok {
		t.Errorf("metrics = %T, want metrics.NopCollector", job.metrics)
	}
}

func TestRepairJob_Run_LoopsUntilNothingChanges(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{affected: []int64{3, 1, 0}}
	collector := &recordingCollector{}
	job := NewRepairJob(mock, database.DriverPostgres, newTestLogger(&buf), collector)

	total, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if total != 4 {
		t.Errorf("total = %d, want 4", total)
	}
	if mock.calls() != 3 {
		t.Errorf("ExecContext calls = %d, want 3", mock.calls())
	}
	if len(collector.repaired) != 1 || collector.repaired[0] != 4 {
		t.Errorf("RecordLinksRepaired calls = %v, want [4]", collector.repaired)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("ログのパースに失敗: %v", err)
	}
	if entry["repaired_count"] != float64(4) {
		t.Errorf("repaired_count = %v, want 4", entry["repaired_count"])
	}
	if entry["passes"] != float64(3) {
		t.Errorf("passes = %v, want 3", entry["passes"])
	}
}

func TestRepairJob_Run_NothingToRepair(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{}
	job := NewRepairJob(mock, database.DriverPostgres, newTestLogger(&buf), nil)

	total, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if mock.calls() != 1 {
		t.Errorf("ExecContext calls = %d, want 1", mock.calls())
	}
}

func TestRepairJob_Run_QueryPerDriver(t *testing.T) {
	tests := []struct {
		driver   database.Driver
		contains string
		wantArgs int
	}{
		{database.DriverPostgres, "clock_timestamp()", 0},
		{database.DriverSQLite, "updated_at = ?", 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.driver), func(t *testing.T) {
			var buf bytes.Buffer
			mock := &mockExecutor{}
			job := NewRepairJob(mock, tt.driver, newTestLogger(&buf), nil)

			if _, err := job.Run(context.Background()); err != nil {
				t.Fatalf("Run returned error: %v", err)
			}

			if !strings.Contains(mock.queries[0], tt.contains) {
				t.Errorf("query should contain %q, got:\n%s", tt.contains, mock.queries[0])
			}
			if len(mock.args[0]) != tt.wantArgs {
				t.Errorf("args = %v, want %d args", mock.args[0], tt.wantArgs)
			}
		})
	}
}

func TestRepairJob_Run_ExecError(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{affected: []int64{2}, err: errors.New("connection refused"), errAt: 1}
	collector := &recordingCollector{}
	job := NewRepairJob(mock, database.DriverPostgres, newTestLogger(&buf), collector)

	total, err := job.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error should wrap the cause, got %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if len(collector.repaired) != 1 || collector.repaired[0] != 2 {
		t.Errorf("RecordLinksRepaired calls = %v, want [2]", collector.repaired)
	}
	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("error log expected, got %s", buf.String())
	}
}

func TestRepairJob_Run_NotConverged(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{affected: []int64{1, 1, 1, 1, 1}}
	job := NewRepairJob(mock, database.DriverPostgres, newTestLogger(&buf), nil)
	job.MaxPasses = 3

	total, err := job.Run(context.Background())
	if !errors.Is(err, ErrNotConverged) {
		t.Fatalf("err = %v, want ErrNotConverged", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if mock.calls() != 3 {
		t.Errorf("ExecContext calls = %d, want 3", mock.calls())
	}
}

func TestRepairJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{}
	job := NewRepairJob(mock, database.DriverPostgres, slog.New(slog.NewJSONHandler(&syncWriter{w: &buf}, nil)), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for mock.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mock.calls() == 0 {
		t.Fatal("Start should run the job immediately")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

// syncWriter はゴルーチン間で共有するバッファへの書き込みを直列化する。
type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
