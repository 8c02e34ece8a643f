package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/procpool/internal/telemetry"
)

const journalBuffer = 1024

// timeLayout is fixed width so text ordering in sqlite matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type journalEntry struct {
	task  *telemetry.Task
	group string
	event string
	units int
	took  time.Duration
	at    time.Time
}

// Journal writes resolved tasks and pool lifecycle rows to sqlite. It is a
// telemetry sink: writes happen on a background goroutine and entries are
// dropped when the buffer is full.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger

	entries chan journalEntry
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	dropped   int64
}

// OpenJournal opens the database at path and starts the writer.
func OpenJournal(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	db, err := OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewJournal(db, logger), nil
}

// NewJournal starts a writer on an already bootstrapped database.
func NewJournal(db *sql.DB, logger *slog.Logger) *Journal {
	j := &Journal{
		db:      db,
		logger:  logger,
		entries: make(chan journalEntry, journalBuffer),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *Journal) PoolStarted(group string, units int) {
	j.enqueue(journalEntry{group: group, event: "started", units: units, at: time.Now().UTC()})
}

func (j *Journal) PoolStopped(group string, elapsed time.Duration) {
	j.enqueue(journalEntry{group: group, event: "stopped", took: elapsed, at: time.Now().UTC()})
}

func (j *Journal) TaskResolved(task telemetry.Task) {
	if task.At.IsZero() {
		task.At = time.Now().UTC()
	}
	j.enqueue(journalEntry{task: &task})
}

func (j *Journal) enqueue(e journalEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.entries <- e:
	default:
		j.dropped++
	}
}

// Dropped returns how many entries were discarded because the writer lagged.
func (j *Journal) Dropped() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

// Tail reads recent tasks from the journal's database.
func (j *Journal) Tail(ctx context.Context, f TailFilter) ([]telemetry.Task, error) {
	return Tail(ctx, j.db, f)
}

// Close flushes buffered entries and closes the database.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.entries)
		j.mu.Unlock()
		<-j.done
		err = j.db.Close()
	})
	return err
}

func (j *Journal) run() {
	defer close(j.done)
	for e := range j.entries {
		if err := j.write(e); err != nil {
			j.logger.Warn("journal write failed", "error", err)
		}
	}
}

func (j *Journal) write(e journalEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if t := e.task; t != nil {
		_, err := j.db.ExecContext(ctx, `
INSERT INTO task_log(id, grp, queue, unit_id, correlation_id, outcome, reply_target, elapsed_ms, error, resolved_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			uuid.NewString(),
			t.Group,
			t.Queue,
			t.UnitID,
			nullString(t.CorrelationID),
			string(t.Outcome),
			nullString(t.ReplyTarget),
			t.Elapsed.Milliseconds(),
			nullString(t.Error),
			t.At.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("insert task_log: %w", err)
		}
		return nil
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO pool_log(grp, event, units, elapsed_ms, at) VALUES(?, ?, ?, ?, ?);`,
		e.group, e.event, e.units, e.took.Milliseconds(), e.at.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert pool_log: %w", err)
	}
	return nil
}

// TailFilter narrows Tail results.
type TailFilter struct {
	Group   string
	Outcome telemetry.Outcome
	Limit   int
}

// Tail returns the most recent tasks, newest first.
func Tail(ctx context.Context, db *sql.DB, f TailFilter) ([]telemetry.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT grp, queue, unit_id, correlation_id, outcome, reply_target, elapsed_ms, error, resolved_at
FROM task_log WHERE 1=1`
	var args []any
	if f.Group != "" {
		q += " AND grp = ?"
		args = append(args, f.Group)
	}
	if f.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, string(f.Outcome))
	}
	q += " ORDER BY resolved_at DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query task_log: %w", err)
	}
	defer rows.Close()

	var out []telemetry.Task
	for rows.Next() {
		var (
			t                        telemetry.Task
			outcome, resolvedAt      string
			corrID, replyTo, errText sql.NullString
			elapsedMS                int64
		)
		if err := rows.Scan(&t.Group, &t.Queue, &t.UnitID, &corrID, &outcome, &replyTo, &elapsedMS, &errText, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan task_log: %w", err)
		}
		t.CorrelationID = corrID.String
		t.ReplyTarget = replyTo.String
		t.Error = errText.String
		t.Outcome = telemetry.Outcome(outcome)
		t.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		if at, err := time.Parse(time.RFC3339Nano, resolvedAt); err == nil {
			t.At = at
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
