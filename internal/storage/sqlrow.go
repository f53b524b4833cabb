package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"newsdigest/internal/task/job"
)

// Shared column layout for the SQL drivers. Timestamps are stored as Unix
// nanoseconds so both engines compare and round-trip them exactly.
const jobColumns = `id, type, name, priority, status, created_at, updated_at, scheduled_at,
	started_at, completed_at, attempts, retry_count, max_retries, timeout_ns,
	payload, metadata, result, error, error_kind`

const (
	insertJobSQL = `INSERT INTO jobs (` + jobColumns + `)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

	updateJobSQL = `UPDATE jobs SET status = ?, updated_at = ?, scheduled_at = ?, started_at = ?,
	completed_at = ?, attempts = ?, retry_count = ?, result = ?, error = ?, error_kind = ?
	WHERE id = ?`

	findJobSQL = `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	countJobsSQL = `SELECT status, COUNT(*) FROM jobs WHERE created_at >= ? GROUP BY status`

	pruneJobsSQL = `DELETE FROM jobs
	WHERE updated_at < ?
	AND (status IN ('completed', 'cancelled')
		OR (status = 'failed' AND (error_kind IN ('configuration', 'permanent') OR retry_count >= max_retries)))`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func optNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func optText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func jobArgs(j *job.Job) ([]any, error) {
	var meta []byte
	if len(j.Metadata) > 0 {
		b, err := json.Marshal(j.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		meta = b
	}
	return []any{
		j.ID, j.Type, j.Name, int64(j.Priority), string(j.Status),
		nanos(j.CreatedAt), nanos(j.UpdatedAt), nanos(j.ScheduledAt),
		optNanos(j.StartedAt), optNanos(j.CompletedAt),
		int64(j.Attempts), int64(j.RetryCount), int64(j.MaxRetries), int64(j.Timeout),
		optText(j.Payload), optText(meta), optText(j.Result), j.Error, string(j.ErrorKind),
	}, nil
}

func updateArgs(id string, u job.Update) []any {
	return []any{
		string(u.Status), nanos(u.UpdatedAt), nanos(u.ScheduledAt),
		optNanos(u.StartedAt), optNanos(u.CompletedAt),
		int64(u.Attempts), int64(u.RetryCount), optText(u.Result), u.Error, string(u.ErrorKind),
		id,
	}
}

func scanJob(r rowScanner) (*job.Job, error) {
	var (
		j                             job.Job
		prio, attempts, retries, maxR int64
		timeout                       int64
		status, kind                  string
		created, updated, scheduled   int64
		started, completed            *int64
		payload, meta, result         *string
	)
	if err := r.Scan(
		&j.ID, &j.Type, &j.Name, &prio, &status, &created, &updated, &scheduled,
		&started, &completed, &attempts, &retries, &maxR, &timeout,
		&payload, &meta, &result, &j.Error, &kind,
	); err != nil {
		return nil, err
	}
	j.Priority = job.Priority(prio)
	j.Status = job.Status(status)
	j.ErrorKind = job.ErrorKind(kind)
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	j.ScheduledAt = fromNanos(scheduled)
	if started != nil {
		t := fromNanos(*started)
		j.StartedAt = &t
	}
	if completed != nil {
		t := fromNanos(*completed)
		j.CompletedAt = &t
	}
	j.Attempts = int(attempts)
	j.RetryCount = int(retries)
	j.MaxRetries = int(maxR)
	j.Timeout = time.Duration(timeout)
	if payload != nil {
		j.Payload = json.RawMessage(*payload)
	}
	if result != nil {
		j.Result = json.RawMessage(*result)
	}
	if meta != nil && *meta != "" {
		if err := json.Unmarshal([]byte(*meta), &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

// listQuery builds the ListByStatus statement with '?' placeholders.
func listQuery(status job.Status, f Filter) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT ` + jobColumns + ` FROM jobs WHERE status = ?`)
	args := []any{string(status)}
	if f.Type != "" {
		b.WriteString(` AND type = ?`)
		args = append(args, f.Type)
	}
	if !f.Since.IsZero() {
		b.WriteString(` AND created_at >= ?`)
		args = append(args, f.Since.UnixNano())
	}
	b.WriteString(` ORDER BY created_at DESC, id ASC`)
	if f.Limit > 0 {
		b.WriteString(` LIMIT ` + strconv.Itoa(f.Limit))
	}
	return b.String(), args
}

// rebind rewrites '?' placeholders to PostgreSQL's $n form.
func rebind(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
