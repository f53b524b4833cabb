package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"newsdigest/internal/task/job"
	logx "newsdigest/pkg/logx"
)

const fileCompactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.jobs.snapshot.json (periodic snapshot)
//   - <prefix>.jobs.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot. All reads are
// served from memory.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	mem          *Memory

	writes int
}

type journalOp string

const (
	opCreate journalOp = "create"
	opUpdate journalOp = "update"
	opDelete journalOp = "delete"
)

type journalRecord struct {
	Op     journalOp   `json:"op"`
	ID     string      `json:"id,omitempty"`
	Job    *job.Job    `json:"job,omitempty"`
	Update *job.Update `json:"update,omitempty"`
	IDs    []string    `json:"ids,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"

	mem := NewMemory()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	skipped, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	if skipped > 0 {
		log.Warn("journal records skipped", logx.Int("count", skipped))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		mem:          mem,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	_ = s.mem.Close()
	return err
}

func (s *fileStore) Create(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := s.mem.Create(ctx, j); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opCreate, Job: j})
}

func (s *fileStore) UpdateStatus(ctx context.Context, id string, u job.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := s.mem.UpdateStatus(ctx, id, u); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opUpdate, ID: id, Update: &u})
}

func (s *fileStore) Find(ctx context.Context, id string) (*job.Job, error) {
	return s.mem.Find(ctx, id)
}

func (s *fileStore) ListByStatus(ctx context.Context, status job.Status, f Filter) ([]*job.Job, error) {
	return s.mem.ListByStatus(ctx, status, f)
}

func (s *fileStore) CountByStatus(ctx context.Context, since time.Time) (map[job.Status]int, error) {
	return s.mem.CountByStatus(ctx, since)
}

func (s *fileStore) Prune(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	s.mem.mu.Lock()
	var ids []string
	for id, j := range s.mem.jobs {
		if prunable(j, before) {
			ids = append(ids, id)
			delete(s.mem.jobs, id)
		}
	}
	s.mem.mu.Unlock()
	if len(ids) == 0 {
		return 0, nil
	}
	// Pruning shrinks the snapshot, so compact right away.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("jobs compact failed", logx.Any("err", err))
		return len(ids), s.appendLocked(journalRecord{Op: opDelete, IDs: ids})
	}
	return len(ids), nil
}

func (s *fileStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	_, err := s.journal.Stat()
	return err
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("jobs compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	s.mem.mu.RLock()
	all := make([]*job.Job, 0, len(s.mem.jobs))
	for _, j := range s.mem.jobs {
		all = append(all, j)
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		s.mem.mu.RUnlock()
		return err
	}
	err = json.NewEncoder(f).Encode(all)
	s.mem.mu.RUnlock()
	if err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, m *Memory) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var all []*job.Job
	if err := json.NewDecoder(f).Decode(&all); err != nil {
		return err
	}
	for _, j := range all {
		if j != nil && j.ID != "" {
			m.jobs[j.ID] = j
		}
	}
	return nil
}

// replayJournal applies journal records on top of the snapshot. Torn or
// unknown lines are counted and skipped.
func replayJournal(path string, m *Memory) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		switch {
		case r.Op == opCreate && r.Job != nil && r.Job.ID != "":
			m.jobs[r.Job.ID] = r.Job
		case r.Op == opUpdate && r.Update != nil:
			if j, ok := m.jobs[r.ID]; ok {
				j.Apply(*r.Update)
			} else {
				skipped++
			}
		case r.Op == opDelete:
			for _, id := range r.IDs {
				delete(m.jobs, id)
			}
		default:
			skipped++
		}
	}
	return skipped, sc.Err()
}
