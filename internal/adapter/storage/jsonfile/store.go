package jsonfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/bnema/reencode/internal/domain"
	"github.com/bnema/reencode/internal/port"
)

const fileName = "jobs.json"

type document struct {
	NextID int64         `json:"next_id"`
	Jobs   []*domain.Job `json:"jobs"`
}

// Store keeps the job history in a single JSON document, rewritten
// atomically on every change. Meant for small installs and tests.
type Store struct {
	mu     sync.RWMutex
	path   string
	nextID int64
	jobs   map[int64]*domain.Job
}

func NewStore(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, fileName)

	store := &Store{
		path:   path,
		nextID: 1,
		jobs:   make(map[int64]*domain.Job),
	}

	if err := store.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	return store, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	if len(data) == 0 {
		return nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}

	for _, j := range doc.Jobs {
		s.jobs[j.ID] = j
		if j.ID >= s.nextID {
			s.nextID = j.ID + 1
		}
	}
	if doc.NextID > s.nextID {
		s.nextID = doc.NextID
	}

	return nil
}

func (s *Store) save() error {
	tmpPath := s.path + ".tmp"

	doc := document{NextID: s.nextID, Jobs: s.sortedLocked(func(a, b *domain.Job) int {
		return int(a.ID - b.ID)
	})}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	return os.Rename(tmpPath, s.path)
}

func (s *Store) sortedLocked(cmp func(a, b *domain.Job) int) []*domain.Job {
	out := make([]*domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	slices.SortFunc(out, cmp)
	return out
}

func newestFirst(a, b *domain.Job) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return int(b.ID - a.ID)
}

func oldestFirst(a, b *domain.Job) int {
	return newestFirst(b, a)
}

func clone(j *domain.Job) *domain.Job {
	c := *j
	return &c
}

func (s *Store) Create(j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j.ID = s.nextID
	s.nextID++
	s.jobs[j.ID] = clone(j)
	return s.save()
}

func (s *Store) Get(id int64) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	return clone(j), nil
}

func (s *Store) Update(j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; !ok {
		return domain.ErrNotFound
	}
	s.jobs[j.ID] = clone(j)
	return s.save()
}

func (s *Store) UpdateProgress(id int64, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.ApplySnapshot(snap)
	return s.save()
}

func (s *Store) Delete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.jobs, id)
	return s.save()
}

func (s *Store) List(filter port.ListFilter) ([]*domain.Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.sortedLocked(newestFirst)
	if filter.Status != "" {
		all = slices.DeleteFunc(all, func(j *domain.Job) bool { return j.Status != filter.Status })
	}
	total := len(all)

	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}

	page := make([]*domain.Job, 0, end-start)
	for _, j := range all[start:end] {
		page = append(page, clone(j))
	}
	return page, total, nil
}

func (s *Store) ListByStatus(statuses ...domain.JobStatus) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Job
	for _, j := range s.sortedLocked(oldestFirst) {
		if slices.Contains(statuses, j.Status) {
			out = append(out, clone(j))
		}
	}
	return out, nil
}

func (s *Store) DeleteByStatus(statuses ...domain.JobStatus) (int64, error) {
	return s.deleteWhere(func(j *domain.Job) bool {
		return slices.Contains(statuses, j.Status)
	})
}

func (s *Store) DeleteAll() (int64, error) {
	return s.deleteWhere(func(*domain.Job) bool { return true })
}

func (s *Store) DeleteFinishedBefore(cutoff time.Time) (int64, error) {
	return s.deleteWhere(func(j *domain.Job) bool {
		return j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff)
	})
}

func (s *Store) deleteWhere(match func(*domain.Job) bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if match(j) {
			delete(s.jobs, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.save()
}

var _ port.JobStore = (*Store)(nil)
