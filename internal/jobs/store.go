package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/TechnicallyBob202/FrameTagger/internal/apperr"
)

// Store keeps upload jobs for a bounded time. Each file result is written
// independently so concurrent workers never clobber each other.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// UpdateFile applies fn to one file result atomically. An error from fn
	// aborts the update and is returned as is.
	UpdateFile(ctx context.Context, id, filename string, fn func(*FileResult) error) (FileResult, error)
	Delete(ctx context.Context, id string) error
}

type memoryEntry struct {
	meta    meta
	files   map[string]FileResult
	expires time.Time
}

// MemoryStore is the single-process Store used when Redis is not configured.
type MemoryStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	jobs map[string]*memoryEntry
	now  func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, jobs: make(map[string]*memoryEntry), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	e := &memoryEntry{meta: job.meta(), files: make(map[string]FileResult, len(job.Results)), expires: s.now().Add(s.ttl)}
	for _, r := range job.Results {
		e.files[r.Filename] = r
	}
	s.jobs[job.ID] = e
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(id)
	if !ok {
		return nil, apperr.NotFound("upload job", id)
	}
	results := make([]FileResult, 0, len(e.files))
	for _, r := range e.files {
		results = append(results, r)
	}
	return assemble(e.meta, results), nil
}

func (s *MemoryStore) UpdateFile(_ context.Context, id, filename string, fn func(*FileResult) error) (FileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(id)
	if !ok {
		return FileResult{}, apperr.NotFound("upload job", id)
	}
	r, ok := e.files[filename]
	if !ok {
		return FileResult{}, apperr.NotFound("upload file", filename)
	}
	if err := fn(&r); err != nil {
		return FileResult{}, err
	}
	r.UpdatedAt = s.now().UTC()
	e.files[filename] = r
	e.expires = s.now().Add(s.ttl)
	return r, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) live(id string) (*memoryEntry, bool) {
	e, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	if s.now().After(e.expires) {
		delete(s.jobs, id)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) sweep() {
	t := s.now()
	for id, e := range s.jobs {
		if t.After(e.expires) {
			delete(s.jobs, id)
		}
	}
}
