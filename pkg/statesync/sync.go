package statesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
)

// Mutation is one durable change to a schema's ledger.
type Mutation struct {
	Schema   string
	Kind     string
	EntityID string
	Record   any
}

// Options configures the sync layer.
type Options struct {
	Dir            string
	Branch         string
	CommitTemplate string
	Debounce       time.Duration
	AutoCommit     bool
	AutoPush       bool
	AutoPull       bool
	SyncOnStart    bool
}

// Option customizes a Sync instance.
type Option func(*Sync)

// WithFlushFunc replaces the git-backed flush, primarily for tests.
func WithFlushFunc(fn func(ctx context.Context, schemas []string) error) Option {
	return func(s *Sync) {
		if fn != nil {
			s.flushFn = fn
		}
	}
}

// Sync wraps every mutation path with durable journaling, cache mirroring,
// and a debounced git flush. A single Sync owns the state directory for the
// lifetime of the process, guarded by a file lock.
type Sync struct {
	opts    Options
	logger  *slog.Logger
	journal *journal
	cache   *Cache
	git     *gitClient
	lock    *flock.Flock

	mu     sync.Mutex
	timer  *time.Timer
	dirty  map[string]struct{}
	closed bool

	flushWG sync.WaitGroup
	flushFn func(ctx context.Context, schemas []string) error
}

// Open acquires the state directory, optionally pulls remote state, and
// loads (or rebuilds) the query cache.
func Open(ctx context.Context, opts Options, logger *slog.Logger, options ...Option) (*Sync, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, NewPersistenceError("Open", "", fmt.Errorf("create state directory: %w", err))
	}

	git, err := newGitClient(opts.Dir, opts.Branch, opts.CommitTemplate)
	if err != nil {
		return nil, err
	}

	s := &Sync{
		opts:    opts,
		logger:  logger.With("module", "statesync"),
		journal: newJournal(opts.Dir),
		cache:   NewCache(),
		git:     git,
		lock:    flock.New(filepath.Join(opts.Dir, ".colony.lock")),
		dirty:   make(map[string]struct{}),
	}
	s.flushFn = s.gitFlush

	for _, option := range options {
		option(s)
	}

	locked, err := s.lock.TryLock()
	if err != nil {
		return nil, NewPersistenceError("Open", "", fmt.Errorf("acquire state lock: %w", err))
	}

	if !locked {
		return nil, NewPersistenceError("Open", "", ErrLockHeld)
	}

	if opts.SyncOnStart && opts.AutoPull {
		if err := s.git.Pull(ctx); err != nil {
			_ = s.lock.Unlock()

			return nil, err
		}
	}

	if err := s.cache.Load(opts.Dir); err != nil {
		if !IsCacheCorrupt(err) {
			_ = s.lock.Unlock()

			return nil, NewPersistenceError("Open", "", err)
		}

		s.logger.Warn("Query cache failed integrity check, rebuilding from journals", "error", err)

		if err := s.cache.Rebuild(s.journal); err != nil {
			_ = s.lock.Unlock()

			return nil, NewPersistenceError("Open", "", err)
		}
	}

	return s, nil
}

// Apply appends the mutation to its schema journal, mirrors it into the
// query cache, and schedules a debounced flush. The mutation is not
// committed until this returns nil.
func (s *Sync) Apply(ctx context.Context, m Mutation) error {
	if m.Schema == "" {
		return NewPersistenceError("Apply", "", fmt.Errorf("mutation schema is required"))
	}

	var data json.RawMessage

	if m.Record != nil {
		payload, err := json.Marshal(m.Record)
		if err != nil {
			return NewPersistenceError("Apply", m.Schema, fmt.Errorf("encode record: %w", err))
		}

		data = payload
	}

	rec := Record{
		Timestamp: time.Now().UTC(),
		Kind:      m.Kind,
		EntityID:  m.EntityID,
		Data:      data,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return NewPersistenceError("Apply", m.Schema, ErrClosed)
	}

	if err := s.journal.Append(m.Schema, rec); err != nil {
		return NewPersistenceError("Append", m.Schema, err)
	}

	switch m.Kind {
	case KindDelete:
		s.cache.Delete(m.Schema, m.EntityID)
	default:
		s.cache.Put(m.Schema, m.EntityID, data)
	}

	s.dirty[m.Schema] = struct{}{}
	s.scheduleFlushLocked()

	return nil
}

// Replay streams the journal of a schema; used by stores to rehydrate.
func (s *Sync) Replay(schema string, fn func(Record) error) error {
	return s.journal.Replay(schema, fn)
}

// Cache exposes the mirrored query cache for concurrent readers. Contents
// may trail the journals by up to one debounce window.
func (s *Sync) Cache() *Cache {
	return s.cache
}

// scheduleFlushLocked resets the debounce timer; the flush fires exactly
// once after the window elapses with no further mutations.
func (s *Sync) scheduleFlushLocked() {
	if s.timer != nil {
		s.timer.Reset(s.opts.Debounce)

		return
	}

	s.timer = time.AfterFunc(s.opts.Debounce, func() {
		// Register under the lock: Close either observes the registration
		// and waits, or has already marked the sync closed and this firing
		// must not touch the state directory.
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()

			return
		}

		s.flushWG.Add(1)
		s.mu.Unlock()

		defer s.flushWG.Done()

		if err := s.flushPending(context.Background()); err != nil {
			s.logger.Error("Debounced flush failed", "error", err)
		}
	})
}

// Flush forces any pending changes out immediately.
func (s *Sync) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	return s.flushPending(ctx)
}

func (s *Sync) flushPending(ctx context.Context) error {
	s.mu.Lock()

	schemas := make([]string, 0, len(s.dirty))
	for schema := range s.dirty {
		schemas = append(schemas, schema)
	}

	s.dirty = make(map[string]struct{})
	s.timer = nil
	s.mu.Unlock()

	if len(schemas) == 0 {
		return nil
	}

	sort.Strings(schemas)

	if err := s.cache.Save(s.opts.Dir); err != nil {
		return NewPersistenceError("Flush", "", err)
	}

	return s.flushFn(ctx, schemas)
}

// gitFlush commits the journal changes and, when enabled, pushes. A push
// failure never rolls back the local commit; it is retried with backoff and
// finally surfaced as a warning.
func (s *Sync) gitFlush(ctx context.Context, schemas []string) error {
	if !s.opts.AutoCommit {
		return nil
	}

	if err := s.git.Commit(ctx, schemas); err != nil {
		return err
	}

	s.logger.Debug("Committed state changes", "schemas", schemas)

	if !s.opts.AutoPush {
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)

	err := backoff.Retry(func() error {
		return s.git.Push(ctx)
	}, policy)
	if err != nil {
		s.logger.Warn("Push failed after retries, local commit retained", "error", err)
	}

	return nil
}

// Close flushes pending changes, waits for in-flight flushes, and releases
// the state directory lock.
func (s *Sync) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	flushErr := s.flushPending(ctx)

	s.flushWG.Wait()

	if err := s.lock.Unlock(); err != nil {
		s.logger.Warn("Failed to release state lock", "error", err)
	}

	return flushErr
}
