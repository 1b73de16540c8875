package threads

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrThreadNotFound is returned when a continuation id is unknown in both
// the in-memory tier and the disk tier, or has been evicted from both.
var ErrThreadNotFound = errors.New("thread not found")

// ErrStorageIO wraps disk persistence failures. When AppendTurn returns an
// error that matches ErrStorageIO the in-memory append has still succeeded;
// the error is a durability warning, not a call failure (availability is
// preferred over durability for this session-scoped data).
var ErrStorageIO = errors.New("thread storage I/O")

// Store defines the persistence interface for conversation threads.
// Abstracted for testability (DIP): the workflow engine and the budget
// allocator depend on this, never on the concrete two-tier store.
type Store interface {
	Create(parentID, toolName string, initialContext map[string]string) (string, error)
	AppendTurn(id string, turn Turn) error
	Get(id string) (*Thread, error)
	Chain(id string) ([]*Thread, error)
	MarkEmbedded(id string, fingerprints []string) error
	RecordStep(id string, step int) error
}

// Config controls the two-tier store's memory tier.
type Config struct {
	// Dir is the directory holding one transcript file per thread.
	Dir string
	// TTL is how long a thread stays in the memory tier after its last
	// update. Disk entries are left for an external retention policy.
	TTL time.Duration
	// MaxEntries bounds the in-memory map. Zero means DefaultMaxEntries.
	MaxEntries int
	// SweepInterval is how often expired memory entries are collected.
	// Zero means DefaultSweepInterval.
	SweepInterval time.Duration
}

const (
	DefaultTTL           = 3 * time.Hour
	DefaultMaxEntries    = 1000
	DefaultSweepInterval = 5 * time.Minute
)

// FileStore is the two-tier thread store: a bounded in-memory map guarded
// by a single coarse mutex, backed by one transcript file per thread.
// Thread count and call concurrency are both modest (interactive,
// human-in-the-loop workloads), so coarse locking is intentional.
type FileStore struct {
	mu      sync.Mutex
	entries map[string]*storeEntry

	dir        string
	ttl        time.Duration
	maxEntries int

	stop chan struct{}
	done chan struct{}
}

type storeEntry struct {
	thread    *Thread
	expiresAt time.Time
}

// NewFileStore creates the store and starts the background sweeper.
// Callers must Close it on shutdown.
func NewFileStore(cfg Config) *FileStore {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	s := &FileStore{
		entries:    make(map[string]*storeEntry),
		dir:        cfg.Dir,
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.sweepLoop(cfg.SweepInterval)
	return s
}

// Close stops the background sweeper. It does not touch the disk tier.
func (s *FileStore) Close() error {
	close(s.stop)
	<-s.done
	return nil
}

// Create allocates a new thread, persists an initial snapshot, and returns
// its id. If parentID is non-empty the parent must already exist (in either
// tier) — this is what makes parent chains acyclic by construction.
func (s *FileStore) Create(parentID, toolName string, initialContext map[string]string) (string, error) {
	if toolName == "" {
		return "", fmt.Errorf("creating thread: owning tool is required")
	}
	if parentID != "" {
		if _, err := s.Get(parentID); err != nil {
			return "", fmt.Errorf("creating thread: parent %q: %w", parentID, err)
		}
	}

	now := timeNow().UTC()
	t := &Thread{
		ID:             uuid.NewString(),
		ParentID:       parentID,
		ToolName:       toolName,
		CreatedAt:      now,
		LastUpdatedAt:  now,
		InitialContext: initialContext,
		EmbeddedFiles:  make(map[string]bool),
	}

	s.mu.Lock()
	s.insertLocked(t)
	s.mu.Unlock()

	// The initial snapshot is the one write that is fatal on failure:
	// a continuation id that cannot survive a restart is not worth
	// handing to the caller.
	if err := s.writeTranscript(t); err != nil {
		s.mu.Lock()
		delete(s.entries, t.ID)
		s.mu.Unlock()
		return "", fmt.Errorf("%w: initial snapshot for %s: %v", ErrStorageIO, t.ID, err)
	}
	return t.ID, nil
}

// AppendTurn appends a turn and resets the TTL. Returns ErrThreadNotFound
// if the id is unknown or expired from both tiers. A disk write failure is
// returned wrapped in ErrStorageIO but the in-memory append has succeeded.
func (s *FileStore) AppendTurn(id string, turn Turn) error {
	s.mu.Lock()
	t, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = timeNow().UTC()
	}
	t.Turns = append(t.Turns, turn)
	t.LastUpdatedAt = timeNow().UTC()
	s.entries[id].expiresAt = t.LastUpdatedAt.Add(s.ttl)
	snapshot := t.clone()
	s.mu.Unlock()

	if err := s.writeTranscript(snapshot); err != nil {
		return fmt.Errorf("%w: appending to %s: %v", ErrStorageIO, id, err)
	}
	return nil
}

// Get returns a copy of the thread. Read-through: the memory tier is
// checked first; on miss the disk transcript is reloaded and the memory
// tier repopulated with a fresh TTL.
func (s *FileStore) Get(id string) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// Chain walks parent links from the given thread back to the root and
// returns the chain oldest-first. Used by the budget allocator for history
// replay and by tools for cross-session context loading.
func (s *FileStore) Chain(id string) ([]*Thread, error) {
	var chain []*Thread
	seen := make(map[string]bool)
	for cur := id; cur != ""; {
		if seen[cur] {
			// Cannot happen through Create, but a hand-edited transcript
			// could introduce a loop. Stop rather than spin.
			break
		}
		seen[cur] = true
		t, err := s.Get(cur)
		if err != nil {
			if errors.Is(err, ErrThreadNotFound) && len(chain) > 0 {
				// A missing ancestor truncates the chain; the newest
				// threads are still usable.
				break
			}
			return nil, err
		}
		chain = append(chain, t)
		cur = t.ParentID
	}
	// Reverse to oldest-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// MarkEmbedded records file fingerprints as fully embedded in this thread.
// The dedup set is owned by the store and only mutated here.
func (s *FileStore) MarkEmbedded(id string, fingerprints []string) error {
	s.mu.Lock()
	t, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if t.EmbeddedFiles == nil {
		t.EmbeddedFiles = make(map[string]bool)
	}
	for _, fp := range fingerprints {
		t.EmbeddedFiles[fp] = true
	}
	snapshot := t.clone()
	s.mu.Unlock()

	if err := s.writeTranscript(snapshot); err != nil {
		return fmt.Errorf("%w: marking embeds on %s: %v", ErrStorageIO, id, err)
	}
	return nil
}

// RecordStep records the step a call just executed. LastStep always takes
// the new value so sequencing resumes from it after a backtrack;
// HighestStep only ever rises, keeping the full ledger of step numbers
// available as backtrack targets.
func (s *FileStore) RecordStep(id string, step int) error {
	s.mu.Lock()
	t, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	t.LastStep = step
	if step > t.HighestStep {
		t.HighestStep = step
	}
	snapshot := t.clone()
	s.mu.Unlock()

	if err := s.writeTranscript(snapshot); err != nil {
		return fmt.Errorf("%w: recording step on %s: %v", ErrStorageIO, id, err)
	}
	return nil
}

// lookupLocked finds a live thread in the memory tier, falling back to the
// disk tier. Callers must hold s.mu.
func (s *FileStore) lookupLocked(id string) (*Thread, error) {
	if e, ok := s.entries[id]; ok {
		if timeNow().Before(e.expiresAt) {
			return e.thread, nil
		}
		delete(s.entries, id)
	}
	t, err := s.readTranscript(id)
	if err != nil {
		return nil, err
	}
	s.insertLocked(t)
	return t, nil
}

// insertLocked adds a thread to the memory tier with a fresh TTL, evicting
// the stalest entry if the map is at capacity. Callers must hold s.mu.
func (s *FileStore) insertLocked(t *Thread) {
	if len(s.entries) >= s.maxEntries {
		var oldest string
		var oldestAt time.Time
		for id, e := range s.entries {
			if oldest == "" || e.thread.LastUpdatedAt.Before(oldestAt) {
				oldest = id
				oldestAt = e.thread.LastUpdatedAt
			}
		}
		if oldest != "" {
			delete(s.entries, oldest)
		}
	}
	s.entries[t.ID] = &storeEntry{thread: t, expiresAt: timeNow().Add(s.ttl)}
}

// sweepLoop periodically drops expired entries from the memory tier.
// It only touches memory; disk entries are the retention policy's problem.
func (s *FileStore) sweepLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := timeNow()
			s.mu.Lock()
			for id, e := range s.entries {
				if !now.Before(e.expiresAt) {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// dropFromMemory removes a thread from the memory tier only. Used by tests
// to exercise the disk-fallback path.
func (s *FileStore) dropFromMemory(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}
