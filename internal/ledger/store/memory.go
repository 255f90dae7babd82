package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"consentledger/internal/identity"
	"consentledger/internal/ledger/models"
	"consentledger/internal/ledger/service"
	dErrors "consentledger/pkg/domain-errors"
	"consentledger/pkg/platform/sentinel"
)

// numShards spreads identity keys across independent write locks so writers
// for unrelated identities rarely contend.
const numShards = 128

// defaultTxTimeout is the maximum duration for a ledger transaction.
const defaultTxTimeout = 5 * time.Second

// InMemory is a ledger store backed by maps. Writes are staged per
// transaction and published only when the callback succeeds.
type InMemory struct {
	mu         sync.RWMutex
	commits    map[string]*models.Commit
	versions   map[identity.Key][]*models.Version
	byID       map[int64]*models.Version
	categories map[string]models.Category

	seq     atomic.Int64
	catSeq  int64
	shards  [numShards]sync.Mutex
	timeout time.Duration
	clock   func() time.Time
}

// InMemoryOption configures an InMemory store.
type InMemoryOption func(*InMemory)

// WithClock overrides the clock used to stamp CreatedAt.
func WithClock(clock func() time.Time) InMemoryOption {
	return func(s *InMemory) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithTxTimeout bounds how long RunInTx may wait for the key lock.
func WithTxTimeout(d time.Duration) InMemoryOption {
	return func(s *InMemory) {
		s.timeout = d
	}
}

func NewInMemory(opts ...InMemoryOption) *InMemory {
	s := &InMemory{
		commits:    make(map[string]*models.Commit),
		versions:   make(map[identity.Key][]*models.Version),
		byID:       make(map[int64]*models.Version),
		categories: make(map[string]models.Category),
		timeout:    defaultTxTimeout,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunInTx serializes writers of one identity key on a shard mutex and
// publishes the staged changes atomically when fn returns nil.
func (s *InMemory) RunInTx(ctx context.Context, key identity.Key, fn func(ctx context.Context, store service.Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	shard := &s.shards[shardFor(key)]
	shard.Lock()
	defer shard.Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	tx := &memoryTx{
		parent:  s,
		key:     key,
		staged:  make(map[int64]*models.Version),
		current: -1,
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.publish(tx)
	return nil
}

// shardFor hashes the key with FNV-1a. The key is already a uniform digest,
// but hashing all of it keeps the distribution independent of its layout.
func shardFor(key identity.Key) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for _, b := range key {
		h ^= uint32(b)
		h *= fnvPrime
	}
	return h % numShards
}

func (s *InMemory) publish(tx *memoryTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range tx.commits {
		if _, ok := s.commits[c.ID.String()]; !ok {
			s.commits[c.ID.String()] = c
		}
	}
	for _, v := range tx.order {
		s.versions[tx.key] = append(s.versions[tx.key], v)
		s.byID[v.ID] = v
	}
	if tx.current >= 0 {
		for _, v := range s.versions[tx.key] {
			v.Current = v.ID == tx.current
		}
	}
}

// memoryTx stages the writes of one transaction. Only versions inserted
// through it may have their consent set changed.
type memoryTx struct {
	parent  *InMemory
	key     identity.Key
	commits []*models.Commit
	order   []*models.Version
	staged  map[int64]*models.Version
	current int64
}

func (t *memoryTx) SaveCommit(_ context.Context, commit *models.Commit) error {
	if commit == nil {
		return fmt.Errorf("commit is required")
	}
	c := *commit
	t.commits = append(t.commits, &c)
	return nil
}

func (t *memoryTx) InsertVersion(_ context.Context, version *models.Version) error {
	if version == nil {
		return fmt.Errorf("version is required")
	}
	if version.Key != t.key {
		return fmt.Errorf("insert version: key outside transaction scope")
	}
	if !t.hasCommit(version) {
		return fmt.Errorf("insert version: commit %s not saved", version.CommitID)
	}
	version.ID = t.parent.seq.Add(1)
	if version.CreatedAt.IsZero() {
		version.CreatedAt = t.parent.clock().UTC()
	}
	version.Current = false
	staged := version.Clone()
	staged.Consents = nil
	t.order = append(t.order, staged)
	t.staged[staged.ID] = staged
	return nil
}

func (t *memoryTx) hasCommit(version *models.Version) bool {
	for _, c := range t.commits {
		if c.ID == version.CommitID {
			return true
		}
	}
	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	_, ok := t.parent.commits[version.CommitID.String()]
	return ok
}

func (t *memoryTx) ResolveCurrent(_ context.Context, key identity.Key) (int64, error) {
	if key != t.key {
		return 0, fmt.Errorf("resolve current: key outside transaction scope")
	}
	t.parent.mu.RLock()
	all := slices.Clone(t.parent.versions[key])
	t.parent.mu.RUnlock()
	all = append(all, t.order...)

	newest := models.Newest(all)
	if newest == nil {
		return 0, sentinel.ErrNotFound
	}
	t.current = newest.ID
	for _, v := range t.order {
		v.Current = v.ID == newest.ID
	}
	return newest.ID, nil
}

func (t *memoryTx) Attach(_ context.Context, versionID int64, category string) error {
	v, err := t.mutable(versionID, category)
	if err != nil {
		return err
	}
	if !v.Has(category) {
		v.Consents = append(v.Consents, category)
		slices.Sort(v.Consents)
	}
	return nil
}

func (t *memoryTx) Detach(_ context.Context, versionID int64, category string) error {
	v, err := t.mutable(versionID, category)
	if err != nil {
		return err
	}
	v.Consents = slices.DeleteFunc(v.Consents, func(c string) bool { return c == category })
	return nil
}

func (t *memoryTx) Has(_ context.Context, versionID int64, category string) (bool, error) {
	if v, ok := t.staged[versionID]; ok {
		return v.Has(category), nil
	}
	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	v, ok := t.parent.byID[versionID]
	if !ok {
		return false, sentinel.ErrNotFound
	}
	return v.Has(category), nil
}

func (t *memoryTx) mutable(versionID int64, category string) (*models.Version, error) {
	v, ok := t.staged[versionID]
	if !ok {
		return nil, fmt.Errorf("version %d is not writable in this transaction: %w", versionID, sentinel.ErrInvalidState)
	}
	t.parent.mu.RLock()
	_, known := t.parent.categories[category]
	t.parent.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("consent category %q: %w", category, sentinel.ErrNotFound)
	}
	return v, nil
}

func (s *InMemory) FindCurrent(_ context.Context, key identity.Key) (*models.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[key] {
		if v.Current {
			return v.Clone(), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) ListCurrent(_ context.Context, filter models.Filter) (*models.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []identity.Key
	if len(filter.Keys) > 0 {
		keys = filter.Keys
	} else {
		keys = make([]identity.Key, 0, len(s.versions))
		for k := range s.versions {
			keys = append(keys, k)
		}
	}

	seen := make(map[identity.Key]struct{}, len(keys))
	var matched []*models.Version
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		for _, v := range s.versions[k] {
			if v.Current && matches(v, filter) {
				matched = append(matched, v)
			}
		}
	}
	slices.SortFunc(matched, func(a, b *models.Version) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	page := &models.Page{Count: len(matched), Limit: filter.Limit, Offset: filter.Offset}
	start := min(filter.Offset, len(matched))
	end := len(matched)
	if filter.Limit > 0 {
		end = min(start+filter.Limit, len(matched))
	}
	page.Results = make([]*models.Version, 0, end-start)
	for _, v := range matched[start:end] {
		page.Results = append(page.Results, v.Clone())
	}
	return page, nil
}

func matches(v *models.Version, filter models.Filter) bool {
	if filter.Kind != "" && v.Kind != filter.Kind {
		return false
	}
	if filter.Category != "" && !v.Has(filter.Category) {
		return false
	}
	return true
}

func (s *InMemory) History(_ context.Context, key identity.Key) ([]*models.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.versions[key]
	if len(versions) == 0 {
		return nil, sentinel.ErrNotFound
	}
	out := make([]*models.Version, 0, len(versions))
	for _, v := range versions {
		out = append(out, v.Clone())
	}
	slices.SortFunc(out, func(a, b *models.Version) int {
		if a.After(b) {
			return 1
		}
		if b.After(a) {
			return -1
		}
		return 0
	})
	return out, nil
}

// FindCommit returns a stored commit by id.
func (s *InMemory) FindCommit(_ context.Context, id string) (*models.Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commits[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (s *InMemory) ListCategories(_ context.Context) ([]models.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Category, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b models.Category) int { return int(a.ID - b.ID) })
	return out, nil
}

// EnsureCategory inserts the category if its name is unknown. Existing
// descriptions are left untouched.
func (s *InMemory) EnsureCategory(_ context.Context, category models.Category) error {
	if category.Name == "" {
		return fmt.Errorf("category name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.categories[category.Name]; ok {
		return nil
	}
	s.catSeq++
	category.ID = s.catSeq
	s.categories[category.Name] = category
	return nil
}
