// ABOUTME: Three-tier conversation state store: in-process L1, shared Redis L2, durable SQLite L3
// ABOUTME: Config writes land in L1 at once and reach L3 through per-id debounced flushes

package statecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-turns/internal/store"
)

// ErrStorageUnavailable is returned when the durable store cannot be read or written.
var ErrStorageUnavailable = errors.New("conversation storage unavailable")

// ErrNotFound is returned when updating a conversation that does not exist.
var ErrNotFound = errors.New("conversation not found")

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("state cache closed")

// Defaults for Options fields left zero.
const (
	DefaultDebounceWindow = 2 * time.Second
	DefaultL1TTL          = 10 * time.Minute
	DefaultL1MaxEntries   = 1000
)

// DurableStore is the L3 tier.
type DurableStore interface {
	CreateConversationState(ctx context.Context, state *store.ConversationState) error
	LoadConversationState(ctx context.Context, id string) (*store.ConversationState, error)
	SaveConversationState(ctx context.Context, state *store.ConversationState) error
}

// Options tunes the cache tiers.
type Options struct {
	L1TTL          time.Duration
	L1MaxEntries   int
	DebounceWindow time.Duration

	// Backoff for retrying failed debounced flushes.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	SweepInterval time.Duration
	Logger        *slog.Logger
}

func (o *Options) setDefaults() {
	if o.L1TTL <= 0 {
		o.L1TTL = DefaultL1TTL
	}
	if o.L1MaxEntries <= 0 {
		o.L1MaxEntries = DefaultL1MaxEntries
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = DefaultDebounceWindow
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 500 * time.Millisecond
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Store is the conversation state store.
type Store struct {
	durable DurableStore
	remote  RemoteCache
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	l1      *l1Cache
	nextGen uint64
	closed  bool

	// retrying holds ids with a background flush retrier running; at most one per id.
	retrying map[string]bool

	loads singleflight.Group

	// ctx bounds background flush retries; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// New creates a Store. remote may be nil, in which case L2 is skipped.
func New(durable DurableStore, remote RemoteCache, opts Options) *Store {
	opts.setDefaults()
	if remote == nil {
		remote = NoopCache{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		durable:  durable,
		remote:   remote,
		opts:     opts,
		logger:   opts.Logger.With("component", "statecache"),
		l1:       newL1(opts.L1TTL, opts.L1MaxEntries),
		retrying: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.sweeper()
	return s
}

// Get returns the state of a conversation, or (nil, nil) if it does not exist.
// With invalidate set, cached copies are bypassed and re-read from the durable
// store after any pending write for id has been flushed.
func (s *Store) Get(ctx context.Context, id string, invalidate bool) (*store.ConversationState, error) {
	if invalidate {
		if err := s.Flush(ctx, id); err != nil {
			return nil, err
		}
		return s.loadFresh(ctx, id)
	}

	s.mu.Lock()
	if e := s.l1.get(id, time.Now()); e != nil {
		state := e.state.Clone()
		s.mu.Unlock()
		return state, nil
	}
	s.mu.Unlock()

	state, err := s.load(ctx, id)
	if err != nil || state == nil {
		return nil, err
	}
	return state.Clone(), nil
}

// load fills L1 from L2 or L3. Concurrent loads of one id share a single call.
// The returned state is shared between callers and must not be mutated.
func (s *Store) load(ctx context.Context, id string) (*store.ConversationState, error) {
	v, err, _ := s.loads.Do(id, func() (any, error) {
		// A load that just finished may already have filled L1
		s.mu.Lock()
		if e := s.l1.get(id, time.Now()); e != nil {
			state := e.state.Clone()
			s.mu.Unlock()
			return state, nil
		}
		s.mu.Unlock()

		cached, err := s.remote.Get(ctx, id)
		if err != nil {
			s.logger.Warn("L2 read failed, treating as miss", "conversation_id", id, "error", err)
		}
		if cached != nil {
			s.logger.Debug("L2 hit", "conversation_id", id)
			return s.fill(id, cached), nil
		}

		state, err := s.durable.LoadConversationState(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return (*store.ConversationState)(nil), nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: loading %s: %w", ErrStorageUnavailable, id, err)
		}

		s.logger.Debug("L3 hit", "conversation_id", id)
		s.setRemote(ctx, state)
		return s.fill(id, state), nil
	})
	if err != nil {
		return nil, err
	}
	state, _ := v.(*store.ConversationState)
	return state, nil
}

// loadFresh reads id from L3 and refreshes both cache tiers.
func (s *Store) loadFresh(ctx context.Context, id string) (*store.ConversationState, error) {
	v, err, _ := s.loads.Do("fresh:"+id, func() (any, error) {
		state, err := s.durable.LoadConversationState(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return (*store.ConversationState)(nil), nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: loading %s: %w", ErrStorageUnavailable, id, err)
		}

		s.mu.Lock()
		e := s.l1.put(id, state.Clone(), time.Now())
		s.l1.replace(e, state.Clone())
		current := e.state.Clone()
		s.mu.Unlock()

		s.setRemote(ctx, current)
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	state, _ := v.(*store.ConversationState)
	if state == nil {
		return nil, nil
	}
	return state.Clone(), nil
}

// fill inserts state into L1 unless an entry already exists, and returns the L1 copy.
func (s *Store) fill(id string, state *store.ConversationState) *store.ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.l1.put(id, state.Clone(), time.Now())
	return e.state.Clone()
}

// Create durably stores a new conversation and caches it.
func (s *Store) Create(ctx context.Context, state *store.ConversationState) error {
	if err := s.durable.CreateConversationState(ctx, state); err != nil {
		if errors.Is(err, store.ErrDuplicateConversation) {
			return err
		}
		return fmt.Errorf("%w: creating %s: %w", ErrStorageUnavailable, state.ID, err)
	}

	s.fill(state.ID, state)
	s.setRemote(ctx, state)
	s.logger.Info("conversation created", "conversation_id", state.ID)
	return nil
}

// UpdateConfig merges patch into the cached config and schedules a debounced
// durable write. Calls within one window coalesce into a single write.
func (s *Store) UpdateConfig(ctx context.Context, id string, patch store.ConfigPatch) error {
	return s.mutate(ctx, id, groupConfig, func(state *store.ConversationState) {
		state.Config = patch.Apply(state.Config)
	})
}

// UpdateTeamConfig replaces the team config and schedules a debounced durable
// write on a timer independent of config updates.
func (s *Store) UpdateTeamConfig(ctx context.Context, id string, team store.TeamConfig) error {
	return s.mutate(ctx, id, groupTeam, func(state *store.ConversationState) {
		t := team.Clone()
		state.Team = &t
	})
}

func (s *Store) mutate(ctx context.Context, id string, g group, apply func(*store.ConversationState)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if e := s.l1.get(id, time.Now()); e != nil {
		s.applyLocked(e, g, apply)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	state, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	// put keeps an entry that raced in ahead of us
	e := s.l1.put(id, state.Clone(), time.Now())
	s.applyLocked(e, g, apply)
	return nil
}

// applyLocked writes to the L1 copy and reschedules its flush. A write that
// leaves the state unchanged schedules nothing. Must be called with mu held.
func (s *Store) applyLocked(e *entry, g group, apply func(*store.ConversationState)) {
	before := e.state.Clone()
	apply(e.state)
	if reflect.DeepEqual(before, e.state) {
		return
	}
	e.state.UpdatedAt = time.Now()
	e.dirty = true
	e.version++
	s.scheduleLocked(e, g)
}

// scheduleLocked replaces the pending timer of (e, g). Must be called with mu held.
func (s *Store) scheduleLocked(e *entry, g group) {
	if slot, ok := e.timers[g]; ok {
		slot.timer.Stop()
	}

	s.nextGen++
	gen := s.nextGen
	id := e.id
	slot := &timerSlot{gen: gen}
	slot.timer = time.AfterFunc(s.opts.DebounceWindow, func() {
		s.onTimer(id, g, gen)
	})
	e.timers[g] = slot
}

// onTimer runs when a debounce window elapses.
func (s *Store) onTimer(id string, g group, gen uint64) {
	s.mu.Lock()
	e := s.l1.peek(id)
	if e == nil {
		s.mu.Unlock()
		return
	}
	slot, ok := e.timers[g]
	if !ok || slot.gen != gen {
		// Replaced or cancelled after firing
		s.mu.Unlock()
		return
	}
	delete(e.timers, g)
	s.retryLocked(id, g)
	s.mu.Unlock()
}

// retryLocked starts a background flush of id that retries until it succeeds.
// If a retrier for id is already running it picks up the newer state instead.
// Must be called with mu held.
func (s *Store) retryLocked(id string, g group) {
	if s.closed || s.retrying[id] {
		return
	}
	s.retrying[id] = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			s.flushWithRetry(id, g)
			if !s.retryAgain(id) {
				return
			}
		}
	}()
}

// retryAgain reports whether the retrier of id must run another round because
// the entry went dirty again after its timer had already fired. Otherwise it
// releases the retrier slot.
func (s *Store) retryAgain(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.ctx.Err() == nil {
		if e := s.l1.peek(id); e != nil && e.dirty && len(e.timers) == 0 {
			return true
		}
	}
	delete(s.retrying, id)
	return false
}

// flushWithRetry writes id to L3, retrying with exponential backoff until it
// succeeds or the store is closed.
func (s *Store) flushWithRetry(id string, g group) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInitialInterval
	b.MaxInterval = s.opts.RetryMaxInterval
	b.MaxElapsedTime = 0

	op := func() error {
		return s.flush(s.ctx, id)
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn("debounced flush failed, retrying",
			"conversation_id", id,
			"group", g.String(),
			"retry_in", next,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, s.ctx), notify); err != nil {
		// Only reachable once Close has cancelled retries; Close flushes what is left.
		s.logger.Debug("flush retries stopped", "conversation_id", id, "error", err)
	}
}

// flush writes the current L1 snapshot of id to L3 if it is dirty, then
// refreshes L2.
func (s *Store) flush(ctx context.Context, id string) error {
	s.mu.Lock()
	e := s.l1.peek(id)
	if e == nil || !e.dirty {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	s.mu.Lock()
	if !e.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := e.state.Clone()
	version := e.version
	s.mu.Unlock()

	if err := s.durable.SaveConversationState(ctx, snapshot); err != nil {
		return fmt.Errorf("%w: saving %s: %w", ErrStorageUnavailable, id, err)
	}

	s.mu.Lock()
	if e.version == version {
		e.dirty = false
	}
	s.mu.Unlock()

	s.setRemote(ctx, snapshot)
	s.logger.Debug("flushed conversation state",
		"conversation_id", id,
		"version", version,
		"total_credits", snapshot.Config.Stats.TotalCredits,
	)
	return nil
}

// stopTimersLocked cancels pending timers of e. Must be called with mu held.
func (s *Store) stopTimersLocked(e *entry) {
	for g, slot := range e.timers {
		slot.timer.Stop()
		delete(e.timers, g)
	}
}

// Flush writes any pending change for id now instead of waiting for its timer.
// On failure the change stays pending and is retried in the background.
func (s *Store) Flush(ctx context.Context, id string) error {
	s.mu.Lock()
	e := s.l1.peek(id)
	if e != nil {
		s.stopTimersLocked(e)
	}
	s.mu.Unlock()

	err := s.flush(ctx, id)
	if err != nil {
		s.mu.Lock()
		s.retryLocked(id, groupConfig)
		s.mu.Unlock()
	}
	return err
}

// Del removes id from L1 and L2. A pending write is flushed first; the durable
// copy is never deleted.
func (s *Store) Del(ctx context.Context, id string) error {
	for {
		if err := s.Flush(ctx, id); err != nil {
			return err
		}

		s.mu.Lock()
		e := s.l1.peek(id)
		if e != nil && e.pinned() {
			// A write raced in after the flush
			s.mu.Unlock()
			continue
		}
		if e != nil {
			s.l1.remove(e)
		}
		s.mu.Unlock()
		break
	}

	if err := s.remote.Del(ctx, id); err != nil {
		s.logger.Warn("L2 delete failed", "conversation_id", id, "error", err)
	}
	s.logger.Debug("evicted conversation from caches", "conversation_id", id)
	return nil
}

func (s *Store) setRemote(ctx context.Context, state *store.ConversationState) {
	if err := s.remote.Set(ctx, state); err != nil {
		s.logger.Warn("L2 write failed", "conversation_id", state.ID, "error", err)
	}
}

// sweeper periodically removes expired clean entries from L1.
func (s *Store) sweeper() {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			removed := s.l1.sweep(time.Now())
			s.mu.Unlock()
			if removed > 0 {
				s.logger.Debug("swept expired entries", "removed", removed)
			}
		case <-s.done:
			return
		}
	}
}

// Len returns the number of L1 entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.l1.size()
}

// Close flushes every pending write, stops timers and background work.
// Writes after Close fail with ErrClosed. It is safe to call multiple times.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	ids := s.l1.dirtyIDs()
	for _, id := range ids {
		if e := s.l1.peek(id); e != nil {
			s.stopTimersLocked(e)
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	var errs []error
	for _, id := range ids {
		if err := s.flush(ctx, id); err != nil {
			s.logger.Error("final flush failed", "conversation_id", id, "error", err)
			errs = append(errs, err)
		}
	}

	s.logger.Info("state cache closed", "flushed", len(ids)-len(errs))
	return errors.Join(errs...)
}
