package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/platelet-app/dispatchsync/internal/identity"
	"github.com/platelet-app/dispatchsync/internal/replica/cache"
	"github.com/platelet-app/dispatchsync/internal/replica/notify"
	"github.com/platelet-app/dispatchsync/internal/replica/queue"
	"github.com/platelet-app/dispatchsync/internal/replica/remote"
	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/store"
	"github.com/platelet-app/dispatchsync/internal/replica/syncerr"
)

var (
	// ErrStopped is returned for intents made after Stop and for receipts
	// still unresolved when the engine stopped. Their mutations stay in the
	// journal and are resent on the next start.
	ErrStopped = errors.New("engine stopped")

	// ErrNotStarted is returned by loop calls made before Start.
	ErrNotStarted = errors.New("engine not started")
)

// Journal persists engine state between runs. *cache.Journal implements it.
type Journal interface {
	Load(ctx context.Context) (*cache.State, error)
	Save(ctx context.Context, b cache.Batch) error
}

// Config holds configuration for the engine.
type Config struct {
	// ClientID identifies this replica in notifications.
	ClientID string

	// Actor is stamped onto created entities.
	Actor identity.Actor

	// Policy controls retries and throttling.
	Policy queue.Policy

	// TombstoneTTL is how long deleted keys are remembered.
	TombstoneTTL time.Duration

	// SweepInterval is how often expired tombstones are purged.
	SweepInterval time.Duration

	// SubmitTimeout bounds one submission round trip.
	SubmitTimeout time.Duration

	// Types lists the entity types to subscribe to. Empty means all.
	Types []schema.EntityType

	// Journal persists state. Nil keeps everything in memory.
	Journal Journal

	// Notifier receives confirmed creates. Nil disables notifications.
	Notifier      notify.Notifier
	NotifyTimeout time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Actor:         identity.Anonymous,
		Policy:        queue.DefaultPolicy(),
		TombstoneTTL:  store.DefaultTombstoneTTL,
		SweepInterval: time.Minute,
		SubmitTimeout: 15 * time.Second,
		NotifyTimeout: notify.DefaultTimeout,
	}
}

// Stats summarizes engine state.
type Stats struct {
	Entities   map[schema.EntityType]int
	Confirmed  int
	Queued     int
	InFlight   int
	Tombstones int
	LastSeq    uint64
	Synced     bool
}

// Engine runs the replica: every local intent, remote event, ack and
// failure is applied on one loop goroutine, and queued mutations are
// delivered to the transport in per-key order.
type Engine struct {
	cfg       *Config
	transport remote.Transport
	store     *store.Store
	queue     *queue.Queue
	rec       *Reconciler
	logger    *slog.Logger

	inboxMu sync.Mutex
	inbox   []func()
	kick    chan struct{}

	// Loop-owned state.
	receipts  map[uint64][]*Receipt
	inflight  int
	persist   bool
	unsaved   []schema.Key
	synced    map[schema.EntityType]bool
	idlers    []chan struct{}
	syncedCh  chan struct{}
	syncedSet bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	submits  sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
}

// New creates an engine delivering to t. A nil config uses DefaultConfig().
func New(t remote.Transport, cfg *Config) (*Engine, error) {
	if t == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	def := DefaultConfig()
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = def.TombstoneTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = def.SubmitTimeout
	}
	if len(c.Types) == 0 {
		c.Types = schema.AllTypes
	}
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.Actor.ID == "" {
		c.Actor = identity.Anonymous
	}

	st := store.New(store.WithTombstoneTTL(c.TombstoneTTL), store.WithClock(c.Clock))
	q := queue.New(c.Policy)
	q.SetClock(c.Clock)
	rec := NewReconciler(st, q, c.Logger)
	rec.SetClock(c.Clock)

	return &Engine{
		cfg:       &c,
		transport: t,
		store:     st,
		queue:     q,
		rec:       rec,
		logger:    c.Logger,
		kick:      make(chan struct{}, 1),
		receipts:  make(map[uint64][]*Receipt),
		synced:    make(map[schema.EntityType]bool),
		syncedCh:  make(chan struct{}),
	}, nil
}

// Store returns the entity store. It is safe to read from any goroutine;
// its listeners run on the engine loop.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return *e.cfg
}

// Start restores the journal, subscribes to every configured type and
// starts the loop. It returns once the engine is running.
func (e *Engine) Start(ctx context.Context) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	if e.started.Load() {
		return fmt.Errorf("engine already started")
	}

	if e.cfg.Journal != nil {
		state, err := e.cfg.Journal.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load journal: %w", err)
		}
		if err := e.rec.Restore(state.Confirmed, state.Tombstones, state.Mutations, state.LastSeq); err != nil {
			return fmt.Errorf("failed to restore journal: %w", err)
		}
		e.rec.TakeDirty()
		e.logger.Info("journal restored",
			"confirmed", len(state.Confirmed),
			"tombstones", len(state.Tombstones),
			"queued", len(state.Mutations))
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started.Store(true)

	e.wg.Add(1)
	go e.loop()

	for _, t := range e.cfg.Types {
		ch, err := e.transport.Subscribe(e.ctx, t)
		if err != nil {
			e.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", t, err)
		}
		e.wg.Add(1)
		go e.forward(ch)
	}

	e.post(func() {})
	e.logger.Info("engine started", "client_id", e.cfg.ClientID, "types", len(e.cfg.Types))
	return nil
}

// Stop halts the loop, waits for outstanding submissions and writes the
// journal one last time. Unresolved receipts fail with ErrStopped.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		if e.cancel == nil {
			return
		}
		e.cancel()
		e.wg.Wait()
		e.submits.Wait()

		// The loop is gone; its state is ours now.
		e.persist = true
		e.flush()
		for seq := range e.receipts {
			e.resolve(seq, ErrStopped)
		}
		for _, ch := range e.idlers {
			close(ch)
		}
		e.idlers = nil
		e.logger.Info("engine stopped", "queued", e.queue.Len())
	})
}

// Subscribe registers fn for committed changes of type t. Listeners run on
// the engine loop and may issue intents but must not block on them.
func (e *Engine) Subscribe(t schema.EntityType, fn store.Listener) (unsubscribe func()) {
	return e.store.Subscribe(t, fn)
}

// post appends fn to the loop's inbox. It never blocks, so it is safe to
// call from listeners.
func (e *Engine) post(fn func()) {
	e.inboxMu.Lock()
	e.inbox = append(e.inbox, fn)
	e.inboxMu.Unlock()
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) takeInbox() []func() {
	e.inboxMu.Lock()
	defer e.inboxMu.Unlock()
	fns := e.inbox
	e.inbox = nil
	return fns
}

// Do runs fn on the loop and waits for it. fn must not block. Do must not be
// called from a store listener.
func (e *Engine) Do(ctx context.Context, fn func(r *Reconciler)) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	if e.stopped.Load() {
		return ErrStopped
	}
	done := make(chan struct{})
	e.post(func() {
		fn(e.rec)
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrStopped
	}
}

func (e *Engine) loop() {
	defer e.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	sweep := time.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.kick:
			for _, fn := range e.takeInbox() {
				fn()
			}
		case <-timer.C:
		case <-sweep.C:
			e.sweep()
		}
		e.settle(timer)
	}
}

// settle runs after every loop wakeup: it sends what is sendable, writes the
// journal and rearms the retry timer.
func (e *Engine) settle(timer *time.Timer) {
	for _, res := range e.rec.TakeQueued() {
		e.rehome(res)
		e.persist = true
	}
	now := e.cfg.Clock()
	e.pump(now)
	e.flush()

	queueDepth.Set(float64(e.queue.Len()))
	inflightGauge.Set(float64(e.inflight))

	if e.queue.Len() == 0 && e.inflight == 0 && len(e.idlers) > 0 {
		for _, ch := range e.idlers {
			close(ch)
		}
		e.idlers = nil
	}

	timer.Stop()
	if wake, ok := e.queue.NextWake(); ok {
		timer.Reset(max(wake.Sub(e.cfg.Clock()), 0))
	}
}

func (e *Engine) pump(now time.Time) {
	for m := range e.queue.Drain(now) {
		e.inflight++
		e.submits.Add(1)
		go e.submit(m)
	}
}

func (e *Engine) submit(m queue.Mutation) {
	defer e.submits.Done()

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.SubmitTimeout)
	start := time.Now()
	ack, err := e.transport.Submit(ctx, m)
	cancel()
	submitLatency.Observe(time.Since(start).Seconds())

	if err != nil && !syncerr.IsRetryable(err) && !syncerr.IsTerminal(err) {
		err = syncerr.Transient(m.Key, err)
	}
	if e.ctx.Err() != nil {
		return
	}
	e.post(func() {
		e.inflight--
		if err != nil {
			e.failed(m, err)
			return
		}
		e.acked(m, ack)
	})
}

func (e *Engine) forward(ch <-chan schema.ChangeEvent) {
	defer e.wg.Done()
	for ev := range ch {
		e.post(func() { e.remote(ev) })
	}
}

func (e *Engine) remote(ev schema.ChangeEvent) {
	applied, dropped, err := e.rec.Remote(ev)
	remoteEventsTotal.WithLabelValues(string(ev.Op), strconv.FormatBool(applied)).Inc()
	if err != nil {
		e.logger.Warn("failed to apply remote change", "op", ev.Op, "key", ev.Key().String(), "error", err)
	}
	if applied {
		e.persist = true
	}
	e.drop(dropped, syncerr.ErrEntityDeleted, "entity was deleted on the hub")

	if ev.Op == schema.OpResync {
		e.markSynced(ev.Entity.Type)
	}
}

func (e *Engine) markSynced(t schema.EntityType) {
	e.synced[t] = true
	if e.syncedSet {
		return
	}
	for _, typ := range e.cfg.Types {
		if !e.synced[typ] {
			return
		}
	}
	e.syncedSet = true
	close(e.syncedCh)
	e.logger.Info("initial sync complete", "confirmed", e.rec.ConfirmedCount())
}

func (e *Engine) acked(m queue.Mutation, ack schema.Ack) {
	got, err := e.rec.Acked(m.Seq, ack)
	if err != nil {
		e.logger.Warn("failed to apply ack", "seq", m.Seq, "key", m.Key.String(), "error", err)
		return
	}
	e.persist = true
	mutationsTotal.WithLabelValues(string(got.Kind), "acked").Inc()
	e.logger.Debug("mutation acked", "seq", got.Seq, "op", got.Kind, "key", got.Key.String())
	e.resolve(got.Seq, nil)

	if got.Kind != schema.OpCreate || ack.Entity.ID == "" {
		return
	}
	if ev, ok := notify.EventFor(ack.Entity); ok {
		ev.ClientID = e.cfg.ClientID
		ev.At = e.cfg.Clock()
		notify.Dispatch(e.cfg.Notifier, ev, e.cfg.NotifyTimeout, e.logger)
	}
}

func (e *Engine) failed(m queue.Mutation, cause error) {
	got, terminal, dropped, err := e.rec.Failed(m.Seq, cause)
	if err != nil {
		e.logger.Warn("failed to record failure", "seq", m.Seq, "key", m.Key.String(), "error", err)
		return
	}
	e.persist = true
	if !terminal {
		e.logger.Debug("mutation will be retried",
			"seq", got.Seq, "key", got.Key.String(), "attempt", got.RetryCount, "next", got.NextAttempt, "error", cause)
		return
	}

	mutationsTotal.WithLabelValues(string(got.Kind), syncerr.Code(cause)).Inc()
	e.logger.Warn("mutation failed", "seq", got.Seq, "op", got.Kind, "key", got.Key.String(), "error", cause)
	e.resolve(got.Seq, cause)
	e.drop(dropped, syncerr.ErrEntityDeleted, "entity no longer exists")
}

// drop resolves mutations removed from the queue without being sent.
func (e *Engine) drop(muts []queue.Mutation, kind error, reason string) {
	for _, m := range muts {
		mutationsTotal.WithLabelValues(string(m.Kind), "dropped").Inc()
		e.resolve(m.Seq, syncerr.New(kind, m.Key, reason))
	}
}

func (e *Engine) resolve(seq uint64, err error) {
	for _, rc := range e.receipts[seq] {
		rc.resolve(seq, err)
	}
	delete(e.receipts, seq)
}

// rehome moves the receipts of writes merged into res.Seq onto it and
// resolves the writes a delete cancelled.
func (e *Engine) rehome(res queue.EnqueueResult) {
	for _, old := range res.Superseded {
		for _, other := range e.receipts[old] {
			if other.move(old, res.Seq) {
				e.receipts[res.Seq] = append(e.receipts[res.Seq], other)
			}
		}
		delete(e.receipts, old)
	}
	e.drop(res.Cancelled, syncerr.ErrEntityDeleted, "entity was deleted before the write was sent")
}

// track ties the outcome of one enqueue to rc.
func (e *Engine) track(rc *Receipt, res queue.EnqueueResult) {
	e.rehome(res)
	if res.Elided {
		return
	}
	rc.track(res.Seq)
	if !slices.Contains(e.receipts[res.Seq], rc) {
		e.receipts[res.Seq] = append(e.receipts[res.Seq], rc)
	}
}

// apply runs build on the loop and applies the ops it returns as one local
// batch.
func (e *Engine) apply(key schema.Key, build func() ([]Op, error)) *Receipt {
	if e.stopped.Load() {
		return failedReceipt(key, ErrStopped)
	}
	rc := newReceipt(key)
	e.post(func() {
		defer rc.seal()
		ops, err := build()
		if err != nil {
			rc.fail(err)
			return
		}
		results, err := e.rec.Local(ops...)
		if err != nil {
			rc.fail(err)
		}
		for _, res := range results {
			e.track(rc, res)
		}
		if len(results) > 0 {
			e.persist = true
		}
	})
	return rc
}

// Submit applies ops as one local batch.
func (e *Engine) Submit(ops ...Op) *Receipt {
	var key schema.Key
	if len(ops) > 0 {
		key = ops[0].Key
	}
	ops = slices.Clone(ops)
	return e.apply(key, func() ([]Op, error) { return ops, nil })
}

// Cancel removes a queued mutation that has not been sent yet and reverts
// its effect. Cancelling a create also drops the entity's later writes.
func (e *Engine) Cancel(ctx context.Context, seq uint64) error {
	var err error
	if derr := e.Do(ctx, func(r *Reconciler) {
		var m queue.Mutation
		var dropped []queue.Mutation
		m, dropped, err = r.Cancel(seq)
		if err != nil {
			return
		}
		e.persist = true
		mutationsTotal.WithLabelValues(string(m.Kind), "cancelled").Inc()
		e.resolve(seq, syncerr.New(syncerr.ErrCancelled, m.Key, "cancelled"))
		e.drop(dropped, syncerr.ErrCancelled, "create was cancelled")
	}); derr != nil {
		return derr
	}
	return err
}

func (e *Engine) sweep() {
	now := e.cfg.Clock()
	if n := e.rec.Sweep(now); n > 0 {
		e.logger.Debug("tombstones purged", "count", n)
	}
	e.persist = true
}

// flush writes changed snapshots and the queue to the journal.
func (e *Engine) flush() {
	dirty := e.rec.TakeDirty()
	if e.cfg.Journal == nil {
		e.persist = false
		return
	}
	if len(e.unsaved) > 0 {
		dirty = append(e.unsaved, dirty...)
		e.unsaved = nil
	}
	if !e.persist && len(dirty) == 0 {
		return
	}

	b := cache.Batch{Mutations: e.queue.Snapshot(), LastSeq: e.queue.LastSeq()}
	for _, key := range dirty {
		if c, ok := e.rec.Confirmed(key); ok {
			b.Put = append(b.Put, c)
		} else if ts, ok := e.rec.Gone(key); ok {
			b.Tombstones = append(b.Tombstones, ts)
		} else {
			b.Forget = append(b.Forget, key)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.cfg.Journal.Save(ctx, b); err != nil {
		journalErrors.Inc()
		e.unsaved = dirty
		e.logger.Error("failed to write journal", "error", err)
		return
	}
	e.persist = false
}

// WaitSynced blocks until every subscribed type has delivered its first
// full listing.
func (e *Engine) WaitSynced(ctx context.Context) error {
	select {
	case <-e.syncedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitIdle blocks until the queue is empty and nothing is in flight.
func (e *Engine) WaitIdle(ctx context.Context) error {
	ch := make(chan struct{})
	if err := e.Do(ctx, func(*Reconciler) {
		e.idlers = append(e.idlers, ch)
	}); err != nil {
		return err
	}
	select {
	case <-ch:
		if e.stopped.Load() {
			return ErrStopped
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of engine state.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := e.Do(ctx, func(r *Reconciler) {
		s = Stats{
			Entities:   make(map[schema.EntityType]int),
			Confirmed:  r.ConfirmedCount(),
			Queued:     r.Queue().Len(),
			InFlight:   e.inflight,
			Tombstones: len(e.store.Tombstones()),
			LastSeq:    r.Queue().LastSeq(),
			Synced:     e.syncedSet,
		}
		for _, t := range schema.AllTypes {
			if n := e.store.Len(t); n > 0 {
				s.Entities[t] = n
			}
		}
	})
	return s, err
}

// Pending returns the queued mutations in sequence order.
func (e *Engine) Pending(ctx context.Context) ([]queue.Mutation, error) {
	var out []queue.Mutation
	err := e.Do(ctx, func(r *Reconciler) {
		out = r.Queue().Snapshot()
	})
	return out, err
}
