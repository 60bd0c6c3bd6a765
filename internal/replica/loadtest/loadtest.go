// Package loadtest drives several replicas against one in-process hub and
// checks that they converge.
//
// Each replica runs a full engine over a loopback transport and issues a
// random mix of dispatch intents concurrently with the others. Submissions
// can be made to fail transiently at a fixed rate. Once every replica is
// idle, each replica's store is compared with the hub's ledger.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platelet-app/dispatchsync/internal/identity"
	"github.com/platelet-app/dispatchsync/internal/replica/hub"
	"github.com/platelet-app/dispatchsync/internal/replica/queue"
	"github.com/platelet-app/dispatchsync/internal/replica/reconcile"
	"github.com/platelet-app/dispatchsync/internal/replica/remote"
	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/seed"
	"github.com/platelet-app/dispatchsync/internal/replica/syncerr"
)

// Options configures a run.
type Options struct {
	Replicas          int
	IntentsPerReplica int
	// FaultEvery makes every Nth submission of each replica fail
	// transiently. Zero disables faults.
	FaultEvery int
	// Seed makes the intent mix reproducible.
	Seed int64
	// Fixture is loaded into the hub first (default: seed.Demo()).
	Fixture *seed.Fixture
	// Settle bounds how long to wait for convergence.
	Settle time.Duration
	Logger *slog.Logger
}

// DefaultOptions returns a small run.
func DefaultOptions() Options {
	return Options{
		Replicas:          4,
		IntentsPerReplica: 50,
		FaultEvery:        7,
		Seed:              42,
		Settle:            30 * time.Second,
	}
}

// LatencyStats captures how long intents took to be confirmed or refused.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Result summarizes a run.
type Result struct {
	Intents int
	// Outcomes counts receipts by error code; "ok" for confirmed intents.
	Outcomes  map[string]int
	Faults    int
	Latency   *LatencyStats
	Converged bool
	// Divergent lists, per replica, keys whose state differs from the hub.
	Divergent map[string][]schema.Key
	Elapsed   time.Duration
}

// Run executes a load test.
func Run(ctx context.Context, opts Options) (*Result, error) {
	def := DefaultOptions()
	if opts.Replicas <= 0 {
		opts.Replicas = def.Replicas
	}
	if opts.IntentsPerReplica <= 0 {
		opts.IntentsPerReplica = def.IntentsPerReplica
	}
	if opts.Settle <= 0 {
		opts.Settle = def.Settle
	}
	if opts.Fixture == nil {
		opts.Fixture = seed.Demo()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	start := time.Now()
	ledger := hub.NewLedger(hub.DefaultLedgerConfig())
	if _, err := seed.Seed(ctx, opts.Fixture, ledger, seed.Options{}); err != nil {
		return nil, fmt.Errorf("failed to seed hub: %w", err)
	}

	var riders []string
	for _, u := range opts.Fixture.Users {
		if slices.Contains(u.Roles, schema.RoleRider) {
			riders = append(riders, u.ID)
		}
	}
	if len(riders) == 0 {
		return nil, errors.New("fixture has no riders")
	}

	var faults atomic.Int64
	engines := make([]*reconcile.Engine, opts.Replicas)
	for i := range engines {
		clientID := fmt.Sprintf("replica-%d", i+1)
		lb := remote.NewLoopback(ledger, clientID)
		if opts.FaultEvery > 0 {
			var n atomic.Int64
			lb.RejectWhen(func(sub schema.Submission) error {
				if n.Add(1)%int64(opts.FaultEvery) == 0 {
					faults.Add(1)
					return syncerr.Transient(sub.Key(), errors.New("injected fault"))
				}
				return nil
			})
		}

		cfg := reconcile.DefaultConfig()
		cfg.ClientID = clientID
		cfg.Actor = identity.Actor{ID: "coord-" + clientID, TenantID: opts.Fixture.Tenant, Roles: []string{schema.RoleCoordinator}}
		cfg.Policy = queue.Policy{BaseBackoff: 2 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, MaxRetries: 5}
		cfg.Logger = logger.With("replica", clientID)

		e, err := reconcile.New(lb, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", clientID, err)
		}
		if err := e.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start %s: %w", clientID, err)
		}
		defer e.Stop()
		engines[i] = e
	}

	syncCtx, cancel := context.WithTimeout(ctx, opts.Settle)
	defer cancel()
	for _, e := range engines {
		if err := e.WaitSynced(syncCtx); err != nil {
			return nil, fmt.Errorf("replica %s never synced: %w", e.Config().ClientID, err)
		}
	}

	var (
		mu        sync.Mutex
		durations []time.Duration
		outcomes  = make(map[string]int)
		wg        sync.WaitGroup
	)
	for i, e := range engines {
		wg.Add(1)
		go func(e *reconcile.Engine, rng *rand.Rand) {
			defer wg.Done()
			for j := 0; j < opts.IntentsPerReplica; j++ {
				if ctx.Err() != nil {
					return
				}
				began := time.Now()
				rc := randomIntent(e, rng, riders)
				err := rc.Wait(syncCtx)
				elapsed := time.Since(began)

				code := "ok"
				if err != nil {
					code = syncerr.Code(err)
				}
				mu.Lock()
				durations = append(durations, elapsed)
				outcomes[code]++
				mu.Unlock()
			}
		}(e, rand.New(rand.NewSource(opts.Seed+int64(i))))
	}
	wg.Wait()

	for _, e := range engines {
		if err := e.WaitIdle(syncCtx); err != nil {
			return nil, fmt.Errorf("replica %s never went idle: %w", e.Config().ClientID, err)
		}
	}

	res := &Result{
		Intents:  len(durations),
		Outcomes: outcomes,
		Latency:  computeLatencyStats(durations),
	}

	// Change events may still be in transit after the queues drain.
	for {
		res.Divergent = compare(ledger, engines)
		if len(res.Divergent) == 0 {
			res.Converged = true
			break
		}
		if syncCtx.Err() != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	res.Faults = int(faults.Load())
	res.Elapsed = time.Since(start)

	logger.Info("load test finished",
		"replicas", opts.Replicas,
		"intents", res.Intents,
		"faults", res.Faults,
		"converged", res.Converged,
		"elapsed", res.Elapsed)
	return res, nil
}

// randomIntent issues one intent chosen from a weighted mix.
func randomIntent(e *reconcile.Engine, rng *rand.Rand, riders []string) *reconcile.Receipt {
	tasks := e.Store().All(schema.TypeTask)
	pickTask := func() (string, bool) {
		if len(tasks) == 0 {
			return "", false
		}
		return tasks[rng.Intn(len(tasks))].ID, true
	}
	priorities := []string{schema.PriorityHigh, schema.PriorityMedium, schema.PriorityLow}

	roll := rng.Intn(100)
	id, ok := pickTask()
	switch {
	case roll < 30 || !ok:
		return e.CreateTask(reconcile.NewTask{
			Priority:      priorities[rng.Intn(len(priorities))],
			RequesterName: fmt.Sprintf("Requester %d", rng.Intn(1000)),
		})
	case roll < 55:
		return e.AssignUser(id, riders[rng.Intn(len(riders))], schema.RoleRider)
	case roll < 70:
		return e.UpdateField(schema.K(schema.TypeTask, id), schema.FieldPriority, priorities[rng.Intn(len(priorities))])
	case roll < 80:
		return e.Unassign(id, riders[rng.Intn(len(riders))], "")
	case roll < 85:
		return e.CancelTask(id)
	case roll < 90:
		return e.ReinstateTask(id)
	default:
		return e.Delete(schema.K(schema.TypeTask, id))
	}
}

// compare returns, per replica, the keys whose local state differs from
// the ledger.
func compare(ledger *hub.Ledger, engines []*reconcile.Engine) map[string][]schema.Key {
	out := make(map[string][]schema.Key)
	for _, e := range engines {
		var diff []schema.Key
		for _, t := range schema.AllTypes {
			want := make(map[string]schema.Entity)
			for _, ent := range ledger.List(t) {
				want[ent.ID] = ent
			}
			for _, got := range e.Store().All(t) {
				w, ok := want[got.ID]
				delete(want, got.ID)
				if !ok || !schema.FieldsEqual(visibleFields(got.Fields), visibleFields(w.Fields)) {
					diff = append(diff, got.Key())
				}
			}
			for id := range want {
				diff = append(diff, schema.K(t, id))
			}
		}
		if len(diff) > 0 {
			sort.Slice(diff, func(i, j int) bool { return diff[i].String() < diff[j].String() })
			out[e.Config().ClientID] = diff
		}
	}
	return out
}

// visibleFields drops the local-only and unset fields.
func visibleFields(f schema.Fields) schema.Fields {
	out := make(schema.Fields, len(f))
	for k, v := range f {
		if v == nil || k == schema.FieldDerivedStale {
			continue
		}
		out[k] = v
	}
	return out
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(durations),
	}
}
