package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platelet-app/dispatchsync/internal/identity"
	"github.com/platelet-app/dispatchsync/internal/replica/cache"
	"github.com/platelet-app/dispatchsync/internal/replica/notify"
	"github.com/platelet-app/dispatchsync/internal/replica/reconcile"
	"github.com/platelet-app/dispatchsync/internal/replica/remote"
)

// replica is an engine opened against the configured data directory.
type replica struct {
	*reconcile.Engine
	journal *cache.Journal
	online  bool
}

type replicaOptions struct {
	// local forces the file feed even when a hub URL is configured.
	local bool
	// syncWait bounds how long to wait for the first full listing.
	syncWait time.Duration
}

// openReplica restores the journal, connects the transport and starts the
// engine. The first sync is awaited for at most opts.syncWait; when it does
// not complete the replica keeps running on its restored state.
func openReplica(ctx context.Context, opts replicaOptions) (*replica, error) {
	journal, err := cache.OpenContext(ctx, cfg.JournalPath())
	if err != nil {
		return nil, err
	}

	clientID := cfg.Hub.ClientID
	if clientID == "" {
		clientID, err = journal.ClientID(ctx, uuid.NewString)
		if err != nil {
			_ = journal.Close()
			return nil, err
		}
	}

	actor := identity.Anonymous
	if cfg.Hub.Token != "" {
		actor, err = identity.Unverified(cfg.Hub.Token)
		if err != nil {
			_ = journal.Close()
			return nil, fmt.Errorf("invalid hub token: %w", err)
		}
	}

	var transport remote.Transport
	if cfg.Hub.URL != "" && !opts.local {
		c := remote.NewClient(cfg.Hub.URL, clientID)
		c.BearerToken = cfg.Hub.Token
		c.Logger = logger
		transport = c
	} else {
		transport = remote.NewFileFeed(cfg.FeedDir(), logger)
	}

	policy, err := cfg.Policy()
	if err != nil {
		_ = journal.Close()
		return nil, err
	}

	ecfg := reconcile.DefaultConfig()
	ecfg.ClientID = clientID
	ecfg.Actor = actor
	ecfg.Policy = policy
	ecfg.TombstoneTTL = cfg.Store.TombstoneTTL
	ecfg.Journal = journal
	ecfg.Logger = logger
	ecfg.Notifier = notifier()
	if cfg.Notify.Timeout > 0 {
		ecfg.NotifyTimeout = cfg.Notify.Timeout
	}

	e, err := reconcile.New(transport, ecfg)
	if err != nil {
		_ = journal.Close()
		return nil, err
	}
	if err := e.Start(ctx); err != nil {
		_ = journal.Close()
		return nil, err
	}

	r := &replica{Engine: e, journal: journal}
	if opts.syncWait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, opts.syncWait)
		defer cancel()
		if err := e.WaitSynced(waitCtx); err == nil {
			r.online = true
		} else if !errors.Is(err, context.DeadlineExceeded) {
			r.Close()
			return nil, err
		} else {
			logger.Warn("hub not reachable, working offline", "hub", cfg.Hub.URL)
		}
	}
	return r, nil
}

// Close stops the engine, which flushes the journal, then closes it.
func (r *replica) Close() {
	r.Stop()
	if err := r.journal.Close(); err != nil {
		logger.Error("failed to close journal", "error", err)
	}
}

// settle waits up to d for queued mutations to reach the hub.
func (r *replica) settle(ctx context.Context, d time.Duration) bool {
	if !r.online || d <= 0 {
		return false
	}
	waitCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return r.WaitIdle(waitCtx) == nil
}

// notifier builds the creation notifier from the notify settings.
func notifier() notify.Notifier {
	log := notify.LogNotifier{Logger: logger}
	if cfg.Notify.WebhookURL == "" {
		return log
	}
	return notify.Multi{log, notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Secret, cfg.Notify.Timeout, cfg.Notify.Events...)}
}

// await waits for a receipt and describes the outcome. A receipt still
// pending when d elapses means the intent stays queued for a later sync.
func await(ctx context.Context, rc *reconcile.Receipt, d time.Duration) (queued bool, err error) {
	waitCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err = rc.Wait(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		return true, nil
	}
	return false, err
}
