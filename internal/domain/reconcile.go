package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ReconcileSummary reports what a reconciliation pass did.
type ReconcileSummary struct {
	Pending   int
	Processed int
	Checked   int
	Deleted   int
	Skipped   int
}

// Reconciler re-verifies stored posts against the platform and records
// whether the bot's retweet is still visible.
type Reconciler struct {
	store    PostStore
	platform ResharerLister
	caller   Caller
	limiter  *rate.Limiter
	account  Account
	metrics  Metrics
	logger   *slog.Logger

	now func() time.Time
}

// NewReconciler creates a reconciler that waits delay between platform
// queries. account identifies the bot; a resharer matches it by id or by
// case-insensitive username. caller and metrics may be nil.
func NewReconciler(store PostStore, platform ResharerLister, caller Caller, account Account, delay time.Duration, metrics Metrics, logger *slog.Logger) *Reconciler {
	if caller == nil {
		caller = directCaller{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	// The bucket starts full: the first lookup goes out at once and each
	// later one waits delay after the previous.
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Reconciler{
		store:    store,
		platform: platform,
		caller:   caller,
		limiter:  rate.NewLimiter(limit, 1),
		account:  account,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Run checks every post that has not reached a terminal status. Posts whose
// check fails are logged and left unchecked.
func (r *Reconciler) Run(ctx context.Context) (ReconcileSummary, error) {
	pending, err := r.store.ListByStatus(ctx, StatusUnverified, StatusUnchecked)
	if err != nil {
		return ReconcileSummary{}, fmt.Errorf("list pending posts: %w", err)
	}

	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}
	return r.CheckAll(ctx, ids)
}

// CheckAll checks the given ids in order, logging progress after each one.
func (r *Reconciler) CheckAll(ctx context.Context, ids []string) (ReconcileSummary, error) {
	summary := ReconcileSummary{Pending: len(ids)}
	start := r.now()

	for _, id := range ids {
		status, err := r.Check(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.Skipped++
			r.logger.Error("check failed, skipping", "post_id", id, "error", err)
		}
		switch status {
		case StatusChecked:
			summary.Checked++
		case StatusDeleted:
			summary.Deleted++
		}
		summary.Processed++

		elapsed := r.now().Sub(start)
		remaining := summary.Pending - summary.Processed
		eta := elapsed / time.Duration(summary.Processed) * time.Duration(remaining)
		r.logger.Info("reconcile progress",
			"processed", summary.Processed,
			"total", summary.Pending,
			"remaining", remaining,
			"deleted", summary.Deleted,
			"elapsed", elapsed.Round(time.Second),
			"eta", eta.Round(time.Second),
		)
	}
	return summary, nil
}

// Check verifies one post and returns its resulting status. Untracked ids are
// stored as minimal unchecked records first. Posts already checked or deleted
// are returned as-is without querying the platform.
func (r *Reconciler) Check(ctx context.Context, id string) (Status, error) {
	rec, err := r.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		rec = &PostRecord{ID: id, IngestedAt: r.now().UTC(), Status: StatusUnchecked}
		if err := r.store.Upsert(ctx, rec); err != nil {
			return "", fmt.Errorf("insert %s: %w", id, err)
		}
	case err != nil:
		return "", fmt.Errorf("get %s: %w", id, err)
	}

	if rec.Status.Terminal() {
		return rec.Status, nil
	}
	if rec.Status == StatusUnverified {
		if err := r.transition(ctx, rec, StatusUnchecked); err != nil {
			return "", err
		}
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return rec.Status, fmt.Errorf("rate limiter: %w", err)
	}

	var accounts []Account
	err = r.caller.Do(ctx, "resharers", func(ctx context.Context) error {
		var err error
		accounts, err = r.platform.Resharers(ctx, id)
		return err
	})
	if err != nil {
		return rec.Status, fmt.Errorf("resharers %s: %w", id, err)
	}

	next := r.classify(id, accounts)
	if err := r.transition(ctx, rec, next); err != nil {
		return rec.Status, err
	}
	r.metrics.ObserveReconcile(next)
	return next, nil
}

// classify maps a resharer list to a terminal status. An empty list counts
// as deleted because the bot's own retweet would otherwise appear in it.
func (r *Reconciler) classify(id string, accounts []Account) Status {
	if len(accounts) == 0 {
		r.logger.Info("no resharers, marking deleted", "post_id", id)
		return StatusDeleted
	}
	for _, a := range accounts {
		if r.isBot(a) {
			r.logger.Debug("found bot retweet", "post_id", id)
			return StatusChecked
		}
	}
	r.logger.Info("bot retweet missing, marking deleted", "post_id", id, "resharers", len(accounts))
	return StatusDeleted
}

func (r *Reconciler) isBot(a Account) bool {
	if r.account.ID != "" && a.ID == r.account.ID {
		return true
	}
	return r.account.Username != "" && strings.EqualFold(a.Username, r.account.Username)
}

func (r *Reconciler) transition(ctx context.Context, rec *PostRecord, next Status) error {
	if !rec.Status.CanTransition(next) {
		return fmt.Errorf("%s: %s -> %s: %w", rec.ID, rec.Status, next, ErrInvalidTransition)
	}
	if err := r.store.SetStatus(ctx, rec.ID, next); err != nil {
		return fmt.Errorf("set status %s: %w", rec.ID, err)
	}
	rec.Status = next
	return nil
}

// Backfill copies every record of snapshot whose id is missing from the
// working store, so posts added while reconciliation ran are not lost.
// Returns the number of records merged.
func (r *Reconciler) Backfill(ctx context.Context, snapshot PostStore) (int, error) {
	records, err := snapshot.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}

	merged := 0
	for i := range records {
		rec := &records[i]
		_, err := r.store.Get(ctx, rec.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return merged, fmt.Errorf("get %s: %w", rec.ID, err)
		}
		if err := r.store.Upsert(ctx, rec); err != nil {
			return merged, fmt.Errorf("merge %s: %w", rec.ID, err)
		}
		merged++
	}
	r.logger.Info("backfill complete", "snapshot_records", len(records), "merged", merged)
	return merged, nil
}
