package domain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Check names, in the order the pipeline applies them.
const (
	CheckAuthor      = "author"
	CheckSameness    = "sameness"
	CheckBlocklist   = "blocklist"
	CheckVideo       = "video"
	CheckDuplicate   = "duplicate"
	CheckReliability = "reliability"
	CheckVisual      = "visual"
)

// PipelineOptions holds the per-run settings of the evaluation pipeline.
type PipelineOptions struct {
	// Query is the platform search query.
	Query string

	// SearchRounds is how many searches one run performs.
	SearchRounds int

	// SearchDelay is waited before every search.
	SearchDelay time.Duration

	// RetweetCooldown is waited after every successful retweet.
	RetweetCooldown time.Duration

	// MaxAccepted stops the run after this many successful retweets.
	MaxAccepted int
}

// AuthorChecker reports whether an author's history disqualifies them.
type AuthorChecker interface {
	ExcessDeletions(ctx context.Context, authorID string) (bool, error)
}

// ContentPolicy reports whether text is disallowed.
type ContentPolicy interface {
	Blocked(text string) bool
}

// PipelineDeps are the collaborators of a Pipeline. Caller and Metrics are
// optional.
type PipelineDeps struct {
	Store       PostStore
	Searcher    Searcher
	Retweeter   Retweeter
	Caller      Caller
	Duplicates  DuplicateMatcher
	Sameness    NearDuplicateMatcher
	Reliability AuthorChecker
	Policy      ContentPolicy
	Inspector   Inspector
	Metrics     Metrics
}

// Rationale records the outcome of every check applied to a candidate.
// Duplicate and Visual are only evaluated when all cheaper checks pass.
type Rationale struct {
	RecentAuthor     bool
	NearDuplicate    bool
	Blocklisted      bool
	NotVideo         bool
	Duplicate        bool
	ExcessDeletions  bool
	Visual           Finding
	DuplicateChecked bool
	VisualChecked    bool
}

// Failed returns the names of the failing checks in pipeline order.
func (r Rationale) Failed() []string {
	var failed []string
	if r.RecentAuthor {
		failed = append(failed, CheckAuthor)
	}
	if r.NearDuplicate {
		failed = append(failed, CheckSameness)
	}
	if r.Blocklisted {
		failed = append(failed, CheckBlocklist)
	}
	if r.NotVideo {
		failed = append(failed, CheckVideo)
	}
	if r.Duplicate {
		failed = append(failed, CheckDuplicate)
	}
	if r.ExcessDeletions {
		failed = append(failed, CheckReliability)
	}
	if r.Visual == FindingDetected {
		failed = append(failed, CheckVisual)
	}
	return failed
}

// LogValue implements slog.LogValuer.
func (r Rationale) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("author", r.RecentAuthor),
		slog.Bool("sameness", r.NearDuplicate),
		slog.Bool("bad_words", r.Blocklisted),
		slog.Bool("not_video", r.NotVideo),
		slog.Bool("matches", r.Duplicate),
		slog.Bool("previous_deletes", r.ExcessDeletions),
		slog.String("visual", r.Visual.String()),
	)
}

// Decision is the pipeline verdict for one candidate.
type Decision struct {
	PostID     string
	Accepted   bool
	RejectedBy string
	Rationale  Rationale
}

// RunState is the mutable state of a single pipeline run.
type RunState struct {
	authors  map[string]struct{}
	accepted int
}

// NewRunState returns empty run state.
func NewRunState() *RunState {
	return &RunState{authors: make(map[string]struct{})}
}

// RecentAuthor reports whether the author was retweeted earlier in the run.
func (s *RunState) RecentAuthor(authorID string) bool {
	_, ok := s.authors[authorID]
	return ok
}

// Accepted returns the number of successful retweets in the run.
func (s *RunState) Accepted() int {
	return s.accepted
}

// RunSummary reports what a pipeline run did.
type RunSummary struct {
	Searches  int
	Evaluated int
	Rejected  int
	Retweeted int
	Refused   int
}

// Pipeline evaluates candidates and retweets the ones that pass every check.
type Pipeline struct {
	opts   PipelineOptions
	deps   PipelineDeps
	logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewPipeline creates a pipeline. Store, Searcher, Retweeter and the four
// filters are required.
func NewPipeline(opts PipelineOptions, deps PipelineDeps, logger *slog.Logger) (*Pipeline, error) {
	if deps.Store == nil || deps.Searcher == nil || deps.Retweeter == nil {
		return nil, fmt.Errorf("pipeline: store, searcher and retweeter are required")
	}
	if deps.Duplicates == nil || deps.Sameness == nil || deps.Reliability == nil || deps.Policy == nil {
		return nil, fmt.Errorf("pipeline: all filters are required")
	}
	if opts.MaxAccepted <= 0 {
		return nil, fmt.Errorf("pipeline: max accepted must be positive")
	}
	if deps.Caller == nil {
		deps.Caller = directCaller{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}

	return &Pipeline{
		opts:   opts,
		deps:   deps,
		logger: logger,
		sleep:  sleepContext,
		now:    time.Now,
	}, nil
}

// Evaluate applies every filter to the candidate. The cheap checks are always
// recorded; duplicate matching and visual inspection run only when the cheap
// checks pass, in that order.
func (p *Pipeline) Evaluate(ctx context.Context, c *Candidate, run *RunState) (Decision, error) {
	var r Rationale
	var err error

	r.RecentAuthor = run.RecentAuthor(c.AuthorID)
	if r.NearDuplicate, err = p.deps.Sameness.NearDuplicate(ctx, Tokenize(c.Text)); err != nil {
		return Decision{}, fmt.Errorf("sameness check: %w", err)
	}
	r.Blocklisted = p.deps.Policy.Blocked(c.Text)
	r.NotVideo = !c.IsVideo()
	if r.ExcessDeletions, err = p.deps.Reliability.ExcessDeletions(ctx, c.AuthorID); err != nil {
		return Decision{}, fmt.Errorf("reliability check: %w", err)
	}

	if len(r.Failed()) == 0 {
		r.DuplicateChecked = true
		if r.Duplicate, err = p.deps.Duplicates.Match(ctx, c); err != nil {
			return Decision{}, fmt.Errorf("duplicate check: %w", err)
		}
	}

	if len(r.Failed()) == 0 && p.deps.Inspector != nil {
		r.VisualChecked = true
		r.Visual = p.deps.Inspector.Inspect(ctx, c.ID)
	}

	d := Decision{PostID: c.ID, Rationale: r}
	if failed := r.Failed(); len(failed) > 0 {
		d.RejectedBy = failed[0]
	} else {
		d.Accepted = true
	}
	return d, nil
}

// Run performs the configured number of search rounds, evaluates every
// candidate and retweets accepted ones until MaxAccepted is reached. State
// such as the recent-author set lives only for the duration of the call.
func (p *Pipeline) Run(ctx context.Context) (RunSummary, error) {
	var summary RunSummary
	run := NewRunState()

	for round := 0; round < p.opts.SearchRounds; round++ {
		if err := p.sleep(ctx, p.opts.SearchDelay); err != nil {
			return summary, err
		}

		var candidates []Candidate
		err := p.deps.Caller.Do(ctx, "search", func(ctx context.Context) error {
			var err error
			candidates, err = p.deps.Searcher.Search(ctx, p.opts.Query)
			return err
		})
		if err != nil {
			return summary, fmt.Errorf("search: %w", err)
		}
		summary.Searches++
		p.logger.Info("search complete", "round", round+1, "candidates", len(candidates))

		for i := range candidates {
			c := &candidates[i]
			d, err := p.Evaluate(ctx, c, run)
			if err != nil {
				return summary, fmt.Errorf("evaluate %s: %w", c.ID, err)
			}
			summary.Evaluated++
			p.deps.Metrics.ObserveDecision(d)

			if !d.Accepted {
				summary.Rejected++
				p.logger.Info("skipping post",
					"post_id", c.ID,
					"rejected_by", d.RejectedBy,
					"failed", strings.Join(d.Rationale.Failed(), ","),
					"rationale", d.Rationale,
				)
				continue
			}

			retweeted, err := p.accept(ctx, c, run)
			if err != nil {
				return summary, err
			}
			if !retweeted {
				summary.Refused++
				continue
			}
			summary.Retweeted++
			if run.accepted >= p.opts.MaxAccepted {
				p.logger.Info("retweet limit reached", "retweeted", run.accepted)
				return summary, nil
			}
		}
	}
	return summary, nil
}

// accept persists the candidate, retweets it and waits out the cooldown. A
// platform refusal is logged and reported as retweeted=false.
func (p *Pipeline) accept(ctx context.Context, c *Candidate, run *RunState) (bool, error) {
	run.authors[c.AuthorID] = struct{}{}

	if err := p.deps.Store.Upsert(ctx, c.Record(p.now())); err != nil {
		return false, fmt.Errorf("store %s: %w", c.ID, err)
	}

	err := p.deps.Caller.Do(ctx, "retweet", func(ctx context.Context) error {
		return p.deps.Retweeter.Retweet(ctx, c.ID)
	})
	switch {
	case err == nil:
	case IsRequestRejected(err):
		p.deps.Metrics.ObserveRetweet("rejected")
		p.logger.Warn("retweet rejected", "post_id", c.ID, "error", err)
		return false, nil
	default:
		p.deps.Metrics.ObserveRetweet("error")
		return false, fmt.Errorf("retweet %s: %w", c.ID, err)
	}

	run.accepted++
	p.deps.Metrics.ObserveRetweet("ok")
	p.logger.Info("retweeted",
		"post_id", c.ID,
		"sent", run.accepted,
		"limit", p.opts.MaxAccepted,
		"cooldown", p.opts.RetweetCooldown,
	)

	if err := p.sleep(ctx, p.opts.RetweetCooldown); err != nil {
		return true, err
	}
	return true, nil
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
