package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearcher struct {
	results [][]Candidate
	calls   int
	err     error
}

func (s *fakeSearcher) Search(context.Context, string) ([]Candidate, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.calls >= len(s.results) {
		s.calls++
		return nil, nil
	}
	out := s.results[s.calls]
	s.calls++
	return out, nil
}

type fakeRetweeter struct {
	ids  []string
	errs map[string]error
}

func (r *fakeRetweeter) Retweet(_ context.Context, id string) error {
	if err := r.errs[id]; err != nil {
		return err
	}
	r.ids = append(r.ids, id)
	return nil
}

type fakeDuplicates struct {
	matches map[string]bool
	calls   int
}

func (d *fakeDuplicates) Match(_ context.Context, c *Candidate) (bool, error) {
	d.calls++
	return d.matches[c.ID], nil
}

type fakeInspector struct {
	findings map[string]Finding
	calls    int
}

func (i *fakeInspector) Inspect(_ context.Context, id string) Finding {
	i.calls++
	if f, ok := i.findings[id]; ok {
		return f
	}
	return FindingClear
}

type recordingMetrics struct {
	decisions []Decision
	retweets  []string
	statuses  []Status
}

func (m *recordingMetrics) ObserveDecision(d Decision)     { m.decisions = append(m.decisions, d) }
func (m *recordingMetrics) ObserveRetweet(result string)   { m.retweets = append(m.retweets, result) }
func (m *recordingMetrics) ObserveReconcile(status Status) { m.statuses = append(m.statuses, status) }

type pipelineFixture struct {
	store     *memStore
	searcher  *fakeSearcher
	retweeter *fakeRetweeter
	dupes     *fakeDuplicates
	inspector *fakeInspector
	metrics   *recordingMetrics
	sleeps    []time.Duration
	pipeline  *Pipeline
}

func newPipelineFixture(t *testing.T, opts PipelineOptions, recs ...PostRecord) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		store:     newMemStore(recs...),
		searcher:  &fakeSearcher{},
		retweeter: &fakeRetweeter{errs: map[string]error{}},
		dupes:     &fakeDuplicates{matches: map[string]bool{}},
		inspector: &fakeInspector{findings: map[string]Finding{}},
		metrics:   &recordingMetrics{},
	}
	bl, err := NewBlocklist([]string{"taliban"})
	require.NoError(t, err)

	p, err := NewPipeline(opts, PipelineDeps{
		Store:       f.store,
		Searcher:    f.searcher,
		Retweeter:   f.retweeter,
		Duplicates:  f.dupes,
		Sameness:    NewWordOverlapDetector(f.store, 0.7, discardLogger()),
		Reliability: NewReliabilityFilter(f.store, nil, discardLogger()),
		Policy:      bl,
		Inspector:   f.inspector,
		Metrics:     f.metrics,
	}, discardLogger())
	require.NoError(t, err)

	p.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	p.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	f.pipeline = p
	return f
}

func defaultOptions() PipelineOptions {
	return PipelineOptions{
		Query:           "ukraine has:videos",
		SearchRounds:    1,
		SearchDelay:     10 * time.Second,
		RetweetCooldown: 1320 * time.Second,
		MaxAccepted:     10,
	}
}

func video(id, author, text string) Candidate {
	return Candidate{ID: id, AuthorID: author, Text: text, MediaKey: "7_" + id, MediaType: "video", DurationMS: 1000}
}

func TestPipelineEvaluateAccepts(t *testing.T) {
	f := newPipelineFixture(t, defaultOptions())
	c := video("1", "a", "artillery strike near the river")

	d, err := f.pipeline.Evaluate(context.Background(), &c, NewRunState())
	require.NoError(t, err)

	assert.True(t, d.Accepted)
	assert.Empty(t, d.RejectedBy)
	assert.True(t, d.Rationale.DuplicateChecked)
	assert.True(t, d.Rationale.VisualChecked)
	assert.Equal(t, FindingClear, d.Rationale.Visual)
}

func TestPipelineEvaluateRecordsCheapChecks(t *testing.T) {
	f := newPipelineFixture(t, defaultOptions())
	run := NewRunState()
	run.authors["a"] = struct{}{}
	c := Candidate{ID: "1", AuthorID: "a", Text: "taliban parade", MediaType: "photo"}

	d, err := f.pipeline.Evaluate(context.Background(), &c, run)
	require.NoError(t, err)

	assert.False(t, d.Accepted)
	assert.Equal(t, CheckAuthor, d.RejectedBy)
	assert.Equal(t, []string{CheckAuthor, CheckBlocklist, CheckVideo}, d.Rationale.Failed())
	assert.False(t, d.Rationale.DuplicateChecked)
	assert.False(t, d.Rationale.VisualChecked)
	assert.Zero(t, f.dupes.calls)
	assert.Zero(t, f.inspector.calls)
}

func TestPipelineEvaluateDuplicateSkipsInspection(t *testing.T) {
	f := newPipelineFixture(t, defaultOptions())
	f.dupes.matches["1"] = true
	c := video("1", "a", "tank column")

	d, err := f.pipeline.Evaluate(context.Background(), &c, NewRunState())
	require.NoError(t, err)

	assert.Equal(t, CheckDuplicate, d.RejectedBy)
	assert.Zero(t, f.inspector.calls)
}

func TestPipelineEvaluateVisualFindings(t *testing.T) {
	tests := []struct {
		finding Finding
		want    bool
	}{
		{FindingDetected, false},
		{FindingClear, true},
		{FindingInconclusive, true},
	}
	for _, tt := range tests {
		t.Run(tt.finding.String(), func(t *testing.T) {
			f := newPipelineFixture(t, defaultOptions())
			f.inspector.findings["1"] = tt.finding
			c := video("1", "a", "tank column")

			d, err := f.pipeline.Evaluate(context.Background(), &c, NewRunState())
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Accepted)
		})
	}
}

func TestPipelineEvaluateUnreliableAuthor(t *testing.T) {
	f := newPipelineFixture(t, defaultOptions(), authorHistory("a", 3, 2)...)
	c := video("new", "a", "drone footage")

	d, err := f.pipeline.Evaluate(context.Background(), &c, NewRunState())
	require.NoError(t, err)
	assert.Equal(t, CheckReliability, d.RejectedBy)
	assert.Zero(t, f.dupes.calls)
}

func TestPipelineRun(t *testing.T) {
	opts := defaultOptions()
	opts.SearchRounds = 2
	f := newPipelineFixture(t, opts)
	f.searcher.results = [][]Candidate{
		{
			video("1", "a", "first clip from the front"),
			video("2", "b", "taliban clip"),
			video("3", "a", "second clip by the same author"),
		},
		{
			video("4", "c", "night assault footage"),
		},
	}

	summary, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "4"}, f.retweeter.ids)
	assert.Equal(t, RunSummary{Searches: 2, Evaluated: 4, Rejected: 2, Retweeted: 2}, summary)
	assert.Equal(t, []time.Duration{
		10 * time.Second, 1320 * time.Second,
		10 * time.Second, 1320 * time.Second,
	}, f.sleeps)

	rec, err := f.store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "a", rec.AuthorID)
	assert.Equal(t, "7_1", rec.MediaKey)
	assert.Equal(t, int64(1000), rec.DurationMS)
	assert.Equal(t, []string{"first", "clip", "from", "the", "front"}, rec.Words)
	assert.Equal(t, StatusUnverified, rec.Status)

	_, err = f.store.Get(context.Background(), "2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, f.metrics.decisions, 4)
}

func TestPipelineRunStopsAtLimit(t *testing.T) {
	opts := defaultOptions()
	opts.MaxAccepted = 2
	opts.SearchRounds = 3
	f := newPipelineFixture(t, opts)
	f.searcher.results = [][]Candidate{{
		video("1", "a", "one alpha"),
		video("2", "b", "two bravo"),
		video("3", "c", "three charlie"),
	}}

	summary, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Retweeted)
	assert.Equal(t, 1, f.searcher.calls)
	assert.Equal(t, []string{"1", "2"}, f.retweeter.ids)
}

func TestPipelineRunRecentAuthorsAreScopedToRun(t *testing.T) {
	f := newPipelineFixture(t, defaultOptions())
	f.searcher.results = [][]Candidate{
		{video("1", "a", "one alpha")},
		{video("2", "a", "two bravo")},
	}

	_, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	_, err = f.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2"}, f.retweeter.ids)
}

func TestPipelineRunRejectedRetweetContinues(t *testing.T) {
	f := newPipelineFixture(t, defaultOptions())
	f.retweeter.errs["1"] = &RequestError{StatusCode: 403, Detail: "already retweeted"}
	f.searcher.results = [][]Candidate{{
		video("1", "a", "one alpha"),
		video("2", "b", "two bravo"),
	}}

	summary, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Refused)
	assert.Equal(t, 1, summary.Retweeted)
	assert.Equal(t, []string{"2"}, f.retweeter.ids)
	assert.Equal(t, []string{"rejected", "ok"}, f.metrics.retweets)

	_, err = f.store.Get(context.Background(), "1")
	assert.NoError(t, err, "record is persisted before retweeting")
}

func TestPipelineRunRetweetFailureAborts(t *testing.T) {
	f := newPipelineFixture(t, defaultOptions())
	f.retweeter.errs["1"] = NewTransientError(errors.New("connection reset by peer"))
	f.searcher.results = [][]Candidate{{
		video("1", "a", "one alpha"),
		video("2", "b", "two bravo"),
	}}

	_, err := f.pipeline.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Empty(t, f.retweeter.ids)
}

func TestPipelineRunSearchError(t *testing.T) {
	f := newPipelineFixture(t, defaultOptions())
	f.searcher.err = errors.New("boom")

	_, err := f.pipeline.Run(context.Background())
	require.Error(t, err)
}

func TestNewPipelineValidation(t *testing.T) {
	_, err := NewPipeline(defaultOptions(), PipelineDeps{}, discardLogger())
	require.Error(t, err)
}
