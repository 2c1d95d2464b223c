package domain

import (
	"context"
	"time"
)

// PostStore defines persistence operations for the fingerprint store.
type PostStore interface {
	// Upsert inserts the record, or replaces the stored record with the same id.
	Upsert(ctx context.Context, rec *PostRecord) error

	// Get returns the record with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*PostRecord, error)

	// FindByFingerprint returns records whose media key equals mediaKey or
	// whose id equals id. An empty mediaKey only matches by id.
	FindByFingerprint(ctx context.Context, mediaKey, id string) ([]PostRecord, error)

	// FindByDuration returns records with the given media duration, oldest
	// first.
	FindByDuration(ctx context.Context, durationMS int64) ([]PostRecord, error)

	// FindByAuthor returns all records posted by authorID.
	FindByAuthor(ctx context.Context, authorID string) ([]PostRecord, error)

	// All returns every stored record.
	All(ctx context.Context) ([]PostRecord, error)

	// ListByStatus returns records in any of the given states, oldest first.
	ListByStatus(ctx context.Context, statuses ...Status) ([]PostRecord, error)

	// SetStatus overwrites the status of a record. Returns ErrNotFound if the
	// id is not stored.
	SetStatus(ctx context.Context, id string, status Status) error

	// CountByStatus returns the number of records per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// Searcher finds candidate posts on the platform.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Candidate, error)
}

// Retweeter re-shares a post from the bot account. Refusals are reported as
// *RequestError.
type Retweeter interface {
	Retweet(ctx context.Context, postID string) error
}

// ResharerLister lists the accounts that re-shared a post. An empty result
// is the deletion signal.
type ResharerLister interface {
	Resharers(ctx context.Context, postID string) ([]Account, error)
}

// Reauthenticator rebuilds the platform session after a connection failure.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context) error
}

// VideoSource downloads the video attached to a post into dir and returns the
// file path. Failures wrap ErrVideoUnavailable.
type VideoSource interface {
	Download(ctx context.Context, postID, dir string) (string, error)
}

// Frame is a single sampled video frame on disk.
type Frame struct {
	Index int
	Path  string
}

// FrameSampler reads video metadata and extracts frames at a fixed rate.
type FrameSampler interface {
	Duration(ctx context.Context, videoPath string) (time.Duration, error)
	Sample(ctx context.Context, videoPath string, fps float64, dir string) ([]Frame, error)
}

// Detection is a single label reported by the frame classifier.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// FrameClassifier runs object detection over one frame.
type FrameClassifier interface {
	Classify(ctx context.Context, frame Frame) ([]Detection, error)
}

// Caller runs calls to external capabilities under a shared retry policy.
type Caller interface {
	Do(ctx context.Context, op string, fn func(ctx context.Context) error) error
}

// Metrics receives pipeline and reconciliation observations.
type Metrics interface {
	ObserveDecision(d Decision)
	ObserveRetweet(result string)
	ObserveReconcile(status Status)
}

type nopMetrics struct{}

func (nopMetrics) ObserveDecision(Decision) {}
func (nopMetrics) ObserveRetweet(string) {}
func (nopMetrics) ObserveReconcile(Status) {}

type directCaller struct{}

func (directCaller) Do(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
