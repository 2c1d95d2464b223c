package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the verification state of a stored post.
type Status string

const (
	// StatusUnverified is the default for posts accepted by the pipeline that
	// the reconciler has not looked at yet.
	StatusUnverified Status = "unverified"

	// StatusUnchecked marks a post queued for reconciliation.
	StatusUnchecked Status = "unchecked"

	// StatusChecked means the bot's retweet was still visible on the platform.
	StatusChecked Status = "checked"

	// StatusDeleted means the post, or the bot's retweet of it, is gone.
	StatusDeleted Status = "deleted"
)

// ParseStatus converts a stored value into a Status. The empty string maps to
// StatusUnverified.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case "", StatusUnverified:
		return StatusUnverified, nil
	case StatusUnchecked, StatusChecked, StatusDeleted:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Terminal reports whether the reconciler is done with a post in this state.
func (s Status) Terminal() bool {
	return s == StatusChecked || s == StatusDeleted
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusUnverified:
		return next == StatusUnchecked
	case StatusUnchecked:
		return next == StatusChecked || next == StatusDeleted
	default:
		return false
	}
}

// PostRecord is a post persisted in the fingerprint store.
type PostRecord struct {
	// ID is the platform-assigned post id.
	ID string

	// AuthorID is the id of the posting account.
	AuthorID string

	// MediaKey is the platform key of the attached media. Empty if unknown.
	MediaKey string

	// MediaType is the platform media type (video, photo, animated_gif).
	MediaType string

	// DurationMS is the media duration in milliseconds. Zero if unknown.
	DurationMS int64

	// Text is the original post text.
	Text string

	// Words is the lowercase whitespace tokenization of Text.
	Words []string

	// IngestedAt is when the post was stored.
	IngestedAt time.Time

	Status Status
}

// Account is a platform account as returned by the resharer lookup.
type Account struct {
	ID       string
	Username string
}

// Candidate is a freshly discovered post that has not been persisted.
type Candidate struct {
	ID         string
	AuthorID   string
	Text       string
	MediaKey   string
	MediaType  string
	DurationMS int64
}

// IsVideo reports whether the candidate carries a video attachment.
func (c *Candidate) IsVideo() bool {
	return c.MediaType == "video"
}

// Record builds the full PostRecord stored when the candidate is accepted.
func (c *Candidate) Record(now time.Time) *PostRecord {
	return &PostRecord{
		ID:         c.ID,
		AuthorID:   c.AuthorID,
		MediaKey:   c.MediaKey,
		MediaType:  c.MediaType,
		DurationMS: c.DurationMS,
		Text:       c.Text,
		Words:      Tokenize(c.Text),
		IngestedAt: now.UTC(),
		Status:     StatusUnverified,
	}
}

// Tokenize lowercases text and splits it on whitespace.
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// wordSet builds a set from tokens.
func wordSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
