package domain

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// DefaultBlocklist is the set of terms that disqualify a post on sight.
var DefaultBlocklist = []string{
	"mq-9", "sadam", "erbil", "iraq", "iran", "osama", "nft", "#nft",
	"podcast", "biden", "ww3", "hillary", "trump", "queen",
	"pakistan", "taliban", "lavrov", "ccp", "communist", "anything",
	"konashenkov", "marjorie", "uysk", "mq", "removed", "somalia",
	"boxer", "sudan",
}

// Blocklist rejects text containing any listed term or its plural. Matching
// is case-insensitive substring search with no word boundaries, so "iran"
// also blocks "tirana".
type Blocklist struct {
	pattern *regexp.Regexp
}

// NewBlocklist compiles the terms into a single case-insensitive pattern.
func NewBlocklist(terms []string) (*Blocklist, error) {
	alts := make([]string, 0, 2*len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		alts = append(alts, regexp.QuoteMeta(t), regexp.QuoteMeta(t+"s"))
	}
	if len(alts) == 0 {
		return &Blocklist{}, nil
	}

	pattern, err := regexp.Compile(`(?i)(?:` + strings.Join(alts, "|") + `)`)
	if err != nil {
		return nil, fmt.Errorf("compile blocklist: %w", err)
	}
	return &Blocklist{pattern: pattern}, nil
}

// Blocked reports whether text contains a blocklisted term.
func (b *Blocklist) Blocked(text string) bool {
	if b.pattern == nil {
		return false
	}
	return b.pattern.MatchString(strings.ToLower(text))
}

// NearDuplicateMatcher decides whether a candidate's words repeat recently
// stored text.
type NearDuplicateMatcher interface {
	NearDuplicate(ctx context.Context, words []string) (bool, error)
}

// WordOverlapDetector flags candidates whose word set overlaps a stored
// post's word set by more than Ratio. Every call scans the whole store, which
// is fine while the store holds a few thousand posts.
type WordOverlapDetector struct {
	store  PostStore
	ratio  float64
	logger *slog.Logger
}

// NewWordOverlapDetector creates a detector with the given sameness ratio.
func NewWordOverlapDetector(store PostStore, ratio float64, logger *slog.Logger) *WordOverlapDetector {
	return &WordOverlapDetector{store: store, ratio: ratio, logger: logger}
}

// NearDuplicate returns true when max overlap / candidate word count exceeds
// the ratio. Empty candidates are never flagged.
func (d *WordOverlapDetector) NearDuplicate(ctx context.Context, words []string) (bool, error) {
	candidate := wordSet(words)
	if len(candidate) == 0 {
		return false, nil
	}

	records, err := d.store.All(ctx)
	if err != nil {
		return false, fmt.Errorf("load stored words: %w", err)
	}

	longest := 0
	for _, rec := range records {
		if n := overlap(candidate, rec.Words); n > longest {
			longest = n
		}
	}

	ratio := float64(longest) / float64(len(candidate))
	if ratio > d.ratio {
		d.logger.Info("sameness alert", "ratio", ratio)
		return true, nil
	}
	d.logger.Debug("sameness ratio", "ratio", ratio)
	return false, nil
}

// overlap counts distinct words shared between set and words.
func overlap(set map[string]struct{}, words []string) int {
	seen := make(map[string]struct{}, len(words))
	n := 0
	for _, w := range words {
		if _, ok := set[w]; !ok {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		n++
	}
	return n
}

// ReliabilityTier applies Threshold to authors with at most MaxRecords
// stored posts. A MaxRecords of zero matches any count.
type ReliabilityTier struct {
	MaxRecords int `yaml:"max_records"`
	Threshold  int `yaml:"threshold"`
}

// DefaultReliabilityTiers demands more evidence before trusting a small
// sample: 50% for up to 3 posts, 25% for up to 10, 10% beyond.
var DefaultReliabilityTiers = []ReliabilityTier{
	{MaxRecords: 3, Threshold: 50},
	{MaxRecords: 10, Threshold: 25},
	{MaxRecords: 0, Threshold: 10},
}

// ReliabilityFilter rejects authors whose stored posts were deleted too
// often.
type ReliabilityFilter struct {
	store  PostStore
	tiers  []ReliabilityTier
	logger *slog.Logger
}

// NewReliabilityFilter creates a filter. Tiers must be ordered by MaxRecords
// with the catch-all tier last; nil selects DefaultReliabilityTiers.
func NewReliabilityFilter(store PostStore, tiers []ReliabilityTier, logger *slog.Logger) *ReliabilityFilter {
	if len(tiers) == 0 {
		tiers = DefaultReliabilityTiers
	}
	return &ReliabilityFilter{store: store, tiers: tiers, logger: logger}
}

// ExcessDeletions reports whether the author's deletion percentage exceeds
// the threshold for their sample size. Authors with no history pass.
func (f *ReliabilityFilter) ExcessDeletions(ctx context.Context, authorID string) (bool, error) {
	previous, err := f.store.FindByAuthor(ctx, authorID)
	if err != nil {
		return false, fmt.Errorf("find author posts: %w", err)
	}
	if len(previous) == 0 {
		return false, nil
	}

	deleted := 0
	for _, p := range previous {
		if p.Status == StatusDeleted {
			deleted++
		}
	}

	pct := 100 * deleted / len(previous)
	threshold := f.threshold(len(previous))
	f.logger.Debug("author deletion history",
		"author_id", authorID,
		"previous", len(previous),
		"deleted_pct", pct,
		"threshold", threshold,
	)
	return pct > threshold, nil
}

func (f *ReliabilityFilter) threshold(n int) int {
	for _, t := range f.tiers {
		if t.MaxRecords == 0 || n <= t.MaxRecords {
			return t.Threshold
		}
	}
	return f.tiers[len(f.tiers)-1].Threshold
}
