package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/blackmichael/retweet-curator/internal/domain"
	"github.com/blackmichael/retweet-curator/internal/retry"
)

// DefaultQuery finds combat footage from Russia and Ukraine in English,
// Russian and Ukrainian.
const DefaultQuery = "(russia OR russian OR ukraine OR ukrainian OR Россия OR русский OR " +
	"Украина OR украинец OR Росія OR російський OR Україна OR українець) " +
	"(troops OR forces OR attack OR ambush OR shelling OR fight OR " +
	"fighting OR capture OR войска OR сила OR атака OR засада OR обстрел " +
	"OR борьба OR боевые действия OR захватывать OR війська OR сила OR " +
	"атакувати OR засідка OR обстріл OR боротьба OR бойові дії OR " +
	"захопити) has:videos -is:retweet -is:verified"

// Policy holds the tunable filter and pacing settings.
type Policy struct {
	Query     string   `yaml:"query"`
	Blocklist []string `yaml:"blocklist"`

	// SamenessRatio is the word overlap above which a post is a near
	// duplicate.
	SamenessRatio float64 `yaml:"sameness_ratio"`

	// SizeTolerancePercent is the file size difference below which two
	// videos of equal duration are the same.
	SizeTolerancePercent float64 `yaml:"size_tolerance_percent"`

	ReliabilityTiers []domain.ReliabilityTier `yaml:"reliability_tiers"`

	SearchRounds      int           `yaml:"search_rounds"`
	SearchDelay       time.Duration `yaml:"search_delay"`
	RetweetCooldown   time.Duration `yaml:"retweet_cooldown"`
	MaxAcceptedPerRun int           `yaml:"max_accepted_per_run"`
	ReconcileDelay    time.Duration `yaml:"reconcile_delay"`
	DownloadTimeout   time.Duration `yaml:"download_timeout"`

	Retry  RetryPolicy  `yaml:"retry"`
	Visual VisualPolicy `yaml:"visual"`
}

// RetryPolicy configures the call retry and the run supervisor.
type RetryPolicy struct {
	MaxRetries   uint64        `yaml:"max_retries"`
	Wait         time.Duration `yaml:"wait"`
	BackoffUnit  time.Duration `yaml:"backoff_unit"`
	BackoffStart int           `yaml:"backoff_start"`
}

// VisualPolicy configures frame inspection.
type VisualPolicy struct {
	Label     string        `yaml:"label"`
	Threshold float64       `yaml:"threshold"`
	Timeout   time.Duration `yaml:"timeout"`
	LongVideo time.Duration `yaml:"long_video"`
	LongFPS   float64       `yaml:"long_fps"`
	ShortFPS  float64       `yaml:"short_fps"`
}

// DefaultPolicy returns the policy the bot has always run with.
func DefaultPolicy() *Policy {
	visual := domain.DefaultInspectorOptions()
	calls := retry.DefaultConfig()
	return &Policy{
		Query:                DefaultQuery,
		Blocklist:            append([]string(nil), domain.DefaultBlocklist...),
		SamenessRatio:        0.7,
		SizeTolerancePercent: 10,
		ReliabilityTiers:     append([]domain.ReliabilityTier(nil), domain.DefaultReliabilityTiers...),
		SearchRounds:         5,
		SearchDelay:          10 * time.Second,
		RetweetCooldown:      1320 * time.Second,
		MaxAcceptedPerRun:    10,
		ReconcileDelay:       30 * time.Second,
		DownloadTimeout:      3 * time.Minute,
		Retry: RetryPolicy{
			MaxRetries:   calls.MaxRetries,
			Wait:         calls.Wait,
			BackoffUnit:  time.Minute,
			BackoffStart: 7,
		},
		Visual: VisualPolicy{
			Label:     visual.Label,
			Threshold: visual.Threshold,
			Timeout:   visual.Timeout,
			LongVideo: visual.LongVideo,
			LongFPS:   visual.LongFPS,
			ShortFPS:  visual.ShortFPS,
		},
	}
}

// Validate checks that the policy is usable.
func (p *Policy) Validate() error {
	if p.Query == "" {
		return fmt.Errorf("query is required")
	}
	if p.SamenessRatio <= 0 || p.SamenessRatio > 1 {
		return fmt.Errorf("sameness_ratio must be in (0, 1]")
	}
	if p.SizeTolerancePercent <= 0 {
		return fmt.Errorf("size_tolerance_percent must be positive")
	}
	if p.SearchRounds < 1 {
		return fmt.Errorf("search_rounds must be at least 1")
	}
	if p.MaxAcceptedPerRun < 1 {
		return fmt.Errorf("max_accepted_per_run must be at least 1")
	}
	if len(p.ReliabilityTiers) == 0 {
		return fmt.Errorf("reliability_tiers must not be empty")
	}
	for i, t := range p.ReliabilityTiers {
		if t.MaxRecords == 0 && i != len(p.ReliabilityTiers)-1 {
			return fmt.Errorf("reliability_tiers: catch-all tier must be last")
		}
		if i > 0 && t.MaxRecords != 0 && t.MaxRecords <= p.ReliabilityTiers[i-1].MaxRecords {
			return fmt.Errorf("reliability_tiers must be ordered by max_records")
		}
	}
	if p.Visual.LongFPS <= 0 || p.Visual.ShortFPS <= 0 {
		return fmt.Errorf("visual fps must be positive")
	}
	if p.Retry.BackoffStart < 1 {
		return fmt.Errorf("retry.backoff_start must be at least 1")
	}
	return nil
}

// PipelineOptions returns the pipeline settings of the policy.
func (p *Policy) PipelineOptions() domain.PipelineOptions {
	return domain.PipelineOptions{
		Query:           p.Query,
		SearchRounds:    p.SearchRounds,
		SearchDelay:     p.SearchDelay,
		RetweetCooldown: p.RetweetCooldown,
		MaxAccepted:     p.MaxAcceptedPerRun,
	}
}

// InspectorOptions returns the visual inspection settings of the policy.
func (p *Policy) InspectorOptions(workRoot string) domain.InspectorOptions {
	return domain.InspectorOptions{
		Label:     p.Visual.Label,
		Threshold: p.Visual.Threshold,
		Timeout:   p.Visual.Timeout,
		LongVideo: p.Visual.LongVideo,
		LongFPS:   p.Visual.LongFPS,
		ShortFPS:  p.Visual.ShortFPS,
		WorkRoot:  workRoot,
	}
}

// LoadPolicy reads a YAML policy file on top of the defaults. An empty path
// returns the defaults.
func LoadPolicy(path string) (*Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return policy, nil
}

// PolicyHolder holds the current policy and swaps it when the file changes.
type PolicyHolder struct {
	mu     sync.RWMutex
	policy *Policy
}

// NewPolicyHolder returns a holder with an initial policy.
func NewPolicyHolder(p *Policy) *PolicyHolder {
	return &PolicyHolder{policy: p}
}

// Current returns the latest valid policy.
func (h *PolicyHolder) Current() *Policy {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.policy
}

func (h *PolicyHolder) set(p *Policy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policy = p
}

// WatchPolicy reloads the policy at path into h whenever the file is written,
// until ctx is canceled. Invalid edits are logged and the previous policy is
// kept. The directory is watched so editors that replace the file are seen.
func WatchPolicy(ctx context.Context, path string, h *PolicyHolder, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				p, err := LoadPolicy(path)
				if err != nil {
					logger.Error("policy reload failed, keeping previous policy", "path", path, "error", err)
					continue
				}
				h.set(p)
				logger.Info("policy reloaded", "path", path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
