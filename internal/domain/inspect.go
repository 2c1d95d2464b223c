package domain

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"
)

// Finding is the outcome of a visual inspection.
type Finding int

const (
	// FindingInconclusive means the video could not be inspected.
	FindingInconclusive Finding = iota

	// FindingClear means no frame showed the target label, or the scan ran
	// out of time.
	FindingClear

	// FindingDetected means a frame showed the target label.
	FindingDetected
)

func (f Finding) String() string {
	switch f {
	case FindingClear:
		return "clear"
	case FindingDetected:
		return "detected"
	default:
		return "inconclusive"
	}
}

// Inspector checks a post's video for a disqualifying visual feature.
type Inspector interface {
	Inspect(ctx context.Context, postID string) Finding
}

// InspectorOptions configures a VisualInspector.
type InspectorOptions struct {
	// Label is the classifier label that disqualifies a video.
	Label string

	// Threshold is the minimum confidence (exclusive) for Label to count.
	Threshold float64

	// Timeout bounds sampling and scanning. A scan that times out is Clear.
	Timeout time.Duration

	// LongVideo is the length above which frames are sampled at LongFPS
	// instead of ShortFPS.
	LongVideo time.Duration
	LongFPS   float64
	ShortFPS  float64

	// WorkRoot is where temporary download directories are created.
	WorkRoot string
}

// DefaultInspectorOptions returns the tie-detection settings.
func DefaultInspectorOptions() InspectorOptions {
	return InspectorOptions{
		Label:     "tie",
		Threshold: 0.5,
		Timeout:   60 * time.Second,
		LongVideo: 60 * time.Second,
		LongFPS:   0.5,
		ShortFPS:  1,
	}
}

// VisualInspector downloads a post's video, samples frames and stops at the
// first frame where the classifier reports the target label.
type VisualInspector struct {
	videos     VideoSource
	sampler    FrameSampler
	classifier FrameClassifier
	caller     Caller
	opts       InspectorOptions
	logger     *slog.Logger
}

// NewVisualInspector creates an inspector. Downloads and classifier calls go
// through caller, which may be nil.
func NewVisualInspector(videos VideoSource, sampler FrameSampler, classifier FrameClassifier, caller Caller, opts InspectorOptions, logger *slog.Logger) *VisualInspector {
	if caller == nil {
		caller = directCaller{}
	}
	return &VisualInspector{
		videos:     videos,
		sampler:    sampler,
		classifier: classifier,
		caller:     caller,
		opts:       opts,
		logger:     logger,
	}
}

// Inspect returns FindingDetected at the first positive frame. Download and
// classifier failures are inconclusive. All files are removed before it
// returns.
func (v *VisualInspector) Inspect(ctx context.Context, postID string) Finding {
	dir, err := os.MkdirTemp(v.opts.WorkRoot, "inspect-")
	if err != nil {
		v.logger.Warn("create inspection dir failed", "post_id", postID, "error", err)
		return FindingInconclusive
	}
	defer os.RemoveAll(dir)

	var videoPath string
	err = v.caller.Do(ctx, "download", func(ctx context.Context) error {
		var err error
		videoPath, err = v.videos.Download(ctx, postID, dir)
		return err
	})
	if err != nil {
		v.logger.Warn("error downloading video", "post_id", postID, "error", err)
		return FindingInconclusive
	}

	scanCtx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()

	finding, err := v.scan(scanCtx, videoPath, dir)
	if err != nil {
		if ctx.Err() == nil && errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
			v.logger.Info("timed out checking frames, treating as clear", "post_id", postID, "timeout", v.opts.Timeout)
			return FindingClear
		}
		v.logger.Warn("visual inspection failed", "post_id", postID, "error", err)
		return FindingInconclusive
	}
	return finding
}

func (v *VisualInspector) scan(ctx context.Context, videoPath, dir string) (Finding, error) {
	length, err := v.sampler.Duration(ctx, videoPath)
	if err != nil {
		return FindingInconclusive, err
	}

	fps := v.opts.ShortFPS
	if length > v.opts.LongVideo {
		fps = v.opts.LongFPS
	}

	frames, err := v.sampler.Sample(ctx, videoPath, fps, dir)
	if err != nil {
		return FindingInconclusive, err
	}

	for _, frame := range frames {
		if err := ctx.Err(); err != nil {
			return FindingInconclusive, err
		}
		var detections []Detection
		err := v.caller.Do(ctx, "classify", func(ctx context.Context) error {
			var err error
			detections, err = v.classifier.Classify(ctx, frame)
			return err
		})
		if err != nil {
			return FindingInconclusive, err
		}
		for _, d := range detections {
			if d.Label == v.opts.Label && d.Confidence > v.opts.Threshold {
				v.logger.Info("disqualifying feature detected", "frame", frame.Index, "label", d.Label, "confidence", d.Confidence)
				return FindingDetected, nil
			}
		}
	}
	return FindingClear, nil
}
