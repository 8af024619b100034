package models

import (
	"fmt"
	"time"
)

// JobType selects which configuration variant a job carries.
type JobType string

const (
	JobTypeSingle JobType = "single"
	JobTypeBatch  JobType = "batch"
)

// Quality tiers accepted for generated videos.
type Quality string

const (
	QualityDraft    Quality = "draft"
	QualityStandard Quality = "standard"
	QualityHigh     Quality = "high"
	QualityUltra    Quality = "ultra"
)

func (q Quality) Valid() bool {
	switch q {
	case QualityDraft, QualityStandard, QualityHigh, QualityUltra:
		return true
	}
	return false
}

// FeatureFlags toggles optional pipeline stages.
type FeatureFlags struct {
	Captions  bool `json:"captions,omitempty"`
	Voiceover bool `json:"voiceover,omitempty"`
	Music     bool `json:"music,omitempty"`
}

func (f FeatureFlags) count() int {
	n := 0
	for _, on := range []bool{f.Captions, f.Voiceover, f.Music} {
		if on {
			n++
		}
	}
	return n
}

// SingleConfig describes one requested video.
type SingleConfig struct {
	Topic           string       `json:"topic"`
	Script          string       `json:"script,omitempty"`
	Quality         Quality      `json:"quality"`
	DurationSeconds int          `json:"duration_seconds"`
	Features        FeatureFlags `json:"features"`
}

// BatchConfig describes a template applied to several items.
type BatchConfig struct {
	Template SingleConfig `json:"template"`
	Topics   []string     `json:"topics"`
}

// JobConfig is a tagged variant keyed by Kind. Exactly one variant pointer is
// populated; it is immutable once the job is created.
type JobConfig struct {
	Kind   JobType       `json:"kind"`
	Single *SingleConfig `json:"single,omitempty"`
	Batch  *BatchConfig  `json:"batch,omitempty"`
}

// Validate checks the variant invariant and the payload schema.
func (c JobConfig) Validate() error {
	switch c.Kind {
	case JobTypeSingle:
		if c.Single == nil || c.Batch != nil {
			return fmt.Errorf("%w: single job requires exactly the single payload", ErrValidation)
		}
		return c.Single.validate()
	case JobTypeBatch:
		if c.Batch == nil || c.Single != nil {
			return fmt.Errorf("%w: batch job requires exactly the batch payload", ErrValidation)
		}
		if len(c.Batch.Topics) == 0 {
			return fmt.Errorf("%w: batch requires at least one topic", ErrValidation)
		}
		return c.Batch.Template.validate()
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrValidation, c.Kind)
	}
}

func (s *SingleConfig) validate() error {
	if s.Topic == "" {
		return fmt.Errorf("%w: topic is required", ErrValidation)
	}
	if !s.Quality.Valid() {
		return fmt.Errorf("%w: unknown quality %q", ErrValidation, s.Quality)
	}
	if s.DurationSeconds <= 0 || s.DurationSeconds > 3600 {
		return fmt.Errorf("%w: duration_seconds must be in (0, 3600]", ErrValidation)
	}
	return nil
}

var qualityMultiplier = map[Quality]float64{
	QualityDraft:    0.5,
	QualityStandard: 1.0,
	QualityHigh:     1.8,
	QualityUltra:    3.0,
}

// EstimateDuration predicts wall-clock rendering time from the configured
// quality, content length, and enabled features. It is a heuristic used for
// the estimated-completion timestamp, nothing more.
func (c JobConfig) EstimateDuration(base time.Duration) time.Duration {
	single := c.Single
	items := 1
	if c.Kind == JobTypeBatch && c.Batch != nil {
		single = &c.Batch.Template
		items = len(c.Batch.Topics)
	}
	if single == nil {
		return base
	}
	est := float64(base)
	est *= qualityMultiplier[single.Quality]
	est *= 1 + float64(single.DurationSeconds)/60
	est *= 1 + 0.25*float64(single.Features.count())
	est *= float64(items)
	return time.Duration(est)
}
