// Package recognition turns raw matcher output into accept/reject decisions.
package recognition

import (
	"context"
	"image"
	"math"

	"github.com/sirupsen/logrus"
)

// Rejection reasons reported in Decision.Reason.
const (
	ReasonAccepted        = "accepted"
	ReasonLowQuality      = "low quality"
	ReasonNoMatch         = "no match"
	ReasonDistanceTooHigh = "distance too high"
	ReasonMatcherError    = "matcher error"
)

// Match is the identity matcher's best candidate for a face.
type Match struct {
	Identity string
	Distance float64
	Found    bool
}

// Matcher compares a face crop against the gallery. Implementations may block.
type Matcher interface {
	Match(ctx context.Context, face image.Image) (Match, error)
}

// MatcherFunc adapts a function to the Matcher interface.
type MatcherFunc func(ctx context.Context, face image.Image) (Match, error)

// Match calls f.
func (f MatcherFunc) Match(ctx context.Context, face image.Image) (Match, error) {
	return f(ctx, face)
}

// QualityScorer scores a face crop in [0,1].
type QualityScorer interface {
	Score(img image.Image) float64
}

// Thresholds are fixed for the lifetime of a Decider.
type Thresholds struct {
	QualityThreshold float64
	MaxDistance      float64
}

// Decision is the outcome for a single face in a single frame.
type Decision struct {
	Name       string // empty when rejected
	Confidence float64
	Distance   float64
	HasMatch   bool // Distance is meaningful
	Quality    float64
	Reason     string
	Accepted   bool
}

// Confidence rescales a distance linearly so that 0 maps to 1 and maxDistance maps to 0.
func Confidence(distance, maxDistance float64) float64 {
	if maxDistance <= 0 || math.IsNaN(distance) {
		return 0
	}
	return math.Max(0, math.Min(1, 1-distance/maxDistance))
}

// Decider runs the quality gate and the matcher for one face at a time.
type Decider struct {
	thresholds Thresholds
	quality    QualityScorer
	matcher    Matcher
	logger     logrus.FieldLogger
}

// NewDecider copies th so later config changes cannot affect in-flight decisions.
func NewDecider(th Thresholds, quality QualityScorer, matcher Matcher, logger logrus.FieldLogger) *Decider {
	return &Decider{
		thresholds: th,
		quality:    quality,
		matcher:    matcher,
		logger:     logger.WithField("component", "recognition"),
	}
}

// Thresholds returns the decider's thresholds.
func (d *Decider) Thresholds() Thresholds { return d.thresholds }

// Decide scores the crop and, if it is good enough, asks the matcher who it is.
func (d *Decider) Decide(ctx context.Context, face image.Image) Decision {
	q := d.quality.Score(face)
	dec := Decision{Quality: q}

	if q < d.thresholds.QualityThreshold {
		dec.Reason = ReasonLowQuality
		return dec
	}

	m, err := d.matcher.Match(ctx, face)
	if err != nil {
		d.logger.WithError(err).Warningf("matcher failed, treating as no match")
		dec.Reason = ReasonMatcherError
		return dec
	}
	if !m.Found {
		dec.Reason = ReasonNoMatch
		return dec
	}

	dec.Distance = m.Distance
	dec.HasMatch = true
	// NaN compares false both ways and must not be accepted.
	if !(m.Distance <= d.thresholds.MaxDistance) {
		dec.Reason = ReasonDistanceTooHigh
		return dec
	}

	dec.Name = m.Identity
	dec.Confidence = Confidence(m.Distance, d.thresholds.MaxDistance)
	dec.Reason = ReasonAccepted
	dec.Accepted = true
	return dec
}
