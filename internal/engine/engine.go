// Package engine runs the per-frame pipeline: gate, detection filters,
// recognition, per-track voting and attendance marking.
package engine

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/gate"
	"github.com/andresmejia3/rollcall/internal/imaging"
	"github.com/andresmejia3/rollcall/internal/recognition"
	"github.com/andresmejia3/rollcall/internal/tracker"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/voter"
	"github.com/sirupsen/logrus"
)

// FallbackFPS sizes the retention windows when the stream rate is unknown.
const FallbackFPS = 30.0

// Attendance triggers.
const (
	TriggerFrame     = "frame"
	TriggerConsensus = "consensus"
)

// StatusRecognized is reported for accepted faces; rejected faces carry the
// recognition reason instead.
const StatusRecognized = "recognized"

// Detector finds faces in a JPEG frame.
type Detector interface {
	Detect(ctx context.Context, frame []byte) ([]types.Detection, error)
}

// Marker records attendance. *attendance.Machine implements it.
type Marker interface {
	Mark(ctx context.Context, name string) (attendance.Outcome, error)
}

// Options are the per-stream pipeline settings.
type Options struct {
	FPS               float64 // 0 when unknown
	TargetInterval    float64
	MinConfidence     float64
	MinFaceSize       int
	ConsecutiveFrames int
	RetentionSeconds  float64
	Trigger           string
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Detector Detector
	Decider  *recognition.Decider
	Keyer    tracker.Keyer
	Voter    *voter.Voter
	Marker   Marker
	ROI      func() gate.Polygon // nil means no ROI
}

// FaceResult is the outcome for one detection.
type FaceResult struct {
	Box        types.Box          `json:"box"`
	TrackKey   string             `json:"track_key,omitempty"`
	Name       string             `json:"name"`
	Confidence float64            `json:"recognition_confidence"`
	Quality    float64            `json:"quality"`
	Status     string             `json:"status"`
	Consensus  *voter.Consensus   `json:"consensus,omitempty"`
	Attendance attendance.Outcome `json:"attendance,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// FrameResult is the outcome for one frame.
type FrameResult struct {
	Index    int          `json:"index"`
	Accepted bool         `json:"accepted"`
	Faces    []FaceResult `json:"faces"`
}

// Engine is safe for concurrent use; frames are processed one at a time.
type Engine struct {
	mu      sync.Mutex
	opts    Options
	gate    *gate.Gate
	deps    Deps
	logger  logrus.FieldLogger
	minVote int
}

// RetentionFrames converts seconds to frames at fps, falling back to FallbackFPS.
func RetentionFrames(seconds, fps float64) int {
	if fps <= 0 || math.IsNaN(fps) {
		fps = FallbackFPS
	}
	return max(int(math.Round(seconds*fps)), 1)
}

// New builds an Engine.
func New(deps Deps, opts Options, logger logrus.FieldLogger) *Engine {
	if deps.ROI == nil {
		deps.ROI = func() gate.Polygon { return nil }
	}
	if opts.Trigger == "" {
		opts.Trigger = TriggerFrame
	}
	return &Engine{
		opts:    opts,
		gate:    gate.New(opts.FPS, opts.TargetInterval, deps.ROI),
		deps:    deps,
		logger:  logger.WithField("component", "engine"),
		minVote: max(2, opts.ConsecutiveFrames),
	}
}

// FrameSkip returns the gate's sampling stride (0 = every frame).
func (e *Engine) FrameSkip() int { return e.gate.Skip() }

// ProcessFrame runs the full temporal pipeline for a video frame. Errors
// affecting a single face are reported in its FaceResult and never abort the frame.
func (e *Engine) ProcessFrame(ctx context.Context, frame types.Frame) (FrameResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := FrameResult{Index: frame.Index}
	if !e.gate.AcceptFrame(frame.Index) {
		return res, nil
	}
	res.Accepted = true
	defer e.sweep(frame.Index)

	img, err := imaging.Decode(frame.Data)
	if err != nil {
		e.logger.WithError(err).Debugf("frame %d undecodable, skipping", frame.Index)
		return res, nil
	}

	dets, err := e.deps.Detector.Detect(ctx, frame.Data)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		e.logger.WithError(err).Warningf("detector failed on frame %d, treating as no detections", frame.Index)
		return res, nil
	}

	for _, det := range dets {
		face, ok := e.processFace(ctx, img, frame.Index, det)
		if ok {
			res.Faces = append(res.Faces, face)
		}
	}
	return res, ctx.Err()
}

// ProcessImage recognizes every face in a still image. There is no temporal
// gate or voting; attendance is marked for accepted faces when mark is true.
func (e *Engine) ProcessImage(ctx context.Context, data []byte, mark bool) ([]FaceResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	img, err := imaging.Decode(data)
	if err != nil {
		return nil, err
	}
	dets, err := e.deps.Detector.Detect(ctx, data)
	if err != nil {
		return nil, err
	}

	faces := make([]FaceResult, 0, len(dets))
	for _, det := range dets {
		if face, ok := e.recognizeStill(ctx, img, det, mark); ok {
			faces = append(faces, face)
		}
	}
	return faces, nil
}

// filter applies the detector confidence, minimum size and ROI rules.
func (e *Engine) filter(det types.Detection) bool {
	if det.Confidence < e.opts.MinConfidence {
		return false
	}
	if det.Box.Width() < e.opts.MinFaceSize || det.Box.Height() < e.opts.MinFaceSize {
		return false
	}
	return e.gate.AcceptBox(det.Box)
}

func (e *Engine) processFace(ctx context.Context, img image.Image, frameIndex int, det types.Detection) (FaceResult, bool) {
	if !e.filter(det) {
		return FaceResult{}, false
	}
	crop, err := imaging.Crop(img, det.Box)
	if errors.Is(err, imaging.ErrEmptyCrop) {
		return FaceResult{}, false
	}

	key := e.deps.Keyer.Key(frameIndex, det.Box)
	dec := e.deps.Decider.Decide(ctx, crop)
	face := newFaceResult(det.Box, dec)
	face.TrackKey = key

	e.deps.Voter.Observe(key, voter.Sample{
		Name:       dec.Name,
		Distance:   dec.Distance,
		HasMatch:   dec.HasMatch,
		Quality:    dec.Quality,
		Confidence: dec.Confidence,
		FrameIndex: frameIndex,
	})
	cons, hasCons := e.deps.Voter.Consensus(key)
	if hasCons {
		face.Consensus = &cons
	}

	var markName string
	switch e.opts.Trigger {
	case TriggerConsensus:
		if hasCons && cons.Name != "" && cons.Count >= e.minVote {
			markName = cons.Name
		}
	default:
		if dec.Accepted {
			markName = dec.Name
		}
	}
	if markName != "" {
		e.mark(ctx, &face, markName)
	}
	return face, true
}

func (e *Engine) recognizeStill(ctx context.Context, img image.Image, det types.Detection, mark bool) (FaceResult, bool) {
	if !e.filter(det) {
		return FaceResult{}, false
	}
	crop, err := imaging.Crop(img, det.Box)
	if errors.Is(err, imaging.ErrEmptyCrop) {
		return FaceResult{}, false
	}
	dec := e.deps.Decider.Decide(ctx, crop)
	face := newFaceResult(det.Box, dec)
	if mark && dec.Accepted {
		e.mark(ctx, &face, dec.Name)
	}
	return face, true
}

func (e *Engine) mark(ctx context.Context, face *FaceResult, name string) {
	if e.deps.Marker == nil {
		return
	}
	outcome, err := e.deps.Marker.Mark(ctx, name)
	if err != nil {
		e.logger.WithError(err).WithField("name", name).Warningf("failed to mark attendance")
		face.Error = err.Error()
		return
	}
	face.Attendance = outcome
}

func (e *Engine) sweep(frameIndex int) {
	e.deps.Keyer.Sweep(frameIndex)
	e.deps.Voter.Sweep(frameIndex)
}

func newFaceResult(box types.Box, dec recognition.Decision) FaceResult {
	face := FaceResult{
		Box:        box,
		Name:       dec.Name,
		Confidence: dec.Confidence,
		Quality:    dec.Quality,
		Status:     dec.Reason,
	}
	if dec.Accepted {
		face.Status = StatusRecognized
	}
	return face
}
