package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/rollcall/internal/engine"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/gate"
	"github.com/andresmejia3/rollcall/internal/quality"
	"github.com/andresmejia3/rollcall/internal/recognition"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/tracker"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/voter"
	"github.com/andresmejia3/rollcall/internal/worker"
)

const matcherGallery = "gallery"

// pipeline owns everything an Engine needs that must be released afterwards.
type pipeline struct {
	engine *engine.Engine
	worker *worker.PythonWorker
	roi    *gate.ROISource
	store  *store.Store
}

// newPipeline starts the Python worker and assembles the recognition engine.
// fps is the stream rate, 0 for still images.
func newPipeline(ctx context.Context, fps float64, marker engine.Marker) (*pipeline, error) {
	p := &pipeline{}

	opts := worker.Options{
		Python:  cfg.Matcher.Python,
		Script:  cfg.Matcher.Script,
		Timeout: cfg.MatcherTimeout(),
	}
	if cfg.Matcher.Backend != matcherGallery {
		opts.GalleryDir = cfg.Matcher.GalleryDir
	}
	logger.Infof("🚀 Starting AI Engine (%s matcher)...", cfg.Matcher.Backend)
	w, err := worker.NewPythonWorker(0, opts)
	if err != nil {
		return nil, fmt.Errorf("worker startup failed: %w", err)
	}
	p.worker = w

	var matcher recognition.Matcher = w
	if cfg.Matcher.Backend == matcherGallery {
		st, err := openStore(ctx)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.store = st

		idx := gallery.NewIndex(logger)
		if err := idx.Load(ctx, st); err != nil {
			p.Close()
			return nil, err
		}
		logger.Infof("🗄️  Loaded %d identities into the gallery index", idx.Len())
		matcher = gallery.NewMatcher(w, idx)
	}

	roi, err := gate.NewROISource(cfg.Gate.ROIPath, logger)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to load ROI: %w", err)
	}
	p.roi = roi
	if cfg.Gate.WatchROI {
		if err := roi.Watch(); err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to watch ROI: %w", err)
		}
	}

	retention := engine.RetentionFrames(cfg.Tracking.RetentionSeconds, fps)
	var keyer tracker.Keyer
	if cfg.Tracking.Mode == "bucket" {
		keyer = tracker.BucketKeyer{Grid: cfg.Tracking.Grid, BucketFrames: cfg.Tracking.BucketFrames}
	} else {
		keyer = tracker.NewIoUTracker(cfg.Tracking.IoUThreshold, retention)
	}

	rc := cfg.Recognition
	decider := recognition.NewDecider(
		recognition.Thresholds{QualityThreshold: rc.QualityThreshold, MaxDistance: rc.MaxDistance},
		quality.New(rc.SharpnessScale),
		matcher,
		logger,
	)

	p.engine = engine.New(engine.Deps{
		Detector: w,
		Decider:  decider,
		Keyer:    keyer,
		Voter: voter.New(voter.Options{
			HistoryLength:           rc.HistoryLength,
			CheckFrames:             rc.ConsistencyCheckFrames,
			HighConfidenceThreshold: rc.HighConfidenceThreshold,
			RetentionFrames:         retention,
		}),
		Marker: marker,
		ROI:    roi.Polygon,
	}, engine.Options{
		FPS:               fps,
		TargetInterval:    cfg.Gate.TargetInterval,
		MinConfidence:     rc.MinConfidence,
		MinFaceSize:       rc.MinFaceSize,
		ConsecutiveFrames: rc.ConsecutiveFrames,
		RetentionSeconds:  cfg.Tracking.RetentionSeconds,
		Trigger:           cfg.Attendance.Trigger,
	}, logger)

	return p, nil
}

// crashed renders the worker's captured stderr alongside err.
func (p *pipeline) crashed(context string, err error) {
	var cmd *utils.SafeCommand
	if p.worker != nil {
		cmd = p.worker.Cmd
	}
	utils.ShowError(logger.Out, context, err, cmd)
}

// Close stops the worker and releases the ROI watcher and database.
func (p *pipeline) Close() {
	if p.roi != nil {
		p.roi.Close()
	}
	if p.worker != nil {
		p.worker.Close()
	}
	if p.store != nil {
		closeStore(p.store)
	}
}
