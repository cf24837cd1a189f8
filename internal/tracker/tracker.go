// Package tracker derives FaceTrackKeys that group detections of the same
// physical face across nearby frames.
package tracker

import (
	"fmt"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
)

// Keyer assigns a track key to each detection in a frame.
type Keyer interface {
	// Key returns the track key for box seen at frameIndex.
	Key(frameIndex int, box types.Box) string
	// Sweep forgets state older than the retention window.
	Sweep(frameIndex int)
}

// BucketKeyer quantizes box coordinates and the frame index into a coarse
// spatial/temporal bucket. Cheap, but a face crossing a grid line changes key.
type BucketKeyer struct {
	Grid         int
	BucketFrames int
}

// Key implements Keyer.
func (b BucketKeyer) Key(frameIndex int, box types.Box) string {
	grid := max(b.Grid, 1)
	frames := max(b.BucketFrames, 1)
	return fmt.Sprintf("%d_%d_%d_%d_%d",
		box.X1/grid, box.Y1/grid, box.X2/grid, box.Y2/grid, frameIndex/frames)
}

// Sweep implements Keyer. Bucket keys carry no state.
func (BucketKeyer) Sweep(int) {}

type activeTrack struct {
	ID         string
	StartFrame int
	LastFrame  int
	Box        types.Box
}

// IoUTracker matches each detection to the live track it overlaps most.
// A track that is not seen for more than retentionFrames frames is closed.
type IoUTracker struct {
	threshold       float64
	retentionFrames int
	tracks          []*activeTrack
	newID           func() string
}

// NewIoUTracker builds a tracker. retentionFrames < 1 is raised to 1.
func NewIoUTracker(threshold float64, retentionFrames int) *IoUTracker {
	return &IoUTracker{
		threshold:       threshold,
		retentionFrames: max(retentionFrames, 1),
		newID:           uuid.NewString,
	}
}

// Key implements Keyer.
func (t *IoUTracker) Key(frameIndex int, box types.Box) string {
	var best *activeTrack
	bestIoU := t.threshold
	for _, tr := range t.tracks {
		// One detection per track per frame.
		if tr.LastFrame == frameIndex || frameIndex-tr.LastFrame > t.retentionFrames {
			continue
		}
		if iou := box.IoU(tr.Box); iou >= bestIoU {
			bestIoU = iou
			best = tr
		}
	}

	if best == nil {
		best = &activeTrack{ID: t.newID(), StartFrame: frameIndex, LastFrame: frameIndex, Box: box}
		t.tracks = append(t.tracks, best)
		return best.ID
	}
	best.LastFrame = frameIndex
	best.Box = box
	return best.ID
}

// Sweep implements Keyer.
func (t *IoUTracker) Sweep(frameIndex int) {
	active := t.tracks[:0]
	for _, tr := range t.tracks {
		if frameIndex-tr.LastFrame <= t.retentionFrames {
			active = append(active, tr)
		}
	}
	clear(t.tracks[len(active):])
	t.tracks = active
}

// Len returns the number of live tracks.
func (t *IoUTracker) Len() int { return len(t.tracks) }
