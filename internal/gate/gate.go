// Package gate decides which frames and which face positions are worth
// spending detector and matcher time on.
package gate

import (
	"math"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Polygon is an ROI vertex list. Fewer than three vertices means no ROI.
type Polygon []types.Point

// FrameSkip converts a sampling interval in seconds into a frame stride.
// It returns 0 when fps is unknown, which Accept treats as "every frame".
func FrameSkip(fps, targetInterval float64) int {
	if fps <= 0 || targetInterval <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return 0
	}
	return int(math.Round(fps * targetInterval))
}

// Accept reports whether frameIndex lands on the sampling stride.
func Accept(frameIndex, frameSkip int) bool {
	if frameSkip <= 0 {
		return true
	}
	return frameIndex%frameSkip == 0
}

// Inside reports whether p lies within the polygon (boundary included).
// An unset polygon accepts every point.
func Inside(p types.Point, roi Polygon) bool {
	if len(roi) < 3 {
		return true
	}

	inside := false
	j := len(roi) - 1
	for i := 0; i < len(roi); i++ {
		a, b := roi[i], roi[j]
		if onSegment(p, a, b) {
			return true
		}
		if (a.Y > p.Y) != (b.Y > p.Y) {
			xCross := a.X + (p.Y-a.Y)*(b.X-a.X)/(b.Y-a.Y)
			if p.X < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

func onSegment(p, a, b types.Point) bool {
	const eps = 1e-9
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	if math.Abs(cross) > eps {
		return false
	}
	return p.X >= math.Min(a.X, b.X)-eps && p.X <= math.Max(a.X, b.X)+eps &&
		p.Y >= math.Min(a.Y, b.Y)-eps && p.Y <= math.Max(a.Y, b.Y)+eps
}

// Gate bundles the sampling stride with a (possibly hot-swapped) ROI source.
type Gate struct {
	skip int
	roi  func() Polygon
}

// New builds a Gate for a stream at fps, sampling every targetInterval seconds.
// roi may be nil for an open gate.
func New(fps, targetInterval float64, roi func() Polygon) *Gate {
	if roi == nil {
		roi = func() Polygon { return nil }
	}
	return &Gate{skip: FrameSkip(fps, targetInterval), roi: roi}
}

// Skip returns the effective frame stride.
func (g *Gate) Skip() int { return g.skip }

// AcceptFrame is Accept bound to this gate's stride.
func (g *Gate) AcceptFrame(frameIndex int) bool { return Accept(frameIndex, g.skip) }

// AcceptBox tests the box center against the current ROI.
func (g *Gate) AcceptBox(b types.Box) bool { return Inside(b.Center(), g.roi()) }
