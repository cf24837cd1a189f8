package types

import "image"

// Frame is a single frame from the video source.
type Frame struct {
	Index int
	Data  []byte // Raw JPEG bytes as split from the ffmpeg pipe
}

// Box is a face bounding box in pixel coordinates, (X1,Y1) top-left and (X2,Y2) bottom-right.
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Width returns the horizontal extent of the box.
func (b Box) Width() int { return b.X2 - b.X1 }

// Height returns the vertical extent of the box.
func (b Box) Height() int { return b.Y2 - b.Y1 }

// Empty reports whether the box has no area.
func (b Box) Empty() bool { return b.Width() <= 0 || b.Height() <= 0 }

// Center returns the midpoint of the box.
func (b Box) Center() Point {
	return Point{X: float64(b.X1+b.X2) / 2, Y: float64(b.Y1+b.Y2) / 2}
}

// Rect converts the box into an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// IoU computes Intersection over Union against another box.
func (b Box) IoU(o Box) float64 {
	ix1, iy1 := max(b.X1, o.X1), max(b.Y1, o.Y1)
	ix2, iy2 := min(b.X2, o.X2), min(b.Y2, o.Y2)
	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}
	inter := float64((ix2 - ix1) * (iy2 - iy1))
	areaA := float64(b.Width() * b.Height())
	areaB := float64(o.Width() * o.Height())
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Point is a 2D pixel coordinate.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Detection is one face found by the external detector in a single frame.
type Detection struct {
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
}
