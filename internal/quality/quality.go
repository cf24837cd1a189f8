// Package quality scores face crops so blurred or badly exposed faces can be
// dropped before the identity matcher is called.
package quality

import (
	"image"
	"math"

	"github.com/andresmejia3/rollcall/internal/imaging"
)

// DefaultSharpnessScale maps Laplacian variance onto [0,1].
const DefaultSharpnessScale = 100.0

// Scorer computes the combined sharpness/brightness score.
type Scorer struct {
	SharpnessScale float64
}

// New returns a Scorer. A non-positive scale falls back to DefaultSharpnessScale.
func New(sharpnessScale float64) Scorer {
	if sharpnessScale <= 0 {
		sharpnessScale = DefaultSharpnessScale
	}
	return Scorer{SharpnessScale: sharpnessScale}
}

// Score returns a value in [0,1]. Nil or empty images score 0.
func (s Scorer) Score(img image.Image) float64 {
	if img == nil || img.Bounds().Empty() {
		return 0
	}
	scale := s.SharpnessScale
	if scale <= 0 {
		scale = DefaultSharpnessScale
	}

	gray := imaging.Gray(img)
	sharpness := math.Min(LaplacianVariance(gray)/scale, 1.0)
	brightness := Brightness(gray)
	return (sharpness + brightness) / 2
}

// Brightness is 1 at mid-gray and falls linearly to 0 at black or white.
func Brightness(gray *image.Gray) float64 {
	b := gray.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return 0
	}
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := gray.Pix[gray.PixOffset(b.Min.X, y):gray.PixOffset(b.Max.X, y)]
		for _, v := range row {
			sum += float64(v)
		}
	}
	mean := sum / float64(n)
	return clamp01(1 - math.Abs(mean-128)/128)
}

// LaplacianVariance returns the population variance of the 4-neighbour
// Laplacian response, using reflect-101 borders.
func LaplacianVariance(gray *image.Gray) float64 {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	at := func(x, y int) float64 {
		return float64(gray.Pix[gray.PixOffset(b.Min.X+reflect101(x, w), b.Min.Y+reflect101(y, h))])
	}

	var sum, sumSq float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := at(x, y-1) + at(x-1, y) + at(x+1, y) + at(x, y+1) - 4*at(x, y)
			sum += v
			sumSq += v * v
		}
	}
	n := float64(w * h)
	mean := sum / n
	return math.Max(sumSq/n-mean*mean, 0)
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		} else {
			i = 2*(n-1) - i
		}
	}
	return i
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
