package types

import (
	"math"
	"testing"
)

func TestBoxIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b Box
		want float64
	}{
		{"Identical", Box{0, 0, 10, 10}, Box{0, 0, 10, 10}, 1.0},
		{"Disjoint", Box{0, 0, 10, 10}, Box{20, 20, 30, 30}, 0.0},
		{"Half overlap", Box{0, 0, 10, 10}, Box{5, 0, 15, 10}, 50.0 / 150.0},
		{"Touching edges", Box{0, 0, 10, 10}, Box{10, 0, 20, 10}, 0.0},
		{"Degenerate", Box{0, 0, 0, 0}, Box{0, 0, 0, 0}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.IoU(tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("IoU() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBoxGeometry(t *testing.T) {
	b := Box{X1: 10, Y1: 20, X2: 50, Y2: 100}
	if b.Width() != 40 || b.Height() != 80 {
		t.Errorf("unexpected size %dx%d", b.Width(), b.Height())
	}
	if c := b.Center(); c.X != 30 || c.Y != 60 {
		t.Errorf("unexpected center %+v", c)
	}
	if b.Empty() {
		t.Error("non-empty box reported empty")
	}
	if !(Box{X1: 5, Y1: 5, X2: 5, Y2: 10}).Empty() {
		t.Error("zero-width box should be empty")
	}
}
