package geo

import (
	"math"
	"testing"

	"shuttle-tracker/internal/model"
)

func TestDistance(t *testing.T) {
	a := model.Coordinate{Lat: 42.93311142, Lng: -78.881111}
	if d := Distance(a, a); d != 0 {
		t.Errorf("Distance to self = %f", d)
	}
	// One thousandth of a degree of latitude is ~111 m.
	b := model.Coordinate{Lat: a.Lat + 0.001, Lng: a.Lng}
	if d := Distance(a, b); math.Abs(d-111.19) > 0.5 {
		t.Errorf("Distance = %f, want ~111.19", d)
	}
}

func TestBearing(t *testing.T) {
	o := model.Coordinate{Lat: 0, Lng: 0}
	cases := []struct {
		to   model.Coordinate
		want float64
	}{
		{model.Coordinate{Lat: 1, Lng: 0}, 0},
		{model.Coordinate{Lat: 0, Lng: 1}, 90},
		{model.Coordinate{Lat: -1, Lng: 0}, 180},
		{model.Coordinate{Lat: 0, Lng: -1}, 270},
	}
	for _, tc := range cases {
		if got := Bearing(o, tc.to); math.Abs(got-tc.want) > 1e-6 {
			t.Errorf("Bearing(%v) = %f, want %f", tc.to, got, tc.want)
		}
	}
}

func TestPathAt(t *testing.T) {
	p := NewPath([]model.Coordinate{{Lat: 0, Lng: 0}, {Lat: 0.01, Lng: 0}, {Lat: 0.01, Lng: 0.01}})
	if p.Length() <= 0 {
		t.Fatalf("Length = %f", p.Length())
	}

	start, _ := p.At(-5)
	if start != p.Points[0] {
		t.Errorf("At(-5) = %v, want first point", start)
	}
	end, brng := p.At(p.Length() + 10)
	if end != p.Points[2] {
		t.Errorf("At(beyond) = %v, want last point", end)
	}
	if math.Abs(brng-90) > 0.1 {
		t.Errorf("bearing at end = %f, want ~90", brng)
	}

	first := Distance(p.Points[0], p.Points[1])
	mid, brng := p.At(first / 2)
	if math.Abs(mid.Lat-0.005) > 1e-9 || mid.Lng != 0 {
		t.Errorf("At(half first leg) = %v", mid)
	}
	if math.Abs(brng) > 1e-6 {
		t.Errorf("bearing on first leg = %f, want 0", brng)
	}
}

func TestPathDegenerate(t *testing.T) {
	if c, _ := NewPath(nil).At(10); !c.IsZero() {
		t.Errorf("empty path At = %v", c)
	}
	single := model.Coordinate{Lat: 1, Lng: 2}
	if c, _ := NewPath([]model.Coordinate{single}).At(10); c != single {
		t.Errorf("single point path At = %v", c)
	}
}
