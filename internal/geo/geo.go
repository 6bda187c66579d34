package geo

import (
	"math"

	"shuttle-tracker/internal/model"
)

const earthRadiusM = 6371000.0

func toRad(d float64) float64 { return d * math.Pi / 180 }

// Distance returns the haversine distance in meters.
func Distance(a, b model.Coordinate) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// Bearing returns the initial bearing from a to b in degrees [0, 360).
func Bearing(a, b model.Coordinate) float64 {
	y := math.Sin(toRad(b.Lng-a.Lng)) * math.Cos(toRad(b.Lat))
	x := math.Cos(toRad(a.Lat))*math.Sin(toRad(b.Lat)) - math.Sin(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Cos(toRad(b.Lng-a.Lng))
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// Path is a polyline with cumulative distances along it.
type Path struct {
	Points []model.Coordinate
	cum    []float64
}

func NewPath(pts []model.Coordinate) *Path {
	p := &Path{Points: pts, cum: make([]float64, len(pts))}
	for i := 1; i < len(pts); i++ {
		p.cum[i] = p.cum[i-1] + Distance(pts[i-1], pts[i])
	}
	return p
}

// Length is the total path length in meters.
func (p *Path) Length() float64 {
	if len(p.cum) == 0 {
		return 0
	}
	return p.cum[len(p.cum)-1]
}

// At interpolates the position and bearing at dist meters along the path,
// clamped to its ends.
func (p *Path) At(dist float64) (model.Coordinate, float64) {
	n := len(p.Points)
	if n == 0 {
		return model.Coordinate{}, 0
	}
	if n == 1 || p.Length() == 0 {
		return p.Points[0], 0
	}
	if dist <= 0 {
		return p.Points[0], Bearing(p.Points[0], p.Points[1])
	}
	if dist >= p.Length() {
		return p.Points[n-1], Bearing(p.Points[n-2], p.Points[n-1])
	}
	i := 1
	for i < n && p.cum[i] < dist {
		i++
	}
	d0, d1 := p.cum[i-1], p.cum[i]
	p0, p1 := p.Points[i-1], p.Points[i]
	if d1 == d0 {
		return p0, Bearing(p0, p1)
	}
	frac := (dist - d0) / (d1 - d0)
	return model.Coordinate{
		Lat: p0.Lat + (p1.Lat-p0.Lat)*frac,
		Lng: p0.Lng + (p1.Lng-p0.Lng)*frac,
	}, Bearing(p0, p1)
}
