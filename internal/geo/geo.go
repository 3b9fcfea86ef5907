// Package geo provides the WGS84 primitives shared by the graph environment,
// the hazard fusion engine, and the router: coordinate validation,
// great-circle (haversine) distance, midpoints, and the integer grid cells
// used by the spatial indexes.
package geo

import (
	"fmt"
	"math"
)

// EarthRadiusM is the mean Earth radius in meters used by all great-circle
// computations in this module.
const EarthRadiusM = 6371000.0

// Point is a WGS84 coordinate pair in decimal degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Valid reports whether p lies inside the WGS84 domain: latitude in
// [-90, 90] and longitude in [-180, 180]. NaN and infinities are invalid.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Validate returns a descriptive error when p is outside the WGS84 domain.
// Invalid coordinates are rejected at ingress, never silently corrected.
func (p Point) Validate() error {
	if !p.Valid() {
		return fmt.Errorf("geo: coordinate out of range: lat=%v lon=%v", p.Lat, p.Lon)
	}
	return nil
}

// Distance returns the great-circle distance in meters between a and b using
// the haversine formula. The result is exact enough (< 0.5 % error) for the
// few-kilometer scales this module operates at.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	return 2 * EarthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Midpoint returns the arithmetic midpoint of a and b. For road-segment
// lengths (tens to hundreds of meters) this is indistinguishable from the
// geodesic midpoint and much cheaper to compute.
func Midpoint(a, b Point) Point {
	return Point{Lat: (a.Lat + b.Lat) / 2, Lon: (a.Lon + b.Lon) / 2}
}

// Cell is an integer-keyed grid cell. Cells partition the plane into squares
// of a configurable size in degrees; two points in the same cell are within
// one cell diagonal of each other.
type Cell struct {
	Row int
	Col int
}

// CellOf maps p onto the grid with the given cell size in degrees.
// sizeDeg must be positive; the default of 0.001° corresponds to roughly
// 111 m of latitude.
func CellOf(p Point, sizeDeg float64) Cell {
	return Cell{
		Row: int(math.Floor(p.Lat / sizeDeg)),
		Col: int(math.Floor(p.Lon / sizeDeg)),
	}
}

// CellsInRadius returns every cell overlapping the bounding box of the circle
// centered at p with radius rMeters. Callers filter the cells' contents by
// exact great-circle distance afterwards; this only bounds the probe set.
func CellsInRadius(p Point, rMeters, sizeDeg float64) []Cell {
	// Degrees of latitude per meter is constant; longitude shrinks with
	// cos(lat). Guard against the degenerate cos ≈ 0 case near the poles.
	dLat := rMeters / 111320.0
	cosLat := math.Cos(p.Lat * math.Pi / 180)
	if cosLat < 1e-6 {
		cosLat = 1e-6
	}
	dLon := rMeters / (111320.0 * cosLat)

	minCell := CellOf(Point{Lat: p.Lat - dLat, Lon: p.Lon - dLon}, sizeDeg)
	maxCell := CellOf(Point{Lat: p.Lat + dLat, Lon: p.Lon + dLon}, sizeDeg)

	cells := make([]Cell, 0, (maxCell.Row-minCell.Row+1)*(maxCell.Col-minCell.Col+1))
	for r := minCell.Row; r <= maxCell.Row; r++ {
		for c := minCell.Col; c <= maxCell.Col; c++ {
			cells = append(cells, Cell{Row: r, Col: c})
		}
	}
	return cells
}

// Clamp01 clamps v into [0, 1]. Risk arithmetic throughout the module runs
// through this so that no composite ever leaves the unit interval.
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
