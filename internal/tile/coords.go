// Package tile carries the z/x/y addressing used throughout the server:
// parsing and formatting tile coordinates, and converting between a tile's
// WGS84 and Web Mercator extents.
package tile

import (
	"fmt"
	"math"

	"github.com/paulmach/orb/maptile"
)

// Coords addresses one XYZ tile: zoom level, column, and row, using the
// usual slippy-map convention (Y increasing southward).
type Coords struct {
	Z uint32
	X uint32
	Y uint32
}

// NewCoords builds a Coords from its zoom/column/row components.
func NewCoords(z, x, y uint32) Coords {
	return Coords{Z: z, X: x, Y: y}
}

// ParseCoords reverses String, recovering a Coords from "z{Z}_x{X}_y{Y}".
func ParseCoords(s string) (Coords, error) {
	var c Coords
	if _, err := fmt.Sscanf(s, "z%d_x%d_y%d", &c.Z, &c.X, &c.Y); err != nil {
		return Coords{}, fmt.Errorf("parsing tile coordinate %q: %w", s, err)
	}
	return c, nil
}

// String renders the coordinate as a cache/log-friendly key.
func (c Coords) String() string {
	return fmt.Sprintf("z%d_x%d_y%d", c.Z, c.X, c.Y)
}

// Path appends an extension to String, for on-disk tile cache layouts.
func (c Coords) Path(extension string) string {
	return c.String() + "." + extension
}

// Tile returns the orb/maptile representation, for interop with that
// package's projection and bounds helpers.
func (c Coords) Tile() maptile.Tile {
	return maptile.New(c.X, c.Y, maptile.Zoom(c.Z))
}

// Bounds returns this tile's geographic extent in WGS84 as
// [minLon, minLat, maxLon, maxLat].
func (c Coords) Bounds() [4]float64 {
	b := c.Tile().Bound()
	return [4]float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()}
}

// BoundsMercator returns this tile's extent in Web Mercator (EPSG:3857)
// meters as [minX, minY, maxX, maxY].
func (c Coords) BoundsMercator() [4]float64 {
	b := c.Bounds()
	minX, minY := lonLatToMercator(b[0], b[1])
	maxX, maxY := lonLatToMercator(b[2], b[3])
	return [4]float64{minX, minY, maxX, maxY}
}

// Center returns the tile's midpoint in WGS84 (lon, lat).
func (c Coords) Center() (lon, lat float64) {
	b := c.Bounds()
	return (b[0] + b[2]) / 2.0, (b[1] + b[3]) / 2.0
}

// CenterMercator returns the tile's midpoint in Web Mercator meters.
func (c Coords) CenterMercator() (x, y float64) {
	lon, lat := c.Center()
	return lonLatToMercator(lon, lat)
}

const earthRadiusMeters = 6378137.0

// lonLatToMercator projects a WGS84 point to Web Mercator (EPSG:3857) meters.
func lonLatToMercator(lon, lat float64) (x, y float64) {
	x = earthRadiusMeters * lon * math.Pi / 180.0
	latRad := lat * math.Pi / 180.0
	y = earthRadiusMeters * math.Log(math.Tan(math.Pi/4.0+latRad/2.0))
	return x, y
}

// mercatorToLonLat is the inverse of lonLatToMercator.
func mercatorToLonLat(x, y float64) (lon, lat float64) {
	lon = (x / earthRadiusMeters) * 180.0 / math.Pi
	lat = (math.Atan(math.Exp(y/earthRadiusMeters)) - math.Pi/4.0) * 2.0 * 180.0 / math.Pi
	return lon, lat
}
