// Package sources implements the tile-source driver abstraction (C1) and
// the source manager that loads drivers from configuration (C2).
package sources

import (
	"context"
	"fmt"

	"github.com/MeKo-Tech/tileserver/internal/tile"
)

// TileBlob is a raw tile payload ready to be written to an HTTP response.
type TileBlob struct {
	Bytes           []byte
	ContentType     string
	ContentEncoding string // "identity" or "gzip"
}

// Empty reports whether this blob represents a structurally-empty tile
// (driver says "I have this coordinate, but there is nothing to draw").
func (b TileBlob) Empty() bool { return len(b.Bytes) == 0 }

// Metadata is the TileJSON 3.0 projection of a source's driver metadata,
// before the tiles URL template is resolved against a request host.
type Metadata struct {
	ID           string
	Name         string
	Description  string
	Attribution  string
	Format       string // pbf, png, jpg, webp
	MinZoom      int
	MaxZoom      int
	Bounds       *[4]float64 // west, south, east, north (WGS84)
	Center       *[3]float64 // lon, lat, zoom
	VectorLayers []VectorLayer
}

// VectorLayer describes one layer of a vector tile source's schema.
type VectorLayer struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Valid checks the zoom/bounds invariants from the data model.
func (m Metadata) Valid() error {
	if m.MinZoom > m.MaxZoom {
		return fmt.Errorf("minzoom %d > maxzoom %d", m.MinZoom, m.MaxZoom)
	}
	if m.Bounds != nil {
		b := *m.Bounds
		if !(b[0] <= b[2]) || !(b[1] <= b[3]) ||
			b[0] < -180 || b[2] > 180 || b[1] < -90 || b[3] > 90 {
			return fmt.Errorf("invalid bounds %v", b)
		}
	}
	return nil
}

// Driver is the polymorphic tile-source interface every archive format
// implements. All methods must be safe for concurrent callers once Open
// has returned; Open is the sole mutating point in a driver's lifetime.
type Driver interface {
	// Metadata returns the cached, immutable metadata captured at Open.
	Metadata() Metadata

	// ReadTile returns tile bytes for (z,x,y), an *errorkind.Error with
	// Kind NotFound/UserInput/Upstream/..., or a TileBlob with Empty()
	// true when the archive has a structurally-empty entry for the coord.
	ReadTile(ctx context.Context, coords tile.Coords) (TileBlob, error)

	// ReadTileWithParams is honored only by drivers whose format supports
	// per-request parameters (PostGIS function sources); other drivers
	// ignore params and defer to ReadTile.
	ReadTileWithParams(ctx context.Context, coords tile.Coords, params map[string]string) (TileBlob, error)

	// Close releases any resources (file handles, connection pools,
	// memory maps) held by the driver.
	Close() error
}

// ValidateCoord checks the invariant x < 2^z, y < 2^z, z in [0, MaxZoom].
func ValidateCoord(c tile.Coords) error {
	const maxSupportedZoom = 24
	if c.Z > maxSupportedZoom {
		return fmt.Errorf("zoom %d exceeds max supported zoom %d", c.Z, maxSupportedZoom)
	}
	limit := uint32(1) << c.Z
	if c.X >= limit || c.Y >= limit {
		return fmt.Errorf("coordinate %s out of range for zoom %d", c.String(), c.Z)
	}
	return nil
}
