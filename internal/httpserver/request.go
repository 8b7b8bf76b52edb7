package httpserver

import "github.com/MeKo-Tech/tileserver/internal/tile"

// Tag identifies which kind of TileRequest a URL decoded to (§3 data model).
type Tag int

const (
	TagUnknown Tag = iota
	TagVectorOrRasterTile
	TagStaticImage
	TagTileJSON
	TagStyleDoc
	TagSprite
	TagFont
	TagWmts
	TagSourceList
	TagStyleList
	TagHealth
)

// StaticKind distinguishes the three static-image URL shapes in §4.6.
type StaticKind int

const (
	StaticByCenter StaticKind = iota
	StaticByBBox
	StaticAuto
)

// Request is the decoded form of an accepted HTTP URL.
type Request struct {
	Tag Tag

	// Shared by data/{id} and styles/{id} endpoints.
	SourceID string
	StyleID  string

	// Tile coordinate + output shape, used by TagVectorOrRasterTile.
	Coords tile.Coords
	Scale  int // pixel ratio, default 1
	Ext    string

	// Static image fields, used by TagStaticImage.
	StaticKind StaticKind
	Lon, Lat   float64
	Zoom       float64
	Bearing    float64
	Pitch      float64
	BBox       [4]float64
	Width      int
	Height     int

	// Font glyph range, used by TagFont.
	FontStack  string
	GlyphRange string

	// Sprite image/metadata, used by TagSprite.
	SpriteFormat string // "json" or "png"
	SpriteScale  int

	RawQuery string
}
