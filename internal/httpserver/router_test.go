package httpserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tileserver/internal/tile"
)

func TestParseRequestFixedRoutes(t *testing.T) {
	for _, tc := range []struct {
		path string
		tag  Tag
	}{
		{"/health", TagHealth},
		{"/data.json", TagSourceList},
		{"/styles.json", TagStyleList},
	} {
		req, err := ParseRequest(tc.path, "")
		require.NoError(t, err)
		assert.Equal(t, tc.tag, req.Tag)
	}
}

func TestParseRequestDataTileJSON(t *testing.T) {
	req, err := ParseRequest("/data/basemap.json", "")
	require.NoError(t, err)
	assert.Equal(t, TagTileJSON, req.Tag)
	assert.Equal(t, "basemap", req.SourceID)
}

func TestParseRequestDataTile(t *testing.T) {
	req, err := ParseRequest("/data/basemap/12/2048/1362.pbf", "")
	require.NoError(t, err)
	assert.Equal(t, TagVectorOrRasterTile, req.Tag)
	assert.Equal(t, "basemap", req.SourceID)
	assert.Equal(t, tile.NewCoords(12, 2048, 1362), req.Coords)
	assert.Equal(t, "pbf", req.Ext)
	assert.Equal(t, 1, req.Scale)
}

func TestParseRequestDataTileScaled(t *testing.T) {
	req, err := ParseRequest("/data/basemap/12/2048/1362@2x.png", "")
	require.NoError(t, err)
	assert.Equal(t, 2, req.Scale)
	assert.Equal(t, "png", req.Ext)
}

func TestParseRequestStyleDocAndWmts(t *testing.T) {
	req, err := ParseRequest("/styles/bright/style.json", "")
	require.NoError(t, err)
	assert.Equal(t, TagStyleDoc, req.Tag)
	assert.Equal(t, "bright", req.StyleID)

	req, err = ParseRequest("/styles/bright/wmts.xml", "")
	require.NoError(t, err)
	assert.Equal(t, TagWmts, req.Tag)
}

func TestParseRequestSprite(t *testing.T) {
	for _, tc := range []struct {
		path   string
		format string
		scale  int
	}{
		{"/styles/bright/sprite.json", "json", 1},
		{"/styles/bright/sprite.png", "png", 1},
		{"/styles/bright/sprite@2x.json", "json", 2},
		{"/styles/bright/sprite@3x.png", "png", 3},
	} {
		req, err := ParseRequest(tc.path, "")
		require.NoError(t, err, tc.path)
		assert.Equal(t, TagSprite, req.Tag)
		assert.Equal(t, "bright", req.StyleID)
		assert.Equal(t, tc.format, req.SpriteFormat)
		assert.Equal(t, tc.scale, req.SpriteScale)
	}
}

func TestParseRequestSpriteMalformed(t *testing.T) {
	_, err := ParseRequest("/styles/bright/spritesheet.json", "")
	assert.Error(t, err)

	_, err = ParseRequest("/styles/bright/sprite@xx.json", "")
	assert.Error(t, err)
}

func TestParseRequestFonts(t *testing.T) {
	req, err := ParseRequest("/fonts/Noto Sans Regular/0-255.pbf", "")
	require.NoError(t, err)
	assert.Equal(t, TagFont, req.Tag)
	assert.Equal(t, "Noto Sans Regular", req.FontStack)
	assert.Equal(t, "0-255", req.GlyphRange)
}

func TestParseRequestStyleTile(t *testing.T) {
	req, err := ParseRequest("/styles/bright/12/2048/1362@2x.webp", "")
	require.NoError(t, err)
	assert.Equal(t, TagVectorOrRasterTile, req.Tag)
	assert.Equal(t, "bright", req.StyleID)
	assert.Equal(t, 2, req.Scale)
	assert.Equal(t, "webp", req.Ext)
}

func TestParseRequestStaticByCenter(t *testing.T) {
	req, err := ParseRequest("/styles/bright/static/13.4,52.5,10@45,30/600x400@2x.png", "")
	require.NoError(t, err)
	assert.Equal(t, TagStaticImage, req.Tag)
	assert.Equal(t, StaticByCenter, req.StaticKind)
	assert.InDelta(t, 13.4, req.Lon, 1e-9)
	assert.InDelta(t, 52.5, req.Lat, 1e-9)
	assert.InDelta(t, 10, req.Zoom, 1e-9)
	assert.InDelta(t, 45, req.Bearing, 1e-9)
	assert.InDelta(t, 30, req.Pitch, 1e-9)
	assert.Equal(t, 600, req.Width)
	assert.Equal(t, 400, req.Height)
	assert.Equal(t, 2, req.Scale)
}

func TestParseRequestStaticByBBox(t *testing.T) {
	req, err := ParseRequest("/styles/bright/static/13.0,52.0,13.5,52.5/800x600.jpg", "")
	require.NoError(t, err)
	assert.Equal(t, StaticByBBox, req.StaticKind)
	assert.Equal(t, [4]float64{13.0, 52.0, 13.5, 52.5}, req.BBox)
}

func TestParseRequestStaticAuto(t *testing.T) {
	req, err := ParseRequest("/styles/bright/static/auto/800x600.png", "path=1,2|3,4")
	require.NoError(t, err)
	assert.Equal(t, StaticAuto, req.StaticKind)
	assert.Equal(t, "path=1,2|3,4", req.RawQuery)
}

func TestParseRequestUnrecognized(t *testing.T) {
	_, err := ParseRequest("/nope", "")
	assert.Error(t, err)

	_, err = ParseRequest("", "")
	assert.Error(t, err)
}
