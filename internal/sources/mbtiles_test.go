package sources

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
	"github.com/MeKo-Tech/tileserver/internal/tile"
)

func writeFixtureMBTiles(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.mbtiles")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE metadata (name text, value text);
		CREATE TABLE tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);
	`)
	require.NoError(t, err)

	meta := map[string]string{
		"name": "basemap", "description": "test fixture", "attribution": "OSM",
		"format": "pbf", "minzoom": "0", "maxzoom": "14",
		"bounds": "-180,-85,180,85", "center": "0,0,2",
	}
	for k, v := range meta {
		_, err := db.Exec(`INSERT INTO metadata (name, value) VALUES (?, ?)`, k, v)
		require.NoError(t, err)
	}

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	_, err = w.Write([]byte("vector tile payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Stored row: z=3, x=4, TMS y = (1<<3)-1-5 = 2 for XYZ y=5.
	_, err = db.Exec(`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (3, 4, 2, ?)`, gz.Bytes())
	require.NoError(t, err)

	// A structurally-empty tile.
	_, err = db.Exec(`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (3, 6, 2, ?)`, []byte{})
	require.NoError(t, err)

	return path
}

func TestOpenMBTilesAndReadTile(t *testing.T) {
	path := writeFixtureMBTiles(t)
	d, err := OpenMBTiles("basemap", path)
	require.NoError(t, err)
	defer d.Close()

	meta := d.Metadata()
	assert.Equal(t, "basemap", meta.Name)
	assert.Equal(t, "pbf", meta.Format)
	assert.Equal(t, 0, meta.MinZoom)
	assert.Equal(t, 14, meta.MaxZoom)
	require.NotNil(t, meta.Bounds)
	assert.Equal(t, [4]float64{-180, -85, 180, 85}, *meta.Bounds)

	blob, err := d.ReadTile(context.Background(), tile.NewCoords(3, 4, 5))
	require.NoError(t, err)
	assert.Equal(t, "gzip", blob.ContentEncoding)
	assert.Equal(t, "application/vnd.mapbox-vector-tile", blob.ContentType)

	gr, err := gzip.NewReader(bytes.NewReader(blob.Bytes))
	require.NoError(t, err)
	defer gr.Close()
	plain, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Equal(t, "vector tile payload", string(plain))
}

func TestMBTilesReadTileUncompressedIsIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.mbtiles")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE metadata (name text, value text);
		CREATE TABLE tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);
		INSERT INTO metadata (name, value) VALUES ('format', 'pbf'), ('minzoom', '0'), ('maxzoom', '14');
		INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (3, 4, 2, ?);
	`, []byte("not gzipped"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	d, err := OpenMBTiles("plain", path)
	require.NoError(t, err)
	defer d.Close()

	blob, err := d.ReadTile(context.Background(), tile.NewCoords(3, 4, 5))
	require.NoError(t, err)
	assert.Equal(t, "identity", blob.ContentEncoding)
	assert.Equal(t, "not gzipped", string(blob.Bytes))
}

func TestMBTilesReadTileStructurallyEmpty(t *testing.T) {
	path := writeFixtureMBTiles(t)
	d, err := OpenMBTiles("basemap", path)
	require.NoError(t, err)
	defer d.Close()

	blob, err := d.ReadTile(context.Background(), tile.NewCoords(3, 6, 5))
	require.NoError(t, err)
	assert.True(t, blob.Empty())
}

func TestMBTilesReadTileNotFound(t *testing.T) {
	path := writeFixtureMBTiles(t)
	d, err := OpenMBTiles("basemap", path)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.ReadTile(context.Background(), tile.NewCoords(9, 9, 9))
	require.Error(t, err)
	assert.Equal(t, errorkind.NotFound, errorkind.KindOf(err))
}

func TestOpenMBTilesRejectsMissingTilesTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.mbtiles")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE metadata (name text, value text)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = OpenMBTiles("empty", path)
	require.Error(t, err)
	assert.Equal(t, errorkind.ConfigInvalid, errorkind.KindOf(err))
}
