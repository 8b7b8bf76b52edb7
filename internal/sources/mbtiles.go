package sources

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
	"github.com/MeKo-Tech/tileserver/internal/tile"
	_ "modernc.org/sqlite"
)

// MBTilesDriver serves tiles out of a SQLite-backed MBTiles archive. The
// y-axis stored on disk is TMS (flipped relative to the XYZ convention used
// everywhere else in this server).
type MBTilesDriver struct {
	db   *sql.DB
	meta Metadata
}

// OpenMBTiles opens path read-only and loads its metadata table.
func OpenMBTiles(id, path string) (*MBTilesDriver, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, errorkind.Wrap(errorkind.ConfigInvalid, "opening mbtiles archive", err)
	}

	var count int
	if err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='tiles'",
	).Scan(&count); err != nil {
		db.Close()
		return nil, errorkind.Wrap(errorkind.ConfigInvalid, "verifying mbtiles schema", err)
	}
	if count == 0 {
		db.Close()
		return nil, errorkind.New(errorkind.ConfigInvalid, "mbtiles archive has no tiles table")
	}

	// Worker concurrency bound on the pool; SQLite serializes writers but
	// our connections are read-only so this just caps parallel readers.
	db.SetMaxOpenConns(8)

	d := &MBTilesDriver{db: db}
	meta, err := d.loadMetadata(id)
	if err != nil {
		db.Close()
		return nil, err
	}
	d.meta = meta
	return d, nil
}

func (d *MBTilesDriver) loadMetadata(id string) (Metadata, error) {
	rows, err := d.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return Metadata{}, errorkind.Wrap(errorkind.ConfigInvalid, "reading mbtiles metadata", err)
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return Metadata{}, errorkind.Wrap(errorkind.ConfigInvalid, "scanning mbtiles metadata row", err)
		}
		kv[name] = value
	}
	if err := rows.Err(); err != nil {
		return Metadata{}, errorkind.Wrap(errorkind.ConfigInvalid, "iterating mbtiles metadata", err)
	}

	meta := Metadata{
		ID:          id,
		Name:        kv["name"],
		Description: kv["description"],
		Attribution: kv["attribution"],
		Format:      formatOrDefault(kv["format"], "pbf"),
	}
	if v, ok := kv["minzoom"]; ok {
		if i, err := strconv.Atoi(v); err == nil {
			meta.MinZoom = i
		}
	}
	if v, ok := kv["maxzoom"]; ok {
		if i, err := strconv.Atoi(v); err == nil {
			meta.MaxZoom = i
		}
	}
	if v, ok := kv["bounds"]; ok {
		parts := strings.Split(v, ",")
		if len(parts) == 4 {
			var b [4]float64
			for i, p := range parts {
				if f, err := strconv.ParseFloat(strings.TrimSpace(p), 64); err == nil {
					b[i] = f
				}
			}
			meta.Bounds = &b
		}
	}
	if v, ok := kv["center"]; ok {
		parts := strings.Split(v, ",")
		if len(parts) == 3 {
			var c [3]float64
			for i, p := range parts {
				if f, err := strconv.ParseFloat(strings.TrimSpace(p), 64); err == nil {
					c[i] = f
				}
			}
			meta.Center = &c
		}
	}

	if err := meta.Valid(); err != nil {
		return Metadata{}, errorkind.Wrap(errorkind.ConfigInvalid, "invalid mbtiles metadata", err)
	}
	return meta, nil
}

func formatOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (d *MBTilesDriver) Metadata() Metadata { return d.meta }

func (d *MBTilesDriver) ReadTile(ctx context.Context, c tile.Coords) (TileBlob, error) {
	if err := ValidateCoord(c); err != nil {
		return TileBlob{}, errorkind.Wrap(errorkind.UserInput, "coordinate out of range", err)
	}

	tmsY := (uint32(1) << c.Z) - 1 - c.Y

	var data []byte
	err := d.db.QueryRowContext(ctx,
		"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?",
		c.Z, c.X, tmsY,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return TileBlob{}, errorkind.New(errorkind.NotFound, "tile not found: "+c.String())
	}
	if err != nil {
		return TileBlob{}, errorkind.Wrap(errorkind.Upstream, "querying mbtiles tile", err)
	}
	if len(data) == 0 {
		return TileBlob{}, nil // structurally empty: 204
	}

	return TileBlob{
		Bytes:           data,
		ContentType:     contentTypeForFormat(d.meta.Format),
		ContentEncoding: encodingOf(data),
	}, nil
}

func (d *MBTilesDriver) ReadTileWithParams(ctx context.Context, c tile.Coords, _ map[string]string) (TileBlob, error) {
	return d.ReadTile(ctx, c)
}

func (d *MBTilesDriver) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("closing mbtiles database: %w", err)
	}
	return nil
}

// encodingOf reports the Content-Encoding of a stored tile_data blob.
// MBTiles archives commonly store vector tiles pre-gzipped; this driver is
// a passthrough, not a transcoder, so gzip-magic-prefixed payloads are
// forwarded untouched and labeled "gzip" rather than inflated here.
func encodingOf(data []byte) string {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		return "gzip"
	}
	return "identity"
}

func contentTypeForFormat(format string) string {
	switch format {
	case "pbf", "mvt":
		return "application/vnd.mapbox-vector-tile"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
