package sources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
	"github.com/MeKo-Tech/tileserver/internal/tile"
)

// PostgisDriver serves vector tiles from a user-supplied SQL function of
// signature `(z integer, x integer, y integer, params jsonb) returns bytea`,
// connection-pooled via pgxpool, matching §4.1's "PostGIS function" driver
// contract. It is the only driver that honors ReadTileWithParams.
type PostgisDriver struct {
	pool     *pgxpool.Pool
	function string
	meta     Metadata
}

// PostgisConfig configures a PostGIS function-source driver.
type PostgisConfig struct {
	ID          string
	DSN         string
	Function    string // fully-qualified SQL function name
	Name        string
	Attribution string
	MinZoom     int
	MaxZoom     int
	Bounds      *[4]float64
}

// OpenPostgis establishes a connection pool and validates the function
// exists with the expected argument shape.
func OpenPostgis(ctx context.Context, cfg PostgisConfig) (*PostgisDriver, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.ConfigInvalid, "connecting to postgis", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errorkind.Wrap(errorkind.ConfigInvalid, "pinging postgis", err)
	}

	var oid uint32
	err = pool.QueryRow(ctx,
		"SELECT p.oid FROM pg_proc p WHERE p.oid = $1::regprocedure",
		cfg.Function+"(integer,integer,integer,jsonb)",
	).Scan(&oid)
	if err != nil {
		pool.Close()
		return nil, errorkind.Wrap(errorkind.ConfigInvalid,
			fmt.Sprintf("postgis function %s(z,x,y,params) not found", cfg.Function), err)
	}

	meta := Metadata{
		ID:          cfg.ID,
		Name:        cfg.Name,
		Attribution: cfg.Attribution,
		Format:      "pbf",
		MinZoom:     cfg.MinZoom,
		MaxZoom:     cfg.MaxZoom,
		Bounds:      cfg.Bounds,
	}
	if err := meta.Valid(); err != nil {
		pool.Close()
		return nil, errorkind.Wrap(errorkind.ConfigInvalid, "invalid postgis source metadata", err)
	}

	return &PostgisDriver{pool: pool, function: cfg.Function, meta: meta}, nil
}

func (d *PostgisDriver) Metadata() Metadata { return d.meta }

func (d *PostgisDriver) ReadTile(ctx context.Context, c tile.Coords) (TileBlob, error) {
	return d.ReadTileWithParams(ctx, c, nil)
}

func (d *PostgisDriver) ReadTileWithParams(ctx context.Context, c tile.Coords, params map[string]string) (TileBlob, error) {
	if err := ValidateCoord(c); err != nil {
		return TileBlob{}, errorkind.Wrap(errorkind.UserInput, "coordinate out of range", err)
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return TileBlob{}, errorkind.Wrap(errorkind.UserInput, "encoding query params", err)
	}

	query := fmt.Sprintf("SELECT %s($1, $2, $3, $4::jsonb)", d.function)
	var data []byte
	err = d.pool.QueryRow(ctx, query, c.Z, c.X, c.Y, string(paramsJSON)).Scan(&data)
	if err != nil {
		return TileBlob{}, errorkind.Wrap(errorkind.Upstream, "calling postgis tile function", err)
	}
	if len(data) == 0 {
		return TileBlob{}, nil // structurally empty: 204
	}

	return TileBlob{
		Bytes:           data,
		ContentType:     "application/vnd.mapbox-vector-tile",
		ContentEncoding: "identity",
	}, nil
}

func (d *PostgisDriver) Close() error {
	d.pool.Close()
	return nil
}
