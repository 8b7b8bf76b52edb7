package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
	"github.com/MeKo-Tech/tileserver/internal/pmtilesfmt"
	"github.com/MeKo-Tech/tileserver/internal/tile"
)

// PMTilesHTTPDriver serves tiles from a remote PMTiles archive addressed by
// URL, using ranged GETs. The header and root directory are fetched once
// at Open and cached for the process lifetime, matching §4.1 and the
// "at most one additional ranged GET per tile request" scenario in §8.
type PMTilesHTTPDriver struct {
	client *http.Client
	url    string
	hdr    pmtilesfmt.Header
	root   []pmtilesfmt.Entry
	meta   Metadata

	leafMu    sync.Mutex
	leafCache map[uint64][]pmtilesfmt.Entry
}

// OpenPMTilesHTTP fetches the header and root directory from url.
func OpenPMTilesHTTP(id, url string, client *http.Client) (*PMTilesHTTPDriver, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	d := &PMTilesHTTPDriver{
		client:    client,
		url:       url,
		leafCache: make(map[uint64][]pmtilesfmt.Entry),
	}

	// Two-phase fetch, as in go-pmtiles: one ranged GET for the 127-byte
	// header, then a second for the root directory, since RootLength isn't
	// known until the header is parsed.
	headerBuf, err := d.rangedGET(context.Background(), 0, 127)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.Upstream, "fetching pmtiles header", err)
	}
	hdr, err := pmtilesfmt.ParseHeader(headerBuf)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.ConfigInvalid, "parsing pmtiles header", err)
	}
	d.hdr = hdr

	rootRaw, err := d.rangedGET(context.Background(), int64(hdr.RootOffset), int64(hdr.RootLength))
	if err != nil {
		return nil, errorkind.Wrap(errorkind.Upstream, "fetching pmtiles root directory", err)
	}
	rootDecompressed, err := pmtilesfmt.DecompressSection(hdr.InternalCompr, rootRaw)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.ConfigInvalid, "decompressing pmtiles root directory", err)
	}
	root, err := pmtilesfmt.ParseDirectory(rootDecompressed)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.ConfigInvalid, "parsing pmtiles root directory", err)
	}
	d.root = root

	meta, err := d.loadMetadata(id)
	if err != nil {
		return nil, err
	}
	d.meta = meta
	return d, nil
}

// rangedGET performs a single byte-range GET with bounded jittered
// exponential backoff on transient failures (5xx, timeout). 404 and 416
// are not retried: they are returned at once as a NotFound error.
func (d *PMTilesHTTPDriver) rangedGET(ctx context.Context, offset, length int64) ([]byte, error) {
	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

		resp, err := d.client.Do(req)
		if err != nil {
			return nil, err // network error: retryable
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
			return nil, backoff.Permanent(errorkind.New(errorkind.NotFound, "range not available"))
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK:
			return nil, backoff.Permanent(fmt.Errorf("unexpected upstream status %d", resp.StatusCode))
		}
		return io.ReadAll(resp.Body)
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
}

func (d *PMTilesHTTPDriver) loadMetadata(id string) (Metadata, error) {
	raw, err := d.rangedGET(context.Background(), int64(d.hdr.MetadataOffset), int64(d.hdr.MetadataLength))
	if err != nil {
		return Metadata{}, errorkind.Wrap(errorkind.Upstream, "fetching pmtiles metadata section", err)
	}
	decompressed, err := pmtilesfmt.DecompressSection(d.hdr.InternalCompr, raw)
	if err != nil {
		return Metadata{}, errorkind.Wrap(errorkind.ConfigInvalid, "decompressing pmtiles metadata section", err)
	}

	var doc struct {
		Name         string        `json:"name"`
		Description  string        `json:"description"`
		Attribution  string        `json:"attribution"`
		VectorLayers []VectorLayer `json:"vector_layers"`
	}
	_ = json.Unmarshal(decompressed, &doc)

	bounds := [4]float64{
		float64(d.hdr.MinLonE7) / 1e7, float64(d.hdr.MinLatE7) / 1e7,
		float64(d.hdr.MaxLonE7) / 1e7, float64(d.hdr.MaxLatE7) / 1e7,
	}
	center := [3]float64{
		float64(d.hdr.CenterLonE7) / 1e7, float64(d.hdr.CenterLatE7) / 1e7,
		float64(d.hdr.CenterZoom),
	}

	meta := Metadata{
		ID:           id,
		Name:         doc.Name,
		Description:  doc.Description,
		Attribution:  doc.Attribution,
		Format:       pmtilesFormatString(d.hdr.TileType),
		MinZoom:      int(d.hdr.MinZoom),
		MaxZoom:      int(d.hdr.MaxZoom),
		Bounds:       &bounds,
		Center:       &center,
		VectorLayers: doc.VectorLayers,
	}
	if err := meta.Valid(); err != nil {
		return Metadata{}, errorkind.Wrap(errorkind.ConfigInvalid, "invalid pmtiles metadata", err)
	}
	return meta, nil
}

func (d *PMTilesHTTPDriver) Metadata() Metadata { return d.meta }

func (d *PMTilesHTTPDriver) ReadTile(ctx context.Context, c tile.Coords) (TileBlob, error) {
	if err := ValidateCoord(c); err != nil {
		return TileBlob{}, errorkind.Wrap(errorkind.UserInput, "coordinate out of range", err)
	}
	if int(c.Z) < d.meta.MinZoom || int(c.Z) > d.meta.MaxZoom {
		return TileBlob{}, errorkind.New(errorkind.NotFound, "zoom outside source range")
	}

	tileID := pmtilesfmt.ZxyToID(uint8(c.Z), c.X, c.Y)

	entry, ok := pmtilesfmt.FindTile(d.root, tileID)
	if !ok {
		return TileBlob{}, errorkind.New(errorkind.NotFound, "tile not found: "+c.String())
	}
	if entry.RunLength == 0 {
		leaf, err := d.leafDirectory(ctx, entry.Offset, entry.Length)
		if err != nil {
			if e, ok := errorkind.As(err); ok {
				return TileBlob{}, e
			}
			return TileBlob{}, errorkind.Wrap(errorkind.Upstream, "fetching pmtiles leaf directory", err)
		}
		entry, ok = pmtilesfmt.FindTile(leaf, tileID)
		if !ok {
			return TileBlob{}, errorkind.New(errorkind.NotFound, "tile not found: "+c.String())
		}
	}

	if entry.Length == 0 {
		return TileBlob{}, nil
	}

	buf, err := d.rangedGET(ctx, int64(d.hdr.TileDataOffset+entry.Offset), int64(entry.Length))
	if err != nil {
		if e, ok := errorkind.As(err); ok {
			return TileBlob{}, e
		}
		return TileBlob{}, errorkind.Wrap(errorkind.Upstream, "fetching pmtiles tile bytes", err)
	}

	encoding := "identity"
	if d.hdr.TileCompr == pmtilesfmt.CompressionGzip {
		encoding = "gzip"
	}

	return TileBlob{
		Bytes:           buf,
		ContentType:     contentTypeForFormat(d.meta.Format),
		ContentEncoding: encoding,
	}, nil
}

func (d *PMTilesHTTPDriver) leafDirectory(ctx context.Context, offset uint64, length uint32) ([]pmtilesfmt.Entry, error) {
	d.leafMu.Lock()
	if cached, ok := d.leafCache[offset]; ok {
		d.leafMu.Unlock()
		return cached, nil
	}
	d.leafMu.Unlock()

	raw, err := d.rangedGET(ctx, int64(d.hdr.LeafOffset+offset), int64(length))
	if err != nil {
		return nil, err
	}
	decompressed, err := pmtilesfmt.DecompressSection(d.hdr.InternalCompr, raw)
	if err != nil {
		return nil, fmt.Errorf("decompressing leaf directory: %w", err)
	}
	leaf, err := pmtilesfmt.ParseDirectory(decompressed)
	if err != nil {
		return nil, fmt.Errorf("parsing leaf directory: %w", err)
	}

	d.leafMu.Lock()
	d.leafCache[offset] = leaf
	d.leafMu.Unlock()
	return leaf, nil
}

func (d *PMTilesHTTPDriver) ReadTileWithParams(ctx context.Context, c tile.Coords, _ map[string]string) (TileBlob, error) {
	return d.ReadTile(ctx, c)
}

func (d *PMTilesHTTPDriver) Close() error { return nil }
