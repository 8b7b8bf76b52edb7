package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
	"github.com/MeKo-Tech/tileserver/internal/pmtilesfmt"
	"github.com/MeKo-Tech/tileserver/internal/tile"
)

// PMTilesLocalDriver serves tiles from a single PMTiles v3 file on local
// disk via positional reads (pread-style, through os.File.ReadAt so no
// shared seek offset needs locking across concurrent readers).
type PMTilesLocalDriver struct {
	f    *os.File
	hdr  pmtilesfmt.Header
	root []pmtilesfmt.Entry
	meta Metadata

	leafMu    sync.Mutex
	leafCache map[uint64][]pmtilesfmt.Entry
}

// OpenPMTilesLocal opens path and caches the header and root directory,
// as required by §4.1: no re-read of the header on subsequent calls.
func OpenPMTilesLocal(id, path string) (*PMTilesLocalDriver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.ConfigInvalid, "opening pmtiles file", err)
	}

	headerBuf := make([]byte, 127)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		f.Close()
		return nil, errorkind.Wrap(errorkind.ConfigInvalid, "reading pmtiles header", err)
	}
	hdr, err := pmtilesfmt.ParseHeader(headerBuf)
	if err != nil {
		f.Close()
		return nil, errorkind.Wrap(errorkind.ConfigInvalid, "parsing pmtiles header", err)
	}

	rootRaw := make([]byte, hdr.RootLength)
	if _, err := f.ReadAt(rootRaw, int64(hdr.RootOffset)); err != nil {
		f.Close()
		return nil, errorkind.Wrap(errorkind.ConfigInvalid, "reading pmtiles root directory", err)
	}
	rootDecompressed, err := pmtilesfmt.DecompressSection(hdr.InternalCompr, rootRaw)
	if err != nil {
		f.Close()
		return nil, errorkind.Wrap(errorkind.ConfigInvalid, "decompressing pmtiles root directory", err)
	}
	root, err := pmtilesfmt.ParseDirectory(rootDecompressed)
	if err != nil {
		f.Close()
		return nil, errorkind.Wrap(errorkind.ConfigInvalid, "parsing pmtiles root directory", err)
	}

	d := &PMTilesLocalDriver{
		f:         f,
		hdr:       hdr,
		root:      root,
		leafCache: make(map[uint64][]pmtilesfmt.Entry),
	}

	meta, err := d.loadMetadata(id)
	if err != nil {
		f.Close()
		return nil, err
	}
	d.meta = meta
	return d, nil
}

func (d *PMTilesLocalDriver) loadMetadata(id string) (Metadata, error) {
	raw := make([]byte, d.hdr.MetadataLength)
	if _, err := d.f.ReadAt(raw, int64(d.hdr.MetadataOffset)); err != nil {
		return Metadata{}, errorkind.Wrap(errorkind.ConfigInvalid, "reading pmtiles metadata section", err)
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
	// The metadata section is an opaque JSON blob by convention; a
	// zero-length or non-JSON blob just yields header-derived fields.
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

func pmtilesFormatString(t pmtilesfmt.TileType) string {
	switch t {
	case pmtilesfmt.TileTypeMVT:
		return "pbf"
	case pmtilesfmt.TileTypePNG:
		return "png"
	case pmtilesfmt.TileTypeJPEG:
		return "jpg"
	case pmtilesfmt.TileTypeWebP:
		return "webp"
	default:
		return "pbf"
	}
}

func (d *PMTilesLocalDriver) Metadata() Metadata { return d.meta }

func (d *PMTilesLocalDriver) ReadTile(ctx context.Context, c tile.Coords) (TileBlob, error) {
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
		// Leaf-directory pointer: read it (through the cache) and retry
		// the lookup one level down, as the directory cascade requires.
		leaf, err := d.leafDirectory(entry.Offset, entry.Length)
		if err != nil {
			return TileBlob{}, errorkind.Wrap(errorkind.Upstream, "reading pmtiles leaf directory", err)
		}
		entry, ok = pmtilesfmt.FindTile(leaf, tileID)
		if !ok {
			return TileBlob{}, errorkind.New(errorkind.NotFound, "tile not found: "+c.String())
		}
	}

	if entry.Length == 0 {
		return TileBlob{}, nil // structurally empty: 204
	}

	buf := make([]byte, entry.Length)
	if _, err := d.f.ReadAt(buf, int64(d.hdr.TileDataOffset+entry.Offset)); err != nil {
		return TileBlob{}, errorkind.Wrap(errorkind.Upstream, "reading pmtiles tile bytes", err)
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

func (d *PMTilesLocalDriver) leafDirectory(offset uint64, length uint32) ([]pmtilesfmt.Entry, error) {
	d.leafMu.Lock()
	if cached, ok := d.leafCache[offset]; ok {
		d.leafMu.Unlock()
		return cached, nil
	}
	d.leafMu.Unlock()

	raw := make([]byte, length)
	if _, err := d.f.ReadAt(raw, int64(d.hdr.LeafOffset+offset)); err != nil {
		return nil, fmt.Errorf("reading leaf directory bytes: %w", err)
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

func (d *PMTilesLocalDriver) ReadTileWithParams(ctx context.Context, c tile.Coords, _ map[string]string) (TileBlob, error) {
	return d.ReadTile(ctx, c)
}

func (d *PMTilesLocalDriver) Close() error {
	return d.f.Close()
}
