package sources

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
	"github.com/MeKo-Tech/tileserver/internal/tile"
)

func putVarintLocal(buf *[]byte, v uint64) {
	for v >= 0x80 {
		*buf = append(*buf, byte(v)|0x80)
		v >>= 7
	}
	*buf = append(*buf, byte(v))
}

// buildOneTilePMTiles builds a complete, minimal PMTiles v3 archive with a
// single root-directory entry (no leaves) addressing one PNG tile at z0/x0/y0.
func buildOneTilePMTiles(t *testing.T, tileData []byte) []byte {
	t.Helper()
	bo := binary.LittleEndian

	var dir []byte
	putVarintLocal(&dir, 1) // entry count
	putVarintLocal(&dir, 0) // tile id delta (tile id 0)
	putVarintLocal(&dir, 1) // run length
	putVarintLocal(&dir, uint64(len(tileData)))
	putVarintLocal(&dir, 1) // offset+1, i.e. offset 0

	metaJSON := []byte(`{"name":"testsrc","description":"fixture","attribution":"none","vector_layers":[]}`)

	const headerSize = 127
	rootOffset := uint64(headerSize)
	metadataOffset := rootOffset + uint64(len(dir))
	tileDataOffset := metadataOffset + uint64(len(metaJSON))

	h := make([]byte, headerSize)
	copy(h[0:7], "PMTiles")
	h[7] = 3
	bo.PutUint64(h[8:16], rootOffset)
	bo.PutUint64(h[16:24], uint64(len(dir)))
	bo.PutUint64(h[24:32], metadataOffset)
	bo.PutUint64(h[32:40], uint64(len(metaJSON)))
	bo.PutUint64(h[40:48], 0) // leaf offset
	bo.PutUint64(h[48:56], 0) // leaf length
	bo.PutUint64(h[56:64], tileDataOffset)
	bo.PutUint64(h[64:72], uint64(len(tileData)))
	bo.PutUint64(h[72:80], 1) // num addressed
	bo.PutUint64(h[80:88], 1) // num tiles
	bo.PutUint64(h[88:96], 0) // num leaves
	h[96] = 1                 // clustered
	h[97] = 1                 // internal compression: none
	h[98] = 1                 // tile compression: none
	h[99] = 2                 // tile type: png
	h[100] = 0                // min zoom
	h[101] = 0                // max zoom
	bo.PutUint32(h[102:106], uint32(int32(-10*1e7)))
	bo.PutUint32(h[106:110], uint32(int32(-5*1e7)))
	bo.PutUint32(h[110:114], uint32(int32(10*1e7)))
	bo.PutUint32(h[114:118], uint32(int32(5*1e7)))
	h[118] = 0 // center zoom
	bo.PutUint32(h[119:123], 0)
	bo.PutUint32(h[123:127], 0)

	out := make([]byte, 0, int(tileDataOffset)+len(tileData))
	out = append(out, h...)
	out = append(out, dir...)
	out = append(out, metaJSON...)
	out = append(out, tileData...)
	return out
}

func TestOpenPMTilesLocalAndReadTile(t *testing.T) {
	archive := buildOneTilePMTiles(t, []byte("png bytes"))
	path := filepath.Join(t.TempDir(), "fixture.pmtiles")
	require.NoError(t, os.WriteFile(path, archive, 0o644))

	d, err := OpenPMTilesLocal("ortho", path)
	require.NoError(t, err)
	defer d.Close()

	meta := d.Metadata()
	assert.Equal(t, "png", meta.Format)
	assert.Equal(t, "testsrc", meta.Name)
	require.NotNil(t, meta.Bounds)
	assert.InDelta(t, -10, meta.Bounds[0], 1e-6)

	blob, err := d.ReadTile(context.Background(), tile.NewCoords(0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(blob.Bytes))
	assert.Equal(t, "identity", blob.ContentEncoding)
}

func TestOpenPMTilesLocalReadTileNotFound(t *testing.T) {
	archive := buildOneTilePMTiles(t, []byte("png bytes"))
	path := filepath.Join(t.TempDir(), "fixture.pmtiles")
	require.NoError(t, os.WriteFile(path, archive, 0o644))

	d, err := OpenPMTilesLocal("ortho", path)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.ReadTile(context.Background(), tile.NewCoords(1, 0, 0))
	require.Error(t, err)
	assert.Equal(t, errorkind.NotFound, errorkind.KindOf(err))
}

func TestOpenPMTilesLocalRejectsBadMagic(t *testing.T) {
	archive := buildOneTilePMTiles(t, []byte("x"))
	copy(archive[0:7], "BADFILE")
	path := filepath.Join(t.TempDir(), "fixture.pmtiles")
	require.NoError(t, os.WriteFile(path, archive, 0o644))

	_, err := OpenPMTilesLocal("ortho", path)
	require.Error(t, err)
	assert.Equal(t, errorkind.ConfigInvalid, errorkind.KindOf(err))
}

func TestOpenPMTilesLocalRejectsMissingFile(t *testing.T) {
	_, err := OpenPMTilesLocal("ortho", "/no/such/file.pmtiles")
	require.Error(t, err)
	assert.Equal(t, errorkind.ConfigInvalid, errorkind.KindOf(err))
}
