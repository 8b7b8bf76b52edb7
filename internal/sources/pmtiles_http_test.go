package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tileserver/internal/tile"
)

// rangeServer serves archive via Range requests only, the same contract
// PMTilesHTTPDriver relies on.
func rangeServer(t *testing.T, archive []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if !strings.HasPrefix(rng, "bytes=") {
			http.Error(w, "range required", http.StatusBadRequest)
			return
		}
		parts := strings.SplitN(strings.TrimPrefix(rng, "bytes="), "-", 2)
		start, err := strconv.Atoi(parts[0])
		require.NoError(t, err)
		end, err := strconv.Atoi(parts[1])
		require.NoError(t, err)
		if end >= len(archive) {
			end = len(archive) - 1
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(archive[start : end+1])
	}))
}

func TestOpenPMTilesHTTPAndReadTile(t *testing.T) {
	archive := buildOneTilePMTiles(t, []byte("remote png bytes"))
	srv := rangeServer(t, archive)
	defer srv.Close()

	d, err := OpenPMTilesHTTP("ortho", srv.URL, nil)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, "png", d.Metadata().Format)

	blob, err := d.ReadTile(context.Background(), tile.NewCoords(0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, "remote png bytes", string(blob.Bytes))
}

func TestOpenPMTilesHTTPRejectsUnreachableHost(t *testing.T) {
	_, err := OpenPMTilesHTTP("ortho", "http://127.0.0.1:1/does-not-exist", &http.Client{})
	require.Error(t, err)
}
