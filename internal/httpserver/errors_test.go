package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
)

func TestStatusFor(t *testing.T) {
	for _, tc := range []struct {
		kind errorkind.Kind
		want int
	}{
		{errorkind.UserInput, http.StatusBadRequest},
		{errorkind.NotFound, http.StatusNotFound},
		{errorkind.EmptyTile, http.StatusNoContent},
		{errorkind.Upstream, http.StatusBadGateway},
		{errorkind.Timeout, http.StatusGatewayTimeout},
		{errorkind.Overload, http.StatusServiceUnavailable},
		{errorkind.ConfigInvalid, http.StatusInternalServerError},
		{errorkind.Fatal, http.StatusInternalServerError},
	} {
		assert.Equal(t, tc.want, statusFor(tc.kind), tc.kind)
	}
}

func TestWriteErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errorkind.New(errorkind.NotFound, "tile not found: z1_x0_y0"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NotFound", body.Error)
	assert.Equal(t, "tile not found: z1_x0_y0", body.Message)
}

func TestWriteErrorEmptyTileHasNoBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errorkind.New(errorkind.EmptyTile, "nothing to draw"))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestWriteErrorOverloadSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errorkind.New(errorkind.Overload, "renderer pool queue full"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
