package raster

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
	"github.com/MeKo-Tech/tileserver/internal/tile"
)

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestEncodePNGAndJPEGAndWebP(t *testing.T) {
	opts := DefaultEncoderOptions()
	img := solidImage(4, 4, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	for _, format := range []string{"png", "jpg", "jpeg", "webp"} {
		out, err := opts.Encode(img, format)
		require.NoError(t, err, format)
		assert.NotEmpty(t, out, format)
	}
}

func TestEncodeUnsupportedFormat(t *testing.T) {
	opts := DefaultEncoderOptions()
	_, err := opts.Encode(solidImage(1, 1, color.White), "tiff")
	require.Error(t, err)
	assert.Equal(t, errorkind.UserInput, errorkind.KindOf(err))
}

func TestCompositeOnWhiteFlattensAlpha(t *testing.T) {
	transparent := image.NewRGBA(image.Rect(0, 0, 2, 2))
	transparent.Set(0, 0, color.RGBA{R: 255, A: 0})

	out := compositeOnWhite(transparent)
	r, g, b, a := out.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0xffff), g)
	assert.Equal(t, uint32(0xffff), b)
	assert.Equal(t, uint32(0xffff), a)
}

func TestRasterTileJob(t *testing.T) {
	coords := tile.NewCoords(10, 512, 340)
	job, err := RasterTileJob("bright", map[string]any{"version": 8.0}, coords, 2, "png")
	require.NoError(t, err)
	assert.Equal(t, "bright", job.StyleID)
	assert.Equal(t, "png", job.Format)
	assert.InDelta(t, float64(10), job.Camera.Zoom, 1e-9)
	assert.Equal(t, 1024, job.Width)
	assert.Equal(t, 1024, job.Height)
}

func TestRasterTileJobRejectsBadScale(t *testing.T) {
	coords := tile.NewCoords(10, 512, 340)
	_, err := RasterTileJob("bright", nil, coords, 5, "png")
	require.Error(t, err)
	assert.Equal(t, errorkind.UserInput, errorkind.KindOf(err))
}

func TestStaticByCenterJob(t *testing.T) {
	job, err := StaticByCenterJob("bright", nil, 13.4, 52.5, 10, 45, 30, 600, 400, 2, "png")
	require.NoError(t, err)
	assert.Equal(t, 13.4, job.Camera.Lon)
	assert.Equal(t, 45.0, job.Camera.Bearing)
	assert.Equal(t, 1200, job.Width)
	assert.Equal(t, 800, job.Height)
}

func TestStaticByCenterJobRejectsOversize(t *testing.T) {
	_, err := StaticByCenterJob("bright", nil, 0, 0, 1, 0, 0, 5000, 400, 1, "png")
	require.Error(t, err)
}

func TestStaticByBBoxJob(t *testing.T) {
	bbox := [4]float64{13.0, 52.0, 13.5, 52.5}
	job, err := StaticByBBoxJob("bright", nil, bbox, 800, 600, 1, "png", 0.1)
	require.NoError(t, err)
	assert.InDelta(t, 13.25, job.Camera.Lon, 1e-9)
	assert.InDelta(t, 52.25, job.Camera.Lat, 1e-9)
	assert.Equal(t, 800, job.Width)
	assert.Equal(t, 600, job.Height)
}

func TestStaticByBBoxJobRejectsInvertedBBox(t *testing.T) {
	bbox := [4]float64{13.5, 52.0, 13.0, 52.5}
	_, err := StaticByBBoxJob("bright", nil, bbox, 800, 600, 1, "png", 0.1)
	require.Error(t, err)
}

func TestBoundsOf(t *testing.T) {
	overlays := []Overlay{
		{Points: [][2]float64{{10, 50}, {11, 51}}},
		{Points: [][2]float64{{9, 49}}},
	}
	bbox, ok := BoundsOf(overlays)
	require.True(t, ok)
	assert.Equal(t, [4]float64{9, 49, 11, 51}, bbox)

	_, ok = BoundsOf(nil)
	assert.False(t, ok)
}
