// Package raster implements the raster/static-image pipeline (C6):
// translating a decoded TileRequest into a rendererpool.Job, validating
// size/scale limits, and encoding the rendered image to PNG/JPEG/WebP.
package raster

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"
	"strings"

	"github.com/chai2010/webp"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
	"github.com/MeKo-Tech/tileserver/internal/renderer"
	"github.com/MeKo-Tech/tileserver/internal/rendererpool"
	"github.com/MeKo-Tech/tileserver/internal/tile"
)

const (
	baseTileSize  = 512
	maxDimension  = 4096
	maxPixelRatio = 4
	maxPixelArea  = 16 * 1024 * 1024
)

// EncoderOptions controls the fixed encode settings referenced in §4.6 and
// Open Question resolution #2 of SPEC_FULL.md.
type EncoderOptions struct {
	PNGCompression png.CompressionLevel
	JPEGQuality    int
	WebPQuality    float32
}

// DefaultEncoderOptions matches the teacher's png-compression flag default
// ("default") plus the spec's fixed JPEG/WebP quality (~85).
func DefaultEncoderOptions() EncoderOptions {
	return EncoderOptions{
		PNGCompression: png.DefaultCompression,
		JPEGQuality:    85,
		WebPQuality:    85,
	}
}

// Encode implements rendererpool.Encoder for the configured options.
// JPEG has no alpha channel, so alpha is composited onto opaque white.
func (o EncoderOptions) Encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer

	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: o.PNGCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, err
		}
	case "jpg", "jpeg":
		opaque := compositeOnWhite(img)
		if err := jpeg.Encode(&buf, opaque, &jpeg.Options{Quality: o.JPEGQuality}); err != nil {
			return nil, err
		}
	case "webp":
		if err := webp.Encode(&buf, img, &webp.Options{Quality: o.WebPQuality}); err != nil {
			return nil, err
		}
	default:
		return nil, errorkind.New(errorkind.UserInput, "unsupported image format: "+format)
	}

	return buf.Bytes(), nil
}

// compositeOnWhite flattens img onto an opaque white background, matching
// "composited onto opaque white" in §4.6 (JPEG has no alpha channel).
func compositeOnWhite(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, b, img, b.Min, draw.Over)
	return out
}

// RasterTileJob builds the render job for a style-raster tile request:
// GET /styles/{id}/{z}/{x}/{y}[@{s}x].{fmt}.
func RasterTileJob(styleID string, style map[string]any, coords tile.Coords, scale int, format string) (rendererpool.Job, error) {
	if err := validateScale(scale); err != nil {
		return rendererpool.Job{}, err
	}

	lon, lat := coords.Center()
	return rendererpool.Job{
		StyleID: styleID,
		Style:   style,
		Camera:  renderer.Camera{Lon: lon, Lat: lat, Zoom: float64(coords.Z)},
		Format:  format,
		Width:   baseTileSize * scale,
		Height:  baseTileSize * scale,
	}, nil
}

// StaticByCenterJob builds the render job for
// GET /styles/{id}/static/{lon},{lat},{zoom}[@{bearing}[,{pitch}]]/{W}x{H}[@{s}x].{fmt}.
func StaticByCenterJob(styleID string, style map[string]any, lon, lat, zoom, bearing, pitch float64, w, h, scale int, format string) (rendererpool.Job, error) {
	if err := validateSize(w, h, scale); err != nil {
		return rendererpool.Job{}, err
	}
	return rendererpool.Job{
		StyleID: styleID,
		Style:   style,
		Camera:  renderer.Camera{Lon: lon, Lat: lat, Zoom: zoom, Bearing: bearing, Pitch: pitch},
		Format:  format,
		Width:   w * scale,
		Height:  h * scale,
	}, nil
}

// StaticByBBoxJob fits bbox=[minX,minY,maxX,maxY] (WGS84) into (W,H) by
// choosing the largest (fractional) zoom, clamped to [0, 22], at which the
// bbox fits with padding, per §4.6's "static by bounding box" contract.
func StaticByBBoxJob(styleID string, style map[string]any, bbox [4]float64, w, h, scale int, format string, paddingFraction float64) (rendererpool.Job, error) {
	if err := validateSize(w, h, scale); err != nil {
		return rendererpool.Job{}, err
	}
	if bbox[0] >= bbox[2] || bbox[1] >= bbox[3] {
		return rendererpool.Job{}, errorkind.New(errorkind.UserInput, "empty or inverted bounding box")
	}

	centerLon := (bbox[0] + bbox[2]) / 2
	centerLat := (bbox[1] + bbox[3]) / 2
	zoom := fitZoomToBBox(bbox, w, h, paddingFraction)

	return rendererpool.Job{
		StyleID: styleID,
		Style:   style,
		Camera:  renderer.Camera{Lon: centerLon, Lat: centerLat, Zoom: zoom},
		Format:  format,
		Width:   w * scale,
		Height:  h * scale,
	}, nil
}

// Overlay is a thin, independently testable marker/polyline the static
// "auto" endpoint folds into its bounds computation. Overlays only decide
// the camera; they are not drawn onto the rendered image.
type Overlay struct {
	Points [][2]float64 // lon, lat pairs
}

// BoundsOf returns the union bbox of a set of overlays.
func BoundsOf(overlays []Overlay) ([4]float64, bool) {
	if len(overlays) == 0 {
		return [4]float64{}, false
	}
	minLon, minLat := math.Inf(1), math.Inf(1)
	maxLon, maxLat := math.Inf(-1), math.Inf(-1)
	for _, ov := range overlays {
		for _, pt := range ov.Points {
			minLon = math.Min(minLon, pt[0])
			maxLon = math.Max(maxLon, pt[0])
			minLat = math.Min(minLat, pt[1])
			maxLat = math.Max(maxLat, pt[1])
		}
	}
	return [4]float64{minLon, minLat, maxLon, maxLat}, true
}

func fitZoomToBBox(bbox [4]float64, w, h int, paddingFraction float64) float64 {
	if paddingFraction <= 0 {
		paddingFraction = 0.1
	}
	effW := float64(w) * (1 - 2*paddingFraction)
	effH := float64(h) * (1 - 2*paddingFraction)

	lonSpan := bbox[2] - bbox[0]
	latSpan := bbox[3] - bbox[1]

	zoomForLon := math.Log2(effW * 360.0 / (lonSpan * baseTileSize))
	zoomForLat := math.Log2(effH * 360.0 / (latSpan * baseTileSize))

	zoom := math.Min(zoomForLon, zoomForLat)
	return math.Max(0, math.Min(22, zoom))
}

func validateSize(w, h, scale int) error {
	if w < 1 || w > maxDimension || h < 1 || h > maxDimension {
		return errorkind.New(errorkind.UserInput, "width/height out of range")
	}
	if err := validateScale(scale); err != nil {
		return err
	}
	if int64(w)*int64(scale)*int64(h)*int64(scale) > maxPixelArea {
		return errorkind.New(errorkind.UserInput, "effective pixel area exceeds limit")
	}
	return nil
}

func validateScale(scale int) error {
	if scale < 1 || scale > maxPixelRatio {
		return errorkind.New(errorkind.UserInput, "pixel ratio out of range")
	}
	return nil
}
