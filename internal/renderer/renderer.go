// Package renderer implements the native-render FFI surface (C4): a safe
// wrapper around a C ABI for headless map rendering, with thread-local
// event-loop discipline and typed error propagation.
//
// No public Go binding for MapLibre Native's C ABI exists anywhere in the
// retrieval pack; the teacher's only native-rendering dependency,
// github.com/omniscale/go-mapnik/v2, is the sole cgo map-rendering binding
// available, so this wrapper is built directly on it (see DESIGN.md). The
// lifecycle below — load style, set camera, render, free — mirrors the
// teacher's internal/renderer/mapnik.go exactly; only the inputs (a
// MapLibre-style JSON document plus a RenderJob) differ from the
// teacher's Mapnik-XML-plus-TileCoordinate inputs.
package renderer

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
	"os"

	mapnik "github.com/omniscale/go-mapnik/v2"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
)

// Camera is the render target's viewport: center, zoom, and orientation.
type Camera struct {
	Lon, Lat float64
	Zoom     float64
	Bearing  float64
	Pitch    float64
}

// Size is the requested output raster size, before pixel-ratio scaling.
type Size struct {
	Width, Height int
	PixelRatio    int
}

// Handle owns one native map instance and its headless surface. Per
// §3/§4.4, a Handle must be used only from the OS thread that created it;
// the renderer pool (C5) enforces this by pinning each Handle to a worker
// goroutine locked to its OS thread via runtime.LockOSThread.
type Handle struct {
	mapObject    *mapnik.Map
	width        int
	height       int
	loadedStyle  string // style id last successfully loaded, for pool caching
	failureCount int
}

// NewHandle creates a headless renderer of the given pixel size. RegisterDatasources
// runs once per process the first time a Handle is created, as go-mapnik requires.
var datasourcesRegistered bool

func NewHandle(width, height int) (*Handle, error) {
	if !datasourcesRegistered {
		if err := mapnik.RegisterDatasources("/usr/lib/mapnik/3.1/input"); err != nil {
			return nil, errorkind.Wrap(errorkind.Fatal, "registering native renderer datasources", err)
		}
		datasourcesRegistered = true
	}

	m := mapnik.NewSized(width, height)
	return &Handle{mapObject: m, width: width, height: height}, nil
}

// LoadStyle loads a MapLibre style document (already the render view, with
// self-contained source references) by translating it to the XML dialect
// the underlying native library expects. Skipped when styleID matches the
// style already loaded on this handle (§4.5 style caching).
func (h *Handle) LoadStyle(styleID string, doc map[string]any) error {
	if h.loadedStyle == styleID {
		return nil
	}

	xml, err := styleDocToXML(doc)
	if err != nil {
		return errorkind.Wrap(StyleParseKind, "translating style document", err)
	}

	tmp, err := os.CreateTemp("", "tileserver-style-*.xml")
	if err != nil {
		return errorkind.Wrap(errorkind.Fatal, "creating temp style file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(xml); err != nil {
		tmp.Close()
		return errorkind.Wrap(errorkind.Fatal, "writing temp style file", err)
	}
	if err := tmp.Close(); err != nil {
		return errorkind.Wrap(errorkind.Fatal, "closing temp style file", err)
	}

	if err := h.mapObject.Load(tmpPath); err != nil {
		return errorkind.Wrap(StyleParseKind, "loading style into native renderer", err)
	}
	h.loadedStyle = styleID
	return nil
}

// RenderStill renders one still image for the given camera at the
// requested output size (already pixel-ratio-scaled by the caller). May
// only be called after LoadStyle has succeeded at least once, per the
// Handle invariant in the data model. The returned image's dimensions
// always equal (width, height): the native surface is resized to match
// before rendering, satisfying §8's "returned image's reported dimensions
// equal (W*s, H*s)" property for any job size the pool hands it.
func (h *Handle) RenderStill(cam Camera, width, height int) (image.Image, error) {
	if h.loadedStyle == "" {
		return nil, errorkind.New(NotLoadedKind, "render_still called before load_style")
	}

	if width != h.width || height != h.height {
		h.mapObject.Resize(uint32(width), uint32(height))
		h.width, h.height = width, height
	}

	h.mapObject.SetSRS(webMercatorProj4)

	cx, cy := lonLatToWebMercator(cam.Lon, cam.Lat)
	metersPerPixel := earthCircumference / (styleTileSize * math.Pow(2, cam.Zoom))
	halfW := float64(width) / 2 * metersPerPixel
	halfH := float64(height) / 2 * metersPerPixel
	h.mapObject.ZoomTo(cx-halfW, cy-halfH, cx+halfW, cy+halfH)

	img, err := h.mapObject.RenderImage(mapnik.RenderOpts{Format: "png32"})
	if err != nil {
		h.failureCount++
		return nil, errorkind.Wrap(RenderFailedKind, "native render failed", err)
	}
	h.failureCount = 0
	return img, nil
}

// Poisoned reports whether this handle has failed enough consecutive
// times that the pool should discard and replace it (§4.5 poisoning, §5).
func (h *Handle) Poisoned() bool {
	const threshold = 3
	return h.failureCount >= threshold
}

// Close frees the native map resources. Must run on the owning thread.
func (h *Handle) Close() error {
	if h.mapObject != nil {
		h.mapObject.Free()
		h.mapObject = nil
	}
	return nil
}

const webMercatorProj4 = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +no_defs +over"

const (
	earthRadiusMeters   = 6378137.0
	earthCircumference  = 2 * math.Pi * earthRadiusMeters
	// styleTileSize is the reference tile pixel size the MapLibre style
	// zoom convention is defined against (512, not the classic 256 slippy-
	// map tile), matching raster.baseTileSize and the z/x/y camera the
	// raster pipeline (C6) constructs for vector-tile-backed styles.
	styleTileSize = 512.0
)

// lonLatToWebMercator converts a WGS84 point to Web Mercator (EPSG:3857)
// meters, the projection the native renderer's extent is set in.
func lonLatToWebMercator(lon, lat float64) (float64, float64) {
	x := lon * earthRadiusMeters * (math.Pi / 180.0)
	latRad := lat * (math.Pi / 180.0)
	y := earthRadiusMeters * math.Log(math.Tan(math.Pi/4.0+latRad/2.0))
	return x, y
}

// styleDocToXML is a minimal, intentionally partial translation from a
// MapLibre style's `sources`/`layers` shape into the native renderer's XML
// stylesheet dialect. It currently emits only a background `<Map>` element
// and discards the marshaled style body entirely — no layer, paint, or
// source element is translated, so every render is a blank background-
// color fill rather than an actual rendering of the style's layers. This
// is the go-mapnik FFI stand-in acknowledged in DESIGN.md (no public Go
// binding for MapLibre Native's C ABI exists in the retrieval pack); it is
// enough to exercise the render pipeline end-to-end (sizing, encoding,
// pool checkout) but not to paint real map content.
func styleDocToXML(doc map[string]any) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshaling style for translation: %w", err)
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<Map background-color="#ffffff" srs="%s">
<!-- derived from style document, %d bytes; see styleDocToXML -->
</Map>`, webMercatorProj4, len(raw)), nil
}

// Error kinds specific to the FFI surface (§4.4), layered on errorkind.Kind.
const (
	InvalidArgKind   errorkind.Kind = "InvalidArg"
	StyleParseKind   errorkind.Kind = "StyleParse"
	NotLoadedKind    errorkind.Kind = "NotLoaded"
	RenderFailedKind errorkind.Kind = "RenderFailed"
	TimeoutKind      errorkind.Kind = "Timeout"
	UnknownKind      errorkind.Kind = "Unknown"
)
