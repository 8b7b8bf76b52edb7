// Package metadata implements TileJSON 3.0 and WMTS capabilities assembly
// (C9) from a source's driver metadata and the current request's
// scheme+host.
package metadata

import (
	"encoding/xml"
	"fmt"

	"github.com/MeKo-Tech/tileserver/internal/sources"
)

// TileJSON is the TileJSON 3.0 document shape.
type TileJSON struct {
	TileJSON     string                  `json:"tilejson"`
	Name         string                  `json:"name,omitempty"`
	Description  string                  `json:"description,omitempty"`
	Attribution  string                  `json:"attribution,omitempty"`
	Scheme       string                  `json:"scheme"`
	Tiles        []string                `json:"tiles"`
	MinZoom      int                     `json:"minzoom"`
	MaxZoom      int                     `json:"maxzoom"`
	Bounds       *[4]float64             `json:"bounds,omitempty"`
	Center       *[3]float64             `json:"center,omitempty"`
	VectorLayers []sources.VectorLayer   `json:"vector_layers,omitempty"`
}

// BuildTileJSON composes the absolute XYZ URL using baseURL (e.g.
// "https://tiles.example.com"), per §4.9.
func BuildTileJSON(meta sources.Metadata, baseURL string) TileJSON {
	ext := extensionForFormat(meta.Format)
	return TileJSON{
		TileJSON:     "3.0.0",
		Name:         meta.Name,
		Description:  meta.Description,
		Attribution:  meta.Attribution,
		Scheme:       "xyz",
		Tiles:        []string{fmt.Sprintf("%s/data/%s/{z}/{x}/{y}.%s", baseURL, meta.ID, ext)},
		MinZoom:      meta.MinZoom,
		MaxZoom:      meta.MaxZoom,
		Bounds:       meta.Bounds,
		Center:       meta.Center,
		VectorLayers: meta.VectorLayers,
	}
}

func extensionForFormat(format string) string {
	switch format {
	case "pbf", "mvt":
		return "pbf"
	case "jpg", "jpeg":
		return "jpg"
	case "webp":
		return "webp"
	default:
		return "png"
	}
}

// --- WMTS capabilities (§4.9, §6) ---

type wmtsCapabilities struct {
	XMLName xml.Name  `xml:"Capabilities"`
	Xmlns   string    `xml:"xmlns,attr"`
	Version string    `xml:"version,attr"`
	Contents wmtsContents `xml:"Contents"`
}

type wmtsContents struct {
	Layers         []wmtsLayer         `xml:"Layer"`
	TileMatrixSets []wmtsTileMatrixSet `xml:"TileMatrixSet"`
}

type wmtsLayer struct {
	Title        string           `xml:"ows:Title"`
	Identifier   string           `xml:"ows:Identifier"`
	Format       string           `xml:"Format"`
	TileMatrixSetLink string      `xml:"TileMatrixSetLink>TileMatrixSet"`
	ResourceURL  wmtsResourceURL  `xml:"ResourceURL"`
}

type wmtsResourceURL struct {
	Format       string `xml:"format,attr"`
	ResourceType string `xml:"resourceType,attr"`
	Template     string `xml:"template,attr"`
}

type wmtsTileMatrixSet struct {
	Identifier string `xml:"ows:Identifier"`
}

// BuildWMTSCapabilities renders a minimal, standards-shaped WMTS 1.0.0
// capabilities document: one Layer per style id, one TileMatrixSet named
// GoogleMapsCompatible, a ResourceURL templated against baseURL.
func BuildWMTSCapabilities(styleIDs []string, baseURL string) ([]byte, error) {
	caps := wmtsCapabilities{
		Xmlns:   "http://www.opengis.net/wmts/1.0",
		Version: "1.0.0",
		Contents: wmtsContents{
			TileMatrixSets: []wmtsTileMatrixSet{{Identifier: "GoogleMapsCompatible"}},
		},
	}
	for _, id := range styleIDs {
		caps.Contents.Layers = append(caps.Contents.Layers, wmtsLayer{
			Title:             id,
			Identifier:        id,
			Format:            "image/png",
			TileMatrixSetLink: "GoogleMapsCompatible",
			ResourceURL: wmtsResourceURL{
				Format:       "image/png",
				ResourceType: "tile",
				Template:     fmt.Sprintf("%s/styles/%s/{TileMatrix}/{TileCol}/{TileRow}.png", baseURL, id),
			},
		})
	}

	out, err := xml.MarshalIndent(caps, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
