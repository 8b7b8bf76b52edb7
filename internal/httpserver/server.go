// Package httpserver implements the HTTP surface (C7): explicit route
// parsing, response assembly, cache-control/CORS policy, and dispatch into
// the source manager, style manager, and raster/render pipeline.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MeKo-Tech/tileserver/internal/config"
	"github.com/MeKo-Tech/tileserver/internal/errorkind"
	"github.com/MeKo-Tech/tileserver/internal/metadata"
	"github.com/MeKo-Tech/tileserver/internal/raster"
	"github.com/MeKo-Tech/tileserver/internal/rendererpool"
	"github.com/MeKo-Tech/tileserver/internal/sources"
	"github.com/MeKo-Tech/tileserver/internal/style"
)

// Server wires every component behind C7's single http.Handler.
type Server struct {
	Sources  *sources.Manager
	Styles   *style.Manager
	Renderer *rendererpool.Manager
	Encoder  raster.EncoderOptions
	CORS     config.CORSPolicy

	// PublicBaseURL, when set, overrides the scheme+host derived from the
	// request for TileJSON/WMTS URL assembly (useful behind a reverse proxy).
	PublicBaseURL string

	// FontsDir serves `/fonts/{fontstack}/{range}.pbf` glyph PBFs; FilesDir
	// serves `/styles/{id}/sprite[@Nx].{json,png}` sprite sheets, each
	// looked up under a per-style subdirectory named for the style id.
	FontsDir string
	FilesDir string
}

var _ http.Handler = (*Server)(nil)

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.applyCORS(w, r)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := ParseRequest(r.URL.Path, r.URL.RawQuery)
	if err != nil {
		writeError(w, err)
		return
	}

	head := r.Method == http.MethodHead
	switch req.Tag {
	case TagHealth:
		s.serveHealth(w, head)
	case TagSourceList:
		s.serveSourceList(w, r, head)
	case TagTileJSON:
		s.serveTileJSON(w, r, req, head)
	case TagVectorOrRasterTile:
		s.serveTile(w, r, req, head)
	case TagStyleList:
		s.serveStyleList(w, head)
	case TagStyleDoc:
		s.serveStyleDoc(w, req, head)
	case TagStaticImage:
		s.serveStaticImage(w, r, req, head)
	case TagWmts:
		s.serveWMTS(w, r, req, head)
	case TagFont:
		s.serveFont(w, req, head)
	case TagSprite:
		s.serveSprite(w, req, head)
	default:
		writeError(w, errorkind.New(errorkind.UserInput, "unrecognized route"))
	}
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if s.CORS.AllowAll {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		return
	}
	if s.CORS.Allow(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
	}
}

func (s *Server) baseURL(r *http.Request) string {
	if s.PublicBaseURL != "" {
		return s.PublicBaseURL
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

func writeJSON(w http.ResponseWriter, cacheControl string, head bool, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", cacheControl)
	if head {
		w.WriteHeader(http.StatusOK)
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) serveHealth(w http.ResponseWriter, head bool) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if head {
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) serveSourceList(w http.ResponseWriter, r *http.Request, head bool) {
	base := s.baseURL(r)
	metas := s.Sources.List()
	out := make([]metadata.TileJSON, 0, len(metas))
	for _, m := range metas {
		out = append(out, metadata.BuildTileJSON(m, base))
	}
	writeJSON(w, "public, max-age=60", head, out)
}

func (s *Server) serveTileJSON(w http.ResponseWriter, r *http.Request, req Request, head bool) {
	m, ok := s.Sources.Metadata(req.SourceID)
	if !ok {
		writeError(w, errorkind.New(errorkind.NotFound, "unknown source: "+req.SourceID))
		return
	}
	writeJSON(w, "public, max-age=60", head, metadata.BuildTileJSON(m, s.baseURL(r)))
}

func (s *Server) serveTile(w http.ResponseWriter, r *http.Request, req Request, head bool) {
	if req.SourceID != "" {
		s.serveSourceTile(w, r, req, head)
		return
	}
	s.serveStyleTile(w, r, req, head)
}

func (s *Server) serveSourceTile(w http.ResponseWriter, r *http.Request, req Request, head bool) {
	drv, ok := s.Sources.Get(req.SourceID)
	if !ok {
		writeError(w, errorkind.New(errorkind.NotFound, "unknown source: "+req.SourceID))
		return
	}

	blob, err := drv.ReadTileWithParams(r.Context(), req.Coords, queryParams(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if blob.Empty() {
		w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", blob.ContentType)
	if blob.ContentEncoding != "" && blob.ContentEncoding != "identity" {
		w.Header().Set("Content-Encoding", blob.ContentEncoding)
	}
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	if head {
		return
	}
	_, _ = w.Write(blob.Bytes)
}

func (s *Server) serveStyleTile(w http.ResponseWriter, r *http.Request, req Request, head bool) {
	view, ok := s.Styles.GetRenderView(req.StyleID)
	if !ok {
		writeError(w, errorkind.New(errorkind.NotFound, "unknown style: "+req.StyleID))
		return
	}

	job, err := raster.RasterTileJob(req.StyleID, view, req.Coords, req.Scale, req.Ext)
	if err != nil {
		writeError(w, err)
		return
	}

	bytes, err := s.renderAndEncode(r.Context(), req.Scale, job)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentTypeForExt(req.Ext))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if head {
		return
	}
	_, _ = w.Write(bytes)
}

func (s *Server) serveStyleList(w http.ResponseWriter, head bool) {
	writeJSON(w, "public, max-age=60", head, s.Styles.List())
}

func (s *Server) serveStyleDoc(w http.ResponseWriter, req Request, head bool) {
	raw, ok := s.Styles.GetClient(req.StyleID)
	if !ok {
		writeError(w, errorkind.New(errorkind.NotFound, "unknown style: "+req.StyleID))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=60")
	if head {
		return
	}
	_, _ = w.Write(raw)
}

func (s *Server) serveStaticImage(w http.ResponseWriter, r *http.Request, req Request, head bool) {
	view, ok := s.Styles.GetRenderView(req.StyleID)
	if !ok {
		writeError(w, errorkind.New(errorkind.NotFound, "unknown style: "+req.StyleID))
		return
	}

	var job rendererpool.Job
	var err error
	switch req.StaticKind {
	case StaticByCenter:
		job, err = raster.StaticByCenterJob(req.StyleID, view, req.Lon, req.Lat, req.Zoom, req.Bearing, req.Pitch, req.Width, req.Height, req.Scale, req.Ext)
	case StaticByBBox:
		job, err = raster.StaticByBBoxJob(req.StyleID, view, req.BBox, req.Width, req.Height, req.Scale, req.Ext, 0.1)
	case StaticAuto:
		overlays, perr := parseOverlays(req.RawQuery)
		if perr != nil {
			writeError(w, perr)
			return
		}
		bbox, found := raster.BoundsOf(overlays)
		if !found {
			writeError(w, errorkind.New(errorkind.UserInput, "static auto requires at least one overlay"))
			return
		}
		job, err = raster.StaticByBBoxJob(req.StyleID, view, bbox, req.Width, req.Height, req.Scale, req.Ext, 0.1)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	bytes, err := s.renderAndEncode(r.Context(), req.Scale, job)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentTypeForExt(req.Ext))
	w.Header().Set("Cache-Control", "public, max-age=300")
	if head {
		return
	}
	_, _ = w.Write(bytes)
}

func (s *Server) serveWMTS(w http.ResponseWriter, r *http.Request, req Request, head bool) {
	if _, ok := s.Styles.GetClient(req.StyleID); !ok {
		writeError(w, errorkind.New(errorkind.NotFound, "unknown style: "+req.StyleID))
		return
	}
	doc, err := metadata.BuildWMTSCapabilities([]string{req.StyleID}, s.baseURL(r))
	if err != nil {
		writeError(w, errorkind.Wrap(errorkind.Fatal, "building WMTS capabilities", err))
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	if head {
		return
	}
	_, _ = w.Write(doc)
}

// safePathSegment rejects a decoded URL segment that would escape its
// parent directory when joined into a filesystem path (".." in particular)
// — the request-time counterpart to config.go's startup-time path-
// traversal guard on configured source/style paths.
func safePathSegment(seg string) bool {
	return seg != "" && seg != "." && seg != ".." && !strings.ContainsAny(seg, "/\\")
}

// serveFont reads a glyph-range PBF from FontsDir/{fontstack}/{range}.pbf.
// Font stacks and ranges are pre-rendered SDF assets with no generation
// logic of their own (§1's "related ... font ... assets"); this server's
// job is locating and streaming the right file.
func (s *Server) serveFont(w http.ResponseWriter, req Request, head bool) {
	if s.FontsDir == "" {
		writeError(w, errorkind.New(errorkind.NotFound, "no fonts directory configured"))
		return
	}
	if !safePathSegment(req.FontStack) || !safePathSegment(req.GlyphRange) {
		writeError(w, errorkind.New(errorkind.UserInput, "invalid font path"))
		return
	}
	path := filepath.Join(s.FontsDir, req.FontStack, req.GlyphRange+".pbf")
	data, err := os.ReadFile(path)
	if err != nil {
		writeError(w, errorkind.Wrap(errorkind.NotFound, "font glyph range not found: "+req.FontStack+"/"+req.GlyphRange, err))
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	if head {
		return
	}
	_, _ = w.Write(data)
}

// serveSprite reads a sprite sheet image or its icon-rectangle JSON index
// from FilesDir/{styleID}/sprite[@Nx].{json,png}.
func (s *Server) serveSprite(w http.ResponseWriter, req Request, head bool) {
	if s.FilesDir == "" {
		writeError(w, errorkind.New(errorkind.NotFound, "no sprite files directory configured"))
		return
	}
	if !safePathSegment(req.StyleID) {
		writeError(w, errorkind.New(errorkind.UserInput, "invalid sprite path"))
		return
	}
	name := "sprite"
	if req.SpriteScale > 1 {
		name = fmt.Sprintf("sprite@%dx", req.SpriteScale)
	}
	path := filepath.Join(s.FilesDir, req.StyleID, name+"."+req.SpriteFormat)
	data, err := os.ReadFile(path)
	if err != nil {
		writeError(w, errorkind.Wrap(errorkind.NotFound, "sprite not found: "+req.StyleID+"/"+name, err))
		return
	}

	if req.SpriteFormat == "json" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "image/png")
	}
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	if head {
		return
	}
	_, _ = w.Write(data)
}

func (s *Server) renderAndEncode(ctx context.Context, scale int, job rendererpool.Job) ([]byte, error) {
	pool := s.Renderer.For(scale)
	if pool == nil {
		return nil, errorkind.New(errorkind.ConfigInvalid, "no renderer pool configured")
	}

	job.RequestID = uuid.NewString()

	deadline, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	bytes, err := pool.Submit(deadline, job)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

func queryParams(r *http.Request) map[string]string {
	q := r.URL.Query()
	if len(q) == 0 {
		return nil
	}
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func contentTypeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

// parseOverlays decodes the `path=` and `marker=` query parameters of the
// static "auto" endpoint into raster.Overlay values. Each occurrence of
// path/marker is "lon,lat|lon,lat|..." pairs separated by "|".
func parseOverlays(rawQuery string) ([]raster.Overlay, error) {
	values, err := parseQuery(rawQuery)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.UserInput, "parsing overlay query", err)
	}

	var overlays []raster.Overlay
	for _, key := range []string{"path", "marker"} {
		for _, v := range values[key] {
			ov, err := parseOverlayValue(v)
			if err != nil {
				return nil, err
			}
			overlays = append(overlays, ov)
		}
	}
	return overlays, nil
}

func parseOverlayValue(v string) (raster.Overlay, error) {
	var ov raster.Overlay
	for _, pair := range strings.Split(v, "|") {
		if pair == "" {
			continue
		}
		parts := strings.Split(pair, ",")
		if len(parts) != 2 {
			return raster.Overlay{}, errorkind.New(errorkind.UserInput, "malformed overlay point: "+pair)
		}
		lon, lat, err := parseLonLat(parts[0], parts[1])
		if err != nil {
			return raster.Overlay{}, err
		}
		ov.Points = append(ov.Points, [2]float64{lon, lat})
	}
	if len(ov.Points) == 0 {
		return raster.Overlay{}, errorkind.New(errorkind.UserInput, "overlay has no points")
	}
	return ov, nil
}

func parseQuery(rawQuery string) (url.Values, error) {
	return url.ParseQuery(rawQuery)
}

func parseLonLat(lonStr, latStr string) (float64, float64, error) {
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return 0, 0, errorkind.Wrap(errorkind.UserInput, "invalid overlay longitude", err)
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return 0, 0, errorkind.Wrap(errorkind.UserInput, "invalid overlay latitude", err)
	}
	return lon, lat, nil
}
