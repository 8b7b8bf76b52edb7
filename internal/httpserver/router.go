package httpserver

import (
	"strconv"
	"strings"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
	"github.com/MeKo-Tech/tileserver/internal/tile"
)

// ParseRequest is the deterministic state machine described in §4.7: no
// pattern-library routing, just a manual walk over path segments, matching
// the teacher's own parseTilePath/parseTilePathMBTiles and the
// xyzmaps-xyztiles reference server's manual segment parsing.
func ParseRequest(urlPath, rawQuery string) (Request, error) {
	segments := splitPath(urlPath)

	switch {
	case urlPath == "/health":
		return Request{Tag: TagHealth}, nil
	case urlPath == "/data.json":
		return Request{Tag: TagSourceList}, nil
	case urlPath == "/styles.json":
		return Request{Tag: TagStyleList}, nil
	}

	if len(segments) == 0 {
		return Request{}, errorkind.New(errorkind.UserInput, "empty path")
	}

	switch segments[0] {
	case "data":
		return parseDataPath(segments[1:])
	case "styles":
		return parseStylesPath(segments[1:], rawQuery)
	case "fonts":
		return parseFontsPath(segments[1:])
	}

	return Request{}, errorkind.New(errorkind.UserInput, "unrecognized route")
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// parseDataPath handles:
//
//	/data/{id}.json
//	/data/{id}/{z}/{x}/{y}.{ext}
func parseDataPath(segs []string) (Request, error) {
	switch len(segs) {
	case 1:
		id, ok := trimSuffix(segs[0], ".json")
		if !ok {
			return Request{}, errorkind.New(errorkind.UserInput, "expected /data/{id}.json")
		}
		return Request{Tag: TagTileJSON, SourceID: id}, nil
	case 4:
		id := segs[0]
		coords, ext, scale, err := parseZXYWithScale(segs[1], segs[2], segs[3])
		if err != nil {
			return Request{}, err
		}
		return Request{Tag: TagVectorOrRasterTile, SourceID: id, Coords: coords, Scale: scale, Ext: ext}, nil
	default:
		return Request{}, errorkind.New(errorkind.UserInput, "malformed /data path")
	}
}

// parseStylesPath handles:
//
//	/styles/{id}/style.json
//	/styles/{id}/wmts.xml
//	/styles/{id}/{z}/{x}/{y}[@{s}x].{fmt}
//	/styles/{id}/static/{lon},{lat},{zoom}[@{bearing}[,{pitch}]]/{W}x{H}[@{s}x].{fmt}
//	/styles/{id}/static/{minx},{miny},{maxx},{maxy}/{W}x{H}[@{s}x].{fmt}
//	/styles/{id}/static/auto/{W}x{H}[@{s}x].{fmt}?path=...&marker=...
func parseStylesPath(segs []string, rawQuery string) (Request, error) {
	if len(segs) < 2 {
		return Request{}, errorkind.New(errorkind.UserInput, "malformed /styles path")
	}
	styleID := segs[0]
	rest := segs[1:]

	if len(rest) == 1 && rest[0] == "style.json" {
		return Request{Tag: TagStyleDoc, StyleID: styleID}, nil
	}
	if len(rest) == 1 && rest[0] == "wmts.xml" {
		return Request{Tag: TagWmts, StyleID: styleID}, nil
	}
	if len(rest) == 1 && strings.HasPrefix(rest[0], "sprite") {
		return parseSpritePath(styleID, rest[0])
	}

	if rest[0] == "static" {
		return parseStaticPath(styleID, rest[1:], rawQuery)
	}

	if len(rest) == 3 {
		coords, ext, scale, err := parseZXYWithScale(rest[0], rest[1], rest[2])
		if err != nil {
			return Request{}, err
		}
		return Request{Tag: TagVectorOrRasterTile, StyleID: styleID, Coords: coords, Scale: scale, Ext: ext}, nil
	}

	return Request{}, errorkind.New(errorkind.UserInput, "malformed /styles path")
}

func parseStaticPath(styleID string, rest []string, rawQuery string) (Request, error) {
	if len(rest) != 2 {
		return Request{}, errorkind.New(errorkind.UserInput, "malformed /styles/{id}/static path")
	}

	sizeSeg, ext, scale, err := parseSizeSegment(rest[1])
	if err != nil {
		return Request{}, err
	}
	w, h, err := parseWxH(sizeSeg)
	if err != nil {
		return Request{}, err
	}

	camSeg := rest[0]
	req := Request{Tag: TagStaticImage, StyleID: styleID, Width: w, Height: h, Scale: scale, Ext: ext, RawQuery: rawQuery}

	if camSeg == "auto" {
		req.StaticKind = StaticAuto
		return req, nil
	}

	// "@bearing[,pitch]" may be appended after the camera coordinates.
	base, bearing, pitch, hasOrientation := splitOrientation(camSeg)
	parts := strings.Split(base, ",")

	switch len(parts) {
	case 3: // lon,lat,zoom
		lon, lat, zoom, perr := parseFloat3(parts)
		if perr != nil {
			return Request{}, perr
		}
		req.StaticKind = StaticByCenter
		req.Lon, req.Lat, req.Zoom = lon, lat, zoom
		if hasOrientation {
			req.Bearing, req.Pitch = bearing, pitch
		}
		return req, nil
	case 4: // minx,miny,maxx,maxy
		var bbox [4]float64
		for i, p := range parts {
			f, perr := strconv.ParseFloat(p, 64)
			if perr != nil {
				return Request{}, errorkind.Wrap(errorkind.UserInput, "invalid bbox component", perr)
			}
			bbox[i] = f
		}
		req.StaticKind = StaticByBBox
		req.BBox = bbox
		return req, nil
	default:
		return Request{}, errorkind.New(errorkind.UserInput, "malformed static camera segment")
	}
}

func splitOrientation(seg string) (base string, bearing, pitch float64, ok bool) {
	at := strings.LastIndex(seg, "@")
	if at < 0 {
		return seg, 0, 0, false
	}
	base = seg[:at]
	orient := seg[at+1:]
	parts := strings.Split(orient, ",")
	if len(parts) == 1 {
		b, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return seg, 0, 0, false
		}
		return base, b, 0, true
	}
	if len(parts) == 2 {
		b, err1 := strconv.ParseFloat(parts[0], 64)
		p, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil {
			return seg, 0, 0, false
		}
		return base, b, p, true
	}
	return seg, 0, 0, false
}

func parseFloat3(parts []string) (a, b, c float64, err error) {
	vals := make([]float64, 3)
	for i, p := range parts {
		v, e := strconv.ParseFloat(p, 64)
		if e != nil {
			return 0, 0, 0, errorkind.Wrap(errorkind.UserInput, "invalid numeric component", e)
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], nil
}

func parseWxH(seg string) (int, int, error) {
	parts := strings.SplitN(seg, "x", 2)
	if len(parts) != 2 {
		return 0, 0, errorkind.New(errorkind.UserInput, "malformed WxH segment")
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, errorkind.New(errorkind.UserInput, "malformed WxH segment")
	}
	return w, h, nil
}

// parseSizeSegment splits "800x600@2x.webp" into size="800x600", ext="webp", scale=2.
func parseSizeSegment(seg string) (size, ext string, scale int, err error) {
	dot := strings.LastIndex(seg, ".")
	if dot < 0 {
		return "", "", 0, errorkind.New(errorkind.UserInput, "missing extension")
	}
	ext = strings.ToLower(seg[dot+1:])
	body := seg[:dot]

	scale = 1
	if at := strings.LastIndex(body, "@"); at >= 0 && strings.HasSuffix(body, "x") {
		scaleStr := body[at+1 : len(body)-1]
		n, perr := strconv.Atoi(scaleStr)
		if perr != nil {
			return "", "", 0, errorkind.Wrap(errorkind.UserInput, "invalid scale suffix", perr)
		}
		scale = n
		body = body[:at]
	}
	return body, ext, scale, nil
}

// parseZXYWithScale parses the {z}, {x}, and {y}[@{s}x].{ext} segments
// shared by /data and /styles tile endpoints.
func parseZXYWithScale(zSeg, xSeg, yExtSeg string) (tile.Coords, string, int, error) {
	z, err := strconv.Atoi(zSeg)
	if err != nil {
		return tile.Coords{}, "", 0, errorkind.Wrap(errorkind.UserInput, "invalid zoom", err)
	}
	x, err := strconv.Atoi(xSeg)
	if err != nil {
		return tile.Coords{}, "", 0, errorkind.Wrap(errorkind.UserInput, "invalid x", err)
	}

	dot := strings.LastIndex(yExtSeg, ".")
	if dot < 0 {
		return tile.Coords{}, "", 0, errorkind.New(errorkind.UserInput, "missing tile extension")
	}
	ext := strings.ToLower(yExtSeg[dot+1:])
	yBody := yExtSeg[:dot]

	scale := 1
	if at := strings.LastIndex(yBody, "@"); at >= 0 && strings.HasSuffix(yBody, "x") {
		n, perr := strconv.Atoi(yBody[at+1 : len(yBody)-1])
		if perr != nil {
			return tile.Coords{}, "", 0, errorkind.Wrap(errorkind.UserInput, "invalid scale suffix", perr)
		}
		scale = n
		yBody = yBody[:at]
	}

	y, err := strconv.Atoi(yBody)
	if err != nil {
		return tile.Coords{}, "", 0, errorkind.Wrap(errorkind.UserInput, "invalid y", err)
	}
	if z < 0 || x < 0 || y < 0 {
		return tile.Coords{}, "", 0, errorkind.New(errorkind.UserInput, "negative tile coordinate")
	}

	return tile.NewCoords(uint32(z), uint32(x), uint32(y)), ext, scale, nil
}

// parseSpritePath handles "sprite.json", "sprite.png", "sprite@2x.json",
// and "sprite@2x.png" (the MapLibre GL sprite sheet convention).
func parseSpritePath(styleID, seg string) (Request, error) {
	body, ok := trimSuffix(seg, ".json")
	format := "json"
	if !ok {
		body, ok = trimSuffix(seg, ".png")
		format = "png"
	}
	if !ok {
		return Request{}, errorkind.New(errorkind.UserInput, "malformed sprite path")
	}

	scale := 1
	var base string
	if at := strings.LastIndex(body, "@"); at >= 0 && strings.HasSuffix(body, "x") {
		n, perr := strconv.Atoi(body[at+1 : len(body)-1])
		if perr != nil {
			return Request{}, errorkind.Wrap(errorkind.UserInput, "invalid sprite scale suffix", perr)
		}
		scale = n
		base = body[:at]
	} else {
		base = body
	}
	if base != "sprite" {
		return Request{}, errorkind.New(errorkind.UserInput, "malformed sprite path")
	}

	return Request{Tag: TagSprite, StyleID: styleID, SpriteFormat: format, SpriteScale: scale}, nil
}

func parseFontsPath(segs []string) (Request, error) {
	if len(segs) != 2 {
		return Request{}, errorkind.New(errorkind.UserInput, "malformed /fonts path")
	}
	glyphRange, ok := trimSuffix(segs[1], ".pbf")
	if !ok {
		return Request{}, errorkind.New(errorkind.UserInput, "expected /fonts/{fontstack}/{range}.pbf")
	}
	return Request{Tag: TagFont, FontStack: segs[0], GlyphRange: glyphRange}, nil
}

func trimSuffix(s, suffix string) (string, bool) {
	if !strings.HasSuffix(s, suffix) {
		return "", false
	}
	return strings.TrimSuffix(s, suffix), true
}
