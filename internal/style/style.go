// Package style implements the style manager (C3): loading MapLibre GL
// style documents and deriving a self-contained "render view" for the
// in-process native renderer.
package style

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
	"github.com/MeKo-Tech/tileserver/internal/sources"
)

// Entry for style manager configuration (mirrors sources.Entry's shape).
type Entry struct {
	ID   string
	Path string
}

// Style holds both views of one configured style.
type Style struct {
	ID         string
	ClientJSON []byte // verbatim bytes of the configured file
	RenderView map[string]any
}

// Manager is the read-only, load-once-at-startup style registry.
type Manager struct {
	mu     sync.RWMutex
	styles map[string]*Style
	order  []string
}

// NewManager loads every configured style file and derives its render view.
// publicBaseURL is this server's scheme+host prefix (e.g.
// "http://localhost:8080"), used to build the inline
// "{publicBaseURL}/data/{id}/{z}/{x}/{y}.{ext}" tile templates that
// replace references to its own /data endpoint.
func NewManager(entries []Entry, mgr *sources.Manager, publicBaseURL string) (*Manager, error) {
	m := &Manager{styles: make(map[string]*Style, len(entries))}

	for _, e := range entries {
		raw, err := os.ReadFile(e.Path)
		if err != nil {
			return nil, errorkind.Wrap(errorkind.ConfigInvalid, "reading style file "+e.Path, err)
		}

		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, errorkind.Wrap(errorkind.ConfigInvalid, "parsing style JSON "+e.Path, err)
		}

		renderView, err := deriveRenderView(doc, mgr, publicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("deriving render view for style %q: %w", e.ID, err)
		}

		m.styles[e.ID] = &Style{ID: e.ID, ClientJSON: raw, RenderView: renderView}
		m.order = append(m.order, e.ID)
	}

	return m, nil
}

// deriveRenderView deep-copies doc and rewrites any `sources[*].url` that
// points at this server's own `/data/{id}.json` TileJSON endpoint into an
// inline `tiles` array plus zoom bounds, so the native renderer (running
// in-process) never has to make a loopback HTTP call to resolve it. See
// §4.3 and DESIGN NOTES "style-as-graph with cycles": the rewrite mutates
// a deep copy, leaving the client view untouched.
func deriveRenderView(doc map[string]any, mgr *sources.Manager, publicBaseURL string) (map[string]any, error) {
	view := deepCopyJSON(doc).(map[string]any)

	rawSources, ok := view["sources"].(map[string]any)
	if !ok {
		return view, nil
	}

	for name, raw := range rawSources {
		srcObj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		url, _ := srcObj["url"].(string)
		sourceID, ok := parseDataJSONRef(url)
		if !ok {
			continue
		}

		meta, found := mgr.Metadata(sourceID)
		if !found {
			return nil, fmt.Errorf("style references unknown source %q", sourceID)
		}

		ext := extensionForFormat(meta.Format)
		delete(srcObj, "url")
		srcObj["tiles"] = []string{
			fmt.Sprintf("%s/data/%s/{z}/{x}/{y}.%s", publicBaseURL, sourceID, ext),
		}
		srcObj["minzoom"] = meta.MinZoom
		srcObj["maxzoom"] = meta.MaxZoom
		rawSources[name] = srcObj
	}

	view["sources"] = rawSources
	return view, nil
}

// parseDataJSONRef recognizes this server's own TileJSON URL shape,
// "/data/{id}.json", optionally with a scheme+host prefix.
func parseDataJSONRef(url string) (string, bool) {
	const prefix = "/data/"
	const suffix = ".json"
	idx := indexAfterHost(url, prefix)
	if idx < 0 {
		return "", false
	}
	rest := url[idx+len(prefix):]
	if len(rest) <= len(suffix) || rest[len(rest)-len(suffix):] != suffix {
		return "", false
	}
	return rest[:len(rest)-len(suffix)], true
}

func indexAfterHost(url, marker string) int {
	for i := 0; i+len(marker) <= len(url); i++ {
		if url[i:i+len(marker)] == marker {
			return i
		}
	}
	return -1
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

func deepCopyJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = deepCopyJSON(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = deepCopyJSON(vv)
		}
		return out
	default:
		return v
	}
}

// GetClient returns the verbatim configured style JSON bytes.
func (m *Manager) GetClient(id string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.styles[id]
	if !ok {
		return nil, false
	}
	return s.ClientJSON, true
}

// GetRenderView returns the rewritten style document for the renderer.
func (m *Manager) GetRenderView(id string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.styles[id]
	if !ok {
		return nil, false
	}
	return s.RenderView, true
}

// List returns the configured style ids in configuration order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}
