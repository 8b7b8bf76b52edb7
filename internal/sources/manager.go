package sources

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sync"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Entry is one configured source as read from Config.Sources.
type Entry struct {
	ID          string
	Type        string // pmtiles | mbtiles | cog | postgres
	Path        string // local file path
	URL         string // remote URL (pmtiles http, postgres DSN)
	Name        string
	Attribution string
	Function    string // postgres only
}

// Manager holds the id→driver mapping for the process lifetime. It is
// read-only after NewManager returns, so handlers may hold a reference without
// further synchronization; the mutex only guards against the theoretical
// case of a hot-reload being added later.
type Manager struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	order   []string
}

// NewManager opens every configured source eagerly; any driver failing to
// open aborts the whole call, matching §4.8 step 5.
func NewManager(ctx context.Context, entries []Entry, httpClient *http.Client) (*Manager, error) {
	m := &Manager{drivers: make(map[string]Driver, len(entries))}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !idPattern.MatchString(e.ID) {
			m.Close()
			return nil, errorkind.New(errorkind.ConfigInvalid, "invalid source id: "+e.ID)
		}
		if seen[e.ID] {
			m.Close()
			return nil, errorkind.New(errorkind.ConfigInvalid, "duplicate source id: "+e.ID)
		}
		seen[e.ID] = true

		driver, err := openDriver(ctx, e, httpClient)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("opening source %q: %w", e.ID, err)
		}
		m.drivers[e.ID] = driver
		m.order = append(m.order, e.ID)
	}

	return m, nil
}

func openDriver(ctx context.Context, e Entry, httpClient *http.Client) (Driver, error) {
	switch e.Type {
	case "mbtiles":
		return OpenMBTiles(e.ID, e.Path)
	case "pmtiles":
		if e.URL != "" {
			return OpenPMTilesHTTP(e.ID, e.URL, httpClient)
		}
		return OpenPMTilesLocal(e.ID, e.Path)
	case "cog":
		return OpenCog(e.ID, e.Path)
	case "postgres":
		return OpenPostgis(ctx, PostgisConfig{
			ID:          e.ID,
			DSN:         e.URL,
			Function:    e.Function,
			Name:        e.Name,
			Attribution: e.Attribution,
			MinZoom:     0,
			MaxZoom:     22,
		})
	default:
		return nil, errorkind.New(errorkind.ConfigInvalid, "unknown source type: "+e.Type)
	}
}

// Get returns the driver for id.
func (m *Manager) Get(id string) (Driver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	return d, ok
}

// List returns metadata for every configured source, in configuration order.
func (m *Manager) List() []Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Metadata, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.drivers[id].Metadata())
	}
	return out
}

// Metadata returns the metadata for a single source id.
func (m *Manager) Metadata(id string) (Metadata, bool) {
	d, ok := m.Get(id)
	if !ok {
		return Metadata{}, false
	}
	return d.Metadata(), true
}

// Close closes every opened driver, collecting (not short-circuiting on)
// individual close errors so a slow shutdown still releases everything.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, d := range m.drivers {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
