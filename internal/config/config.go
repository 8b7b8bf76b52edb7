// Package config implements configuration resolution (C8): typed config
// load, CLI/env/file precedence (via viper), path normalization, and CORS
// policy compilation, following the teacher's viper-binding conventions in
// internal/cmd/root.go and internal/cmd/serve.go.
package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ServerConfig is the `[server]` table.
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// SourceConfig is one `[[sources]]` entry.
type SourceConfig struct {
	ID          string `mapstructure:"id"`
	Type        string `mapstructure:"type"`
	Path        string `mapstructure:"path"`
	URL         string `mapstructure:"url"`
	Name        string `mapstructure:"name"`
	Attribution string `mapstructure:"attribution"`
	Function    string `mapstructure:"function"`
}

// StyleConfig is one `[[styles]]` entry.
type StyleConfig struct {
	ID   string `mapstructure:"id"`
	Path string `mapstructure:"path"`
}

// Config is the fully-resolved, normalized snapshot loaded once at
// startup, matching the data model's Config entity.
type Config struct {
	Fonts   string         `mapstructure:"fonts"`
	Files   string         `mapstructure:"files"`
	Server  ServerConfig   `mapstructure:"server"`
	Sources []SourceConfig `mapstructure:"sources"`
	Styles  []StyleConfig  `mapstructure:"styles"`

	// DataRoot is the directory every source/style/fonts/files path must
	// canonicalize under; empty disables the path-traversal guard (tests
	// and fixture-relative configs run with it unset).
	DataRoot string `mapstructure:"-"`
}

// Defaults mirrors the teacher's flag defaults (internal/cmd/serve.go)
// translated to this server's CLI surface.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
	}
}

// Normalize applies §4.8: canonicalize paths, reject path traversal, and
// validate id uniqueness/shape. It mutates Config in place for the path
// fields it rewrites.
func (c *Config) Normalize() error {
	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if !idPattern.MatchString(s.ID) {
			return errorkind.New(errorkind.ConfigInvalid, "invalid source id: "+s.ID)
		}
		if seen[s.ID] {
			return errorkind.New(errorkind.ConfigInvalid, "duplicate source id: "+s.ID)
		}
		seen[s.ID] = true

		if s.Path != "" {
			canon, err := c.canonicalize(s.Path)
			if err != nil {
				return err
			}
			s.Path = canon
		}
	}

	seenStyles := make(map[string]bool, len(c.Styles))
	for i := range c.Styles {
		s := &c.Styles[i]
		if !idPattern.MatchString(s.ID) {
			return errorkind.New(errorkind.ConfigInvalid, "invalid style id: "+s.ID)
		}
		if seenStyles[s.ID] {
			return errorkind.New(errorkind.ConfigInvalid, "duplicate style id: "+s.ID)
		}
		seenStyles[s.ID] = true

		canon, err := c.canonicalize(s.Path)
		if err != nil {
			return err
		}
		s.Path = canon
	}

	if c.Fonts != "" {
		canon, err := c.canonicalize(c.Fonts)
		if err != nil {
			return err
		}
		c.Fonts = canon
	}
	if c.Files != "" {
		canon, err := c.canonicalize(c.Files)
		if err != nil {
			return err
		}
		c.Files = canon
	}

	if err := c.compileCORS(); err != nil {
		return err
	}

	return nil
}

// canonicalize resolves path to an absolute, cleaned form and, when
// DataRoot is set, rejects any path that escapes it (path-traversal
// guard, §4.8 step 3).
func (c *Config) canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errorkind.Wrap(errorkind.ConfigInvalid, "resolving path "+path, err)
	}
	clean := filepath.Clean(abs)

	if c.DataRoot != "" {
		root, err := filepath.Abs(c.DataRoot)
		if err != nil {
			return "", errorkind.Wrap(errorkind.ConfigInvalid, "resolving data root", err)
		}
		rel, err := filepath.Rel(root, clean)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", errorkind.New(errorkind.ConfigInvalid, fmt.Sprintf("path %q escapes data root %q", path, c.DataRoot))
		}
	}

	return clean, nil
}

// CORSPolicy is the compiled form of ServerConfig.CORSOrigins.
type CORSPolicy struct {
	AllowAll bool
	Allowed  map[string]bool
}

// Allow reports whether origin may receive CORS headers under this policy.
func (p CORSPolicy) Allow(origin string) bool {
	if p.AllowAll {
		return true
	}
	return p.Allowed[origin]
}

func (c *Config) compileCORS() error {
	if len(c.Server.CORSOrigins) == 0 {
		return errorkind.New(errorkind.ConfigInvalid, "server.cors_origins must not be empty")
	}
	for _, o := range c.Server.CORSOrigins {
		if o == "*" && len(c.Server.CORSOrigins) != 1 {
			return errorkind.New(errorkind.ConfigInvalid, `cors_origins: "*" must be the only entry`)
		}
	}
	return nil
}

// CompileCORS returns the compiled CORS policy for the resolved config.
func (c *Config) CompileCORS() CORSPolicy {
	if len(c.Server.CORSOrigins) == 1 && c.Server.CORSOrigins[0] == "*" {
		return CORSPolicy{AllowAll: true}
	}
	allowed := make(map[string]bool, len(c.Server.CORSOrigins))
	for _, o := range c.Server.CORSOrigins {
		allowed[o] = true
	}
	return CORSPolicy{Allowed: allowed}
}

// Addr returns the "host:port" listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
