package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/tileserver/internal/config"
	"github.com/MeKo-Tech/tileserver/internal/errorkind"
	"github.com/MeKo-Tech/tileserver/internal/httpserver"
	"github.com/MeKo-Tech/tileserver/internal/raster"
	"github.com/MeKo-Tech/tileserver/internal/rendererpool"
	"github.com/MeKo-Tech/tileserver/internal/sources"
	"github.com/MeKo-Tech/tileserver/internal/style"
)

// runServe is rootCmd's default action: load config (§4.8), open every
// source/style eagerly, build the renderer pools, and listen.
func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	entries := make([]sources.Entry, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		entries = append(entries, sources.Entry{
			ID: s.ID, Type: s.Type, Path: s.Path, URL: s.URL,
			Name: s.Name, Attribution: s.Attribution, Function: s.Function,
		})
		if s.Path != "" {
			if fi, statErr := os.Stat(s.Path); statErr == nil {
				logger.Debug("opening source", "id", s.ID, "path", s.Path, "size", humanize.Bytes(uint64(fi.Size())))
			}
		}
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	srcMgr, err := sources.NewManager(ctx, entries, httpClient)
	if err != nil {
		return &sourceOpenError{cause: err}
	}
	defer func() {
		if cerr := srcMgr.Close(); cerr != nil {
			logger.Error("closing source manager", "error", cerr)
		}
	}()

	styleEntries := make([]style.Entry, 0, len(cfg.Styles))
	for _, s := range cfg.Styles {
		styleEntries = append(styleEntries, style.Entry{ID: s.ID, Path: s.Path})
	}
	publicBaseURL := fmt.Sprintf("http://%s", cfg.Addr())
	styleMgr, err := style.NewManager(styleEntries, srcMgr, publicBaseURL)
	if err != nil {
		return errorkind.Wrap(errorkind.ConfigInvalid, "loading styles", err)
	}

	encoder := raster.DefaultEncoderOptions()
	rendererMgr := rendererpool.NewManager([]rendererpool.Config{
		{PixelRatio: 1, HandleSize: 512},
		{PixelRatio: 2, HandleSize: 1024},
		{PixelRatio: 3, HandleSize: 1536},
		{PixelRatio: 4, HandleSize: 2048},
	}, encoder.Encode)
	defer rendererMgr.Close()

	handler := &httpserver.Server{
		Sources:  srcMgr,
		Styles:   styleMgr,
		Renderer: rendererMgr,
		Encoder:  encoder,
		CORS:     cfg.CompileCORS(),
		FontsDir: cfg.Fonts,
		FilesDir: cfg.Files,
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("tileserver listening",
		"addr", cfg.Addr(),
		"sources", len(cfg.Sources),
		"styles", len(cfg.Styles),
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errorkind.Wrap(errorkind.Fatal, "server stopped", err)
	}
	return nil
}

// loadConfig applies precedence (flags > env > file > defaults) via viper,
// then normalizes and validates the result per §4.8.
func loadConfig() (*config.Config, error) {
	cfg := config.Defaults()

	// ErrorUnused rejects unknown config keys, matching §6's "unknown keys
	// are rejected" precedence rule.
	if err := viper.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) { dc.ErrorUnused = true }); err != nil {
		return nil, errorkind.Wrap(errorkind.ConfigInvalid, "decoding configuration", err)
	}
	cfg.Server.Host = viper.GetString("server.host")
	cfg.Server.Port = viper.GetInt("server.port")

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
