// Package cmd implements the CLI surface (§6): cobra command tree, viper
// config/env/flag precedence, and slog logging setup, following the
// teacher's internal/cmd/root.go conventions.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
)

// Exit codes from §6.
const (
	ExitOK             = 0
	ExitConfigError    = 2
	ExitUsageError     = 64
	ExitSourceOpenError = 74
	ExitFatal          = 70
)

var cfgFile string
var logger *slog.Logger

var rootCmd = &cobra.Command{
	Use:     "tileserver",
	Short:   "Read-only HTTP tile server",
	Version: version(),
	Long: `tileserver exposes cartographic map tiles and related style/font
assets over XYZ, TileJSON 3.0, and WMTS conventions, backed by PMTiles,
MBTiles, Cloud-Optimized GeoTIFF, and PostGIS sources.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func version() string {
	return "dev"
}

// Execute runs the command tree and maps a returned error to the process
// exit code, following the codes in §6.
func Execute() {
	if logger == nil {
		initLogging()
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "configuration file (default: ./config.toml)")
	rootCmd.PersistentFlags().String("host", "0.0.0.0", "bind host")
	rootCmd.PersistentFlags().IntP("port", "p", 8080, "bind port")
	rootCmd.PersistentFlags().Bool("ui", true, "enable embedded web UI")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")

	mustBind := func(key, flag string) {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}
	mustBind("server.host", "host")
	mustBind("server.port", "port")
	mustBind("ui", "ui")
	mustBind("verbose", "verbose")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("toml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("TILESERVER")
	viper.AutomaticEnv()
	_ = viper.BindEnv("server.host", "HOST")
	_ = viper.BindEnv("server.port", "PORT")

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
		}
	}
}

func initLogging() {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	if lvl := strings.ToLower(os.Getenv("TILESERVER_LOG_LEVEL")); lvl != "" {
		switch lvl {
		case "debug":
			level = slog.LevelDebug
		case "warn", "warning":
			level = slog.LevelWarn
		case "error", "err":
			level = slog.LevelError
		}
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// sourceOpenError marks a startup error specifically caused by a source
// driver failing to open, which maps to ExitSourceOpenError (74) rather
// than the generic ExitConfigError (2) that other ConfigInvalid failures
// (bad ids, malformed CORS config) receive.
type sourceOpenError struct{ cause error }

func (e *sourceOpenError) Error() string { return e.cause.Error() }
func (e *sourceOpenError) Unwrap() error { return e.cause }

// exitCodeFor maps a returned error to one of the §6 exit codes via
// errorkind, defaulting to ExitFatal for untagged errors.
func exitCodeFor(err error) int {
	var soe *sourceOpenError
	if errors.As(err, &soe) {
		return ExitSourceOpenError
	}
	switch errorkind.KindOf(err) {
	case errorkind.ConfigInvalid:
		return ExitConfigError
	case errorkind.UserInput:
		return ExitUsageError
	default:
		return ExitFatal
	}
}
