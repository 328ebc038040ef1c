// Package logger provides structured logging using zerolog.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Config represents logger configuration.
type Config struct {
	Output string // "stdout", "stderr", or "file"
	Level  string // "debug", "info", "warn", "error"
	File   string // log file path (used when Output is "file")
}

// Init initializes the global zerolog logger with the given configuration.
func Init(cfg Config) error {
	level := parseLevel(cfg.Level)

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.TimeOnly
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		parts := strings.Split(file, string(filepath.Separator))
		if len(parts) > 1 {
			return filepath.Join(parts[len(parts)-2:]...) + ":" + strconv.Itoa(line)
		}
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}

	var logger zerolog.Logger
	switch strings.ToLower(cfg.Output) {
	case "stdout", "stderr", "":
		var out io.Writer = os.Stdout
		if strings.ToLower(cfg.Output) == "stderr" {
			out = os.Stderr
		}
		console := zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.TimeOnly,
		}
		if level == zerolog.DebugLevel {
			// Caller info only at DEBUG level
			console.PartsOrder = []string{"time", "level", "message", "caller"}
			console.FormatCaller = func(i interface{}) string {
				return "(" + i.(string) + ")"
			}
			logger = zerolog.New(console).With().Timestamp().Caller().Logger()
		} else {
			logger = zerolog.New(console).With().Timestamp().Logger()
		}
	default:
		// JSON output for files
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		base := zerolog.New(f).With().Timestamp()
		if level == zerolog.DebugLevel {
			logger = base.Caller().Logger()
		} else {
			logger = base.Logger()
		}
	}

	zerolog.DefaultContextLogger = &logger
	zlog.Logger = logger

	return nil
}

// parseLevel parses the log level string.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
