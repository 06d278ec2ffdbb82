package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnv overrides the configured log level.
const LevelEnv = "VX_LOG_LEVEL"

type Options struct {
	Level  string
	JSON   bool
	Writer io.Writer
}

// New builds the process logger: a console writer for humans or JSON lines
// for machines. It also becomes the package-level zerolog logger.
func New(opts Options) zerolog.Logger {
	out := opts.Writer
	if out == nil {
		out = os.Stderr
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	level := opts.Level
	if env := strings.TrimSpace(os.Getenv(LevelEnv)); env != "" {
		level = env
	}
	logger := zerolog.New(out).Level(ParseLevel(level)).With().Timestamp().Str("app", "vx").Logger()
	log.Logger = logger
	return logger
}

// ParseLevel maps a level name onto zerolog. Unknown names mean info.
func ParseLevel(name string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// OpenFile creates a timestamped log file inside dir. The caller closes it.
func OpenFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure logs directory: %w", err)
	}

	filename := time.Now().Format("20060102-150405") + ".log"
	file, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}
