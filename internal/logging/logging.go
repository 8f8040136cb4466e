package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Base builds the root zerolog.Logger for the process.
// level: debug|info|warn|error (unknown falls back to info);
// format: json|console.
func Base(app, level, format string) zerolog.Logger {
	return zerolog.New(writerFor(format)).
		Level(levelFor(level)).
		With().
		Timestamp().
		Str("app", app).
		Logger()
}

func levelFor(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}

	return lvl
}

func writerFor(format string) io.Writer {
	if strings.EqualFold(format, "console") {
		return zerolog.ConsoleWriter{Out: os.Stdout}
	}

	return os.Stdout
}
