// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup writes human-readable console output unless format is "JSON" and
// filters below level (default info).
func Setup(format, level string) {
	setup(os.Stdout, format, level)
}

func setup(out io.Writer, format, level string) {
	if strings.EqualFold(format, "JSON") {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	log.Logger = log.Logger.Level(lvl)
}
