package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures zerolog's global logger from LOG_LEVEL and LOG_FORMAT
// ("json", anything else means console).
func InitLogger(level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "zapdesk").Logger()
	}
	log.Info().Str("logFormat", format).Str("logLevel", lvl.String()).Msg("Logger initialized")
}
