package proxy

import (
	"log"
	"log/slog"
)

// slogErrorLog routes net/http's internal error log through logger.
func slogErrorLog(logger *slog.Logger) *log.Logger {
	return slog.NewLogLogger(logger.Handler(), slog.LevelDebug)
}
