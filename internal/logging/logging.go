package logging

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// Init configures the root logger from a level name. Unknown names fall
// back to info.
func Init(level string) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetLevel(ParseLevel(level))
}

// ParseLevel maps a config level name to a logrus level.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "critical":
		return log.FatalLevel
	case "error":
		return log.ErrorLevel
	case "warning", "warn":
		return log.WarnLevel
	case "debug":
		return log.DebugLevel
	case "trace":
		return log.TraceLevel
	default:
		return log.InfoLevel
	}
}
