package flags

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// AddLoggingFlags registers the shared logging flags on a pflag set (cobra
// commands) and returns pointers to the values.
func AddLoggingFlags(cmd *pflag.FlagSet) (logLevel, logFormat *string) {
	logLevel = cmd.String("log-level", log.InfoLevel.String(),
		"log level, must be one of: panic, fatal, error, warn, info, debug")
	logFormat = cmd.String("log-format", "plain",
		"log format, must be one of: plain, json")
	return logLevel, logFormat
}

// ConfigureLogging applies the log level and format process-wide.
func ConfigureLogging(logLevel, logFormat string) {
	// set log timestamps
	log.SetFormatter(getFormatter(logFormat))
	setLogLevel(logLevel)
}

func setLogLevel(logLevel string) {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("invalid log-level: %s", logLevel)
	}
	log.SetLevel(level)
}

func getFormatter(format string) log.Formatter {
	switch format {
	case "json":
		return &log.JSONFormatter{}
	default:
		return &log.TextFormatter{FullTimestamp: true}
	}
}
