package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the process-wide logger. When logFile is non-empty,
// output is mirrored to a size-rotated file.
func Setup(logFile string) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetLevel(resolveLevel())

	if strings.TrimSpace(logFile) == "" {
		log.SetOutput(os.Stdout)
		return
	}

	rotated := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotated))
}

// resolveLevel reads ND92_LOG_LEVEL, defaulting to info.
func resolveLevel() log.Level {
	raw := strings.TrimSpace(os.Getenv("ND92_LOG_LEVEL"))
	if raw == "" {
		return log.InfoLevel
	}
	level, errParse := log.ParseLevel(raw)
	if errParse != nil {
		return log.InfoLevel
	}
	return level
}
