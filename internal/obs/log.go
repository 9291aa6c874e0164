package obs

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *logrus.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *logrus.Logger {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stdout)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "ts",
			},
		})
	})
	return logger
}

// SetLevel adjusts the shared logger level; unknown values fall back to info.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger().SetLevel(lvl)
}

// Component returns an entry tagged with the emitting component.
func Component(name string) *logrus.Entry {
	return Logger().WithField("component", name)
}

// LogRequest emits a structured request log line.
func LogRequest(fields map[string]any) {
	Logger().WithFields(logrus.Fields(fields)).Info("request_complete")
}
