// Package logging configures the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/sirupsen/logrus"
)

// New returns a JSON logrus logger at the given level. When logFile is set
// output goes to a daily rotated file instead of stdout.
func New(level, logFile string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)

	var out io.Writer = os.Stdout
	if logFile != "" {
		rl, err := rotatelogs.New(LogName(logFile))
		if err != nil {
			return nil, fmt.Errorf("unable to open rotated log %s: %w", logFile, err)
		}
		out = rl
	}
	logger.SetOutput(out)
	return logger, nil
}

// LogName returns the rotatelogs pattern for logFile, suffixed with either
// the hostname or the pod name in k8s.
func LogName(logFile string) string {
	hostname, _ := os.Hostname()
	if pod := os.Getenv("MY_POD_NAME"); pod != "" {
		hostname = pod
	}
	if hostname == "" {
		return logFile + "_%Y%m%d"
	}
	return fmt.Sprintf("%s_%s", logFile, hostname) + "_%Y%m%d"
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
