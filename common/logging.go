// Package common provides the shared logging and error infrastructure for the
// ingestion core. Logging is built on logrus with output stream routing that
// sends error-level messages to stderr and everything else to stdout, so
// containerized deployments can treat the two streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level marker. Error and fatal lines go to stderr; the rest to stdout.
type OutputSplitter struct{}

// Write implements io.Writer for OutputSplitter.
func (s *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) ||
		bytes.Contains(p, []byte("level=fatal")) || bytes.Contains(p, []byte(`"level":"fatal"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide default logger. Services that need custom
// configuration should construct their own via NewLogger and pass it down
// explicitly; the global exists for low-level helpers and tests.
var Logger = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(&OutputSplitter{})
	return logger
}
